// Package catalog предоставляет клиент для внешнего каталога товаров.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/petmarket-invoicing/internal/invoice"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
)

const defaultMaxRetryWait = 5 * time.Second

// Client инкапсулирует HTTP-взаимодействие с каталогом.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxRetryWait time.Duration
}

// Product описывает ответ каталога по одному товару.
type Product struct {
	Ref     string          `json:"ref"`
	Price   decimal.Decimal `json:"price"`
	InStock bool            `json:"in_stock"`
}

// NewClient создаёт HTTP-клиент каталога по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		maxRetryWait: defaultMaxRetryWait,
	}
}

// GetPrice возвращает авторитетную цену товара и признак наличия.
// Если товара нет, возвращает ошибку, совместимую с invoice.ErrProductNotFound.
func (c *Client) GetPrice(ctx context.Context, productRef string) (model.Amount, bool, error) {
	p, err := c.GetProduct(ctx, productRef)
	if err != nil {
		return 0, false, err
	}

	price, err := model.AmountFromDecimal(p.Price)
	if err != nil {
		return 0, false, fmt.Errorf("catalog price for %s: %w", productRef, err)
	}
	return price, p.InStock, nil
}

// GetProduct запрашивает товар. На 429 ждёт Retry-After и повторяет запрос один раз.
func (c *Client) GetProduct(ctx context.Context, productRef string) (*Product, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("catalog client not configured")
	}

	p, retryAfter, err := c.fetch(ctx, productRef)
	if err != nil || retryAfter < 0 {
		return p, err
	}

	if retryAfter > c.maxRetryWait {
		return nil, fmt.Errorf("catalog rate limited, retry after %s", retryAfter)
	}

	timer := time.NewTimer(retryAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	p, retryAfter, err = c.fetch(ctx, productRef)
	if err != nil {
		return nil, err
	}
	if retryAfter >= 0 {
		return nil, fmt.Errorf("catalog rate limited")
	}
	return p, nil
}

// fetch выполняет один запрос. retryAfter >= 0 означает ответ 429.
func (c *Client) fetch(ctx context.Context, productRef string) (*Product, time.Duration, error) {
	endpoint := fmt.Sprintf("%s/api/products/%s", c.baseURL, url.PathEscape(productRef))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, -1, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, -1, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, -1, fmt.Errorf("catalog product %s: %w", productRef, invoice.ErrProductNotFound)
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, retryAfter, nil
	default:
		return nil, -1, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Product
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, -1, fmt.Errorf("decode response: %w", err)
	}
	return &result, -1, nil
}
