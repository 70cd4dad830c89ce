// Package handler содержит HTTP-обработчики API сервиса счетов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
	"github.com/mmeshcher/petmarket-invoicing/internal/invoice"
	"github.com/mmeshcher/petmarket-invoicing/internal/middleware"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
)

const maxBodyBytes = 1 << 20

// statusClientClosedRequest - нестандартный код nginx для запроса, брошенного клиентом.
const statusClientClosedRequest = 499

// Service определяет контракт прикладной логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	Checkout(ctx context.Context, identity model.Identity, req invoice.Request) (*model.Invoice, error)
	GetInvoice(ctx context.Context, shopRef, id string) (*model.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, shopRef, number string) (*model.Invoice, error)
	ListInvoices(ctx context.Context, shopRef string) ([]model.Invoice, error)
	UpdatePaymentStatus(ctx context.Context, shopRef, id string, status model.PaymentStatus, notes *string) (*model.Invoice, error)
}

// Handler реализует HTTP-обработчики API сервиса счетов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type itemRequest struct {
	ProductRef   string          `json:"product_ref"`
	Quantity     int64           `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineDiscount decimal.Decimal `json:"line_discount"`
}

type checkoutRequest struct {
	CustomerName       string          `json:"customer_name"`
	CustomerPhone      string          `json:"customer_phone"`
	CustomerEmail      string          `json:"customer_email"`
	Items              []itemRequest   `json:"items"`
	Tax                decimal.Decimal `json:"tax"`
	Discount           decimal.Decimal `json:"discount"`
	TaxRateBasisPoints int64           `json:"tax_rate_bps"`
	PaymentMethod      string          `json:"payment_method"`
	PaymentStatus      string          `json:"payment_status"`
	Notes              string          `json:"notes"`
}

type statusRequest struct {
	PaymentStatus string  `json:"payment_status"`
	Notes         *string `json:"notes"`
}

type itemResponse struct {
	ProductRef   string `json:"product_ref"`
	Quantity     int64  `json:"quantity"`
	UnitPrice    string `json:"unit_price"`
	LineDiscount string `json:"line_discount"`
}

type invoiceResponse struct {
	ID               string         `json:"id"`
	InvoiceNumber    string         `json:"invoice_number"`
	ShopRef          string         `json:"shop_ref"`
	CreatedByRef     string         `json:"created_by_ref"`
	CustomerName     string         `json:"customer_name"`
	CustomerPhone    string         `json:"customer_phone"`
	CustomerEmail    string         `json:"customer_email,omitempty"`
	Items            []itemResponse `json:"items"`
	Subtotal         string         `json:"subtotal"`
	Tax              string         `json:"tax"`
	Discount         string         `json:"discount"`
	Total            string         `json:"total"`
	PaymentMethod    string         `json:"payment_method"`
	PaymentStatus    string         `json:"payment_status"`
	Notes            string         `json:"notes,omitempty"`
	FallbackNumbered bool           `json:"fallback_numbered"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

func toResponse(inv *model.Invoice) invoiceResponse {
	items := make([]itemResponse, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, itemResponse{
			ProductRef:   it.ProductRef,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice.String(),
			LineDiscount: it.LineDiscount.String(),
		})
	}

	return invoiceResponse{
		ID:               inv.ID,
		InvoiceNumber:    inv.InvoiceNumber,
		ShopRef:          inv.ShopRef,
		CreatedByRef:     inv.CreatedByRef,
		CustomerName:     inv.CustomerName,
		CustomerPhone:    inv.CustomerPhone,
		CustomerEmail:    inv.CustomerEmail,
		Items:            items,
		Subtotal:         inv.Subtotal.String(),
		Tax:              inv.Tax.String(),
		Discount:         inv.Discount.String(),
		Total:            inv.Total.String(),
		PaymentMethod:    string(inv.PaymentMethod),
		PaymentStatus:    string(inv.PaymentStatus),
		Notes:            inv.Notes,
		FallbackNumbered: inv.FallbackNumbered,
		CreatedAt:        inv.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:        inv.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// toAmount переводит десятичную сумму запроса в минимальные единицы.
func toAmount(field string, d decimal.Decimal) (model.Amount, error) {
	a, err := model.AmountFromDecimal(d)
	if err != nil {
		if errors.Is(err, model.ErrAmountPrecision) {
			return 0, apperror.NewInvalidAmount("amount has more than two fractional digits").WithDetail("field", field)
		}
		return 0, apperror.NewInvalidAmount("amount is too large").WithDetail("field", field)
	}
	return a, nil
}

func (c checkoutRequest) toDomain() (invoice.Request, error) {
	req := invoice.Request{
		CustomerName:       c.CustomerName,
		CustomerPhone:      c.CustomerPhone,
		CustomerEmail:      c.CustomerEmail,
		TaxRateBasisPoints: c.TaxRateBasisPoints,
		PaymentMethod:      model.PaymentMethod(c.PaymentMethod),
		PaymentStatus:      model.PaymentStatus(c.PaymentStatus),
		Notes:              c.Notes,
		Items:              make([]invoice.ItemRequest, 0, len(c.Items)),
	}

	var err error
	if req.Tax, err = toAmount("tax", c.Tax); err != nil {
		return invoice.Request{}, err
	}
	if req.Discount, err = toAmount("discount", c.Discount); err != nil {
		return invoice.Request{}, err
	}

	for i, it := range c.Items {
		item := invoice.ItemRequest{ProductRef: it.ProductRef, Quantity: it.Quantity}
		if item.UnitPrice, err = toAmount(fmt.Sprintf("items[%d].unit_price", i), it.UnitPrice); err != nil {
			return invoice.Request{}, err
		}
		if item.LineDiscount, err = toAmount(fmt.Sprintf("items[%d].line_discount", i), it.LineDiscount); err != nil {
			return invoice.Request{}, err
		}
		req.Items = append(req.Items, item)
	}

	return req, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// writeError отвечает ошибкой в формате {"code","message","details"}.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperror.AsAppError(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			h.logger.Info("request canceled by client", zap.String("path", r.URL.Path))
			w.WriteHeader(statusClientClosedRequest)
			return
		}
		h.logger.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		appErr = apperror.NewInternal(err)
	} else if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
	}

	h.writeJSON(w, appErr.HTTPStatus, appErr)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperror.NewValidation("malformed JSON body").WithCause(err)
	}
	return nil
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperror.NewUnauthorized("missing shop identity"))
	}
	return id, ok
}

// Ping проверяет доступность хранилища.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("ping error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CreateInvoice оформляет счёт из корзины текущего сотрудника.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var body checkoutRequest
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	req, err := body.toDomain()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	inv, err := h.service.Checkout(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/invoices/"+inv.ID)
	h.writeJSON(w, http.StatusCreated, toResponse(inv))
}

// ListInvoices возвращает счета магазина текущего сотрудника.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	invoices, err := h.service.ListInvoices(r.Context(), id.ShopRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		resp = append(resp, toResponse(&invoices[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetInvoice возвращает счёт по идентификатору.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), id.ShopRef, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(inv))
}

// GetInvoiceByNumber возвращает счёт по номеру.
func (h *Handler) GetInvoiceByNumber(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	number := strings.TrimSpace(chi.URLParam(r, "number"))
	inv, err := h.service.GetInvoiceByNumber(r.Context(), id.ShopRef, number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(inv))
}

// UpdateStatus меняет статус оплаты и заметки счёта.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var body statusRequest
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	inv, err := h.service.UpdatePaymentStatus(r.Context(), id.ShopRef, chi.URLParam(r, "id"),
		model.PaymentStatus(body.PaymentStatus), body.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(inv))
}
