// Package invoice собирает счёт из корзины: проверяет позиции, сверяет цены с каталогом,
// считает итоги, получает номер и атомарно сохраняет результат.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
	"github.com/mmeshcher/petmarket-invoicing/internal/sequence"
	"github.com/mmeshcher/petmarket-invoicing/internal/validation"
)

var tracer = otel.Tracer("petmarket-invoicing/invoice")

var (
	// ErrProductNotFound возвращается каталогом, если товар больше не существует.
	ErrProductNotFound = errors.New("product not found")
	// ErrDuplicateNumber возвращается хранилищем при нарушении уникальности номера счёта.
	ErrDuplicateNumber = errors.New("invoice number already taken")
)

const (
	invoicePrefix = "INV-"
	// maxConflictRetries - сколько раз повторяется запись после конфликта номера.
	maxConflictRetries = 1
	catalogLookupLimit = 8
)

// Catalog - авторитетный источник цен и наличия товаров.
type Catalog interface {
	GetPrice(ctx context.Context, productRef string) (model.Amount, bool, error)
}

// Sequencer выдаёт номер последовательности для периода YYMM.
type Sequencer interface {
	Allocate(ctx context.Context, periodKey string) (int64, error)
}

// Store атомарно создаёт счёт со всеми позициями.
// При занятом номере возвращает ошибку, совместимую с ErrDuplicateNumber.
type Store interface {
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
}

// ItemRequest - позиция корзины. UnitPrice - цена, которую видел покупатель.
type ItemRequest struct {
	ProductRef   string `validate:"required,max=128"`
	Quantity     int64
	UnitPrice    model.Amount
	LineDiscount model.Amount
}

// Request - запрос на оформление счёта.
type Request struct {
	ShopRef            string        `validate:"required,max=128"`
	CreatedByRef       string        `validate:"required,max=128"`
	CustomerName       string        `validate:"required,max=200"`
	CustomerPhone      string        `validate:"required,phone"`
	CustomerEmail      string        `validate:"omitempty,email"`
	Items              []ItemRequest `validate:"dive"`
	Tax                model.Amount
	Discount           model.Amount
	TaxRateBasisPoints int64
	PaymentMethod      model.PaymentMethod `validate:"required,oneof=cash card mobile-banking"`
	PaymentStatus      model.PaymentStatus `validate:"omitempty,oneof=paid pending cancelled"`
	Notes              string              `validate:"max=2000"`
}

// Assembler оформляет счета.
type Assembler struct {
	sequencer Sequencer
	catalog   Catalog
	store     Store
	validate  *validator.Validate
	logger    *zap.Logger

	now   func() time.Time
	newID func() string

	lastFallback atomic.Int64
}

// Option настраивает Assembler.
type Option func(*Assembler)

// WithClock задаёт источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithIDGenerator задаёт генератор идентификаторов счетов.
func WithIDGenerator(newID func() string) Option {
	return func(a *Assembler) { a.newID = newID }
}

// NewAssembler создаёт сборщик счетов.
func NewAssembler(seq Sequencer, catalog Catalog, store Store, validate *validator.Validate, logger *zap.Logger, opts ...Option) *Assembler {
	if validate == nil {
		validate = validation.New("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Assembler{
		sequencer: seq,
		catalog:   catalog,
		store:     store,
		validate:  validate,
		logger:    logger,
		now:       time.Now,
		newID:     newInvoiceID,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func newInvoiceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Assemble проверяет запрос, считает итоги, присваивает номер и сохраняет счёт одной записью.
// Номер не расходуется, пока запрос не прошёл все проверки.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*model.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoice.assemble",
		trace.WithAttributes(
			attribute.String("invoice.shop_ref", req.ShopRef),
			attribute.Int("invoice.items", len(req.Items)),
		))
	defer span.End()

	inv, err := a.assemble(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assemble failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("invoice.number", inv.InvoiceNumber),
		attribute.Bool("invoice.fallback_numbered", inv.FallbackNumbered),
	)
	return inv, nil
}

func (a *Assembler) assemble(ctx context.Context, req Request) (*model.Invoice, error) {
	req = normalize(req)

	if err := a.validateRequest(req); err != nil {
		return nil, err
	}

	items, err := a.resolveItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	totals, err := ComputeTotals(items, req.Tax, req.Discount, req.TaxRateBasisPoints)
	if err != nil {
		return nil, err
	}

	status := req.PaymentStatus
	if status == "" {
		status = model.PaymentStatusPending
	}

	now := a.now().UTC()
	inv := &model.Invoice{
		ID:            a.newID(),
		ShopRef:       req.ShopRef,
		CreatedByRef:  req.CreatedByRef,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		Items:         items,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Discount:      totals.Discount,
		Total:         totals.Total,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: status,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	periodKey := sequence.PeriodKey(now)

	for attempt := 0; ; attempt++ {
		if err := a.assignNumber(ctx, inv, periodKey); err != nil {
			return nil, err
		}

		err := a.store.CreateInvoice(ctx, inv)
		if err == nil {
			return inv, nil
		}

		if !errors.Is(err, ErrDuplicateNumber) {
			return nil, fmt.Errorf("persist invoice %s: %w", inv.InvoiceNumber, err)
		}

		if attempt >= maxConflictRetries {
			a.logger.Error("invoice number conflict persisted after retry",
				zap.String("invoice_number", inv.InvoiceNumber),
				zap.String("shop_ref", inv.ShopRef))
			return nil, apperror.NewPersistenceConflict(inv.InvoiceNumber, err)
		}

		a.logger.Warn("invoice number conflict, retrying with a fresh number",
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.String("shop_ref", inv.ShopRef))
	}
}

func normalize(req Request) Request {
	req.ShopRef = strings.TrimSpace(req.ShopRef)
	req.CreatedByRef = strings.TrimSpace(req.CreatedByRef)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)

	items := make([]ItemRequest, len(req.Items))
	for i, item := range req.Items {
		item.ProductRef = strings.TrimSpace(item.ProductRef)
		items[i] = item
	}
	req.Items = items
	return req
}

func (a *Assembler) validateRequest(req Request) error {
	quoted := make([]model.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		quoted = append(quoted, model.LineItem{
			ProductRef:   item.ProductRef,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			LineDiscount: item.LineDiscount,
		})
	}
	if _, err := ComputeTotals(quoted, req.Tax, req.Discount, req.TaxRateBasisPoints); err != nil {
		return err
	}

	if err := a.validate.Struct(req); err != nil {
		appErr := apperror.NewValidation("invalid checkout request")
		for field, rule := range validation.FieldErrors(err) {
			appErr.WithDetail(field, rule)
		}
		return appErr.WithCause(err)
	}

	if !req.PaymentMethod.Valid() {
		return apperror.NewValidation("unknown payment method").WithDetail("payment_method", string(req.PaymentMethod))
	}

	return nil
}

// resolveItems берёт цену каждой позиции из каталога. Цена клиента должна совпасть с ценой каталога.
func (a *Assembler) resolveItems(ctx context.Context, reqItems []ItemRequest) ([]model.LineItem, error) {
	items := make([]model.LineItem, len(reqItems))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogLookupLimit)

	for i, ri := range reqItems {
		g.Go(func() error {
			price, inStock, err := a.catalog.GetPrice(gctx, ri.ProductRef)
			if err != nil {
				if errors.Is(err, ErrProductNotFound) {
					return apperror.NewStaleCatalogReference(ri.ProductRef, "not_found")
				}
				return fmt.Errorf("resolve price for %s: %w", ri.ProductRef, err)
			}
			if !inStock {
				return apperror.NewStaleCatalogReference(ri.ProductRef, "out_of_stock")
			}
			if price != ri.UnitPrice {
				return apperror.NewStaleCatalogReference(ri.ProductRef, "price_changed").
					WithDetail("quoted_price", ri.UnitPrice.String()).
					WithDetail("current_price", price.String())
			}

			items[i] = model.LineItem{
				ProductRef:   ri.ProductRef,
				Quantity:     ri.Quantity,
				UnitPrice:    price,
				LineDiscount: ri.LineDiscount,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// assignNumber присваивает счёту номер INV-YYMM-NNNN или, если счётчик недоступен, резервный номер.
func (a *Assembler) assignNumber(ctx context.Context, inv *model.Invoice, periodKey string) error {
	seq, err := a.sequencer.Allocate(ctx, periodKey)
	if err == nil {
		inv.InvoiceNumber = FormatNumber(periodKey, seq)
		inv.FallbackNumbered = false
		return nil
	}

	if !apperror.HasCode(err, apperror.CodeSequencingUnavailable) {
		return err
	}

	inv.InvoiceNumber = a.fallbackNumber()
	inv.FallbackNumbered = true

	a.logger.Warn("sequence allocator unavailable, using fallback invoice number",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("period_key", periodKey),
		zap.Error(err))
	return nil
}

// fallbackNumber возвращает INV-<unix nanos>, строго возрастающий в пределах процесса.
func (a *Assembler) fallbackNumber() string {
	for {
		last := a.lastFallback.Load()
		next := a.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if a.lastFallback.CompareAndSwap(last, next) {
			return invoicePrefix + strconv.FormatInt(next, 10)
		}
	}
}

// FormatNumber форматирует номер счёта. При переполнении четырёх разрядов поле расширяется.
func FormatNumber(periodKey string, seq int64) string {
	return fmt.Sprintf("%s%s-%04d", invoicePrefix, periodKey, seq)
}
