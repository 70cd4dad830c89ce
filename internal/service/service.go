// Package service реализует прикладную логику оформления и сопровождения счетов.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
	"github.com/mmeshcher/petmarket-invoicing/internal/invoice"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
	"github.com/mmeshcher/petmarket-invoicing/internal/repository"
	"github.com/mmeshcher/petmarket-invoicing/internal/validation"
)

const (
	defaultAuditInterval = time.Minute
	auditBatchSize       = 100
	maxNotesLength       = 2000
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*model.Invoice, error)
	ListInvoicesByShop(ctx context.Context, shopRef string) ([]model.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, shopRef, id string, status model.PaymentStatus, notes *string) error
	ListFallbackNumbered(ctx context.Context, limit int) ([]model.Invoice, error)
}

// Assembler оформляет счёт из запроса.
type Assembler interface {
	Assemble(ctx context.Context, req invoice.Request) (*model.Invoice, error)
}

// Service содержит прикладную логику сервиса счетов.
type Service struct {
	repo      Repository
	assembler Assembler
	logger    *zap.Logger

	auditLock     AuditLock
	auditInterval time.Duration
}

// Option настраивает Service.
type Option func(*Service)

// WithAuditLock задаёт распределённую блокировку для аудита.
func WithAuditLock(l AuditLock) Option {
	return func(s *Service) { s.auditLock = l }
}

// WithAuditInterval задаёт период аудита резервных номеров.
func WithAuditInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.auditInterval = d
		}
	}
}

// NewService создаёт новый сервис.
func NewService(repo Repository, assembler Assembler, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:          repo,
		assembler:     assembler,
		logger:        logger,
		auditInterval: defaultAuditInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Checkout оформляет счёт от имени сотрудника магазина.
func (s *Service) Checkout(ctx context.Context, identity model.Identity, req invoice.Request) (*model.Invoice, error) {
	if identity.ShopRef == "" || identity.StaffRef == "" {
		return nil, apperror.NewUnauthorized("missing shop identity")
	}

	req.ShopRef = identity.ShopRef
	req.CreatedByRef = identity.StaffRef

	inv, err := s.assembler.Assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("invoice issued",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("shop_ref", inv.ShopRef),
		zap.String("total", inv.Total.String()),
		zap.Bool("fallback_numbered", inv.FallbackNumbered))
	return inv, nil
}

// GetInvoice возвращает счёт магазина по идентификатору.
func (s *Service) GetInvoice(ctx context.Context, shopRef, id string) (*model.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	return ownInvoice(inv, err, shopRef, id)
}

// GetInvoiceByNumber возвращает счёт магазина по номеру.
func (s *Service) GetInvoiceByNumber(ctx context.Context, shopRef, number string) (*model.Invoice, error) {
	if !validation.IsValidInvoiceNumber(number) {
		return nil, apperror.NewValidation("malformed invoice number").WithDetail("invoice_number", number)
	}

	inv, err := s.repo.GetInvoiceByNumber(ctx, number)
	return ownInvoice(inv, err, shopRef, number)
}

// ownInvoice скрывает счета других магазинов за NOT_FOUND.
func ownInvoice(inv *model.Invoice, err error, shopRef, key string) (*model.Invoice, error) {
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			return nil, apperror.NewNotFound("invoice", key)
		}
		return nil, err
	}
	if inv.ShopRef != shopRef {
		return nil, apperror.NewNotFound("invoice", key)
	}
	return inv, nil
}

// ListInvoices возвращает счета магазина.
func (s *Service) ListInvoices(ctx context.Context, shopRef string) ([]model.Invoice, error) {
	return s.repo.ListInvoicesByShop(ctx, shopRef)
}

// UpdatePaymentStatus меняет статус оплаты и заметки счёта. Остальные поля счёта неизменны.
func (s *Service) UpdatePaymentStatus(ctx context.Context, shopRef, id string, status model.PaymentStatus, notes *string) (*model.Invoice, error) {
	if !status.Valid() {
		return nil, apperror.NewValidation("unknown payment status").WithDetail("payment_status", string(status))
	}
	if notes != nil && len(*notes) > maxNotesLength {
		return nil, apperror.NewValidation("notes are too long").WithDetail("notes", "max")
	}

	err := s.repo.UpdateInvoiceStatus(ctx, shopRef, id, status, notes)
	if err != nil {
		var te *repository.StatusTransitionError
		switch {
		case errors.As(err, &te):
			return nil, apperror.NewInvalidTransition(string(te.From), string(te.To))
		case errors.Is(err, repository.ErrInvoiceNotFound):
			return nil, apperror.NewNotFound("invoice", id)
		default:
			return nil, err
		}
	}

	return s.GetInvoice(ctx, shopRef, id)
}

// StartFallbackAudit запускает фоновый обход счетов с резервными номерами.
func (s *Service) StartFallbackAudit(ctx context.Context) {
	if s.repo == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.auditInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.auditFallbackNumbers(ctx)
			}
		}
	}()
}

// auditFallbackNumbers логирует счета с резервными номерами для последующей сверки.
// Возвращает число найденных счетов.
func (s *Service) auditFallbackNumbers(ctx context.Context) int {
	if s.auditLock != nil {
		unlock, err := s.auditLock.TryLock(ctx)
		if errors.Is(err, ErrLockHeld) {
			s.logger.Debug("fallback audit is running on another instance")
			return 0
		}
		if err != nil {
			s.logger.Warn("could not obtain audit lock", zap.Error(err))
			return 0
		}
		defer unlock()
	}

	invoices, err := s.repo.ListFallbackNumbered(ctx, auditBatchSize)
	if err != nil {
		s.logger.Error("failed to list fallback-numbered invoices", zap.Error(err))
		return 0
	}

	for _, inv := range invoices {
		s.logger.Warn("invoice carries fallback number",
			zap.String("invoice_id", inv.ID),
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.String("shop_ref", inv.ShopRef),
			zap.Time("created_at", inv.CreatedAt))
	}
	if len(invoices) > 0 {
		s.logger.Info("fallback audit finished", zap.Int("count", len(invoices)))
	}
	return len(invoices)
}
