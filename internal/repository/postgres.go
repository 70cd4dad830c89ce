// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmeshcher/petmarket-invoicing/internal/invoice"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var tracer = otel.Tracer("petmarket-invoicing/repository")

// ErrInvoiceNotFound возвращается, если счёт не найден.
var ErrInvoiceNotFound = errors.New("invoice not found")

// StatusTransitionError возвращается, если текущий статус оплаты не допускает запрошенный переход.
type StatusTransitionError struct {
	From model.PaymentStatus
	To   model.PaymentStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("payment status cannot change from %s to %s", e.From, e.To)
}

// Pool - операции пула соединений, которыми пользуется репозиторий.
// *pgxpool.Pool удовлетворяет ему напрямую.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        Pool
	retryDelays []time.Duration
}

// NewWithPool создаёт репозиторий поверх готового пула без запуска миграций.
func NewWithPool(pool Pool) *PostgresRepository {
	return &PostgresRepository{
		pool:        pool,
		retryDelays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second},
	}
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return NewWithPool(pool), nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет идемпотентные операции при временных сбоях.
// Запись счёта и инкремент счётчика через него не проходят.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isRetryable(err) || i == len(r.retryDelays) {
			return err
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Increment атомарно увеличивает счётчик и возвращает новое значение.
// Первый вызов для нового ключа создаёт строку со значением 1.
func (r *PostgresRepository) Increment(ctx context.Context, key string) (int64, error) {
	var value int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO invoice_counters (key, last_value, updated_at)
		 VALUES ($1, 1, now())
		 ON CONFLICT (key) DO UPDATE
		 SET last_value = invoice_counters.last_value + 1, updated_at = now()
		 RETURNING last_value`,
		key,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return value, nil
}

// CreateInvoice сохраняет счёт и все позиции одной транзакцией.
// Занятый номер возвращается как invoice.ErrDuplicateNumber.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	ctx, span := tracer.Start(ctx, "repository.create_invoice",
		trace.WithAttributes(attribute.String("invoice.number", inv.InvoiceNumber)))
	defer span.End()

	if err := r.createInvoice(ctx, inv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create invoice failed")
		return err
	}
	return nil
}

func (r *PostgresRepository) createInvoice(ctx context.Context, inv *model.Invoice) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO invoices (
			id, invoice_number, shop_ref, created_by_ref,
			customer_name, customer_phone, customer_email,
			subtotal, tax, discount, total,
			payment_method, payment_status, notes, fallback_numbered,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		inv.ID, inv.InvoiceNumber, inv.ShopRef, inv.CreatedByRef,
		inv.CustomerName, inv.CustomerPhone, inv.CustomerEmail,
		int64(inv.Subtotal), int64(inv.Tax), int64(inv.Discount), int64(inv.Total),
		string(inv.PaymentMethod), string(inv.PaymentStatus), inv.Notes, inv.FallbackNumbered,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", invoice.ErrDuplicateNumber, inv.InvoiceNumber)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	batch := &pgx.Batch{}
	for i, item := range inv.Items {
		batch.Queue(
			`INSERT INTO invoice_items (invoice_id, position, product_ref, quantity, unit_price, line_discount)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			inv.ID, i, item.ProductRef, item.Quantity, int64(item.UnitPrice), int64(item.LineDiscount),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert invoice items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const invoiceColumns = `id, invoice_number, shop_ref, created_by_ref,
	customer_name, customer_phone, customer_email,
	subtotal, tax, discount, total,
	payment_method, payment_status, notes, fallback_numbered,
	created_at, updated_at`

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var (
		inv                            model.Invoice
		subtotal, tax, discount, total int64
		method, status                 string
	)
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.ShopRef, &inv.CreatedByRef,
		&inv.CustomerName, &inv.CustomerPhone, &inv.CustomerEmail,
		&subtotal, &tax, &discount, &total,
		&method, &status, &inv.Notes, &inv.FallbackNumbered,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Subtotal = model.Amount(subtotal)
	inv.Tax = model.Amount(tax)
	inv.Discount = model.Amount(discount)
	inv.Total = model.Amount(total)
	inv.PaymentMethod = model.PaymentMethod(method)
	inv.PaymentStatus = model.PaymentStatus(status)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

// GetInvoice возвращает счёт с позициями по идентификатору.
func (r *PostgresRepository) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	return r.getInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
}

// GetInvoiceByNumber возвращает счёт с позициями по номеру.
func (r *PostgresRepository) GetInvoiceByNumber(ctx context.Context, number string) (*model.Invoice, error) {
	return r.getInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE invoice_number = $1`, number)
}

func (r *PostgresRepository) getInvoice(ctx context.Context, query string, arg string) (*model.Invoice, error) {
	var inv *model.Invoice
	err := r.withRetry(ctx, func() error {
		var err error
		inv, err = scanInvoice(r.pool.QueryRow(ctx, query, arg))
		if err != nil {
			return err
		}
		items, err := r.loadItems(ctx, []string{inv.ID})
		if err != nil {
			return err
		}
		inv.Items = items[inv.ID]
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrInvoiceNotFound, arg)
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// ListInvoicesByShop возвращает счета магазина, новые первыми.
func (r *PostgresRepository) ListInvoicesByShop(ctx context.Context, shopRef string) ([]model.Invoice, error) {
	var res []model.Invoice
	err := r.withRetry(ctx, func() error {
		invoices, err := r.queryInvoices(ctx,
			`SELECT `+invoiceColumns+`
			 FROM invoices
			 WHERE shop_ref = $1
			 ORDER BY created_at DESC, invoice_number DESC`,
			shopRef,
		)
		if err != nil {
			return err
		}

		ids := make([]string, len(invoices))
		for i := range invoices {
			ids[i] = invoices[i].ID
		}
		items, err := r.loadItems(ctx, ids)
		if err != nil {
			return err
		}
		for i := range invoices {
			invoices[i].Items = items[invoices[i].ID]
		}

		res = invoices
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return res, nil
}

// ListFallbackNumbered возвращает счета с резервными номерами без позиций, старые первыми.
func (r *PostgresRepository) ListFallbackNumbered(ctx context.Context, limit int) ([]model.Invoice, error) {
	var res []model.Invoice
	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.queryInvoices(ctx,
			`SELECT `+invoiceColumns+`
			 FROM invoices
			 WHERE fallback_numbered
			 ORDER BY created_at
			 LIMIT $1`,
			limit,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list fallback invoices: %w", err)
	}
	return res, nil
}

func (r *PostgresRepository) queryInvoices(ctx context.Context, query string, args ...any) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var res []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		res = append(res, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (r *PostgresRepository) loadItems(ctx context.Context, ids []string) (map[string][]model.LineItem, error) {
	res := make(map[string][]model.LineItem, len(ids))
	if len(ids) == 0 {
		return res, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT invoice_id, product_ref, quantity, unit_price, line_discount
		 FROM invoice_items
		 WHERE invoice_id = ANY($1)
		 ORDER BY invoice_id, position`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select invoice items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			invoiceID           string
			item                model.LineItem
			unitPrice, discount int64
		)
		if err := rows.Scan(&invoiceID, &item.ProductRef, &item.Quantity, &unitPrice, &discount); err != nil {
			return nil, fmt.Errorf("scan invoice item: %w", err)
		}
		item.UnitPrice = model.Amount(unitPrice)
		item.LineDiscount = model.Amount(discount)
		res[invoiceID] = append(res[invoiceID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// UpdateInvoiceStatus меняет статус оплаты и, если notes не nil, заметки.
// Строка счёта блокируется на время проверки перехода. Счёт другого магазина считается ненайденным.
func (r *PostgresRepository) UpdateInvoiceStatus(ctx context.Context, shopRef, id string, status model.PaymentStatus, notes *string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var current string
		err = tx.QueryRow(ctx,
			`SELECT payment_status FROM invoices WHERE id = $1 AND shop_ref = $2 FOR UPDATE`,
			id, shopRef,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrInvoiceNotFound, id)
			}
			return fmt.Errorf("lock invoice for update: %w", err)
		}

		from := model.PaymentStatus(current)
		if !from.CanTransitionTo(status) {
			return &StatusTransitionError{From: from, To: status}
		}

		_, err = tx.Exec(ctx,
			`UPDATE invoices
			 SET payment_status = $2, notes = COALESCE($3, notes), updated_at = now()
			 WHERE id = $1`,
			id, string(status), notes,
		)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetPrice возвращает цену товара из локального каталога и признак наличия.
func (r *PostgresRepository) GetPrice(ctx context.Context, productRef string) (model.Amount, bool, error) {
	var (
		price   int64
		inStock bool
	)
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT price, in_stock FROM products WHERE ref = $1`,
			productRef,
		).Scan(&price, &inStock)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("%w: %s", invoice.ErrProductNotFound, productRef)
		}
		return 0, false, fmt.Errorf("get product price: %w", err)
	}
	return model.Amount(price), inStock, nil
}
