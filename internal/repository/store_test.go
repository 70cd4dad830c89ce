package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/petmarket-invoicing/internal/invoice"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error { return r.scan(dest...) }

// stubPool ведёт себя как upsert в invoice_counters и отдаёт заранее заданную транзакцию.
// Неиспользуемые методы Pool не реализованы.
type stubPool struct {
	Pool

	counters map[string]int64
	queries  []string
	rowErr   error

	tx       *stubTx
	beginErr error
}

func newStubPool() *stubPool {
	return &stubPool{counters: make(map[string]int64), tx: &stubTx{}}
}

func (p *stubPool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.queries = append(p.queries, sql)
	if err := p.rowErr; err != nil {
		return stubRow{scan: func(...any) error { return err }}
	}

	key := args[0].(string)
	p.counters[key]++
	value := p.counters[key]
	return stubRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = value
		return nil
	}}
}

func (p *stubPool) Begin(context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

type stubTx struct {
	pgx.Tx

	execErr  error
	batchErr error

	execs      []string
	batchLen   int
	batchSent  bool
	committed  bool
	rolledBack bool
}

func (t *stubTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *stubTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	t.batchSent = true
	t.batchLen = b.Len()
	return stubBatch{err: t.batchErr}
}

func (t *stubTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *stubTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type stubBatch struct {
	pgx.BatchResults
	err error
}

func (b stubBatch) Close() error { return b.err }

func testInvoice() *model.Invoice {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	return &model.Invoice{
		ID:            "0194a1b2-0000-7000-8000-000000000001",
		InvoiceNumber: "INV-2501-0001",
		ShopRef:       "shop-1",
		CreatedByRef:  "staff-1",
		CustomerName:  "Rahim",
		CustomerPhone: "+8801712345678",
		Items: []model.LineItem{
			{ProductRef: "cat-food", Quantity: 2, UnitPrice: 1000},
			{ProductRef: "collar", Quantity: 1, UnitPrice: 500, LineDiscount: 100},
		},
		Subtotal:      2400,
		Tax:           150,
		Total:         2550,
		PaymentMethod: model.PaymentMethodCash,
		PaymentStatus: model.PaymentStatusPaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	pool := newStubPool()
	r := NewWithPool(pool)

	first, err := r.Increment(ctx, "invoice:2501")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := r.Increment(ctx, "invoice:2501")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)

	other, err := r.Increment(ctx, "invoice:2502")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "new period starts from one")

	require.Len(t, pool.queries, 3)
	sql := pool.queries[0]
	assert.Contains(t, sql, "INSERT INTO invoice_counters")
	assert.Contains(t, sql, "VALUES ($1, 1, now())")
	assert.Contains(t, sql, "ON CONFLICT (key) DO UPDATE")
	assert.Contains(t, sql, "last_value = invoice_counters.last_value + 1")
	assert.Contains(t, sql, "RETURNING last_value")
}

func TestIncrement_Error(t *testing.T) {
	pool := newStubPool()
	pool.rowErr = errors.New("conn closed")
	r := NewWithPool(pool)

	_, err := r.Increment(context.Background(), "invoice:2501")
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.rowErr)
	assert.Contains(t, err.Error(), "invoice:2501")
}

func TestCreateInvoice(t *testing.T) {
	pool := newStubPool()
	r := NewWithPool(pool)

	require.NoError(t, r.CreateInvoice(context.Background(), testInvoice()))

	require.Len(t, pool.tx.execs, 1)
	assert.Contains(t, pool.tx.execs[0], "INSERT INTO invoices")
	assert.Equal(t, 2, pool.tx.batchLen)
	assert.True(t, pool.tx.committed)
	assert.False(t, pool.tx.rolledBack)
}

func TestCreateInvoice_DuplicateNumber(t *testing.T) {
	pool := newStubPool()
	pool.tx.execErr = &pgconn.PgError{
		Code:           pgerrcode.UniqueViolation,
		ConstraintName: "invoices_invoice_number_key",
	}
	r := NewWithPool(pool)

	err := r.CreateInvoice(context.Background(), testInvoice())
	require.Error(t, err)
	assert.ErrorIs(t, err, invoice.ErrDuplicateNumber)
	assert.Contains(t, err.Error(), "INV-2501-0001")

	assert.False(t, pool.tx.batchSent, "items are not written after a failed header insert")
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
}

func TestCreateInvoice_ItemsFailure(t *testing.T) {
	pool := newStubPool()
	pool.tx.batchErr = &pgconn.PgError{Code: pgerrcode.CheckViolation}
	r := NewWithPool(pool)

	err := r.CreateInvoice(context.Background(), testInvoice())
	require.Error(t, err)
	assert.NotErrorIs(t, err, invoice.ErrDuplicateNumber)
	assert.Contains(t, err.Error(), "insert invoice items")

	assert.False(t, pool.tx.committed, "invoice without items must not be committed")
	assert.True(t, pool.tx.rolledBack)
}

func TestCreateInvoice_OtherInsertError(t *testing.T) {
	pool := newStubPool()
	pool.tx.execErr = &pgconn.PgError{Code: pgerrcode.NotNullViolation}
	r := NewWithPool(pool)

	err := r.CreateInvoice(context.Background(), testInvoice())
	require.Error(t, err)
	assert.NotErrorIs(t, err, invoice.ErrDuplicateNumber)
	assert.False(t, pool.tx.committed)
}

func TestCreateInvoice_BeginError(t *testing.T) {
	pool := newStubPool()
	pool.beginErr = errors.New("dial tcp: connection refused")
	r := NewWithPool(pool)

	err := r.CreateInvoice(context.Background(), testInvoice())
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.beginErr)
	assert.Empty(t, pool.tx.execs)
}
