// Package sequence выдаёт номера счетов внутри периода YYMM.
//
// Счётчик периода принадлежит хранилищу и изменяется только его атомарной операцией
// increment-and-fetch. Выданный номер считается израсходованным, даже если счёт потом
// не удалось сохранить: пропуски допустимы, дубликаты нет.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
	"github.com/mmeshcher/petmarket-invoicing/internal/validation"
)

var tracer = otel.Tracer("petmarket-invoicing/sequence")

// counterKeyPrefix отделяет счётчики счетов от других ключей хранилища.
const counterKeyPrefix = "invoice:"

// CounterStore - атомарный increment-and-fetch по произвольному строковому ключу.
// Первый вызов для нового ключа должен вернуть 1.
type CounterStore interface {
	Increment(ctx context.Context, key string) (int64, error)
}

// Allocator выдаёт следующий номер последовательности для периода.
type Allocator struct {
	store CounterStore
}

// NewAllocator создаёт распределитель номеров поверх хранилища счётчиков.
func NewAllocator(store CounterStore) *Allocator {
	return &Allocator{store: store}
}

// PeriodKey возвращает ключ периода YYMM для момента времени в UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("0601")
}

// CounterKey возвращает ключ счётчика в хранилище для периода.
func CounterKey(periodKey string) string {
	return counterKeyPrefix + periodKey
}

// Allocate атомарно увеличивает счётчик периода и возвращает новое значение.
// Ошибка хранилища возвращается как SEQUENCING_UNAVAILABLE; отмена контекста возвращается как есть.
func (a *Allocator) Allocate(ctx context.Context, periodKey string) (int64, error) {
	if !validation.IsValidPeriodKey(periodKey) {
		return 0, apperror.NewValidation("malformed period key").WithDetail("period_key", periodKey)
	}

	ctx, span := tracer.Start(ctx, "sequence.allocate",
		trace.WithAttributes(attribute.String("sequence.period_key", periodKey)))
	defer span.End()

	if a == nil || a.store == nil {
		err := apperror.NewSequencingUnavailable(periodKey, errors.New("counter store is not configured"))
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	seq, err := a.store.Increment(ctx, CounterKey(periodKey))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "increment failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, apperror.NewSequencingUnavailable(periodKey, err)
	}

	if seq < 1 {
		err := apperror.NewSequencingUnavailable(periodKey, fmt.Errorf("counter returned non-positive value %d", seq))
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.Int64("sequence.value", seq))
	return seq, nil
}
