// Package apperror содержит структурированные ошибки сервиса с привязкой к HTTP-статусам.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Коды ошибок.
const (
	CodeInternal = "INTERNAL_ERROR"

	CodeValidation    = "VALIDATION_ERROR"
	CodeInvalidAmount = "INVALID_AMOUNT"

	CodeStaleCatalogReference   = "STALE_CATALOG_REFERENCE"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"

	CodeSequencingUnavailable = "SEQUENCING_UNAVAILABLE"
	CodePersistenceConflict   = "PERSISTENCE_CONFLICT"

	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
)

// AppError - ошибка с машиночитаемым кодом, сообщением для клиента и рекомендуемым HTTP-статусом.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail добавляет пару ключ-значение в детали ошибки.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause задаёт исходную ошибку.
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// NewValidation создаёт ошибку некорректных входных данных (400).
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidAmount создаёт ошибку некорректной суммы или количества (422). Повтор без исправления бессмыслен.
func NewInvalidAmount(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidAmount,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewStaleCatalogReference создаёт ошибку устаревшей ссылки на товар каталога (409).
func NewStaleCatalogReference(productRef, reason string) *AppError {
	return &AppError{
		Code:       CodeStaleCatalogReference,
		Message:    "Cart is out of date, reload it and try again",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"product_ref": productRef, "reason": reason},
	}
}

// NewSequencingUnavailable создаёт ошибку недоступности счётчика номеров (503).
func NewSequencingUnavailable(periodKey string, err error) *AppError {
	return &AppError{
		Code:       CodeSequencingUnavailable,
		Message:    "Invoice sequencing is unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"period_key": periodKey},
		Err:        err,
	}
}

// NewPersistenceConflict создаёт фатальную ошибку конфликта уникальности номера счёта (409).
func NewPersistenceConflict(invoiceNumber string, err error) *AppError {
	return &AppError{
		Code:       CodePersistenceConflict,
		Message:    "Checkout was not completed, submit it again",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"invoice_number": invoiceNumber},
		Err:        err,
	}
}

// NewInvalidTransition создаёт ошибку недопустимого перехода статуса оплаты (422).
func NewInvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:       CodeInvalidStatusTransition,
		Message:    fmt.Sprintf("Payment status cannot change from %s to %s", from, to),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"from": from, "to": to},
	}
}

// NewNotFound создаёт ошибку отсутствующей сущности (404).
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewUnauthorized создаёт ошибку аутентификации (401).
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewInternal создаёт внутреннюю ошибку, скрывая причину от клиента (500).
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError извлекает AppError из цепочки ошибок.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode проверяет, содержит ли цепочка ошибок AppError с указанным кодом.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus возвращает HTTP-статус для любой ошибки.
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
