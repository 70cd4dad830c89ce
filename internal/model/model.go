// Package model содержит доменные сущности сервиса выставления счетов маркетплейса.
package model

import "time"

// PaymentMethod описывает способ оплаты счёта.
type PaymentMethod string

const (
	PaymentMethodCash          PaymentMethod = "cash"
	PaymentMethodCard          PaymentMethod = "card"
	PaymentMethodMobileBanking PaymentMethod = "mobile-banking"
)

// Valid сообщает, входит ли способ оплаты в допустимый набор.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodMobileBanking:
		return true
	}
	return false
}

// PaymentStatus описывает статус оплаты счёта.
type PaymentStatus string

const (
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Valid сообщает, входит ли статус в допустимый набор.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusPending, PaymentStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo проверяет допустимость перехода статуса оплаты.
// Повторная установка того же статуса разрешена, чтобы можно было менять только заметки.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusPaid || next == PaymentStatusCancelled
	case PaymentStatusPaid:
		return next == PaymentStatusCancelled
	}
	return false
}

// LineItem описывает позицию счёта. Суммы хранятся в минимальных денежных единицах.
type LineItem struct {
	ProductRef   string
	Quantity     int64
	UnitPrice    Amount
	LineDiscount Amount
}

// Gross возвращает стоимость позиции без учёта скидки.
func (li LineItem) Gross() (Amount, error) {
	return li.UnitPrice.Mul(li.Quantity)
}

// Invoice описывает зафиксированный счёт магазина.
type Invoice struct {
	ID               string
	InvoiceNumber    string
	ShopRef          string
	CreatedByRef     string
	CustomerName     string
	CustomerPhone    string
	CustomerEmail    string
	Items            []LineItem
	Subtotal         Amount
	Tax              Amount
	Discount         Amount
	Total            Amount
	PaymentMethod    PaymentMethod
	PaymentStatus    PaymentStatus
	Notes            string
	FallbackNumbered bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity описывает уже аутентифицированного сотрудника магазина.
type Identity struct {
	ShopRef  string
	StaffRef string
}
