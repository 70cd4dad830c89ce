package invoice

import (
	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
)

const basisPointsPerUnit = 10000

// Totals - производные суммы счёта в минимальных единицах.
type Totals struct {
	Subtotal model.Amount
	Tax      model.Amount
	Discount model.Amount
	Total    model.Amount
}

// ComputeTotals считает subtotal = Σ(цена×кол-во) − Σ(скидка позиции) и total = subtotal + tax − discount.
// Если tax не задан, а taxRateBasisPoints больше нуля, налог считается от subtotal
// с округлением половины вверх.
func ComputeTotals(items []model.LineItem, tax, discount model.Amount, taxRateBasisPoints int64) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, apperror.NewInvalidAmount("invoice must contain at least one item")
	}
	if tax < 0 {
		return Totals{}, apperror.NewInvalidAmount("tax must not be negative")
	}
	if discount < 0 {
		return Totals{}, apperror.NewInvalidAmount("discount must not be negative")
	}
	if taxRateBasisPoints < 0 || taxRateBasisPoints > basisPointsPerUnit {
		return Totals{}, apperror.NewInvalidAmount("tax rate must be between 0 and 10000 basis points")
	}

	var gross, lineDiscounts model.Amount
	for i, item := range items {
		if err := validateLine(i, item); err != nil {
			return Totals{}, err
		}

		lineGross, err := item.Gross()
		if err != nil {
			return Totals{}, overflow(err)
		}
		if gross, err = gross.Add(lineGross); err != nil {
			return Totals{}, overflow(err)
		}
		if lineDiscounts, err = lineDiscounts.Add(item.LineDiscount); err != nil {
			return Totals{}, overflow(err)
		}
	}

	subtotal, err := gross.Sub(lineDiscounts)
	if err != nil {
		return Totals{}, overflow(err)
	}

	if tax == 0 && taxRateBasisPoints > 0 {
		if tax, err = rateOf(subtotal, taxRateBasisPoints); err != nil {
			return Totals{}, overflow(err)
		}
	}

	total, err := subtotal.Add(tax)
	if err != nil {
		return Totals{}, overflow(err)
	}
	if total, err = total.Sub(discount); err != nil {
		return Totals{}, overflow(err)
	}
	if total < 0 {
		return Totals{}, apperror.NewInvalidAmount("total must not be negative").
			WithDetail("subtotal", subtotal.String()).
			WithDetail("tax", tax.String()).
			WithDetail("discount", discount.String())
	}

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    total,
	}, nil
}

func validateLine(i int, item model.LineItem) error {
	if item.Quantity < 1 {
		return apperror.NewInvalidAmount("quantity must be a positive integer").
			WithDetail("item", i).WithDetail("quantity", item.Quantity)
	}
	if item.UnitPrice < 0 {
		return apperror.NewInvalidAmount("unit price must not be negative").
			WithDetail("item", i).WithDetail("unit_price", item.UnitPrice.String())
	}
	if item.LineDiscount < 0 {
		return apperror.NewInvalidAmount("line discount must not be negative").
			WithDetail("item", i).WithDetail("line_discount", item.LineDiscount.String())
	}

	lineGross, err := item.Gross()
	if err != nil {
		return overflow(err)
	}
	if item.LineDiscount > lineGross {
		return apperror.NewInvalidAmount("line discount exceeds item value").
			WithDetail("item", i).
			WithDetail("line_discount", item.LineDiscount.String()).
			WithDetail("gross", lineGross.String())
	}
	return nil
}

// rateOf возвращает round_half_up(amount × bp / 10000) для неотрицательной суммы.
func rateOf(amount model.Amount, bp int64) (model.Amount, error) {
	scaled, err := amount.Mul(bp)
	if err != nil {
		return 0, err
	}
	scaled, err = scaled.Add(basisPointsPerUnit / 2)
	if err != nil {
		return 0, err
	}
	return scaled / basisPointsPerUnit, nil
}

func overflow(err error) error {
	return apperror.NewInvalidAmount("amount is too large").WithCause(err)
}
