package invoice

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
	"github.com/mmeshcher/petmarket-invoicing/internal/model"
)

func TestComputeTotals(t *testing.T) {
	tests := []struct {
		name     string
		items    []model.LineItem
		tax      model.Amount
		discount model.Amount
		bps      int64
		want     Totals
	}{
		{
			name: "line discounts reduce subtotal",
			items: []model.LineItem{
				{ProductRef: "a", Quantity: 2, UnitPrice: 1000},
				{ProductRef: "b", Quantity: 1, UnitPrice: 500, LineDiscount: 100},
			},
			tax:  150,
			want: Totals{Subtotal: 2400, Tax: 150, Total: 2550},
		},
		{
			name:     "invoice discount",
			items:    []model.LineItem{{ProductRef: "a", Quantity: 3, UnitPrice: 333}},
			discount: 99,
			want:     Totals{Subtotal: 999, Discount: 99, Total: 900},
		},
		{
			name:     "discount equal to total gives zero",
			items:    []model.LineItem{{ProductRef: "a", Quantity: 1, UnitPrice: 500}},
			tax:      50,
			discount: 550,
			want:     Totals{Subtotal: 500, Tax: 50, Discount: 550, Total: 0},
		},
		{
			name:  "free item",
			items: []model.LineItem{{ProductRef: "sample", Quantity: 5, UnitPrice: 0}},
			want:  Totals{},
		},
		{
			name:  "rate rounds half up",
			items: []model.LineItem{{ProductRef: "a", Quantity: 1, UnitPrice: 1010}},
			bps:   500,
			want:  Totals{Subtotal: 1010, Tax: 51, Total: 1061},
		},
		{
			name:  "explicit tax wins over rate",
			items: []model.LineItem{{ProductRef: "a", Quantity: 1, UnitPrice: 1000}},
			tax:   10,
			bps:   1500,
			want:  Totals{Subtotal: 1000, Tax: 10, Total: 1010},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeTotals(tt.items, tt.tax, tt.discount, tt.bps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeTotals_Rejects(t *testing.T) {
	one := []model.LineItem{{ProductRef: "a", Quantity: 1, UnitPrice: 100}}

	tests := []struct {
		name     string
		items    []model.LineItem
		tax      model.Amount
		discount model.Amount
		bps      int64
	}{
		{name: "no items"},
		{name: "zero quantity", items: []model.LineItem{{ProductRef: "a", Quantity: 0, UnitPrice: 100}}},
		{name: "negative price", items: []model.LineItem{{ProductRef: "a", Quantity: 1, UnitPrice: -100}}},
		{name: "negative line discount", items: []model.LineItem{{ProductRef: "a", Quantity: 1, UnitPrice: 100, LineDiscount: -1}}},
		{name: "line discount above gross", items: []model.LineItem{{ProductRef: "a", Quantity: 2, UnitPrice: 100, LineDiscount: 201}}},
		{name: "negative tax", items: one, tax: -1},
		{name: "negative discount", items: one, discount: -1},
		{name: "negative total", items: one, discount: 101},
		{name: "rate above 100%", items: one, bps: 10001},
		{name: "overflow", items: []model.LineItem{{ProductRef: "a", Quantity: 2, UnitPrice: math.MaxInt64/2 + 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeTotals(tt.items, tt.tax, tt.discount, tt.bps)
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, apperror.CodeInvalidAmount))
		})
	}
}
