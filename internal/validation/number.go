// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	periodKeyRe     = regexp.MustCompile(`^[0-9]{2}(0[1-9]|1[0-2])$`)
	invoiceNumberRe = regexp.MustCompile(`^INV-([0-9]{4})-([0-9]{4,})$`)
	fallbackRe      = regexp.MustCompile(`^INV-[0-9]{19,}$`)
)

// IsValidPeriodKey проверяет, что ключ периода имеет вид YYMM с корректным месяцем.
func IsValidPeriodKey(key string) bool {
	return periodKeyRe.MatchString(key)
}

// InvoiceNumber - разобранный номер счёта.
type InvoiceNumber struct {
	PeriodKey string
	Sequence  int64
	Fallback  bool
}

// ParseInvoiceNumber разбирает номер вида INV-YYMM-NNNN или резервный номер INV-<timestamp>.
func ParseInvoiceNumber(number string) (InvoiceNumber, bool) {
	if m := invoiceNumberRe.FindStringSubmatch(number); m != nil {
		if !IsValidPeriodKey(m[1]) {
			return InvoiceNumber{}, false
		}
		seq, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || seq < 1 {
			return InvoiceNumber{}, false
		}
		return InvoiceNumber{PeriodKey: m[1], Sequence: seq}, true
	}

	if fallbackRe.MatchString(number) {
		return InvoiceNumber{Fallback: true}, true
	}

	return InvoiceNumber{}, false
}

// IsValidInvoiceNumber проверяет формат номера счёта.
func IsValidInvoiceNumber(number string) bool {
	_, ok := ParseInvoiceNumber(strings.TrimSpace(number))
	return ok
}
