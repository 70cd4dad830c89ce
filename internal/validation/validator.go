package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

// DefaultPhoneRegion используется для номеров без международного префикса.
const DefaultPhoneRegion = "BD"

// IsValidPhone проверяет номер телефона с учётом региона по умолчанию.
func IsValidPhone(number, region string) bool {
	if strings.TrimSpace(number) == "" {
		return false
	}
	p, err := libphonenumber.Parse(number, region)
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(p)
}

// New создаёт валидатор структур с зарегистрированным тегом "phone".
// Паникует, если тег не удаётся зарегистрировать.
func New(phoneRegion string) *validator.Validate {
	if phoneRegion == "" {
		phoneRegion = DefaultPhoneRegion
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "phone", phoneValidator(phoneRegion))
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %q tag: %v", tag, err))
	}
}

func phoneValidator(region string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return IsValidPhone(fl.Field().String(), region)
	}
}

// FieldErrors превращает ошибку валидатора в карту "поле -> нарушенное правило".
func FieldErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}

	res := make(map[string]string, len(validationErrors))
	for _, ve := range validationErrors {
		res[ve.Namespace()] = ve.Tag()
	}
	return res
}
