package helpers

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"bitbucket.org/storefront/backend/models"
	"github.com/shopspring/decimal"
	"github.com/thedevsaddam/govalidator"
)

// CardCurrencies lists the currencies the "currency" rule accepts.
var CardCurrencies = []string{"usd", "kes", "eur", "gbp"}

func init() {
	govalidator.AddCustomRule("payment_method", func(field string, rule string, message string, value interface{}) error {
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.String {
			method := value.(string)
			if method == "" {
				return nil
			}
			if _, ok := models.ParsePaymentMethod(method); !ok {
				if message != "" {
					return fmt.Errorf(message)
				}
				return fmt.Errorf("The %s field must be one of mpesa, visa", field)
			}
		}
		return nil
	})
	govalidator.AddCustomRule("decimal_amount", func(field string, rule string, message string, value interface{}) error {
		var raw string
		switch v := value.(type) {
		case json.Number:
			raw = v.String()
		case string:
			raw = v
		case float64:
			raw = decimal.NewFromFloat(v).String()
		default:
			return nil
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			if message != "" {
				return fmt.Errorf(message)
			}
			return fmt.Errorf("The %s field must be a positive decimal amount", field)
		}
		if amount.Exponent() < -2 {
			return fmt.Errorf("The %s field must have at most 2 decimal places", field)
		}
		return nil
	})
	govalidator.AddCustomRule("currency", func(field string, rule string, message string, value interface{}) error {
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.String {
			currency := strings.ToLower(value.(string))
			if currency == "" {
				return nil
			}
			for _, c := range CardCurrencies {
				if c == currency {
					return nil
				}
			}
			if message != "" {
				return fmt.Errorf(message)
			}
			return fmt.Errorf("The %s field must be one of %s", field, strings.Join(CardCurrencies, ", "))
		}
		return nil
	})
	govalidator.AddCustomRule("payment_status", func(field string, rule string, message string, value interface{}) error {
		status, ok := value.(string)
		if !ok || status == "" {
			return nil
		}
		if !models.PaymentStatus(strings.ToLower(status)).IsValid() {
			if message != "" {
				return fmt.Errorf(message)
			}
			return fmt.Errorf("The %s field must be one of pending, processing, completed, failed, cancelled", field)
		}
		return nil
	})
}
