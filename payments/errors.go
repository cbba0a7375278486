package payments

import (
	"github.com/pkg/errors"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindGateway
	KindConflict
	KindCallbackIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindGateway:
		return "gateway"
	case KindConflict:
		return "conflict"
	case KindCallbackIntegrity:
		return "callback_integrity"
	default:
		return "internal"
	}
}

// Error classifies a failure of an orchestrator operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrOrderNotFound       = &Error{Kind: KindNotFound, Message: "order not found"}
	ErrPaymentNotFound     = &Error{Kind: KindNotFound, Message: "payment not found"}
	ErrUserNotFound        = &Error{Kind: KindNotFound, Message: "user not found"}
	ErrAlreadyPaid         = &Error{Kind: KindConflict, Message: "order is already paid"}
	ErrPaymentInProgress   = &Error{Kind: KindConflict, Message: "a payment for this order is already in progress"}
	ErrUnsupportedMethod   = &Error{Kind: KindValidation, Message: "unsupported payment method"}
	ErrPhoneRequired       = &Error{Kind: KindValidation, Message: "phone number is required for mobile money payments"}
	ErrInvalidPhone        = &Error{Kind: KindValidation, Message: "invalid phone number format"}
	ErrInvalidAmount       = &Error{Kind: KindValidation, Message: "invalid amount"}
	ErrUnsupportedCurrency = &Error{Kind: KindValidation, Message: "unsupported currency"}
	ErrMalformedCallback   = &Error{Kind: KindCallbackIntegrity, Message: "malformed callback"}
	ErrAmountMismatch      = &Error{Kind: KindCallbackIntegrity, Message: "callback amount does not match payment"}
	ErrUnknownHandle       = &Error{Kind: KindNotFound, Message: "no payment for provider handle"}
)

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
