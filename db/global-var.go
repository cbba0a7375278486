package db

import (
	"github.com/pkg/errors"
)

var (
	// ErrDuplicateReference is returned when a payment reference already exists.
	ErrDuplicateReference = errors.New("payment reference already exists")
	// ErrStalePayment is returned when a payment changed status under an update.
	ErrStalePayment = errors.New("payment status changed concurrently")
)

const (
	defaultLimit = 20
	maxLimit     = 100
)
