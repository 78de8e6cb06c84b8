package domain

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindForbidden
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Error carries a kind so callers branch on it instead of matching messages.
// Two errors with the same Code match under errors.Is.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying extra detail in its message.
func (e *Error) With(format string, args ...any) *Error {
	out := *e
	out.Message = e.Message + ": " + fmt.Sprintf(format, args...)
	return &out
}

// Wrap returns a copy of e with err attached as the cause.
func (e *Error) Wrap(err error) *Error {
	out := *e
	out.Err = err
	return &out
}

func newError(kind ErrorKind, code string, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidLine          = newError(KindValidation, "invalid_line", "invalid line")
	ErrEmptyCart            = newError(KindValidation, "empty_cart", "cart is empty")
	ErrInvalidPayment       = newError(KindValidation, "invalid_payment_method", "invalid payment method")
	ErrInsufficientPayment  = newError(KindValidation, "insufficient_payment", "insufficient payment")
	ErrProductInactive      = newError(KindValidation, "product_inactive", "product is not active")
	ErrNegativeBalance      = newError(KindValidation, "negative_balance", "opening balance must not be negative")
	ErrMissingDeclared      = newError(KindValidation, "missing_declared_amount", "declared amount is required")
	ErrInvalidAdjustment    = newError(KindValidation, "invalid_adjustment", "invalid stock adjustment")
	ErrInvalidInput         = newError(KindValidation, "invalid_input", "invalid input")
	ErrAlreadyOpen          = newError(KindConflict, "already_open", "a cash session is already open")
	ErrAlreadyClosed        = newError(KindConflict, "already_closed", "cash session already closed")
	ErrAlreadyVoid          = newError(KindConflict, "already_void", "sale already void")
	ErrEmptySale            = newError(KindConflict, "empty_sale", "sale has no items")
	ErrInsufficientStock    = newError(KindConflict, "insufficient_stock", "insufficient stock")
	ErrNoOpenSession        = newError(KindConflict, "no_open_session", "no open cash session")
	ErrDuplicateIdempotency = newError(KindConflict, "duplicate_idempotency_key", "idempotency key already used")
	ErrNotFound             = newError(KindNotFound, "not_found", "not found")
	ErrProductNotFound      = newError(KindNotFound, "product_not_found", "product not found")
	ErrSaleNotFound         = newError(KindNotFound, "sale_not_found", "sale not found")
	ErrSessionNotFound      = newError(KindNotFound, "session_not_found", "cash session not found")
	ErrForbidden            = newError(KindForbidden, "forbidden", "action not permitted")
	ErrLockTimeout          = newError(KindInternal, "lock_timeout", "timed out waiting for lock")
	ErrStorage              = newError(KindInternal, "storage", "storage failure")
)

// KindOf reports the kind of err; anything without a kind is internal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
