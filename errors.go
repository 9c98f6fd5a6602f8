package main

import (
	"errors"
	"net/http"
)

// Kind groups error codes by how the façade reports them.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindAuth
	KindNotFound
	KindConflict
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Error is the typed outcome of every engine and store operation. Two errors
// match under errors.Is when their codes are equal, so wrapped or re-worded
// copies of a sentinel still compare equal to it.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidInput  = newError(KindValidation, "invalid_input", "Invalid input")
	ErrInvalidAmount = newError(KindValidation, "invalid_amount", "Amount must be a positive value with at most two decimal places")
	ErrInvalidTenure = newError(KindValidation, "invalid_tenure", "Tenure is outside the allowed range for this loan type")
	ErrSameAccount   = newError(KindValidation, "same_account", "Cannot transfer to the same account")

	ErrNotAuthenticated   = newError(KindAuth, "not_authenticated", "Not authenticated")
	ErrInvalidCredentials = newError(KindAuth, "invalid_credentials", "Invalid credentials or inactive account")

	ErrUserNotFound      = newError(KindNotFound, "user_not_found", "User not found")
	ErrAccountNotFound   = newError(KindNotFound, "account_not_found", "Account not found")
	ErrRecipientNotFound = newError(KindNotFound, "recipient_not_found", "Recipient account not found")
	ErrLoanNotFound      = newError(KindNotFound, "loan_not_found", "Loan not found")

	ErrDuplicateEmail      = newError(KindConflict, "duplicate_email", "Email already registered")
	ErrDuplicateIdentity   = newError(KindConflict, "duplicate_identity", "Aadhar or PAN already registered")
	ErrInsufficientFunds   = newError(KindConflict, "insufficient_funds", "Insufficient balance")
	ErrAccountNotActive    = newError(KindConflict, "account_not_active", "Account is not active")
	ErrRecipientNotActive  = newError(KindConflict, "recipient_not_active", "Recipient account is not active")
	ErrAlreadyProcessed    = newError(KindConflict, "already_processed", "Request has already been processed")
	ErrNonZeroBalance      = newError(KindConflict, "non_zero_balance", "Account balance must be zero to close")
	errDuplicateAccountNum = newError(KindConflict, "duplicate_account_number", "Account number already in use")

	ErrContention  = &Error{Kind: KindInfrastructure, Code: "contention", Message: "The ledger is busy, please retry", Retryable: true}
	ErrUnavailable = newError(KindInfrastructure, "unavailable", "Service unavailable")
)

// asError converts any error into a typed *Error. Untyped errors are store
// failures and become ErrUnavailable with the original as cause.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrUnavailable.Wrap(err)
}

func httpStatus(e *Error) int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
