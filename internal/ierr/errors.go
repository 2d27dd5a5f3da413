package ierr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrUpdateFailed    = errors.New("resource update failed")
	ErrNotFound        = errors.New("resource not found")
	ErrConflict        = errors.New("resource conflict")
	ErrInternalServer  = errors.New("internal server error")
	ErrTooManyRequests = errors.New("too many requests")

	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrTokenParsingFailed = errors.New("failed to parse token")
	ErrTokenNoClaims      = errors.New("token contains no claims")
	ErrTokenInvalidClaims = errors.New("token contains invalid claims type")
)

// Validation errors are rejected before storage is touched.
var (
	ErrInvalidCodeFormat  = fmt.Errorf("%w: invalid activation code format", ErrValidation)
	ErrInvalidFingerprint = fmt.Errorf("%w: hardware fingerprint must be 64 hex characters", ErrValidation)
	ErrInvalidQuantity    = fmt.Errorf("%w: quantity out of range", ErrValidation)
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInvalidUser        = fmt.Errorf("%w: user id is required", ErrValidation)
	ErrInvalidLength      = fmt.Errorf("%w: code length too short for prefix", ErrValidation)
)

// State errors leave the record untouched.
var (
	ErrCodeNotFound         = fmt.Errorf("%w: activation code not found", ErrNotFound)
	ErrCodeExhausted        = fmt.Errorf("%w: activation code exhausted", ErrConflict)
	ErrCodeDisabled         = fmt.Errorf("%w: activation code disabled", ErrConflict)
	ErrCodeExpired          = fmt.Errorf("%w: activation code expired", ErrConflict)
	ErrCodeAwaitingPayment  = fmt.Errorf("%w: activation code awaiting payment", ErrConflict)
	ErrCodeNotUnused        = fmt.Errorf("%w: activation code already used", ErrConflict)
	ErrCodeAlreadyBound     = fmt.Errorf("%w: activation code already bound to hardware", ErrConflict)
	ErrHardwareAlreadyBound = fmt.Errorf("%w: hardware already bound to another activation code", ErrConflict)
	ErrCodeNotBound         = fmt.Errorf("%w: activation code is not hardware bound", ErrConflict)
	ErrFingerprintMismatch  = fmt.Errorf("%w: hardware fingerprint does not match", ErrForbidden)
	ErrInvalidAdminKey      = fmt.Errorf("%w: invalid admin key", ErrForbidden)
	ErrDuplicateCode        = fmt.Errorf("%w: activation code already exists", ErrConflict)

	ErrPaymentNotFound = fmt.Errorf("%w: payment not found", ErrNotFound)
	ErrPaymentNotPaid  = fmt.Errorf("%w: payment is not paid", ErrConflict)
	ErrPaymentRefunded = fmt.Errorf("%w: payment already refunded", ErrConflict)
)

var ErrGenerationExhausted = errors.New("could not generate enough unique activation codes")

// Gateway errors. ErrGatewayUnreachable is retryable, ErrGatewayRejected is not.
var (
	ErrUnsupportedMethod    = fmt.Errorf("%w: unsupported payment method", ErrValidation)
	ErrGatewayUnreachable   = errors.New("payment gateway unreachable")
	ErrGatewayRejected      = errors.New("payment gateway rejected the request")
	ErrCallbackUnverified   = errors.New("payment callback could not be verified")
	ErrCallbackNotSuccess   = errors.New("payment callback reports a non-success trade state")
	ErrCallbackMalformed    = fmt.Errorf("%w: malformed payment callback", ErrValidation)
	ErrGatewayNotConfigured = errors.New("payment gateway credentials missing")
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrInvalidCodeFormat, "invalid_format"},
	{ErrInvalidFingerprint, "invalid_fingerprint"},
	{ErrInvalidQuantity, "invalid_quantity"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidUser, "invalid_user"},
	{ErrInvalidLength, "invalid_length"},
	{ErrCodeNotFound, "not_found"},
	{ErrCodeExhausted, "exhausted"},
	{ErrCodeDisabled, "disabled"},
	{ErrCodeExpired, "expired"},
	{ErrCodeAwaitingPayment, "awaiting_payment"},
	{ErrCodeNotUnused, "not_unused"},
	{ErrCodeAlreadyBound, "already_bound"},
	{ErrHardwareAlreadyBound, "hardware_already_bound"},
	{ErrCodeNotBound, "not_bound"},
	{ErrFingerprintMismatch, "fingerprint_mismatch"},
	{ErrInvalidAdminKey, "invalid_admin_key"},
	{ErrPaymentNotFound, "payment_not_found"},
	{ErrPaymentNotPaid, "payment_not_paid"},
	{ErrPaymentRefunded, "payment_refunded"},
	{ErrGenerationExhausted, "generation_exhausted"},
	{ErrUnsupportedMethod, "unsupported_method"},
	{ErrGatewayUnreachable, "gateway_unreachable"},
	{ErrGatewayRejected, "gateway_rejected"},
	{ErrCallbackMalformed, "callback_malformed"},
	{ErrCallbackUnverified, "callback_unverified"},
	{ErrCallbackNotSuccess, "callback_not_success"},
	{ErrGatewayNotConfigured, "gateway_not_configured"},
	// Catch-all for validation failures without a dedicated sentinel; must stay after them.
	{ErrValidation, "validation"},
}

// Reason returns the stable machine-readable code for a domain error, or "" if err is nil.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "internal"
}

// Retryable reports whether the caller may retry the same operation later.
func Retryable(err error) bool {
	return errors.Is(err, ErrGatewayUnreachable)
}
