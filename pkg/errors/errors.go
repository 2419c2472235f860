package errors

import (
	"errors"
	"fmt"
	"strings"
)

// CustodyError represents an application-level error with a stable code
// and a retryability classification.
type CustodyError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"-"`

	cause error
}

func (e *CustodyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *CustodyError) Unwrap() error {
	return e.cause
}

// Is matches by code so sentinel comparisons work across instances that
// carry different details.
func (e *CustodyError) Is(target error) bool {
	var other *CustodyError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Error codes
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeCancelledByUser      = "cancelled_by_user"
	CodeHardwareFailure      = "hardware_failure"
	CodeEncryptionFailed     = "encryption_failed"
	CodeDecryptionFailed     = "decryption_failed"
	CodeStoreFailure         = "store_failure"
	CodeNotInitialized       = "not_initialized"
	CodeInitializationFailed = "initialization_failed"
	CodeSimulationFailed     = "simulation_failed"
	CodeSignatureMismatch    = "signature_mismatch"
	CodeSigningFailed        = "signing_failed"
	CodeInsufficientBalance  = "insufficient_balance"
	CodeNonceTooLow          = "nonce_too_low"
	CodeMissingRequiredField = "missing_required_field"
	CodeEstimationFailed     = "estimation_failed"
	CodeRelayFailure         = "relay_failure"
)

// Predefined errors
var (
	// ErrAuthenticationFailed means the presented password or presence
	// factor was wrong. Recoverable: the user retries.
	ErrAuthenticationFailed = &CustodyError{
		Code:    CodeAuthenticationFailed,
		Message: "Authentication failed",
	}

	// ErrCancelledByUser is a no-op outcome, not a failure. Callers must
	// not treat it like a wrong password.
	ErrCancelledByUser = &CustodyError{
		Code:    CodeCancelledByUser,
		Message: "Operation cancelled by user",
	}

	// ErrNotInitialized means the envelope hierarchy for the class has
	// never been set up.
	ErrNotInitialized = &CustodyError{
		Code:    CodeNotInitialized,
		Message: "Key store is not initialized",
	}

	// ErrSignatureMismatch means the recovered signer does not match the
	// expected address. Always fatal; the transaction must never submit.
	ErrSignatureMismatch = &CustodyError{
		Code:    CodeSignatureMismatch,
		Message: "Recovered signer does not match expected address",
	}

	// ErrInsufficientBalance blocks submission at validation time.
	ErrInsufficientBalance = &CustodyError{
		Code:    CodeInsufficientBalance,
		Message: "Signer balance does not cover value plus worst-case fee",
	}
)

// New creates a new CustodyError.
func New(code, message string) *CustodyError {
	return &CustodyError{Code: code, Message: message}
}

// NewWithDetail creates a new CustodyError with additional detail.
func NewWithDetail(code, message, detail string) *CustodyError {
	return &CustodyError{Code: code, Message: message, Detail: detail}
}

// AuthenticationFailed wraps an authentication failure with detail.
func AuthenticationFailed(detail string) *CustodyError {
	return &CustodyError{
		Code:    CodeAuthenticationFailed,
		Message: "Authentication failed",
		Detail:  detail,
	}
}

// HardwareFailure wraps a failure at the hardware security boundary.
// May be retryable depending on the underlying cause.
func HardwareFailure(op string, cause error) *CustodyError {
	return &CustodyError{
		Code:      CodeHardwareFailure,
		Message:   "Hardware key operation failed",
		Detail:    op,
		Retryable: true,
		cause:     cause,
	}
}

// StoreFailure wraps a platform storage failure. Retryable.
func StoreFailure(op string, cause error) *CustodyError {
	return &CustodyError{
		Code:      CodeStoreFailure,
		Message:   "Secure storage operation failed",
		Detail:    op,
		Retryable: true,
		cause:     cause,
	}
}

// EncryptionFailed wraps a failure to encrypt. Generally unrecoverable
// without re-initialization.
func EncryptionFailed(cause error) *CustodyError {
	return &CustodyError{
		Code:    CodeEncryptionFailed,
		Message: "Encryption failed",
		cause:   cause,
	}
}

// DecryptionFailed wraps a failure to decrypt existing data: corruption
// or KEK mismatch. Must not be auto-retried.
func DecryptionFailed(cause error) *CustodyError {
	return &CustodyError{
		Code:    CodeDecryptionFailed,
		Message: "Decryption failed; stored data may be corrupt",
		cause:   cause,
	}
}

// InitializationFailed wraps a failed hierarchy setup. The caller must
// treat partial completion as corrupt and delete all keys before retrying.
func InitializationFailed(step string, cause error) *CustodyError {
	return &CustodyError{
		Code:    CodeInitializationFailed,
		Message: "Key store initialization failed",
		Detail:  step,
		cause:   cause,
	}
}

// SigningFailed wraps a signing-path failure.
func SigningFailed(detail string, cause error) *CustodyError {
	return &CustodyError{
		Code:    CodeSigningFailed,
		Message: "Signing failed",
		Detail:  detail,
		cause:   cause,
	}
}

// SimulationFailed marks a transaction that would revert on-chain.
// Non-retryable; surfaced to the user as a strong warning.
func SimulationFailed(detail string) *CustodyError {
	return &CustodyError{
		Code:    CodeSimulationFailed,
		Message: "Transaction simulation reverted",
		Detail:  detail,
	}
}

// NonceTooLow rejects a user nonce below the live transaction count.
func NonceTooLow(nonce, floor uint64) *CustodyError {
	return &CustodyError{
		Code:    CodeNonceTooLow,
		Message: "Nonce is below the pending transaction count",
		Detail:  fmt.Sprintf("nonce: %d, floor: %d", nonce, floor),
	}
}

// MissingRequiredField reports a lookup that produced no value where one
// is required, validated once at operation entry.
func MissingRequiredField(field string) *CustodyError {
	return &CustodyError{
		Code:    CodeMissingRequiredField,
		Message: "Missing required field",
		Detail:  field,
	}
}

// IsCustodyError checks if an error is a CustodyError.
func IsCustodyError(err error) (*CustodyError, bool) {
	var ce *CustodyError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCancelled reports whether err is the user-cancellation outcome.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelledByUser)
}

// IsAuthenticationFailure reports whether err is a wrong-password or
// failed-presence outcome, as opposed to cancellation.
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// Aggregate combines partial failures from one logical operation into a
// single error carrying every message, rather than only the first.
func Aggregate(code, message string, errs []error) error {
	var filtered []error
	for _, e := range errs {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	parts := make([]string, 0, len(filtered))
	for _, e := range filtered {
		parts = append(parts, e.Error())
	}
	return &CustodyError{
		Code:    code,
		Message: message,
		Detail:  strings.Join(parts, "; "),
		cause:   filtered[0],
	}
}
