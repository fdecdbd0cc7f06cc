package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error raised locally, before
// any remote call is made
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodeInvalidSignature   = "invalid_signature"
	ErrCodeInsufficientFunds  = "insufficient_funds"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeAmountMismatch     = "amount_mismatch"
	ErrCodeRecipientMismatch  = "recipient_mismatch"
	ErrCodePaymentExpired     = "payment_expired"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeOnchainMismatch    = "onchain_mismatch"
	ErrCodeUnsupportedNetwork = "unsupported_network"
	ErrCodeRetriesExhausted   = "retries_exhausted"
)

// ErrInvalidResponse is the reason used when a facilitator answer cannot be decoded
const ErrInvalidResponse = "invalid_facilitator_response"

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// VerifyError is returned when the facilitator explicitly rejects a payment
// during verification
type VerifyError struct {
	Reason  string
	Payer   string
	Message string
}

func (e *VerifyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("verify rejected: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("verify rejected: %s", e.Reason)
}

// NewVerifyError creates a new verify rejection
func NewVerifyError(reason, payer, message string) *VerifyError {
	return &VerifyError{Reason: reason, Payer: payer, Message: message}
}

// SettleError is returned when the facilitator explicitly refuses to settle
type SettleError struct {
	Reason      string
	Payer       string
	Network     Network
	Transaction string
	Message     string
}

func (e *SettleError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("settle rejected: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("settle rejected: %s", e.Reason)
}

// NewSettleError creates a new settle rejection
func NewSettleError(reason, payer string, network Network, transaction, message string) *SettleError {
	return &SettleError{
		Reason:      reason,
		Payer:       payer,
		Network:     network,
		Transaction: transaction,
		Message:     message,
	}
}

// TransportError wraps failures to reach a remote dependency: timeouts,
// connection errors, rate limiting and 5xx answers. These are retryable.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError creates a new retryable transport error
func NewTransportError(op string, statusCode int, err error) *TransportError {
	return &TransportError{Op: op, StatusCode: statusCode, Err: err}
}

// IsRetryable reports whether err is a transient transport failure
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RejectionReason extracts the machine-readable reason from a local or remote
// rejection. ok is false for errors that are not rejections.
func RejectionReason(err error) (reason string, ok bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	var se *SettleError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}
