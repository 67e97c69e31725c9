package x402

import "fmt"

// Reason is the machine-readable outcome of a rejected verification or
// settlement. The set of values is closed; anything not listed here is a bug.
type Reason string

const (
	// Structural
	ReasonMissingAuthorization Reason = "missing_authorization"
	ReasonInvalidPayload       Reason = "invalid_payload"

	// Protocol mismatch
	ReasonInvalidNetwork Reason = "invalid_network"
	ReasonInvalidScheme  Reason = "invalid_scheme"

	// Trust
	ReasonInvalidSignature Reason = "invalid_signature"

	// Economic
	ReasonInsufficientUtxoBalance Reason = "insufficient_utxo_balance"
	ReasonInsufficientFunds       Reason = "insufficient_funds"

	// Infrastructure
	ReasonUtxoLookupFailed        Reason = "utxo_lookup_failed"
	ReasonStorageUnavailable      Reason = "storage_unavailable"
	ReasonInvalidTransactionState Reason = "invalid_transaction_state"

	// Catch-all
	ReasonUnexpectedVerifyError         Reason = "unexpected_verify_error"
	ReasonUnexpectedSettleError         Reason = "unexpected_settle_error"
	ReasonUnexpectedUtxoValidationError Reason = "unexpected_utxo_validation_error"
)

var knownReasons = map[Reason]bool{
	ReasonMissingAuthorization:          false,
	ReasonInvalidPayload:                false,
	ReasonInvalidNetwork:                false,
	ReasonInvalidScheme:                 false,
	ReasonInvalidSignature:              false,
	ReasonInsufficientUtxoBalance:       false,
	ReasonInsufficientFunds:             false,
	ReasonUtxoLookupFailed:              false,
	ReasonStorageUnavailable:            false,
	ReasonInvalidTransactionState:       false,
	ReasonUnexpectedVerifyError:         true,
	ReasonUnexpectedSettleError:         true,
	ReasonUnexpectedUtxoValidationError: true,
}

// Valid reports whether r belongs to the closed enumeration.
func (r Reason) Valid() bool {
	_, ok := knownReasons[r]
	return ok
}

// IsCatchAll reports whether r is one of the unclassified catch-all reasons.
func (r Reason) IsCatchAll() bool {
	return knownReasons[r]
}

func (r Reason) String() string {
	return string(r)
}

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    Reason                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a new payment error
func NewPaymentError(code Reason, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// VerifyError is returned by facilitator clients when a remote verification
// is rejected with a non-200 status.
type VerifyError struct {
	Reason  Reason
	Payer   string
	Message string
}

func (e *VerifyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("verify failed: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("verify failed: %s", e.Reason)
}

// NewVerifyError creates a new verify error
func NewVerifyError(reason Reason, payer, message string) *VerifyError {
	return &VerifyError{Reason: reason, Payer: payer, Message: message}
}

// SettleError is returned by facilitator clients when a remote settlement
// is rejected with a non-200 status.
type SettleError struct {
	Reason      Reason
	Payer       string
	Network     Network
	Transaction string
	Message     string
}

func (e *SettleError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("settle failed: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("settle failed: %s", e.Reason)
}

// NewSettleError creates a new settle error
func NewSettleError(reason Reason, payer string, network Network, transaction, message string) *SettleError {
	return &SettleError{
		Reason:      reason,
		Payer:       payer,
		Network:     network,
		Transaction: transaction,
		Message:     message,
	}
}
