package facilitator

import (
	x402 "github.com/x402-bch/facilitator"
)

// Facilitator reasons for the utxo BCH scheme, in the order checks run
const (
	// Verify errors
	ErrInvalidNetwork          = x402.ReasonInvalidNetwork
	ErrInvalidScheme           = x402.ReasonInvalidScheme
	ErrInvalidPayload          = x402.ReasonInvalidPayload
	ErrMissingAuthorization    = x402.ReasonMissingAuthorization
	ErrInvalidSignature        = x402.ReasonInvalidSignature
	ErrInsufficientUtxoBalance = x402.ReasonInsufficientUtxoBalance
	ErrUtxoLookupFailed        = x402.ReasonUtxoLookupFailed
	ErrStorageUnavailable      = x402.ReasonStorageUnavailable

	// Settle errors
	ErrInsufficientFunds       = x402.ReasonInsufficientFunds
	ErrInvalidTransactionState = x402.ReasonInvalidTransactionState

	// Catch-all
	ErrUnexpectedVerify         = x402.ReasonUnexpectedVerifyError
	ErrUnexpectedSettle         = x402.ReasonUnexpectedSettleError
	ErrUnexpectedUtxoValidation = x402.ReasonUnexpectedUtxoValidationError
)
