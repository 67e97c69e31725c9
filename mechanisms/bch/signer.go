package bch

import (
	"context"
	"math/big"
)

// UtxoInfo is the on-chain view of an output as reported by the wallet
type UtxoInfo struct {
	UtxoAmountSat   *big.Int
	ReceiverAddress string
}

// Output is a single payment in a transaction built by the facilitator wallet
type Output struct {
	Address   string
	AmountSat *big.Int
}

// FacilitatorBchWallet is the facilitator's view of its BCH node and wallet.
// Implementations own retries and timeouts for their network calls.
type FacilitatorBchWallet interface {
	// ValidateUtxo looks up an unspent output and returns its value and the
	// address it pays to. It fails if the output is unknown or already spent.
	ValidateUtxo(ctx context.Context, txid string, vout uint32) (*UtxoInfo, error)

	IsWalletInitialized() bool

	// InitializeWallet must be idempotent.
	InitializeWallet(ctx context.Context) error

	GetWallet() SpendingWallet

	// GetFacilitatorAddress returns the address settlement payments are funded from.
	GetFacilitatorAddress() string

	// GetMinConfirmations returns the confirmation depth to wait for after
	// broadcasting. Zero disables waiting.
	GetMinConfirmations() int
}

// SpendingWallet builds and broadcasts transactions from the facilitator's funds
type SpendingWallet interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	Send(ctx context.Context, outputs []Output) (string, error)
}

// ConfirmationWaiter is optionally implemented by a SpendingWallet that can
// block until a broadcast transaction reaches a confirmation depth.
type ConfirmationWaiter interface {
	WaitForConfirmations(ctx context.Context, txid string, minConfirmations int) error
}

// MessageVerifier checks a signed message against an address.
// It may return an error for malformed addresses or signatures.
type MessageVerifier interface {
	VerifyMessage(address, signature, message string) (bool, error)
}
