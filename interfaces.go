package x402

import (
	"context"
)

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms
type SchemeNetworkFacilitator interface {
	Scheme() string

	// CaipFamily returns the CAIP family pattern this facilitator supports.
	// Used to group signers by blockchain family in the supported response.
	//
	// Examples:
	//   - BCH facilitators return "bip122:*"
	CaipFamily() string

	// GetExtra returns mechanism-specific extra data for the supported kinds endpoint.
	// Returns nil if no extra data is needed.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns addresses the facilitator pays from on the given network.
	GetSigners(network Network) []string

	// NormalizeNetwork maps the identifiers a client may send (legacy short
	// names, empty values) to the canonical form the mechanism is registered
	// under. Unknown identifiers are returned unchanged.
	NormalizeNetwork(network Network) Network

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}

// FacilitatorClient is implemented by anything that can verify and settle
// payments, locally or over the network.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
