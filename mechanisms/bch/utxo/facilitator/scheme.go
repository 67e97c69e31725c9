package facilitator

import (
	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/logger"
	"github.com/x402-bch/facilitator/mechanisms/bch"
	"github.com/x402-bch/facilitator/mechanisms/bch/ledger"
)

// UtxoBchScheme implements x402.SchemeNetworkFacilitator for metered BCH
// payments backed by a pre-funded UTXO.
//
// Verify checks the payment fields and signature and debits the call cost
// from the UTXO's ledger balance. Settle re-runs Verify and then pays the
// resource owner from the facilitator's own wallet.
type UtxoBchScheme struct {
	wallet   bch.FacilitatorBchWallet
	verifier bch.MessageVerifier
	ledger   *ledger.Ledger
	log      logger.Logger
}

// Option configures a UtxoBchScheme.
type Option func(*UtxoBchScheme)

// WithLogger sets the scheme's logger. Default is a no-op logger.
func WithLogger(l logger.Logger) Option {
	return func(s *UtxoBchScheme) {
		s.log = logger.OrNoop(l)
	}
}

// NewUtxoBchScheme wires the scheme to its collaborators. All three are required.
func NewUtxoBchScheme(wallet bch.FacilitatorBchWallet, verifier bch.MessageVerifier, l *ledger.Ledger, opts ...Option) *UtxoBchScheme {
	s := &UtxoBchScheme{
		wallet:   wallet,
		verifier: verifier,
		ledger:   l,
		log:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scheme returns the scheme identifier
func (s *UtxoBchScheme) Scheme() string {
	return bch.SchemeUtxo
}

// CaipFamily returns the CAIP family pattern this facilitator supports
func (s *UtxoBchScheme) CaipFamily() string {
	return bch.CaipFamily
}

// GetExtra returns mechanism-specific extra data for the supported kinds endpoint
func (s *UtxoBchScheme) GetExtra(_ x402.Network) map[string]interface{} {
	return nil
}

// GetSigners returns the facilitator's funding address when the wallet knows it
func (s *UtxoBchScheme) GetSigners(_ x402.Network) []string {
	if s.wallet == nil {
		return []string{}
	}
	if addr := s.wallet.GetFacilitatorAddress(); addr != "" {
		return []string{addr}
	}
	return []string{}
}

// NormalizeNetwork maps "bch" and empty identifiers to BCH mainnet
func (s *UtxoBchScheme) NormalizeNetwork(network x402.Network) x402.Network {
	return bch.NormalizeNetwork(network)
}
