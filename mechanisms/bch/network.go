package bch

import (
	x402 "github.com/x402-bch/facilitator"
)

// NormalizeNetwork maps BCH network identifiers to the canonical CAIP-2 form.
//
// The legacy v1 name "bch" and an empty identifier both resolve to mainnet.
// Any other identifier, including other bip122 chains, is returned as-is.
func NormalizeNetwork(network x402.Network) x402.Network {
	switch network {
	case "", LegacyNetwork:
		return NetworkMainnet
	default:
		return network
	}
}

// NetworksMatch reports whether both identifiers refer to BCH mainnet.
// Two identical non-BCH identifiers do not match.
func NetworksMatch(a, b x402.Network) bool {
	na := NormalizeNetwork(a)
	nb := NormalizeNetwork(b)
	return na == NetworkMainnet && nb == NetworkMainnet
}

// IsBCHNetwork reports whether the identifier normalizes to BCH mainnet.
func IsBCHNetwork(network x402.Network) bool {
	return NormalizeNetwork(network) == NetworkMainnet
}
