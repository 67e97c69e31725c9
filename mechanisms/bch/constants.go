package bch

import (
	x402 "github.com/x402-bch/facilitator"
)

const (
	// Scheme identifier
	SchemeUtxo = "utxo"

	// LegacyNetwork is the short network name used by x402 v1 payloads
	LegacyNetwork = "bch"

	// CaipFamily groups every bip122 chain in the supported response
	CaipFamily = "bip122:*"

	// SatoshisPerBCH is the number of satoshis in one BCH
	SatoshisPerBCH = 100_000_000

	// Bitcoin signed message magic, shared with BCH wallets
	MessageMagic = "Bitcoin Signed Message:\n"
)

// NetworkMainnet is the CAIP-2 identifier of Bitcoin Cash mainnet
// (bip122 namespace, reference is the first 32 hex chars of the fork block hash)
const NetworkMainnet x402.Network = "bip122:000000000000000000651ef99cb9fcbe"
