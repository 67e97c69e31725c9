package x402

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "bip122:000000000000000000651ef99cb9fcbe" for BCH mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "bip122:abc" matches "bip122:*" and "bip122:*" matches "bip122:abc"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// Quantity is an integer amount in the smallest unit of an asset (satoshis
// for BCH). It decodes from either a JSON number or a decimal string and
// always encodes as a decimal string.
type Quantity string

// UnmarshalJSON accepts 1000, "1000" and null.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(strings.TrimSpace(s))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("quantity must be a number or string: %w", err)
	}
	*q = Quantity(num.String())
	return nil
}

// IsSet reports whether a value was provided.
func (q Quantity) IsSet() bool {
	return q != ""
}

// Int parses the quantity as a base-10 integer.
func (q Quantity) Int() (*big.Int, error) {
	v, ok := new(big.Int).SetString(string(q), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer quantity: %q", string(q))
	}
	return v, nil
}

// PaymentRequirements defines what payment is acceptable for a resource
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset,omitempty"`
	Amount            Quantity               `json:"amount,omitempty"`            // v2 field
	MinAmountRequired Quantity               `json:"minAmountRequired,omitempty"` // v1 metered field
	MaxAmountRequired Quantity               `json:"maxAmountRequired,omitempty"` // v1 compatibility field
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// CallCost returns the per-call price: amount, then minAmountRequired, then
// maxAmountRequired, defaulting to zero when none is present.
func (r PaymentRequirements) CallCost() (*big.Int, error) {
	for _, q := range []Quantity{r.Amount, r.MinAmountRequired, r.MaxAmountRequired} {
		if q.IsSet() {
			return q.Int()
		}
	}
	return new(big.Int), nil
}

// PaymentPayload contains the signed payment authorization from a client
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    *PaymentRequirements   `json:"accepted,omitempty"` // V2: scheme/network in accepted
	Scheme      string                 `json:"scheme,omitempty"`   // V1: scheme at top level
	Network     Network                `json:"network,omitempty"`  // V1: network at top level
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// PaymentScheme returns the scheme declared by the payload, preferring the
// V2 accepted block over the V1 top-level field.
func (p PaymentPayload) PaymentScheme() string {
	if p.Accepted != nil && p.Accepted.Scheme != "" {
		return p.Accepted.Scheme
	}
	return p.Scheme
}

// PaymentNetwork returns the network declared by the payload, preferring the
// V2 accepted block over the V1 top-level field.
func (p PaymentPayload) PaymentNetwork() Network {
	if p.Accepted != nil && p.Accepted.Network != "" {
		return p.Accepted.Network
	}
	return p.Network
}

// ResourceInfo describes the resource being accessed
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// VerifyRequest is the body of a facilitator verify call.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// LedgerEntry is the client-facing summary of a UTXO ledger record.
type LedgerEntry struct {
	UtxoID              string `json:"utxoId"`
	TransactionValueSat string `json:"transactionValueSat"`
	TotalDebitedSat     string `json:"totalDebitedSat"`
	LastUpdated         string `json:"lastUpdated"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid             bool         `json:"isValid"`
	InvalidReason       Reason       `json:"invalidReason,omitempty"`
	InvalidMessage      string       `json:"invalidMessage,omitempty"`
	Payer               string       `json:"payer"`
	RemainingBalanceSat string       `json:"remainingBalanceSat,omitempty"`
	UtxoAmountSat       string       `json:"utxoAmountSat,omitempty"`
	LedgerEntry         *LedgerEntry `json:"ledgerEntry,omitempty"`
}

// SettleRequest is the body of a facilitator settle call, which has the
// same shape as a verify call.
type SettleRequest = VerifyRequest

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success             bool    `json:"success"`
	ErrorReason         Reason  `json:"errorReason,omitempty"`
	ErrorMessage        string  `json:"errorMessage,omitempty"`
	Payer               string  `json:"payer"`
	Transaction         string  `json:"transaction"`
	Network             Network `json:"network"`
	RemainingBalanceSat string  `json:"remainingBalanceSat,omitempty"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers"`
}
