package bch

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Authorization is the payer's signed permission to debit a UTXO
type Authorization struct {
	From   string
	To     string
	Value  *big.Int
	Txid   string
	Vout   uint32
	Amount *big.Int

	// fields holds the authorization exactly as decoded, for the signed message
	fields map[string]interface{}
}

// UtxoID returns the ledger key of the authorized output, "<txid>:<vout>".
func (a *Authorization) UtxoID() string {
	return UtxoID(a.Txid, a.Vout)
}

// UtxoID formats a ledger key for an output. The txid is lower-cased so
// every spelling of one output shares a key.
func UtxoID(txid string, vout uint32) string {
	return strings.ToLower(txid) + ":" + strconv.FormatUint(uint64(vout), 10)
}

// CanonicalTxid checks that txid is a 32-byte hex transaction hash and
// returns it lower-cased.
func CanonicalTxid(txid string) (string, error) {
	if len(txid) != 64 {
		return "", fmt.Errorf("txid must be 64 hex characters, got %d", len(txid))
	}
	if _, err := hex.DecodeString(txid); err != nil {
		return "", fmt.Errorf("txid is not hex: %w", err)
	}
	return strings.ToLower(txid), nil
}

// canonicalFieldOrder is the field order clients serialize before signing.
var canonicalFieldOrder = []string{"from", "to", "value", "txid", "vout", "amount"}

// CanonicalMessage returns the compact JSON serialization of the
// authorization that the payer signs. Known fields come first in the order
// from, to, value, txid, vout, amount; any other fields follow sorted by key.
// Values keep the JSON type they were sent with.
func (a *Authorization) CanonicalMessage() (string, error) {
	fields := a.fields
	if fields == nil {
		fields = a.toMap()
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(key string, value interface{}) error {
		encoded, err := marshalNoEscape(value)
		if err != nil {
			return fmt.Errorf("failed to encode authorization field %s: %w", key, err)
		}
		encodedKey, _ := marshalNoEscape(key)
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(encoded)
		return nil
	}

	seen := make(map[string]bool, len(canonicalFieldOrder))
	for _, key := range canonicalFieldOrder {
		seen[key] = true
		if value, ok := fields[key]; ok {
			if err := write(key, value); err != nil {
				return "", err
			}
		}
	}

	var extra []string
	for key := range fields {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		if err := write(key, fields[key]); err != nil {
			return "", err
		}
	}

	buf.WriteByte('}')
	return buf.String(), nil
}

func (a *Authorization) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"from": a.From,
		"to":   a.To,
		"txid": a.Txid,
		"vout": json.Number(strconv.FormatUint(uint64(a.Vout), 10)),
	}
	if a.Value != nil {
		m["value"] = json.Number(a.Value.String())
	}
	if a.Amount != nil {
		m["amount"] = json.Number(a.Amount.String())
	}
	return m
}

// NewAuthorization builds an authorization from typed values. Amounts are
// serialized as JSON numbers.
func NewAuthorization(from, to string, value *big.Int, txid string, vout uint32, amount *big.Int) *Authorization {
	a := &Authorization{
		From:   from,
		To:     to,
		Value:  value,
		Txid:   txid,
		Vout:   vout,
		Amount: amount,
	}
	a.fields = a.toMap()
	return a
}

// ToMap returns the authorization as it appears inside a payment payload.
func (a *Authorization) ToMap() map[string]interface{} {
	if a.fields != nil {
		out := make(map[string]interface{}, len(a.fields))
		for k, v := range a.fields {
			out[k] = v
		}
		return out
	}
	return a.toMap()
}

// UtxoPayload is the scheme-specific payload of a utxo payment
type UtxoPayload struct {
	Signature     string
	Authorization *Authorization
}

// ToMap converts the payload to the generic form carried by x402.PaymentPayload.
func (p *UtxoPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"signature": p.Signature,
	}
	if p.Authorization != nil {
		m["authorization"] = p.Authorization.ToMap()
	}
	return m
}

var (
	errMissingAuthorization = errors.New("missing authorization")
	errMissingSignature     = errors.New("missing signature")
)

// IsMissingFieldError reports whether err came from an absent authorization
// or signature rather than a malformed one.
func IsMissingFieldError(err error) bool {
	return errors.Is(err, errMissingAuthorization) || errors.Is(err, errMissingSignature)
}

// IsMissingAuthorization reports whether err came from an absent authorization.
func IsMissingAuthorization(err error) bool {
	return errors.Is(err, errMissingAuthorization)
}

// AuthorizationFromMap parses the authorization object of a payload.
func AuthorizationFromMap(data map[string]interface{}) (*Authorization, error) {
	if data == nil {
		return nil, errMissingAuthorization
	}
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok || auth == nil {
		return nil, errMissingAuthorization
	}

	a := &Authorization{fields: auth}

	a.From, _ = auth["from"].(string)
	if a.From == "" {
		return nil, errors.New("authorization.from is required")
	}
	a.To, _ = auth["to"].(string)

	txid, _ := auth["txid"].(string)
	if txid == "" {
		return nil, errors.New("authorization.txid is required")
	}
	var err error
	if a.Txid, err = CanonicalTxid(txid); err != nil {
		return nil, fmt.Errorf("invalid authorization.txid: %w", err)
	}

	vout, err := toBigInt(auth["vout"])
	if err != nil {
		return nil, fmt.Errorf("invalid authorization.vout: %w", err)
	}
	if vout.Sign() < 0 || !vout.IsUint64() || vout.Uint64() > math.MaxUint32 {
		return nil, fmt.Errorf("authorization.vout out of range: %s", vout)
	}
	a.Vout = uint32(vout.Uint64())

	a.Value, err = toBigInt(auth["value"])
	if err != nil {
		return nil, fmt.Errorf("invalid authorization.value: %w", err)
	}
	if a.Value.Sign() < 0 {
		return nil, errors.New("authorization.value must not be negative")
	}

	if raw, ok := auth["amount"]; ok && raw != nil {
		a.Amount, err = toBigInt(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid authorization.amount: %w", err)
		}
		if a.Amount.Sign() < 0 {
			return nil, errors.New("authorization.amount must not be negative")
		}
	}

	return a, nil
}

// PayloadFromMap converts a generic payload map to a UtxoPayload. Both the
// authorization and the signature must be present.
func PayloadFromMap(data map[string]interface{}) (*UtxoPayload, error) {
	auth, err := AuthorizationFromMap(data)
	if err != nil {
		return nil, err
	}

	sig, _ := data["signature"].(string)
	if sig == "" {
		return nil, errMissingSignature
	}

	return &UtxoPayload{
		Signature:     sig,
		Authorization: auth,
	}, nil
}

// PayerFromMap extracts authorization.from without validating anything else.
func PayerFromMap(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return ""
	}
	from, _ := auth["from"].(string)
	return from
}

// toBigInt converts a decoded JSON value to an integer. Numbers decoded as
// float64 must be integral and exactly representable.
func toBigInt(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case nil:
		return nil, errors.New("value is required")
	case json.Number:
		return parseInteger(n.String())
	case string:
		return parseInteger(n)
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return nil, fmt.Errorf("not an exact integer: %v", n)
		}
		return big.NewInt(int64(n)), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case *big.Int:
		return new(big.Int).Set(n), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func parseInteger(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return v, nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
