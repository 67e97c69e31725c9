package bch

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"

	x402bch "github.com/x402-bch/facilitator/mechanisms/bch"
)

// MessageHash returns the double-SHA256 digest signed by Bitcoin Cash
// message signatures: the magic prefix and the message, each length prefixed.
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	// bytes.Buffer writes never fail
	_ = wire.WriteVarString(&buf, 0, x402bch.MessageMagic)
	_ = wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// MessageVerifier implements x402bch.MessageVerifier for P2PKH cashaddr
// addresses. The cashaddr prefix is optional.
type MessageVerifier struct {
	params *chaincfg.Params
}

// NewMessageVerifier creates a verifier for params. Nil selects mainnet.
func NewMessageVerifier(params *chaincfg.Params) *MessageVerifier {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &MessageVerifier{params: params}
}

// VerifyMessage reports whether signature is a valid compact signature of
// message by the key behind address. Malformed addresses and signatures are
// returned as errors; a well-formed signature by another key is (false, nil).
func (v *MessageVerifier) VerifyMessage(address, signature, message string) (bool, error) {
	pkHash, err := pubKeyHash(address, v.params)
	if err != nil {
		return false, err
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("signature is not valid base64: %w", err)
	}
	if len(sig) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	pub, compressed, err := bchec.RecoverCompact(bchec.S256(), sig, MessageHash(message))
	if err != nil {
		return false, nil
	}

	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}
	return bytes.Equal(bchutil.Hash160(serialized), pkHash), nil
}

func pubKeyHash(address string, params *chaincfg.Params) ([]byte, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("address is empty")
	}
	decoded, err := bchutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	p2pkh, ok := decoded.(*bchutil.AddressPubKeyHash)
	if !ok {
		return nil, fmt.Errorf("address %q is not a pay-to-pubkey-hash cashaddr", address)
	}
	return p2pkh.ScriptAddress(), nil
}

// SameAddress reports whether a and b decode to the same script, regardless
// of encoding or cashaddr prefix.
func SameAddress(a, b string, params *chaincfg.Params) bool {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	da, err := bchutil.DecodeAddress(a, params)
	if err != nil {
		return false
	}
	db, err := bchutil.DecodeAddress(b, params)
	if err != nil {
		return false
	}
	return bytes.Equal(da.ScriptAddress(), db.ScriptAddress()) &&
		fmt.Sprintf("%T", da) == fmt.Sprintf("%T", db)
}

// CashAddress formats a pubkey hash address with its cashaddr prefix.
func CashAddress(addr bchutil.Address, params *chaincfg.Params) string {
	encoded := addr.EncodeAddress()
	prefix := params.CashAddressPrefix + ":"
	if strings.HasPrefix(encoded, prefix) {
		return encoded
	}
	return prefix + encoded
}
