package bch

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"

	x402bch "github.com/x402-bch/facilitator/mechanisms/bch"
)

// ClientSigner signs utxo payment authorizations with a single private key.
type ClientSigner struct {
	privateKey *bchec.PrivateKey
	compressed bool
	params     *chaincfg.Params
	address    string
}

// NewClientSignerFromWIF creates a client signer from a WIF-encoded private key.
//
// Example:
//
//	signer, err := bch.NewClientSignerFromWIF("L1aW4aubDFB7yfras2S1mN3bqg9nwySY8nkoLmJebSLD5BWv3ENZ")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	payload, err := signer.Authorize(payTo, big.NewInt(1000), txid, 0, big.NewInt(50000))
func NewClientSignerFromWIF(wif string) (*ClientSigner, error) {
	decoded, err := bchutil.DecodeWIF(strings.TrimSpace(wif))
	if err != nil {
		return nil, fmt.Errorf("invalid WIF: %w", err)
	}
	return NewClientSigner(decoded.PrivKey, decoded.CompressPubKey, &chaincfg.MainNetParams)
}

// NewClientSigner creates a client signer from a parsed key.
func NewClientSigner(key *bchec.PrivateKey, compressed bool, params *chaincfg.Params) (*ClientSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	var serialized []byte
	if compressed {
		serialized = key.PubKey().SerializeCompressed()
	} else {
		serialized = key.PubKey().SerializeUncompressed()
	}
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(serialized), params)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}

	return &ClientSigner{
		privateKey: key,
		compressed: compressed,
		params:     params,
		address:    CashAddress(addr, params),
	}, nil
}

// Address returns the signer's cashaddr, including the network prefix.
func (s *ClientSigner) Address() string {
	return s.address
}

// SignMessage returns a base64 compact signature of message.
func (s *ClientSigner) SignMessage(message string) (string, error) {
	sig, err := bchec.SignCompact(bchec.S256(), s.privateKey, MessageHash(message), s.compressed)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Authorize builds and signs an authorization to debit txid:vout, paying
// value satoshis to to. amount is the UTXO value the client funded.
func (s *ClientSigner) Authorize(to string, value *big.Int, txid string, vout uint32, amount *big.Int) (*x402bch.UtxoPayload, error) {
	auth := x402bch.NewAuthorization(s.address, to, value, txid, vout, amount)
	return s.SignAuthorization(auth)
}

// SignAuthorization signs an existing authorization. Its From must be the
// signer's address.
func (s *ClientSigner) SignAuthorization(auth *x402bch.Authorization) (*x402bch.UtxoPayload, error) {
	if auth == nil {
		return nil, fmt.Errorf("authorization is required")
	}
	if !SameAddress(auth.From, s.address, s.params) {
		return nil, fmt.Errorf("authorization.from %s is not the signer address %s", auth.From, s.address)
	}

	message, err := auth.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	signature, err := s.SignMessage(message)
	if err != nil {
		return nil, err
	}
	return &x402bch.UtxoPayload{Signature: signature, Authorization: auth}, nil
}
