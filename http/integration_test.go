package http

import (
	"context"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gcash/bchd/bchec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-bch/facilitator"
	"github.com/x402-bch/facilitator/mechanisms/bch"
	"github.com/x402-bch/facilitator/mechanisms/bch/ledger"
	utxo "github.com/x402-bch/facilitator/mechanisms/bch/utxo/facilitator"
	bchsigner "github.com/x402-bch/facilitator/signers/bch"
)

const fundingTxid = "b74dcfc839eb3693be811be64e563171d83e191388fdda900f2d3b952df01ba7"

// chainWallet serves a single funded UTXO and records payouts.
type chainWallet struct {
	mu       sync.Mutex
	value    int64
	receiver string
	payouts  []bch.Output
}

func (w *chainWallet) ValidateUtxo(context.Context, string, uint32) (*bch.UtxoInfo, error) {
	return &bch.UtxoInfo{UtxoAmountSat: big.NewInt(w.value), ReceiverAddress: w.receiver}, nil
}

func (w *chainWallet) IsWalletInitialized() bool { return true }
func (w *chainWallet) InitializeWallet(context.Context) error { return nil }
func (w *chainWallet) GetWallet() bch.SpendingWallet { return w }
func (w *chainWallet) GetFacilitatorAddress() string { return "bitcoincash:qfacilitator" }
func (w *chainWallet) GetMinConfirmations() int { return 0 }
func (w *chainWallet) GetBalance(context.Context, string) (*big.Int, error) { return big.NewInt(1e8), nil }

func (w *chainWallet) Send(_ context.Context, outputs []bch.Output) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payouts = append(w.payouts, outputs...)
	return "c0ffee", nil
}

func TestEndToEndMeteredPayments(t *testing.T) {
	payer, err := newSigner(t)
	require.NoError(t, err)
	server, err := newSigner(t)
	require.NoError(t, err)

	wallet := &chainWallet{value: 2000, receiver: server.Address()}
	scheme := utxo.NewUtxoBchScheme(wallet, bchsigner.NewMessageVerifier(nil), ledger.New(ledger.NewInMemoryStore()))
	facilitator := x402.Newx402Facilitator().Register(bch.NetworkMainnet, scheme)

	ts := httptest.NewServer(NewServer(ServerConfig{Facilitator: facilitator, Network: bch.NetworkMainnet}))
	defer ts.Close()
	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: ts.URL + "/facilitator"})

	signed, err := payer.Authorize(server.Address(), big.NewInt(1000), fundingTxid, 0, big.NewInt(2000))
	require.NoError(t, err)

	payload := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      bch.SchemeUtxo,
		Network:     bch.LegacyNetwork,
		Payload:     signed.ToMap(),
	}
	requirements := x402.PaymentRequirements{
		Scheme:            bch.SchemeUtxo,
		Network:           bch.NetworkMainnet,
		MinAmountRequired: "600",
		PayTo:             server.Address(),
	}
	ctx := context.Background()

	verified, err := client.Verify(ctx, payload, requirements)
	require.NoError(t, err)
	require.True(t, verified.IsValid, "reason %s: %s", verified.InvalidReason, verified.InvalidMessage)
	assert.Equal(t, payer.Address(), verified.Payer)
	assert.Equal(t, "1400", verified.RemainingBalanceSat)
	require.NotNil(t, verified.LedgerEntry)
	assert.Equal(t, fundingTxid+":0", verified.LedgerEntry.UtxoID)

	settled, err := client.Settle(ctx, payload, requirements)
	require.NoError(t, err)
	require.True(t, settled.Success, "reason %s: %s", settled.ErrorReason, settled.ErrorMessage)
	assert.Equal(t, "c0ffee", settled.Transaction)
	assert.Equal(t, bch.NetworkMainnet, settled.Network)
	assert.Equal(t, "800", settled.RemainingBalanceSat)
	require.Len(t, wallet.payouts, 1)
	assert.Equal(t, "1000", wallet.payouts[0].AmountSat.String())

	exhausted, err := client.Verify(ctx, payload, requirements)
	require.NoError(t, err)
	assert.Equal(t, "200", exhausted.RemainingBalanceSat)

	rejected, err := client.Verify(ctx, payload, requirements)
	require.NoError(t, err)
	assert.False(t, rejected.IsValid)
	assert.Equal(t, x402.ReasonInsufficientUtxoBalance, rejected.InvalidReason)
	assert.Equal(t, "200", rejected.RemainingBalanceSat)

	tampered := payload
	tampered.Payload = signed.ToMap()
	tampered.Payload["authorization"].(map[string]interface{})["value"] = "999999"
	forged, err := client.Verify(ctx, tampered, requirements)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInvalidSignature, forged.InvalidReason)

	supported, err := client.GetSupported(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bitcoincash:qfacilitator"}, supported.Signers["bip122:*"])
}

func newSigner(t *testing.T) (*bchsigner.ClientSigner, error) {
	t.Helper()
	key, err := bchec.NewPrivateKey(bchec.S256())
	if err != nil {
		return nil, err
	}
	return bchsigner.NewClientSigner(key, true, nil)
}
