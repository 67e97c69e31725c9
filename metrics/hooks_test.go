package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-bch/facilitator"
)

const testNetwork x402.Network = "bip122:000000000000000000651ef99cb9fcbe"

type recordedEvent struct {
	name   string
	labels map[string]string
}

type captureRecorder struct {
	mu        sync.Mutex
	counters  []recordedEvent
	latencies []recordedEvent
}

func (c *captureRecorder) IncCounter(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = append(c.counters, recordedEvent{name, labels})
}

func (c *captureRecorder) ObserveLatency(name string, _ time.Duration, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = append(c.latencies, recordedEvent{name, labels})
}

// stubMechanism answers every call with fixed results.
type stubMechanism struct {
	verify    x402.VerifyResponse
	verifyErr error
	settle    x402.SettleResponse
	settleErr error
}

func (s *stubMechanism) Scheme() string                               { return "utxo" }
func (s *stubMechanism) CaipFamily() string                           { return "bip122:*" }
func (s *stubMechanism) GetExtra(x402.Network) map[string]interface{} { return nil }
func (s *stubMechanism) GetSigners(x402.Network) []string             { return nil }
func (s *stubMechanism) NormalizeNetwork(n x402.Network) x402.Network { return n }

func (s *stubMechanism) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.VerifyResponse, error) {
	return s.verify, s.verifyErr
}

func (s *stubMechanism) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.SettleResponse, error) {
	return s.settle, s.settleErr
}

func request() (x402.PaymentPayload, x402.PaymentRequirements) {
	return x402.PaymentPayload{Scheme: "utxo", Network: testNetwork},
		x402.PaymentRequirements{Scheme: "utxo", Network: testNetwork}
}

func TestInstrumentCountsOutcomes(t *testing.T) {
	rec := &captureRecorder{}
	mech := &stubMechanism{
		verify: x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidSignature},
		settle: x402.SettleResponse{Success: true, Network: testNetwork, Transaction: "ab"},
	}
	f := Instrument(x402.Newx402Facilitator().Register(testNetwork, mech), rec)

	payload, requirements := request()
	_, err := f.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	_, err = f.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)

	require.Len(t, rec.counters, 2)
	assert.Equal(t, "verify", rec.counters[0].name)
	assert.Equal(t, "invalid_signature", rec.counters[0].labels["reason"])
	assert.Equal(t, string(testNetwork), rec.counters[0].labels["network"])
	assert.Equal(t, "settle", rec.counters[1].name)
	assert.Equal(t, "ok", rec.counters[1].labels["reason"])
	assert.Len(t, rec.latencies, 2)
}

func TestInstrumentCountsErrors(t *testing.T) {
	rec := &captureRecorder{}
	boom := errors.New("boom")
	mech := &stubMechanism{verifyErr: boom, settleErr: boom}
	f := Instrument(x402.Newx402Facilitator().Register(testNetwork, mech), rec)

	payload, requirements := request()
	_, err := f.Verify(context.Background(), payload, requirements)
	assert.ErrorIs(t, err, boom)
	_, err = f.Settle(context.Background(), payload, requirements)
	assert.ErrorIs(t, err, boom)

	require.Len(t, rec.counters, 2)
	assert.Equal(t, "unexpected_verify_error", rec.counters[0].labels["reason"])
	assert.Equal(t, "unexpected_settle_error", rec.counters[1].labels["reason"])
}

func TestInstrumentNilRecorder(t *testing.T) {
	f := Instrument(x402.Newx402Facilitator().Register(testNetwork, &stubMechanism{}), nil)
	payload, requirements := request()
	_, err := f.Verify(context.Background(), payload, requirements)
	assert.NoError(t, err)
}
