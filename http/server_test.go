package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-bch/facilitator"
)

const testNetwork x402.Network = "bip122:000000000000000000651ef99cb9fcbe"

func init() {
	gin.SetMode(gin.TestMode)
}

// mockFacilitator implements x402.FacilitatorClient with overridable funcs
type mockFacilitator struct {
	verifyFunc    func(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error)
	settleFunc    func(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error)
	supportedFunc func(ctx context.Context) (x402.SupportedResponse, error)
}

func (m *mockFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, payload, requirements)
	}
	return x402.VerifyResponse{IsValid: true, Payer: "bitcoincash:qpayer"}, nil
}

func (m *mockFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	if m.settleFunc != nil {
		return m.settleFunc(ctx, payload, requirements)
	}
	return x402.SettleResponse{Success: true, Transaction: "tx123", Network: testNetwork}, nil
}

func (m *mockFacilitator) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	if m.supportedFunc != nil {
		return m.supportedFunc(ctx)
	}
	return x402.SupportedResponse{
		Kinds:      []x402.SupportedKind{{X402Version: 2, Scheme: "utxo", Network: testNetwork}},
		Extensions: []string{},
		Signers:    map[string][]string{"bip122:*": {}},
	}, nil
}

const validBody = `{
	"x402Version": 2,
	"paymentPayload": {
		"x402Version": 2,
		"accepted": {"scheme": "utxo", "network": "bip122:000000000000000000651ef99cb9fcbe"},
		"payload": {
			"signature": "sig",
			"authorization": {"from": "bitcoincash:qpayer", "value": 1000, "txid": "ab", "vout": 0, "amount": "2000"}
		}
	},
	"paymentRequirements": {
		"scheme": "utxo",
		"network": "bip122:000000000000000000651ef99cb9fcbe",
		"minAmountRequired": 100,
		"payTo": "bitcoincash:qserver"
	}
}`

func newTestServer(f x402.FacilitatorClient) *gin.Engine {
	return NewServer(ServerConfig{
		Facilitator: f,
		Network:     testNetwork,
		Version:     "1.2.3",
	})
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestSupportedEndpoint(t *testing.T) {
	w := do(t, newTestServer(&mockFacilitator{}), http.MethodGet, "/facilitator/supported", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SupportedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Kinds, 1)
	assert.Equal(t, "utxo", resp.Kinds[0].Scheme)
	assert.Contains(t, resp.Signers, "bip122:*")
}

func TestSupportedEndpointError(t *testing.T) {
	f := &mockFacilitator{supportedFunc: func(context.Context) (x402.SupportedResponse, error) {
		return x402.SupportedResponse{}, errors.New("Test error")
	}}
	w := do(t, newTestServer(f), http.MethodGet, "/facilitator/supported", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Test error", decodeBody(t, w)["error"])
}

func TestVerifyEndpointPreservesNumbers(t *testing.T) {
	var got x402.PaymentPayload
	var gotRequirements x402.PaymentRequirements
	f := &mockFacilitator{verifyFunc: func(_ context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (x402.VerifyResponse, error) {
		got, gotRequirements = p, r
		return x402.VerifyResponse{IsValid: true, Payer: "bitcoincash:qpayer", RemainingBalanceSat: "1900"}, nil
	}}

	w := do(t, newTestServer(f), http.MethodPost, "/facilitator/verify", validBody)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["isValid"])
	assert.Equal(t, "1900", body["remainingBalanceSat"])

	auth := got.Payload["authorization"].(map[string]interface{})
	assert.Equal(t, json.Number("1000"), auth["value"])
	assert.Equal(t, "2000", auth["amount"])
	assert.Equal(t, "utxo", got.PaymentScheme())
	assert.Equal(t, x402.Quantity("100"), gotRequirements.MinAmountRequired)
}

func TestVerifyEndpointBusinessRejectionIs200(t *testing.T) {
	f := &mockFacilitator{verifyFunc: func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.VerifyResponse, error) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidSignature, Payer: "bitcoincash:qpayer"}, nil
	}}
	w := do(t, newTestServer(f), http.MethodPost, "/facilitator/verify", validBody)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["isValid"])
	assert.Equal(t, "invalid_signature", body["invalidReason"])
}

func TestPaymentEndpointsRejectMissingFields(t *testing.T) {
	bodies := map[string]string{
		"empty object":          `{}`,
		"missing requirements":  `{"paymentPayload": {}}`,
		"missing payload":       `{"paymentRequirements": {}}`,
		"null payload":          `{"paymentPayload": null, "paymentRequirements": {}}`,
		"payload not an object": `{"paymentPayload": "x", "paymentRequirements": {}}`,
	}

	for _, path := range []string{"/facilitator/verify", "/facilitator/settle"} {
		for name, body := range bodies {
			t.Run(path+" "+name, func(t *testing.T) {
				called := false
				f := &mockFacilitator{
					verifyFunc: func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.VerifyResponse, error) {
						called = true
						return x402.VerifyResponse{}, nil
					},
					settleFunc: func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.SettleResponse, error) {
						called = true
						return x402.SettleResponse{}, nil
					},
				}
				w := do(t, newTestServer(f), http.MethodPost, path, body)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Equal(t, "Missing paymentPayload or paymentRequirements", decodeBody(t, w)["error"])
				assert.False(t, called)
			})
		}
	}
}

func TestVerifyEndpointRejectsMalformedJSON(t *testing.T) {
	w := do(t, newTestServer(&mockFacilitator{}), http.MethodPost, "/facilitator/verify", `{"paymentPayload":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["error"])
}

func TestVerifyEndpointInternalError(t *testing.T) {
	f := &mockFacilitator{verifyFunc: func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.VerifyResponse, error) {
		return x402.VerifyResponse{}, errors.New("Test error")
	}}
	w := do(t, newTestServer(f), http.MethodPost, "/facilitator/verify", validBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Test error", decodeBody(t, w)["error"])
}

func TestSettleEndpoint(t *testing.T) {
	w := do(t, newTestServer(&mockFacilitator{}), http.MethodPost, "/facilitator/settle", validBody)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "tx123", body["transaction"])
	assert.Equal(t, string(testNetwork), body["network"])
}

func TestSettleEndpointPanicIs500(t *testing.T) {
	f := &mockFacilitator{settleFunc: func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.SettleResponse, error) {
		panic("wallet exploded")
	}}
	w := do(t, newTestServer(f), http.MethodPost, "/facilitator/settle", validBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", decodeBody(t, w)["error"])
}

func TestRequestTimeoutReachesFacilitator(t *testing.T) {
	f := &mockFacilitator{verifyFunc: func(ctx context.Context, _ x402.PaymentPayload, _ x402.PaymentRequirements) (x402.VerifyResponse, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return x402.VerifyResponse{IsValid: true}, nil
	}}
	w := do(t, newTestServer(f), http.MethodPost, "/facilitator/verify", validBody)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	w := do(t, newTestServer(&mockFacilitator{}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, string(testNetwork), body["network"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestRequestIDHeader(t *testing.T) {
	router := newTestServer(&mockFacilitator{})

	w := do(t, router, http.MethodGet, "/health", "")
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", rec.Header().Get(RequestIDHeader))
}

func TestMetricsEndpointOptional(t *testing.T) {
	w := do(t, newTestServer(&mockFacilitator{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	router := NewServer(ServerConfig{
		Facilitator: &mockFacilitator{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("x402_bch_events_total 1\n"))
		}),
	})
	w = do(t, router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "x402_bch_events_total")
}
