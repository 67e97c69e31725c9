package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/x402-bch/facilitator"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient calls a remote facilitator's REST API.
// Implements x402.FacilitatorClient.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator API, including the /facilitator prefix
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string
}

// DefaultFacilitatorURL points at a facilitator running locally on its default port
const DefaultFacilitatorURL = "http://localhost:4345/facilitator"

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
const getSupportedRetryBaseDelay = 1 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultRequestTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = url
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
	}
}

// Identifier names the facilitator in logs
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// ============================================================================
// FacilitatorClient Implementation
// ============================================================================

// Verify asks the facilitator to verify and meter a payment. Business
// rejections come back as a VerifyResponse with IsValid false; the error is
// set only for transport failures and non-200 responses.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	if err := checkPayment(payload, requirements); err != nil {
		return x402.VerifyResponse{}, err
	}
	request := x402.VerifyRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      &payload,
		PaymentRequirements: &requirements,
	}
	status, responseBody, err := c.post(ctx, "/verify", request, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return x402.VerifyResponse{}, err
	}

	var verifyResponse x402.VerifyResponse
	if status != http.StatusOK {
		if json.Unmarshal(responseBody, &verifyResponse) == nil && verifyResponse.InvalidReason != "" {
			return x402.VerifyResponse{}, x402.NewVerifyError(
				verifyResponse.InvalidReason,
				verifyResponse.Payer,
				verifyResponse.InvalidMessage,
			)
		}
		return x402.VerifyResponse{}, statusError(x402.ReasonUnexpectedVerifyError, "verify", status, responseBody)
	}

	if err := json.Unmarshal(responseBody, &verifyResponse); err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return verifyResponse, nil
}

// Settle asks the facilitator to verify the payment again and pay it out.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	if err := checkPayment(payload, requirements); err != nil {
		return x402.SettleResponse{}, err
	}
	request := x402.SettleRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      &payload,
		PaymentRequirements: &requirements,
	}
	status, responseBody, err := c.post(ctx, "/settle", request, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return x402.SettleResponse{}, err
	}

	var settleResponse x402.SettleResponse
	if status != http.StatusOK {
		if json.Unmarshal(responseBody, &settleResponse) == nil && settleResponse.ErrorReason != "" {
			return x402.SettleResponse{}, x402.NewSettleError(
				settleResponse.ErrorReason,
				settleResponse.Payer,
				settleResponse.Network,
				settleResponse.Transaction,
				fmt.Sprintf("facilitator returned %d", status),
			)
		}
		return x402.SettleResponse{}, statusError(x402.ReasonUnexpectedSettleError, "settle", status, responseBody)
	}

	if err := json.Unmarshal(responseBody, &settleResponse); err != nil {
		return x402.SettleResponse{}, fmt.Errorf("failed to decode settle response: %w", err)
	}
	return settleResponse, nil
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return x402.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, errorMessage(responseBody))

		// Retry on 429 with exponential backoff, except on the last attempt
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			}
		}

		return x402.SupportedResponse{}, lastErr
	}

	return x402.SupportedResponse{}, lastErr
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

// checkPayment rejects requests the facilitator would answer with a 400.
func checkPayment(payload x402.PaymentPayload, requirements x402.PaymentRequirements) error {
	if err := x402.ValidatePaymentPayload(payload); err != nil {
		return fmt.Errorf("invalid payment payload: %w", err)
	}
	if err := x402.ValidatePaymentRequirements(requirements); err != nil {
		return fmt.Errorf("invalid payment requirements: %w", err)
	}
	return nil
}

func (c *HTTPFacilitatorClient) post(
	ctx context.Context,
	path string,
	request x402.VerifyRequest,
	headers func(AuthHeaders) map[string]string,
) (int, []byte, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", strings.TrimPrefix(path, "/"), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", strings.TrimPrefix(path, "/"), err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.applyAuth(ctx, req, headers); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", strings.TrimPrefix(path, "/"), err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, responseBody, nil
}

func (c *HTTPFacilitatorClient) applyAuth(ctx context.Context, req *http.Request, headers func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range headers(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

// statusError describes a non-200 response that carried no typed reason.
// The HTTP status is kept in Details.
func statusError(reason x402.Reason, op string, status int, body []byte) *x402.PaymentError {
	return x402.NewPaymentError(reason,
		fmt.Sprintf("facilitator %s failed (%d): %s", op, status, errorMessage(body)),
		map[string]interface{}{"status": status})
}

// errorMessage extracts {"error": "..."} bodies, falling back to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
