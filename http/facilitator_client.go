package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/x402-foundation/x402-commerce"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient communicates with a remote facilitator service over HTTP
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
	// URL is the base URL of the facilitator service
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

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// maxResponseBytes caps how much of a facilitator answer is read
const maxResponseBytes = 1 << 20

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
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

// Identifier names this backend in logs and strategy lists
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// Verify asks the facilitator whether a payment authorization is valid.
//
// A 200 answer is returned as-is, including isValid=false. A non-2xx answer
// carrying a reason becomes a *x402.VerifyError. Timeouts, connection
// failures and retryable statuses become a *x402.TransportError.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	status, responseBody, err := c.post(ctx, "/verify", payload, requirements, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	var verifyResponse x402.VerifyResponse
	decodeErr := json.Unmarshal(responseBody, &verifyResponse)

	if status == http.StatusOK {
		if decodeErr != nil {
			return nil, x402.NewTransportError("verify", status,
				fmt.Errorf("%s: %w", x402.ErrInvalidResponse, decodeErr))
		}
		return &verifyResponse, nil
	}

	if decodeErr == nil && verifyResponse.InvalidReason != "" {
		return nil, x402.NewVerifyError(
			verifyResponse.InvalidReason,
			verifyResponse.Payer,
			verifyResponse.InvalidMessage,
		)
	}
	return nil, x402.NewVerifyError(
		x402.ErrInvalidResponse,
		"",
		fmt.Sprintf("facilitator verify failed (%d): %s", status, truncate(responseBody)),
	)
}

// Settle asks the facilitator to execute the on-chain transfer. Error
// classification follows Verify; a 200 with success=false is returned as-is.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	status, responseBody, err := c.post(ctx, "/settle", payload, requirements, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}

	var settleResponse x402.SettleResponse
	decodeErr := json.Unmarshal(responseBody, &settleResponse)

	if status == http.StatusOK {
		if decodeErr != nil {
			return nil, x402.NewTransportError("settle", status,
				fmt.Errorf("%s: %w", x402.ErrInvalidResponse, decodeErr))
		}
		return &settleResponse, nil
	}

	if decodeErr == nil && settleResponse.ErrorReason != "" {
		return nil, x402.NewSettleError(
			settleResponse.ErrorReason,
			settleResponse.Payer,
			settleResponse.Network,
			settleResponse.TxID(),
			fmt.Sprintf("facilitator returned %d", status),
		)
	}
	return nil, x402.NewSettleError(
		x402.ErrCodeSettlementFailed,
		"",
		requirements.Network,
		"",
		fmt.Sprintf("facilitator settle failed (%d): %s", status, truncate(responseBody)),
	)
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

		req.Header.Set("Content-Type", "application/json")

		if c.authProvider != nil {
			authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
			if err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to get auth headers: %w", err)
			}
			for k, v := range authHeaders.Supported {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, x402.NewTransportError("supported", 0, err)
		}

		responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, x402.NewTransportError("supported", resp.StatusCode, err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = x402.NewTransportError("supported", resp.StatusCode, fmt.Errorf("%s", truncate(responseBody)))

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

// post sends a facilitator request and returns the status and body of any
// answer that is not a retryable failure
func (c *HTTPFacilitatorClient) post(
	ctx context.Context,
	path string,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
	headersFor func(AuthHeaders) map[string]string,
) (int, []byte, error) {
	op := path[1:]

	body, err := json.Marshal(x402.FacilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return 0, nil, x402.NewTransportError(op, 0, fmt.Errorf("failed to get auth headers: %w", err))
		}
		for k, v := range headersFor(authHeaders) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, x402.NewTransportError(op, 0, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, x402.NewTransportError(op, resp.StatusCode, err)
	}

	if retryableStatus(resp.StatusCode) {
		return 0, nil, x402.NewTransportError(op, resp.StatusCode, fmt.Errorf("%s", truncate(responseBody)))
	}
	return resp.StatusCode, responseBody, nil
}

// retryableStatus marks answers that say nothing about the payment itself.
// Auth failures are ours to fix, not the payer's, so they are retried too.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code == http.StatusUnauthorized,
		code == http.StatusForbidden:
		return true
	}
	return false
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
