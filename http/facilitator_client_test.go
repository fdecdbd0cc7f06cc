package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coinbase/cdp-sdk/go/auth"

	x402 "github.com/x402-foundation/x402-commerce"
)

func testRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           "eip155:84532",
		MaxAmountRequired: "1000000",
		Resource:          "https://shop.example/items",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func testPayload() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "eip155:84532",
		Payload:     map[string]interface{}{"signature": "0xsig"},
	}
}

func TestNewHTTPFacilitatorClient(t *testing.T) {
	client := NewHTTPFacilitatorClient(nil)
	if client == nil {
		t.Fatal("Expected client to be created")
	}
	if client.url != DefaultFacilitatorURL {
		t.Errorf("Expected default URL %s, got %s", DefaultFacilitatorURL, client.url)
	}
	if client.Identifier() != DefaultFacilitatorURL {
		t.Errorf("Expected default identifier %s, got %s", DefaultFacilitatorURL, client.Identifier())
	}

	client = NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:        "https://custom.facilitator.com",
		Identifier: "custom",
	})
	if client.url != "https://custom.facilitator.com" {
		t.Errorf("Expected custom URL, got %s", client.url)
	}
	if client.Identifier() != "custom" {
		t.Errorf("Expected identifier 'custom', got %s", client.Identifier())
	}
}

func TestHTTPFacilitatorClientVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Expected path /verify, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var body x402.FacilitatorRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if body.X402Version != 1 {
			t.Errorf("Expected version 1 in request, got %d", body.X402Version)
		}
		if body.PaymentRequirements.MaxAmountRequired != "1000000" {
			t.Errorf("Expected maxAmountRequired in request, got %q", body.PaymentRequirements.MaxAmountRequired)
		}
		if body.PaymentPayload.Scheme != x402.SchemeExact {
			t.Errorf("Expected scheme in payload, got %q", body.PaymentPayload.Scheme)
		}

		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "0xpayer"})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.Verify(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.IsValid {
		t.Error("Expected valid response")
	}
	if resp.Payer != "0xpayer" {
		t.Errorf("Expected payer 0xpayer, got %s", resp.Payer)
	}
}

func TestHTTPFacilitatorClientSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("Expected path /settle, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"txHash":"0xabc","payer":"0xpayer","network":"eip155:84532"}`))
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.Settle(context.Background(), testPayload(), testRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Success {
		t.Error("Expected success")
	}
	if resp.TxID() != "0xabc" {
		t.Errorf("Expected tx 0xabc, got %s", resp.TxID())
	}
}

func TestHTTPFacilitatorClientErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		reason    string
	}{
		{"rejection with reason", http.StatusBadRequest, `{"success":false,"errorReason":"invalid_signature"}`, false, "invalid_signature"},
		{"rejection without reason", http.StatusBadRequest, `oops`, false, x402.ErrCodeSettlementFailed},
		{"server error", http.StatusBadGateway, `bad gateway`, true, ""},
		{"rate limited", http.StatusTooManyRequests, `slow down`, true, ""},
		{"unauthorized", http.StatusUnauthorized, `{"errorReason":"bad_key"}`, true, ""},
		{"undecodable success", http.StatusOK, `<html>`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
			_, err := client.Settle(context.Background(), testPayload(), testRequirements())
			if err == nil {
				t.Fatal("Expected error")
			}
			if x402.IsRetryable(err) != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v (%v)", tt.retryable, x402.IsRetryable(err), err)
			}
			if tt.reason != "" {
				reason, ok := x402.RejectionReason(err)
				if !ok || reason != tt.reason {
					t.Errorf("Expected reason %s, got %q", tt.reason, reason)
				}
			}
		})
	}
}

func TestHTTPFacilitatorClientVerifyRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"isValid":false,"invalidReason":"payment_expired","payer":"0xpayer"}`))
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	_, err := client.Verify(context.Background(), testPayload(), testRequirements())

	var verifyErr *x402.VerifyError
	if !errors.As(err, &verifyErr) {
		t.Fatalf("Expected VerifyError, got %v", err)
	}
	if verifyErr.Reason != "payment_expired" || verifyErr.Payer != "0xpayer" {
		t.Errorf("Unexpected verify error: %+v", verifyErr)
	}
}

func TestHTTPFacilitatorClientTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Verify(ctx, testPayload(), testRequirements())
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !x402.IsRetryable(err) {
		t.Errorf("Expected timeout to be retryable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestHTTPFacilitatorClientGetSupportedRetriesOn429(t *testing.T) {
	getSupportedRetryBaseDelay = time.Millisecond
	defer func() { getSupportedRetryBaseDelay = time.Second }()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"kinds":[{"x402Version":1,"scheme":"exact","network":"eip155:84532"}]}`))
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	supported, err := client.GetSupported(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !supported.Supports(x402.SchemeExact, "eip155:84532") {
		t.Errorf("Expected exact on base sepolia to be supported, got %+v", supported)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestHTTPFacilitatorClientWithAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:          server.URL,
		AuthProvider: BearerAuthProvider{Token: "secret-token"},
	})
	if _, err := client.Verify(context.Background(), testPayload(), testRequirements()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestCDPAuthProviderSignsPerEndpoint(t *testing.T) {
	provider, err := NewCDPAuthProvider("key-id", "key-secret", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var paths []string
	provider.generate = func(opts auth.JwtOptions) (string, error) {
		if opts.RequestHost != "api.cdp.coinbase.com" {
			t.Errorf("Expected CDP host, got %s", opts.RequestHost)
		}
		paths = append(paths, opts.RequestMethod+" "+opts.RequestPath)
		return "jwt-" + opts.RequestMethod, nil
	}

	headers, err := provider.GetAuthHeaders(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []string{
		"POST /platform/v2/x402/verify",
		"POST /platform/v2/x402/settle",
		"GET /platform/v2/x402/supported",
	}
	if len(paths) != len(want) {
		t.Fatalf("Expected %d tokens, got %d", len(want), len(paths))
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], paths[i])
		}
	}
	if headers.Settle["Authorization"] != "Bearer jwt-POST" {
		t.Errorf("Unexpected settle header: %v", headers.Settle)
	}
	if headers.Supported["Correlation-Context"] == "" {
		t.Error("Expected correlation header")
	}
}

func TestNewCDPAuthProviderRequiresCredentials(t *testing.T) {
	if _, err := NewCDPAuthProvider("", "secret", ""); err == nil {
		t.Error("Expected error for missing key id")
	}
}
