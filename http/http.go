// Package http provides the HTTP facilitator client, its auth providers and
// the X-PAYMENT header codec.
package http

import (
	"fmt"

	x402 "github.com/x402-foundation/x402-commerce"
	"github.com/x402-foundation/x402-commerce/internal/config"
)

// Header names used by the x402 protocol
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// NewFacilitatorClient creates a new HTTP facilitator client
func NewFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	return NewHTTPFacilitatorClient(config)
}

// FacilitatorsFromConfig builds one client per configured backend, in the
// configured order. The result feeds x402.ResolveFacilitators.
func FacilitatorsFromConfig(cfg config.FacilitatorConfig) ([]x402.FacilitatorClient, error) {
	clients := make([]x402.FacilitatorClient, 0, len(cfg.Backends))
	for _, backend := range cfg.Backends {
		switch backend {
		case config.BackendCDP:
			client, err := NewCDPFacilitatorClient(cfg.CDP.KeyID, cfg.CDP.KeySecret, &FacilitatorConfig{
				URL:     cfg.CDP.URL,
				Timeout: cfg.Timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("cdp facilitator: %w", err)
			}
			clients = append(clients, client)

		case config.BackendHTTP:
			fc := &FacilitatorConfig{
				URL:     cfg.URL,
				Timeout: cfg.Timeout,
			}
			if cfg.Token != "" {
				fc.AuthProvider = BearerAuthProvider{Token: cfg.Token}
			}
			clients = append(clients, NewHTTPFacilitatorClient(fc))

		default:
			return nil, fmt.Errorf("unknown facilitator backend %q", backend)
		}
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no facilitator backends configured")
	}
	return clients, nil
}
