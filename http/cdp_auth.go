package http

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coinbase/cdp-sdk/go/auth"
)

const (
	CoinbaseFacilitatorBaseURL = "https://api.cdp.coinbase.com"
	CoinbaseFacilitatorRoute   = "/platform/v2/x402"
)

// CDPAuthProvider signs a short-lived JWT per facilitator endpoint using a
// CDP API key
type CDPAuthProvider struct {
	KeyID     string
	KeySecret string
	// BaseURL is the facilitator URL the tokens are minted for
	BaseURL string

	generate func(auth.JwtOptions) (string, error)
}

// NewCDPAuthProvider creates an auth provider for the Coinbase facilitator
func NewCDPAuthProvider(keyID, keySecret, baseURL string) (*CDPAuthProvider, error) {
	if keyID == "" || keySecret == "" {
		return nil, errors.New("missing credentials: CDP key id and key secret are required")
	}
	if baseURL == "" {
		baseURL = CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorRoute
	}
	return &CDPAuthProvider{
		KeyID:     keyID,
		KeySecret: keySecret,
		BaseURL:   baseURL,
		generate:  auth.GenerateJWT,
	}, nil
}

// NewCDPFacilitatorClient creates an HTTP facilitator client pointed at the
// Coinbase facilitator
func NewCDPFacilitatorClient(keyID, keySecret string, config *FacilitatorConfig) (*HTTPFacilitatorClient, error) {
	if config == nil {
		config = &FacilitatorConfig{}
	}
	cfg := *config
	if cfg.URL == "" {
		cfg.URL = CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorRoute
	}
	if cfg.Identifier == "" {
		cfg.Identifier = "cdp"
	}

	provider, err := NewCDPAuthProvider(keyID, keySecret, cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.AuthProvider = provider
	return NewHTTPFacilitatorClient(&cfg), nil
}

// GetAuthHeaders implements AuthProvider
func (p *CDPAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return AuthHeaders{}, fmt.Errorf("invalid facilitator url: %w", err)
	}
	basePath := strings.TrimSuffix(base.Path, "/")

	verifyToken, err := p.token(base.Host, basePath+"/verify", "POST")
	if err != nil {
		return AuthHeaders{}, fmt.Errorf("failed to create verify auth header: %w", err)
	}
	settleToken, err := p.token(base.Host, basePath+"/settle", "POST")
	if err != nil {
		return AuthHeaders{}, fmt.Errorf("failed to create settle auth header: %w", err)
	}
	supportedToken, err := p.token(base.Host, basePath+"/supported", "GET")
	if err != nil {
		return AuthHeaders{}, fmt.Errorf("failed to create supported auth header: %w", err)
	}

	correlation := correlationHeader()
	return AuthHeaders{
		Verify:    map[string]string{"Authorization": verifyToken, "Correlation-Context": correlation},
		Settle:    map[string]string{"Authorization": settleToken, "Correlation-Context": correlation},
		Supported: map[string]string{"Authorization": supportedToken, "Correlation-Context": correlation},
	}, nil
}

func (p *CDPAuthProvider) token(host, path, method string) (string, error) {
	jwt, err := p.generate(auth.JwtOptions{
		KeyID:         p.KeyID,
		KeySecret:     p.KeySecret,
		RequestMethod: method,
		RequestHost:   host,
		RequestPath:   path,
	})
	if err != nil {
		return "", err
	}
	return "Bearer " + jwt, nil
}

func correlationHeader() string {
	return "sdk_language=go,source=x402-commerce"
}

// BearerAuthProvider sends the same static token to every endpoint
type BearerAuthProvider struct {
	Token string
}

// GetAuthHeaders implements AuthProvider
func (p BearerAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	if p.Token == "" {
		return AuthHeaders{}, nil
	}
	h := map[string]string{"Authorization": "Bearer " + p.Token}
	return AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
}
