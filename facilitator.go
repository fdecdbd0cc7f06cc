package x402

import (
	"context"
	"errors"
	"fmt"
)

// FacilitatorClient talks to one remote facilitator service
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
	Identifier() string
}

// Facilitator is what the settlement path needs from a facilitator
type Facilitator interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

type facilitatorBackend struct {
	client FacilitatorClient
	// nil when the supported probe failed at startup; the backend is then
	// treated as accepting every kind
	supported *SupportedResponse
}

// FacilitatorChain is an ordered list of facilitator backends. The first
// backend that supports a payment's scheme and network serves it.
type FacilitatorChain struct {
	backends []facilitatorBackend
}

// ResolveFacilitators probes each client's supported kinds once and freezes
// the resulting order. Probe failures do not drop the backend; they are
// returned joined so the caller can log them.
func ResolveFacilitators(ctx context.Context, clients ...FacilitatorClient) (*FacilitatorChain, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one facilitator backend is required")
	}

	chain := &FacilitatorChain{}
	var probeErrs []error
	for _, c := range clients {
		backend := facilitatorBackend{client: c}
		supported, err := c.GetSupported(ctx)
		if err != nil {
			probeErrs = append(probeErrs, fmt.Errorf("facilitator %s: %w", c.Identifier(), err))
		} else {
			backend.supported = &supported
		}
		chain.backends = append(chain.backends, backend)
	}
	return chain, errors.Join(probeErrs...)
}

// Select returns the backend that will serve the given scheme and network
func (c *FacilitatorChain) Select(scheme string, network Network) (FacilitatorClient, error) {
	for _, b := range c.backends {
		if b.supported == nil || b.supported.Supports(scheme, network) {
			return b.client, nil
		}
	}
	return nil, NewPaymentError(ErrCodeUnsupportedNetwork,
		fmt.Sprintf("no facilitator supports %s on %s", scheme, network), nil)
}

// Identifiers lists backends in resolution order
func (c *FacilitatorChain) Identifiers() []string {
	ids := make([]string, 0, len(c.backends))
	for _, b := range c.backends {
		ids = append(ids, b.client.Identifier())
	}
	return ids
}

// Verify routes to the selected backend after checking the payload locally
func (c *FacilitatorChain) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	if err := MatchRequirements(payload, requirements); err != nil {
		return nil, err
	}
	client, err := c.Select(requirements.Scheme, requirements.Network)
	if err != nil {
		return nil, err
	}
	return client.Verify(ctx, payload, requirements)
}

// Settle routes to the selected backend
func (c *FacilitatorChain) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	client, err := c.Select(requirements.Scheme, requirements.Network)
	if err != nil {
		return nil, err
	}
	return client.Settle(ctx, payload, requirements)
}
