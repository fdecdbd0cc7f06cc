package x402

import (
	"context"
	"math/big"
	"sync"
)

// TransferExpectation is what a settled transaction must have done on chain
type TransferExpectation struct {
	Network   Network
	TxHash    string
	Asset     string
	PayTo     string
	MinAmount *big.Int
}

// OnchainVerifier independently confirms that a transaction moved at least
// the expected amount to the expected payee.
//
// Implementations return nil on a confirmed transfer, a *PaymentError with
// ErrCodeOnchainMismatch when the chain definitely disagrees, and a
// *TransportError when the node could not be reached.
type OnchainVerifier interface {
	VerifyTransfer(ctx context.Context, expected TransferExpectation) error
}

// OnchainRegistry maps CAIP-2 namespaces ("eip155", "solana") or exact
// networks to verifiers
type OnchainRegistry struct {
	mu        sync.RWMutex
	verifiers map[Network]OnchainVerifier
}

// NewOnchainRegistry creates an empty registry
func NewOnchainRegistry() *OnchainRegistry {
	return &OnchainRegistry{verifiers: make(map[Network]OnchainVerifier)}
}

// Register adds a verifier for a network or a wildcard pattern such as "eip155:*"
func (r *OnchainRegistry) Register(network Network, v OnchainVerifier) *OnchainRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[network] = v
	return r
}

// Lookup finds the verifier for a network, exact match first
func (r *OnchainRegistry) Lookup(network Network) (OnchainVerifier, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if v, ok := r.verifiers[network]; ok {
		return v, true
	}
	for pattern, v := range r.verifiers {
		if network.Match(pattern) {
			return v, true
		}
	}
	return nil, false
}
