package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// ValidatePaymentPayload performs basic validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != X402Version {
		return NewPaymentError(ErrCodeInvalidPayment, fmt.Sprintf("unsupported x402 version: %d", p.X402Version), nil)
	}
	if p.Scheme == "" {
		return NewPaymentError(ErrCodeInvalidPayment, "payment scheme is required", nil)
	}
	if p.Network == "" {
		return NewPaymentError(ErrCodeInvalidPayment, "payment network is required", nil)
	}
	if len(p.Payload) == 0 {
		return NewPaymentError(ErrCodeInvalidPayment, "payment payload is required", nil)
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return NewPaymentError(ErrCodeInvalidPayment, "payment scheme is required", nil)
	}
	if r.Network == "" {
		return NewPaymentError(ErrCodeInvalidPayment, "payment network is required", nil)
	}
	if r.Asset == "" {
		return NewPaymentError(ErrCodeInvalidPayment, "payment asset is required", nil)
	}
	if r.PayTo == "" {
		return NewPaymentError(ErrCodeInvalidPayment, "payment recipient is required", nil)
	}
	if _, err := ParseAtomicAmount(r.MaxAmountRequired); err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, err.Error(), nil)
	}
	return nil
}

// ParseAtomicAmount parses a non-negative integer amount in the asset's smallest unit
func ParseAtomicAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid atomic amount: %q", s)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative atomic amount: %q", s)
	}
	return amount, nil
}

// MatchRequirements checks that what the buyer signed is what the seller asked
// for. It runs before any facilitator call; a mismatch is a local rejection.
//
// Scheme and network must match exactly. Solana payloads are checked by
// decoding the signed transaction's TransferChecked. Every other payload must
// carry an EIP-3009 style authorization whose value covers maxAmountRequired
// and whose recipient is payTo.
func MatchRequirements(p PaymentPayload, r PaymentRequirements) error {
	if err := ValidatePaymentPayload(p); err != nil {
		return err
	}
	if err := ValidatePaymentRequirements(r); err != nil {
		return err
	}
	if p.Scheme != r.Scheme {
		return NewPaymentError(ErrCodeSchemeMismatch,
			fmt.Sprintf("payload scheme %q does not match required %q", p.Scheme, r.Scheme), nil)
	}
	if p.Network != r.Network {
		return NewPaymentError(ErrCodeNetworkMismatch,
			fmt.Sprintf("payload network %q does not match required %q", p.Network, r.Network), nil)
	}

	required, _ := ParseAtomicAmount(r.MaxAmountRequired)
	if isSolanaNetwork(r.Network) {
		return matchSolanaTransfer(p, r, required)
	}
	return matchAuthorization(p, r, required)
}

func matchAuthorization(p PaymentPayload, r PaymentRequirements, required *big.Int) error {
	auth, ok := p.Payload["authorization"].(map[string]interface{})
	if !ok {
		return NewPaymentError(ErrCodeInvalidPayment, "payload authorization is missing or malformed", nil)
	}

	value, _ := auth["value"].(string)
	signed, err := ParseAtomicAmount(value)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, "authorization value is missing or malformed", nil)
	}
	if signed.Cmp(required) < 0 {
		return NewPaymentError(ErrCodeAmountMismatch,
			fmt.Sprintf("authorized %s is less than required %s", signed, required),
			map[string]interface{}{"authorized": signed.String(), "required": required.String()})
	}

	to, _ := auth["to"].(string)
	if !strings.EqualFold(to, r.PayTo) {
		return NewPaymentError(ErrCodeRecipientMismatch,
			fmt.Sprintf("authorization recipient %q is not %q", to, r.PayTo), nil)
	}
	return nil
}

// SameRequirements reports whether two requirement sets describe the same
// payment. Addresses compare case-insensitively.
func SameRequirements(a, b PaymentRequirements) bool {
	amountA, errA := ParseAtomicAmount(a.MaxAmountRequired)
	amountB, errB := ParseAtomicAmount(b.MaxAmountRequired)
	if errA != nil || errB != nil || amountA.Cmp(amountB) != 0 {
		return false
	}
	return a.Scheme == b.Scheme &&
		a.Network == b.Network &&
		strings.EqualFold(a.PayTo, b.PayTo) &&
		strings.EqualFold(a.Asset, b.Asset)
}
