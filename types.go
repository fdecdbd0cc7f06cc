package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// X402Version is the protocol version spoken to facilitators
const X402Version = 1

// SchemeExact is the only payment scheme settled by this engine
const SchemeExact = "exact"

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Namespace returns the CAIP-2 namespace, or the whole value for legacy
// network names such as "base-sepolia"
func (n Network) Namespace() string {
	if ns, _, err := n.Parse(); err == nil {
		return ns
	}
	return string(n)
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:1" matches "eip155:*" and "eip155:*" matches "eip155:1"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		return strings.HasPrefix(nStr, strings.TrimSuffix(patternStr, "*"))
	}
	if strings.HasSuffix(nStr, ":*") {
		return strings.HasPrefix(patternStr, strings.TrimSuffix(nStr, "*"))
	}
	return false
}

// PaymentRequirements describes what payment is acceptable for an attempt
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload contains the signed payment authorization from a buyer
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Payload     map[string]interface{} `json:"payload"`
}

// FacilitatorRequest is the body sent to both /verify and /settle
type FacilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the facilitator's verdict on a payment authorization
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// SettleResponse contains the result of an on-chain settlement
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	TxHash      string  `json:"txHash,omitempty"`
	Network     Network `json:"network,omitempty"`
}

// TxID returns the settlement transaction hash regardless of which field the
// facilitator populated
func (r SettleResponse) TxID() string {
	if r.Transaction != "" {
		return r.Transaction
	}
	return r.TxHash
}

// SupportedKind is one scheme/network pair a facilitator can settle
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supports reports whether any kind matches the given scheme and network
func (r SupportedResponse) Supports(scheme string, network Network) bool {
	for _, k := range r.Kinds {
		if k.Scheme == scheme && network.Match(k.Network) {
			return true
		}
	}
	return false
}

// DecodePaymentPayloadFromBase64 decodes the X-PAYMENT header value
func DecodePaymentPayloadFromBase64(encoded string) (*PaymentPayload, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payment payload: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}
	return &payload, nil
}

// EncodeBase64 encodes the payload the way clients send it in X-PAYMENT
func (p PaymentPayload) EncodeBase64() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
