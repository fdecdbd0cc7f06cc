package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-foundation/x402-commerce"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

const paymentPayloadSchemaJSON = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payload"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"scheme": {"type": "string", "minLength": 1},
		"network": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

const paymentRequirementsSchemaJSON = `{
	"type": "object",
	"required": ["scheme", "network", "maxAmountRequired", "payTo", "asset"],
	"properties": {
		"scheme": {"type": "string", "minLength": 1},
		"network": {"type": "string", "minLength": 1},
		"maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
		"resource": {"type": "string"},
		"description": {"type": "string"},
		"mimeType": {"type": "string"},
		"payTo": {"type": "string", "minLength": 1},
		"maxTimeoutSeconds": {"type": "integer", "minimum": 0},
		"asset": {"type": "string", "minLength": 1},
		"extra": {"type": ["object", "null"]}
	}
}`

var (
	paymentPayloadSchema      = mustSchema(paymentPayloadSchemaJSON)
	paymentRequirementsSchema = mustSchema(paymentRequirementsSchemaJSON)
)

func mustSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in schema: %v", err))
	}
	return schema
}

// SchemaError lists every JSON schema violation of a document
type SchemaError struct {
	Document string
	Errors   []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Document, strings.Join(e.Errors, "; "))
}

func validate(schema *gojsonschema.Schema, document string, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &SchemaError{Document: document, Errors: []string{fmt.Sprintf("not valid JSON - %v", err)}}
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return &SchemaError{Document: document, Errors: errs}
}

// ValidatePaymentPayloadJSON checks raw against the payment payload schema
func ValidatePaymentPayloadJSON(raw []byte) error {
	return validate(paymentPayloadSchema, "paymentPayload", raw)
}

// ValidatePaymentRequirementsJSON checks raw against the payment requirements schema
func ValidatePaymentRequirementsJSON(raw []byte) error {
	return validate(paymentRequirementsSchema, "paymentRequirements", raw)
}

// ValidateAndDecodePaymentHeader validates and decodes an X-PAYMENT header
// value: base64 of a JSON payment payload.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*x402.PaymentPayload, error) {
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}
	if !base64Regex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}
	if err := ValidatePaymentPayloadJSON(decoded); err != nil {
		return nil, err
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}
	return &payload, nil
}

// DecodePaymentPayloadJSON validates and decodes a JSON payment payload
func DecodePaymentPayloadJSON(raw []byte) (*x402.PaymentPayload, error) {
	if err := ValidatePaymentPayloadJSON(raw); err != nil {
		return nil, err
	}
	var payload x402.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}
	return &payload, nil
}

// DecodePaymentRequirementsJSON validates and decodes JSON payment requirements
func DecodePaymentRequirementsJSON(raw []byte) (*x402.PaymentRequirements, error) {
	if err := ValidatePaymentRequirementsJSON(raw); err != nil {
		return nil, err
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(raw, &requirements); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %v", err)
	}
	return &requirements, nil
}
