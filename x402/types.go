// Package x402 holds the data model for the x402 payment challenge protocol
// as it appears on the MCP wire: payment requirements offered by a priced
// tool, the signed payment payload a caller presents, and the error payload
// carried in a 402-shaped tool result.
package x402

import (
	"encoding/json"
	"fmt"
)

// Version is the x402 protocol version spoken by the proxy.
const Version = 1

// Scheme identifiers.
const (
	SchemeExact = "exact"
)

// MCP _meta keys used by the payment protocol.
const (
	// PaymentMetaKey carries the encoded payment proof on a retried
	// tools/call request (caller -> server).
	PaymentMetaKey = "x402/payment"

	// ErrorMetaKey carries the PaymentRequiredPayload on a 402-shaped
	// tool result (server -> caller).
	ErrorMetaKey = "x402/error"

	// PaymentResponseMetaKey carries the settlement response on a
	// successfully settled tool result (server -> caller).
	PaymentResponseMetaKey = "x402/payment-response"
)

// Network is a blockchain network identifier, e.g. "base-sepolia" or "solana".
type Network string

// Family groups networks by how payment requirements are constructed.
type Family string

const (
	FamilyEVM Family = "evm"
	FamilySVM Family = "svm"
)

// ErrorCode enumerates the protocol-defined payment error codes.
type ErrorCode string

const (
	ErrPaymentRequired    ErrorCode = "PAYMENT_REQUIRED"
	ErrInvalidPayment     ErrorCode = "INVALID_PAYMENT"
	ErrUnableToMatch      ErrorCode = "UNABLE_TO_MATCH_PAYMENT_REQUIREMENTS"
	ErrPriceComputeFailed ErrorCode = "PRICE_COMPUTE_FAILED"
)

// knownErrorCodes is the total set a 402 detector may match against.
var knownErrorCodes = map[ErrorCode]bool{
	ErrPaymentRequired:    true,
	ErrInvalidPayment:     true,
	ErrUnableToMatch:      true,
	ErrPriceComputeFailed: true,
}

// IsKnownErrorCode reports whether code is one of the four protocol codes.
func IsKnownErrorCode(code ErrorCode) bool {
	return knownErrorCodes[code]
}

// PaymentRequirements describes one accepted way to pay for one tool call.
// Exactly one (scheme, network) pair per value. Amounts are decimal-free
// atomic integers encoded as strings.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           Network        `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentPayload is the decoded payment proof presented by a caller.
// Payload is scheme-specific and treated as opaque by the proxy; only
// scheme and network are read, to match the proof against an offered
// requirement.
type PaymentPayload struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     Network        `json:"network"`
	Payload     map[string]any `json:"payload"`
}

// PaymentRequiredPayload is the X402 error payload carried in
// _meta["x402/error"] of a 402-shaped tool result.
type PaymentRequiredPayload struct {
	X402Version int                   `json:"x402Version"`
	Error       ErrorCode             `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse is the facilitator's answer to a verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to a settle call.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
	Payer       string  `json:"payer,omitempty"`
}

// SupportedKind is one payment configuration a facilitator can serve.
type SupportedKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      string         `json:"scheme"`
	Network     Network        `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SupportedResponse is the facilitator's supported-kinds listing.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// ValidateRequirements performs basic structural validation.
func ValidateRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}

// MatchRequirement selects the first offered requirement whose scheme and
// network match the presented payment. Returns nil when nothing matches.
func MatchRequirement(payment *PaymentPayload, accepts []PaymentRequirements) *PaymentRequirements {
	for i := range accepts {
		if accepts[i].Scheme == payment.Scheme && accepts[i].Network == payment.Network {
			return &accepts[i]
		}
	}
	return nil
}

// PaymentRequiredFromMeta extracts a PaymentRequiredPayload from a tool
// result's _meta map. The predicate is total: it returns ok=false for any
// shape that is not an x402 error payload with a recognized error code and
// a non-empty accepts list, and never probes other fields.
func PaymentRequiredFromMeta(meta map[string]any) (*PaymentRequiredPayload, bool) {
	if meta == nil {
		return nil, false
	}
	raw, present := meta[ErrorMetaKey]
	if !present {
		return nil, false
	}

	// The value may arrive as a typed payload (in-process) or as a plain
	// map (decoded JSON). Normalize through JSON.
	if typed, isTyped := raw.(*PaymentRequiredPayload); isTyped {
		if IsKnownErrorCode(typed.Error) {
			return typed, true
		}
		return nil, false
	}

	bytes, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var payload PaymentRequiredPayload
	if err := json.Unmarshal(bytes, &payload); err != nil {
		return nil, false
	}
	if !IsKnownErrorCode(payload.Error) {
		return nil, false
	}
	return &payload, true
}
