package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// paymentPayloadSchema validates the decoded token shape before it is
// trusted: version, scheme, network and an object payload must be present.
const paymentPayloadSchema = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payload"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"scheme": {"type": "string", "minLength": 1},
		"network": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

var compiledPaymentSchema = gojsonschema.NewStringLoader(paymentPayloadSchema)

// EncodePayment serializes a payment payload into the opaque token carried
// in _meta["x402/payment"]: base64(JSON).
func EncodePayment(payload *PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment decodes and validates a payment token. Any malformed token
// yields a *PaymentError carrying INVALID_PAYMENT; callers surface the
// code in the challenge they answer with.
func DecodePayment(token string) (*PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, NewPaymentError(ErrInvalidPayment, "payment token is not valid base64").
			WithDetail("cause", err.Error())
	}

	result, err := gojsonschema.Validate(compiledPaymentSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, NewPaymentError(ErrInvalidPayment, "payment token is not valid JSON").
			WithDetail("cause", err.Error())
	}
	if !result.Valid() {
		return nil, NewPaymentError(ErrInvalidPayment, "payment token failed validation").
			WithDetail("validation", result.Errors()[0].String())
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, NewPaymentError(ErrInvalidPayment, "decode payment payload").
			WithDetail("cause", err.Error())
	}
	return &payload, nil
}

// PaymentTokenFromMeta pulls the raw payment token out of a request's
// _meta map, if present.
func PaymentTokenFromMeta(meta map[string]any) (string, bool) {
	if meta == nil {
		return "", false
	}
	token, ok := meta[PaymentMetaKey].(string)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
