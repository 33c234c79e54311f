package x402

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePayment(t *testing.T) {
	payload := &PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: map[string]any{
			"signature": "0xabc",
			"authorization": map[string]any{
				"from": "0x1111111111111111111111111111111111111111",
			},
		},
	}

	token, err := EncodePayment(payload)
	require.NoError(t, err)

	decoded, err := DecodePayment(token)
	require.NoError(t, err)
	assert.Equal(t, payload.Scheme, decoded.Scheme)
	assert.Equal(t, payload.Network, decoded.Network)
	assert.Equal(t, "0xabc", decoded.Payload["signature"])
}

func TestDecodePaymentRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "not base64", token: "!!!not-base64!!!"},
		{name: "not json", token: base64.StdEncoding.EncodeToString([]byte("hello"))},
		{name: "missing scheme", token: base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"network":"base","payload":{}}`))},
		{name: "payload not object", token: base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"scheme":"exact","network":"base","payload":"x"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayment(tt.token)
			require.Error(t, err)

			var payErr *PaymentError
			require.ErrorAs(t, err, &payErr)
			assert.Equal(t, ErrInvalidPayment, payErr.Code)
			assert.NotEmpty(t, payErr.Details)
		})
	}
}

func TestPaymentTokenFromMeta(t *testing.T) {
	token, ok := PaymentTokenFromMeta(map[string]any{PaymentMetaKey: "abc"})
	require.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = PaymentTokenFromMeta(map[string]any{PaymentMetaKey: 7})
	assert.False(t, ok)

	_, ok = PaymentTokenFromMeta(nil)
	assert.False(t, ok)
}
