package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRequirement(t *testing.T) {
	accepts := []PaymentRequirements{
		{Scheme: "exact", Network: "base-sepolia", MaxAmountRequired: "1000"},
		{Scheme: "exact", Network: "solana-devnet", MaxAmountRequired: "1000"},
	}

	t.Run("matching pair", func(t *testing.T) {
		match := MatchRequirement(&PaymentPayload{Scheme: "exact", Network: "solana-devnet"}, accepts)
		require.NotNil(t, match)
		assert.Equal(t, Network("solana-devnet"), match.Network)
	})

	t.Run("no matching network", func(t *testing.T) {
		match := MatchRequirement(&PaymentPayload{Scheme: "exact", Network: "polygon"}, accepts)
		assert.Nil(t, match)
	})

	t.Run("no matching scheme", func(t *testing.T) {
		match := MatchRequirement(&PaymentPayload{Scheme: "upto", Network: "base-sepolia"}, accepts)
		assert.Nil(t, match)
	})
}

func TestPaymentRequiredFromMeta(t *testing.T) {
	t.Run("typed payload", func(t *testing.T) {
		meta := map[string]any{
			ErrorMetaKey: &PaymentRequiredPayload{
				X402Version: 1,
				Error:       ErrPaymentRequired,
				Accepts:     []PaymentRequirements{{Scheme: "exact", Network: "base"}},
			},
		}
		payload, ok := PaymentRequiredFromMeta(meta)
		require.True(t, ok)
		assert.Equal(t, ErrPaymentRequired, payload.Error)
	})

	t.Run("decoded map payload", func(t *testing.T) {
		meta := map[string]any{
			ErrorMetaKey: map[string]any{
				"x402Version": 1,
				"error":       "INVALID_PAYMENT",
				"accepts":     []any{map[string]any{"scheme": "exact", "network": "base"}},
			},
		}
		payload, ok := PaymentRequiredFromMeta(meta)
		require.True(t, ok)
		assert.Equal(t, ErrInvalidPayment, payload.Error)
		require.Len(t, payload.Accepts, 1)
		assert.Equal(t, Network("base"), payload.Accepts[0].Network)
	})

	t.Run("unknown error code ignored", func(t *testing.T) {
		meta := map[string]any{
			ErrorMetaKey: map[string]any{"x402Version": 1, "error": "SOMETHING_ELSE"},
		}
		_, ok := PaymentRequiredFromMeta(meta)
		assert.False(t, ok)
	})

	t.Run("absent key", func(t *testing.T) {
		_, ok := PaymentRequiredFromMeta(map[string]any{"other": true})
		assert.False(t, ok)
	})

	t.Run("nil meta", func(t *testing.T) {
		_, ok := PaymentRequiredFromMeta(nil)
		assert.False(t, ok)
	})
}

func TestValidateRequirements(t *testing.T) {
	valid := PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "1000",
		PayTo:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
	require.NoError(t, ValidateRequirements(valid))

	for _, mutate := range []func(*PaymentRequirements){
		func(r *PaymentRequirements) { r.Scheme = "" },
		func(r *PaymentRequirements) { r.Network = "" },
		func(r *PaymentRequirements) { r.MaxAmountRequired = "" },
		func(r *PaymentRequirements) { r.PayTo = "" },
		func(r *PaymentRequirements) { r.Asset = "" },
	} {
		broken := valid
		mutate(&broken)
		assert.Error(t, ValidateRequirements(broken))
	}
}
