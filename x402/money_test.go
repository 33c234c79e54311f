package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "dollar fraction", input: "$0.001", decimals: 6, want: "1000"},
		{name: "plain decimal", input: "0.10", decimals: 6, want: "100000"},
		{name: "usd suffix", input: "1 USD", decimals: 6, want: "1000000"},
		{name: "usdc suffix", input: "2.5 USDC", decimals: 6, want: "2500000"},
		{name: "whole dollar", input: "$1", decimals: 6, want: "1000000"},
		{name: "sub-atomic rounds half to even down", input: "$0.00000050", decimals: 6, want: "0"},
		{name: "sub-atomic rounds half to even up", input: "$0.00000150", decimals: 6, want: "2"},
		{name: "sub-atomic above half rounds up", input: "$0.00000051", decimals: 6, want: "1"},
		{name: "zero", input: "$0", decimals: 6, want: "0"},
		{name: "negative rejected", input: "-0.01", decimals: 6, wantErr: true},
		{name: "garbage rejected", input: "abc", decimals: 6, wantErr: true},
		{name: "empty rejected", input: "", decimals: 6, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoney(tt.input, tt.decimals)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMoneyDeterministic(t *testing.T) {
	first, err := ParseMoney("$0.001", 6)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := ParseMoney("$0.001", 6)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestPriceResolveAmount(t *testing.T) {
	t.Run("currency string uses network USDC", func(t *testing.T) {
		amount, asset, err := Price{Money: "$0.001"}.ResolveAmount("base-sepolia")
		require.NoError(t, err)
		assert.Equal(t, "1000", amount)
		assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", asset)
	})

	t.Run("raw amount passes through", func(t *testing.T) {
		amount, asset, err := Price{Amount: "42", Asset: "0xdead"}.ResolveAmount("base")
		require.NoError(t, err)
		assert.Equal(t, "42", amount)
		assert.Equal(t, "0xdead", asset)
	})

	t.Run("raw amount must be an integer", func(t *testing.T) {
		_, _, err := Price{Amount: "1.5", Asset: "0xdead"}.ResolveAmount("base")
		require.Error(t, err)
	})

	t.Run("unknown network", func(t *testing.T) {
		_, _, err := Price{Money: "$1"}.ResolveAmount("dogecoin")
		require.Error(t, err)
	})
}
