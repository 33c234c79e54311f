package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymcp/paygate/x402"
)

func testPayment() (*x402.PaymentPayload, *x402.PaymentRequirements) {
	payload := &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     map[string]any{"signature": "0xabc"},
	}
	requirements := &x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "1000",
		PayTo:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
	return payload, requirements
}

func TestVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 1, body["x402Version"])
		assert.NotNil(t, body["paymentPayload"])
		assert.NotNil(t, body["paymentRequirements"])

		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: "0xpayer"})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})
	payload, requirements := testPayment()
	resp, err := client.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xpayer", resp.Payer)
}

func TestVerifyInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})
	payload, requirements := testPayment()
	resp, err := client.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient_funds", resp.InvalidReason)
}

func TestSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(x402.SettleResponse{
			Success:     true,
			Transaction: "0xtx",
			Network:     "base-sepolia",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})
	payload, requirements := testPayment()
	resp, err := client.Settle(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xtx", resp.Transaction)
}

func TestSupportedRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/supported", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(x402.SupportedResponse{Kinds: []x402.SupportedKind{
			{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
			{X402Version: 1, Scheme: "exact", Network: "solana-devnet", Extra: map[string]any{"feePayer": "FeePayer111"}},
		}})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{URL: server.URL})
	resp, err := client.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Kinds, 2)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	assert.Equal(t, "FeePayer111", resp.Kinds[1].Extra["feePayer"])
}

type staticAuth struct{ headers map[string]string }

func (a staticAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	return a.headers, nil
}

func TestAuthHeadersApplied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(x402.SupportedResponse{})
	}))
	defer server.Close()

	client := NewHTTPClient(&Config{
		URL:          server.URL,
		AuthProvider: staticAuth{headers: map[string]string{"Authorization": "Bearer token"}},
	})
	_, err := client.Supported(context.Background())
	require.NoError(t, err)
}
