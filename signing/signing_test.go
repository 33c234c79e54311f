package signing_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/paymcp/paygate/session"
	"github.com/paymcp/paygate/signing"
	"github.com/paymcp/paygate/x402"
)

type scriptedStrategy struct {
	name     string
	priority int
	canSign  bool
	fail     bool
	calls    *[]string
}

func (s *scriptedStrategy) Name() string  { return s.name }
func (s *scriptedStrategy) Priority() int { return s.priority }

func (s *scriptedStrategy) CanSign(ctx context.Context, user *session.User, requirement *x402.PaymentRequirements) bool {
	return s.canSign
}

func (s *scriptedStrategy) SignPayment(ctx context.Context, user *session.User, requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	*s.calls = append(*s.calls, s.name)
	if s.fail {
		return nil, fmt.Errorf("%s cannot sign", s.name)
	}
	return &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      requirement.Scheme,
		Network:     requirement.Network,
		Payload:     map[string]any{"by": s.name},
	}, nil
}

func requirement() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "1000",
	}
}

func TestHigherPriorityWinsDeterministically(t *testing.T) {
	for i := 0; i < 20; i++ {
		var calls []string
		low := &scriptedStrategy{name: "low", priority: 50, canSign: true, calls: &calls}
		high := &scriptedStrategy{name: "high", priority: 100, canSign: true, calls: &calls}

		// Registered low first; priority still puts high in front.
		registry := signing.NewRegistry(zaptest.NewLogger(t), low, high)
		payload, err := registry.Sign(context.Background(), &session.User{ID: "u"}, requirement())
		require.NoError(t, err)
		assert.Equal(t, "high", payload.Payload["by"])
		assert.Equal(t, x402.Network("base-sepolia"), payload.Network)
		assert.Equal(t, []string{"high"}, calls)
	}
}

func TestTiesKeepRegistrationOrder(t *testing.T) {
	var calls []string
	first := &scriptedStrategy{name: "first", priority: 10, canSign: true, calls: &calls}
	second := &scriptedStrategy{name: "second", priority: 10, canSign: true, calls: &calls}

	registry := signing.NewRegistry(zaptest.NewLogger(t), first, second)
	payload, err := registry.Sign(context.Background(), nil, requirement())
	require.NoError(t, err)
	assert.Equal(t, "first", payload.Payload["by"])
}

func TestFailureFallsThrough(t *testing.T) {
	var calls []string
	broken := &scriptedStrategy{name: "broken", priority: 100, canSign: true, fail: true, calls: &calls}
	working := &scriptedStrategy{name: "working", priority: 50, canSign: true, calls: &calls}

	registry := signing.NewRegistry(zaptest.NewLogger(t), broken, working)
	payload, err := registry.Sign(context.Background(), nil, requirement())
	require.NoError(t, err)
	assert.Equal(t, "working", payload.Payload["by"])
	assert.Equal(t, []string{"broken", "working"}, calls)
}

func TestCanSignProbeSkipsSigning(t *testing.T) {
	var calls []string
	unable := &scriptedStrategy{name: "unable", priority: 100, canSign: false, calls: &calls}

	registry := signing.NewRegistry(zaptest.NewLogger(t), unable)
	_, err := registry.Sign(context.Background(), nil, requirement())
	require.Error(t, err)
	assert.Empty(t, calls)
}
