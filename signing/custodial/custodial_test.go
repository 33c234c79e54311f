package custodial_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/paymcp/paygate/keymgmt"
	"github.com/paymcp/paygate/session"
	"github.com/paymcp/paygate/signing/custodial"
	"github.com/paymcp/paygate/x402"
)

type fakeKeys struct {
	accounts []keymgmt.Account
	failing  map[string]bool
	signed   []string
}

func (f *fakeKeys) ListAccounts(ctx context.Context, userID string) ([]keymgmt.Account, error) {
	return f.accounts, nil
}

func (f *fakeKeys) SignPayment(ctx context.Context, accountID string, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	f.signed = append(f.signed, accountID)
	if f.failing[accountID] {
		return nil, fmt.Errorf("account %s unavailable", accountID)
	}
	return &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload:     map[string]any{"account": accountID},
	}, nil
}

func requirement(network x402.Network) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           network,
		MaxAmountRequired: "1000",
	}
}

func TestCanSign(t *testing.T) {
	strategy := custodial.New(&fakeKeys{}, custodial.DefaultPriority, zaptest.NewLogger(t))
	user := &session.User{ID: "u1"}

	assert.True(t, strategy.CanSign(context.Background(), user, requirement("base-sepolia")))
	assert.False(t, strategy.CanSign(context.Background(), nil, requirement("base-sepolia")))
	assert.False(t, strategy.CanSign(context.Background(), user, requirement("unknown-chain")))
	assert.False(t, strategy.CanSign(context.Background(), user, &x402.PaymentRequirements{Scheme: "upto", Network: "base"}))
}

func TestSmartAccountsPreferred(t *testing.T) {
	keys := &fakeKeys{accounts: []keymgmt.Account{
		{ID: "plain-1", Network: "base-sepolia", Family: x402.FamilyEVM},
		{ID: "smart-1", Network: "base-sepolia", Family: x402.FamilyEVM, Smart: true},
	}}
	strategy := custodial.New(keys, custodial.DefaultPriority, zaptest.NewLogger(t))

	payload, err := strategy.SignPayment(context.Background(), &session.User{ID: "u1"}, requirement("base-sepolia"))
	require.NoError(t, err)
	assert.Equal(t, "smart-1", payload.Payload["account"])
	assert.Equal(t, []string{"smart-1"}, keys.signed)
}

func TestFamilyCompatibilityFallback(t *testing.T) {
	// No exact network match, but a same-family account works.
	keys := &fakeKeys{accounts: []keymgmt.Account{
		{ID: "sol-1", Network: "solana", Family: x402.FamilySVM},
		{ID: "evm-1", Network: "base", Family: x402.FamilyEVM},
	}}
	strategy := custodial.New(keys, custodial.DefaultPriority, zaptest.NewLogger(t))

	payload, err := strategy.SignPayment(context.Background(), &session.User{ID: "u1"}, requirement("base-sepolia"))
	require.NoError(t, err)
	assert.Equal(t, "evm-1", payload.Payload["account"])
}

func TestPerAccountFailureFallsThrough(t *testing.T) {
	keys := &fakeKeys{
		accounts: []keymgmt.Account{
			{ID: "smart-1", Network: "base-sepolia", Family: x402.FamilyEVM, Smart: true},
			{ID: "plain-1", Network: "base-sepolia", Family: x402.FamilyEVM},
		},
		failing: map[string]bool{"smart-1": true},
	}
	strategy := custodial.New(keys, custodial.DefaultPriority, zaptest.NewLogger(t))

	payload, err := strategy.SignPayment(context.Background(), &session.User{ID: "u1"}, requirement("base-sepolia"))
	require.NoError(t, err)
	assert.Equal(t, "plain-1", payload.Payload["account"])
	assert.Equal(t, []string{"smart-1", "plain-1"}, keys.signed)
}

func TestNoCompatibleAccount(t *testing.T) {
	keys := &fakeKeys{accounts: []keymgmt.Account{
		{ID: "sol-1", Network: "solana", Family: x402.FamilySVM},
	}}
	strategy := custodial.New(keys, custodial.DefaultPriority, zaptest.NewLogger(t))

	_, err := strategy.SignPayment(context.Background(), &session.User{ID: "u1"}, requirement("base-sepolia"))
	require.Error(t, err)
	assert.Empty(t, keys.signed)
}
