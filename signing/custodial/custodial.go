// Package custodial signs payments with user wallets held by the external
// key-management service. Keys never reach the proxy.
package custodial

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/paymcp/paygate/keymgmt"
	"github.com/paymcp/paygate/session"
	"github.com/paymcp/paygate/x402"
)

// DefaultPriority places the custodial strategy ahead of fallbacks.
const DefaultPriority = 100

// Strategy signs payments via the key-management service.
type Strategy struct {
	keys     keymgmt.Client
	priority int
	logger   *zap.Logger
}

// New creates the custodial strategy.
func New(keys keymgmt.Client, priority int, logger *zap.Logger) *Strategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{keys: keys, priority: priority, logger: logger}
}

func (s *Strategy) Name() string  { return "custodial" }
func (s *Strategy) Priority() int { return s.priority }

// CanSign needs a known user and a network the registry understands. It
// does not touch the key service; account discovery happens in SignPayment.
func (s *Strategy) CanSign(ctx context.Context, user *session.User, requirement *x402.PaymentRequirements) bool {
	if user == nil || requirement.Scheme != x402.SchemeExact {
		return false
	}
	_, err := x402.NetworkFamily(requirement.Network)
	return err == nil
}

// SignPayment picks a compatible account and asks the key service to sign.
// Smart accounts are preferred over plain keys; per-account failures fall
// through to the next candidate.
func (s *Strategy) SignPayment(ctx context.Context, user *session.User, requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	family, err := x402.NetworkFamily(requirement.Network)
	if err != nil {
		return nil, err
	}

	accounts, err := s.keys.ListAccounts(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	candidates := make([]keymgmt.Account, 0, len(accounts))
	for _, account := range accounts {
		if account.Network == requirement.Network || account.Family == family {
			candidates = append(candidates, account)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Smart && !candidates[j].Smart
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("user %s has no account for network %s", user.ID, requirement.Network)
	}

	for _, account := range candidates {
		payload, err := s.keys.SignPayment(ctx, account.ID, requirement)
		if err != nil {
			s.logger.Warn("account could not sign, trying next",
				zap.String("account", account.ID),
				zap.String("network", string(requirement.Network)),
				zap.Error(err))
			continue
		}
		return payload, nil
	}
	return nil, fmt.Errorf("no account of user %s could sign for %s", user.ID, requirement.Network)
}
