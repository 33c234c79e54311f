// Package signing selects and runs payment-signing strategies. A strategy
// produces a signed payment payload for one of the requirements offered in
// a 402 challenge, on behalf of a resolved user.
package signing

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/paymcp/paygate/session"
	"github.com/paymcp/paygate/x402"
)

// Strategy is one way of producing a signed payment.
type Strategy interface {
	Name() string

	// Priority orders strategies; higher runs first.
	Priority() int

	// CanSign is a cheap probe: can this strategy plausibly sign this
	// requirement for this user? It must not sign anything.
	CanSign(ctx context.Context, user *session.User, requirement *x402.PaymentRequirements) bool

	// SignPayment produces the signed payload. Failure falls through to
	// the next candidate.
	SignPayment(ctx context.Context, user *session.User, requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error)
}

// Registry holds strategies in priority order. Immutable after build.
type Registry struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewRegistry builds a registry. Strategies are sorted by priority
// descending; the sort is stable, so registration order breaks ties.
func NewRegistry(logger *zap.Logger, strategies ...Strategy) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Registry{strategies: sorted, logger: logger}
}

// Strategies returns the ordered strategies.
func (r *Registry) Strategies() []Strategy {
	return r.strategies
}

// Sign walks strategies in priority order and asks each to sign the given
// requirement. The first successful signature wins; failures are logged
// and fall through to the next strategy.
func (r *Registry) Sign(ctx context.Context, user *session.User, requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	for _, strategy := range r.strategies {
		if !strategy.CanSign(ctx, user, requirement) {
			continue
		}
		payload, err := strategy.SignPayment(ctx, user, requirement)
		if err != nil {
			r.logger.Warn("signing strategy failed, falling through",
				zap.String("strategy", strategy.Name()),
				zap.String("network", string(requirement.Network)),
				zap.Error(err))
			continue
		}
		return payload, nil
	}
	return nil, fmt.Errorf("no signing strategy could produce a payment")
}
