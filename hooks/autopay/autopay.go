// Package autopay retries 402-challenged tool calls with a payment signed
// on behalf of the resolved user, so trusted callers never see the
// challenge at all.
package autopay

import (
	"context"

	"go.uber.org/zap"

	"github.com/paymcp/paygate/proxy"
	"github.com/paymcp/paygate/signing"
	"github.com/paymcp/paygate/x402"
)

// Hook is the auto-pay hook.
type Hook struct {
	registry *signing.Registry
	logger   *zap.Logger
}

// New creates the auto-pay hook.
func New(registry *signing.Registry, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{registry: registry, logger: logger}
}

func (h *Hook) Name() string { return "autopay" }

// OnResult inspects the result for a payment challenge. If the caller is a
// known user and a signing strategy can satisfy one of the offered
// requirements, the call is retried with the payment attached. Everything
// else passes through untouched.
func (h *Hook) OnResult(ctx context.Context, rc *proxy.RequestContext, call *proxy.ToolCall, result *proxy.ToolResult) (proxy.ResultOutcome, error) {
	challenge, ok := x402.PaymentRequiredFromMeta(result.Meta)
	if !ok || len(challenge.Accepts) == 0 {
		return proxy.ContinueResult(result), nil
	}
	if rc.User == nil {
		return proxy.ContinueResult(result), nil
	}

	logger := h.logger.With(
		zap.String("requestId", rc.RequestID),
		zap.String("tool", call.Name),
		zap.String("user", rc.User.ID),
	)

	// Only the first offered requirement is considered; list order is the
	// server's preference order.
	requirement := &challenge.Accepts[0]
	payload, err := h.registry.Sign(ctx, rc.User, requirement)
	if err != nil {
		logger.Warn("auto-pay could not sign, challenge passes through", zap.Error(err))
		return proxy.ContinueResult(result), nil
	}

	token, err := x402.EncodePayment(payload)
	if err != nil {
		logger.Error("encode payment failed", zap.Error(err))
		return proxy.ContinueResult(result), nil
	}

	logger.Info("auto-paying challenge",
		zap.String("network", string(requirement.Network)),
		zap.String("amount", requirement.MaxAmountRequired))

	retried := *call
	retried.Meta = make(map[string]any, len(call.Meta)+1)
	for key, value := range call.Meta {
		retried.Meta[key] = value
	}
	retried.Meta[x402.PaymentMetaKey] = token
	return proxy.RetryWith(&retried), nil
}
