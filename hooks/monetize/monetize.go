// Package monetize gates priced tool calls behind x402 payments. Unpaid
// calls are answered with a 402-shaped tool result carrying payment
// requirements; paid calls are verified before forwarding and settled
// after the upstream responds.
package monetize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/paymcp/paygate/facilitator"
	"github.com/paymcp/paygate/proxy"
	"github.com/paymcp/paygate/x402"
)

const defaultMaxTimeoutSeconds = 300

// Hook is the monetization hook.
type Hook struct {
	facilitator facilitator.Client
	logger      *zap.Logger
}

// New creates the monetization hook.
func New(fac facilitator.Client, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{facilitator: fac, logger: logger}
}

func (h *Hook) Name() string { return "monetize" }

// verifiedPayment is carried from the request stage to the result stage.
type verifiedPayment struct {
	payload     *x402.PaymentPayload
	requirement *x402.PaymentRequirements
}

func stateKey(call *proxy.ToolCall) string { return "monetize:" + call.CallID }

// OnRequest enforces payment for priced tools. Free tools continue
// untouched. Priced tools without a valid, verified payment are answered
// with a 402 challenge instead of reaching upstream.
func (h *Hook) OnRequest(ctx context.Context, rc *proxy.RequestContext, call *proxy.ToolCall) (proxy.RequestOutcome, error) {
	if rc.Server == nil {
		return proxy.ContinueRequest(call), nil
	}
	price, priced := rc.Server.PriceFor(call.Name)
	if !priced {
		return proxy.ContinueRequest(call), nil
	}

	logger := h.logger.With(
		zap.String("requestId", rc.RequestID),
		zap.String("tool", call.Name),
	)

	accepts := h.buildAccepts(ctx, rc, call, price, logger)
	if len(accepts) == 0 {
		// With no buildable requirement there is nothing a payment could
		// match, token or not.
		logger.Error("no payment requirements could be built")
		return proxy.RespondWith(challengeResult(x402.ErrPriceComputeFailed, nil)), nil
	}

	token, hasToken := x402.PaymentTokenFromMeta(call.Meta)
	if !hasToken {
		logger.Info("payment required", zap.Int("accepts", len(accepts)))
		return proxy.RespondWith(challengeResult(x402.ErrPaymentRequired, accepts)), nil
	}

	payment, err := x402.DecodePayment(token)
	if err != nil {
		code := x402.ErrInvalidPayment
		var payErr *x402.PaymentError
		if errors.As(err, &payErr) {
			code = payErr.Code
		}
		logger.Warn("malformed payment token", zap.Error(err))
		return proxy.RespondWith(challengeResult(code, accepts)), nil
	}

	requirement := x402.MatchRequirement(payment, accepts)
	if requirement == nil {
		logger.Warn("payment matches no offered requirement",
			zap.String("scheme", payment.Scheme),
			zap.String("network", string(payment.Network)))
		return proxy.RespondWith(challengeResult(x402.ErrUnableToMatch, accepts)), nil
	}

	verification, err := h.facilitator.Verify(ctx, payment, requirement)
	if err != nil {
		logger.Error("payment verification failed", zap.Error(err))
		return proxy.RespondWith(challengeResult(x402.ErrInvalidPayment, accepts)), nil
	}
	if !verification.IsValid {
		logger.Warn("payment rejected", zap.String("reason", verification.InvalidReason))
		return proxy.RespondWith(challengeResult(x402.ErrInvalidPayment, accepts)), nil
	}

	logger.Info("payment verified",
		zap.String("payer", verification.Payer),
		zap.String("network", string(payment.Network)))
	rc.Set(stateKey(call), &verifiedPayment{payload: payment, requirement: requirement})
	return proxy.ContinueRequest(call), nil
}

// OnResult settles a verified payment once the upstream has answered.
// Settlement runs even when the tool result reports an application error:
// the upstream did the work, so the payment is captured. Settlement
// failures are logged, never surfaced to the caller.
func (h *Hook) OnResult(ctx context.Context, rc *proxy.RequestContext, call *proxy.ToolCall, result *proxy.ToolResult) (proxy.ResultOutcome, error) {
	raw, ok := rc.Get(stateKey(call))
	if !ok {
		return proxy.ContinueResult(result), nil
	}
	rc.Delete(stateKey(call))
	state, ok := raw.(*verifiedPayment)
	if !ok {
		return proxy.ContinueResult(result), nil
	}

	logger := h.logger.With(
		zap.String("requestId", rc.RequestID),
		zap.String("tool", call.Name),
	)

	settlement, err := h.facilitator.Settle(ctx, state.payload, state.requirement)
	if err != nil {
		logger.Error("settlement failed", zap.Error(err))
		return proxy.ContinueResult(result), nil
	}
	if !settlement.Success {
		logger.Error("settlement rejected", zap.String("reason", settlement.ErrorReason))
		return proxy.ContinueResult(result), nil
	}

	logger.Info("payment settled", zap.String("transaction", settlement.Transaction))
	decorate(result, settlement)
	return proxy.ContinueResult(result), nil
}

// buildAccepts synthesizes one requirement per configured receiver
// network, iterating networks in sorted order so the accepts list is
// deterministic. Per-network failures are logged and skipped.
func (h *Hook) buildAccepts(ctx context.Context, rc *proxy.RequestContext, call *proxy.ToolCall, price x402.Price, logger *zap.Logger) []x402.PaymentRequirements {
	networks := make([]x402.Network, 0, len(rc.Server.Recipients))
	for network := range rc.Server.Recipients {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })

	timeout := rc.Server.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = defaultMaxTimeoutSeconds
	}

	var accepts []x402.PaymentRequirements
	for _, network := range networks {
		requirement, err := h.buildRequirement(ctx, rc, call, price, network, timeout)
		if err != nil {
			logger.Warn("skipping network", zap.String("network", string(network)), zap.Error(err))
			continue
		}
		accepts = append(accepts, *requirement)
	}
	return accepts
}

func (h *Hook) buildRequirement(ctx context.Context, rc *proxy.RequestContext, call *proxy.ToolCall, price x402.Price, network x402.Network, timeout int) (*x402.PaymentRequirements, error) {
	info, err := x402.LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	amount, asset, err := price.ResolveAmount(network)
	if err != nil {
		return nil, err
	}
	payTo, err := x402.NormalizeAddress(network, rc.Server.Recipients[network])
	if err != nil {
		return nil, err
	}

	requirement := &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           network,
		MaxAmountRequired: amount,
		Resource:          fmt.Sprintf("mcp://%s/tools/%s", rc.ServerID, call.Name),
		Description:       fmt.Sprintf("Payment for tool %s", call.Name),
		PayTo:             payTo,
		MaxTimeoutSeconds: timeout,
		Asset:             asset,
	}

	switch info.Family {
	case x402.FamilyEVM:
		requirement.Extra = map[string]any{
			"name":    info.USDC.Name,
			"version": info.USDC.Version,
		}
	case x402.FamilySVM:
		feePayer, err := h.feePayerFor(ctx, rc, network)
		if err != nil {
			return nil, err
		}
		requirement.Extra = map[string]any{"feePayer": feePayer}
	}

	if err := x402.ValidateRequirements(*requirement); err != nil {
		return nil, err
	}
	return requirement, nil
}

// feePayerFor resolves the facilitator's fee payer for an SVM network.
// Supported kinds are fetched at most once per request.
func (h *Hook) feePayerFor(ctx context.Context, rc *proxy.RequestContext, network x402.Network) (string, error) {
	const cacheKey = "monetize:supported"

	var kinds []x402.SupportedKind
	if cached, ok := rc.Get(cacheKey); ok {
		kinds = cached.([]x402.SupportedKind)
	} else {
		supported, err := h.facilitator.Supported(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch supported kinds: %w", err)
		}
		kinds = supported.Kinds
		rc.Set(cacheKey, kinds)
	}

	for _, kind := range kinds {
		if kind.Scheme != x402.SchemeExact || kind.Network != network {
			continue
		}
		if feePayer, ok := kind.Extra["feePayer"].(string); ok && feePayer != "" {
			return feePayer, nil
		}
	}
	return "", fmt.Errorf("facilitator offers no fee payer for %s", network)
}

// challengeResult builds the 402-shaped tool result: an error result whose
// content, structured content and _meta all carry the payment payload.
func challengeResult(code x402.ErrorCode, accepts []x402.PaymentRequirements) *proxy.ToolResult {
	payload := &x402.PaymentRequiredPayload{
		X402Version: x402.Version,
		Error:       code,
		Accepts:     accepts,
	}
	text, err := json.Marshal(payload)
	if err != nil {
		text = []byte(fmt.Sprintf(`{"x402Version":%d,"error":%q}`, x402.Version, code))
	}
	return &proxy.ToolResult{
		IsError:           true,
		Content:           []map[string]any{proxy.TextContent(string(text))},
		StructuredContent: payload,
		Meta:              map[string]any{x402.ErrorMetaKey: payload},
	}
}

func decorate(result *proxy.ToolResult, settlement *x402.SettleResponse) {
	if result.Meta == nil {
		result.Meta = make(map[string]any)
	}
	result.Meta[x402.PaymentResponseMetaKey] = settlement

	receipt, err := json.Marshal(map[string]any{
		"transactionHash": settlement.Transaction,
		"settled":         true,
	})
	if err != nil {
		return
	}
	if result.Extra == nil {
		result.Extra = make(map[string]json.RawMessage)
	}
	result.Extra["x402Settlement"] = receipt
}
