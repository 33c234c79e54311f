package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/paymcp/paygate/x402"
)

// Selection is a confirmation callback's answer to a payment challenge.
// When approved, the requirement to pay is chosen by the first set field:
// Requirement, then Index, then Network; all unset means default selection.
type Selection struct {
	Approve     bool
	Index       *int
	Network     *x402.Network
	Requirement *x402.PaymentRequirements
}

// Approve is a convenience selection approving the default requirement.
func Approve() Selection { return Selection{Approve: true} }

// Options configures the payment wrapper.
type Options struct {
	// ConfirmPayment is asked before any payment is signed. Nil means
	// auto-approve with default selection.
	ConfirmPayment func(accepts []x402.PaymentRequirements) (Selection, error)

	// MaxPaymentValue is a hard cap in atomic units. A selected
	// requirement above the cap fails before any signer is invoked.
	MaxPaymentValue *big.Int

	Logger *zap.Logger
}

// Client wraps an MCP client session with payment handling.
type Client struct {
	session *mcpsdk.ClientSession
	signers []Signer
	opts    Options
	logger  *zap.Logger
}

// Wrap builds a payment-aware client over a connected session.
func Wrap(session *mcpsdk.ClientSession, signers []Signer, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{session: session, signers: signers, opts: opts, logger: logger}
}

// Session exposes the underlying session for non-tool traffic.
func (c *Client) Session() *mcpsdk.ClientSession { return c.session }

// CallTool calls a tool, paying a single 402 challenge if one comes back.
// The retried result is returned as-is, challenge or not; the wrapper
// never loops.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}

	challenge, ok := extractChallenge(result)
	if !ok || len(challenge.Accepts) == 0 {
		return result, nil
	}

	requirement, err := c.selectRequirement(challenge.Accepts)
	if err != nil {
		return nil, err
	}
	if err := c.checkCap(requirement); err != nil {
		return nil, err
	}

	signer := c.signerFor(requirement.Network)
	if signer == nil {
		return nil, fmt.Errorf("no signer for network %s", requirement.Network)
	}

	payload, err := signer.SignPayment(ctx, requirement)
	if err != nil {
		return nil, fmt.Errorf("sign payment: %w", err)
	}
	token, err := x402.EncodePayment(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payment: %w", err)
	}

	c.logger.Info("paying tool call",
		zap.String("tool", name),
		zap.String("network", string(requirement.Network)),
		zap.String("amount", requirement.MaxAmountRequired))

	retried, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      mcpsdk.Meta(map[string]any{x402.PaymentMetaKey: token}),
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s with payment: %w", name, err)
	}
	return retried, nil
}

// selectRequirement applies the confirmation callback, then resolves its
// selection into a concrete requirement.
func (c *Client) selectRequirement(accepts []x402.PaymentRequirements) (*x402.PaymentRequirements, error) {
	if c.opts.ConfirmPayment == nil {
		return c.defaultSelection(accepts), nil
	}
	selection, err := c.opts.ConfirmPayment(accepts)
	if err != nil {
		return nil, fmt.Errorf("payment confirmation failed: %w", err)
	}
	if !selection.Approve {
		return nil, fmt.Errorf("payment declined")
	}
	switch {
	case selection.Requirement != nil:
		return selection.Requirement, nil
	case selection.Index != nil:
		if *selection.Index < 0 || *selection.Index >= len(accepts) {
			return nil, fmt.Errorf("payment selection index %d out of range", *selection.Index)
		}
		return &accepts[*selection.Index], nil
	case selection.Network != nil:
		for i := range accepts {
			if accepts[i].Network == *selection.Network {
				return &accepts[i], nil
			}
		}
		return nil, fmt.Errorf("no offered requirement on network %s", *selection.Network)
	default:
		return c.defaultSelection(accepts), nil
	}
}

// defaultSelection prefers the first exact requirement on a network one of
// our signers covers, then the first exact requirement, then the first
// requirement at all.
func (c *Client) defaultSelection(accepts []x402.PaymentRequirements) *x402.PaymentRequirements {
	for i := range accepts {
		if accepts[i].Scheme != x402.SchemeExact {
			continue
		}
		if c.signerFor(accepts[i].Network) != nil {
			return &accepts[i]
		}
	}
	for i := range accepts {
		if accepts[i].Scheme == x402.SchemeExact {
			return &accepts[i]
		}
	}
	return &accepts[0]
}

func (c *Client) checkCap(requirement *x402.PaymentRequirements) error {
	if c.opts.MaxPaymentValue == nil {
		return nil
	}
	amount, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return fmt.Errorf("requirement amount %q is not an integer", requirement.MaxAmountRequired)
	}
	if amount.Cmp(c.opts.MaxPaymentValue) > 0 {
		return fmt.Errorf("payment exceeds client cap: %s > %s", amount, c.opts.MaxPaymentValue)
	}
	return nil
}

func (c *Client) signerFor(network x402.Network) Signer {
	for _, signer := range c.signers {
		if signerCovers(signer, network) {
			return signer
		}
	}
	return nil
}

// extractChallenge recognizes a 402 challenge in a tool result. Servers
// surface it in _meta, in structuredContent, or as JSON text in the first
// content block; all three are checked in that order.
func extractChallenge(result *mcpsdk.CallToolResult) (*x402.PaymentRequiredPayload, bool) {
	if result == nil {
		return nil, false
	}

	if result.Meta != nil {
		if payload, ok := x402.PaymentRequiredFromMeta(result.Meta.GetMeta()); ok {
			return payload, true
		}
	}

	if sc, ok := result.StructuredContent.(map[string]any); ok {
		if payload, ok := challengeFromValue(sc); ok {
			return payload, true
		}
	}

	if result.IsError && len(result.Content) > 0 {
		if text, ok := result.Content[0].(*mcpsdk.TextContent); ok {
			var value map[string]any
			if err := json.Unmarshal([]byte(text.Text), &value); err == nil {
				if payload, ok := challengeFromValue(value); ok {
					return payload, true
				}
			}
		}
	}
	return nil, false
}

func challengeFromValue(value map[string]any) (*x402.PaymentRequiredPayload, bool) {
	code, ok := value["error"].(string)
	if !ok || !x402.IsKnownErrorCode(x402.ErrorCode(code)) {
		return nil, false
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var payload x402.PaymentRequiredPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return &payload, true
}
