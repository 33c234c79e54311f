// Package wallet is the client-side payment wrapper: it wraps an MCP
// client session so that 402 payment challenges from a paygate-fronted
// server are confirmed, signed with a local key and retried transparently.
package wallet

import (
	"context"

	"github.com/paymcp/paygate/x402"
)

// Signer signs payment payloads with a locally held key.
type Signer interface {
	// Networks lists the networks this signer can pay on.
	Networks() []x402.Network

	// Address is the payer address.
	Address() string

	// SignPayment produces a signed payload for the requirement.
	SignPayment(ctx context.Context, requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error)
}

func signerCovers(s Signer, network x402.Network) bool {
	for _, n := range s.Networks() {
		if n == network {
			return true
		}
	}
	return false
}
