package wallet

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/paymcp/paygate/x402"
)

// transferAuthorization is the Borsh-serialized message an SVM payment
// signs. Field order is part of the wire format.
type transferAuthorization struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Amount      uint64
	ValidUntil  int64
	Nonce       [32]byte
}

// SVMSigner signs exact-scheme payments on SVM networks with a local
// ed25519 key.
type SVMSigner struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	networks   []x402.Network
}

// NewSVMSigner creates a signer from a base58 private key.
func NewSVMSigner(privateKeyBase58 string, networks ...x402.Network) (*SVMSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid SVM private key: %w", err)
	}
	for _, network := range networks {
		family, err := x402.NetworkFamily(network)
		if err != nil {
			return nil, err
		}
		if family != x402.FamilySVM {
			return nil, fmt.Errorf("%s is not an SVM network", network)
		}
	}
	return &SVMSigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
		networks:   networks,
	}, nil
}

func (s *SVMSigner) Networks() []x402.Network { return s.networks }
func (s *SVMSigner) Address() string          { return s.publicKey.String() }

// SignPayment serializes the authorization with Borsh and signs it.
func (s *SVMSigner) SignPayment(ctx context.Context, requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if requirement.Scheme != x402.SchemeExact {
		return nil, fmt.Errorf("unsupported scheme %q", requirement.Scheme)
	}

	amount, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 || !amount.IsUint64() {
		return nil, fmt.Errorf("amount %q is not a valid token amount", requirement.MaxAmountRequired)
	}

	destination, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(requirement.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint: %w", err)
	}

	timeout := requirement.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = 300
	}

	authorization := transferAuthorization{
		Source:      s.publicKey,
		Destination: destination,
		Mint:        mint,
		Amount:      amount.Uint64(),
		ValidUntil:  time.Now().Unix() + int64(timeout),
	}
	if _, err := rand.Read(authorization.Nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	message, err := bin.MarshalBorsh(&authorization)
	if err != nil {
		return nil, fmt.Errorf("serialize authorization: %w", err)
	}
	signature, err := s.privateKey.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      requirement.Scheme,
		Network:     requirement.Network,
		Payload: map[string]any{
			"signature": signature.String(),
			"authorization": map[string]any{
				"source":      authorization.Source.String(),
				"destination": authorization.Destination.String(),
				"mint":        authorization.Mint.String(),
				"amount":      requirement.MaxAmountRequired,
				"validUntil":  authorization.ValidUntil,
				"nonce":       solana.PublicKey(authorization.Nonce).String(),
			},
		},
	}, nil
}
