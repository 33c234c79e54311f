package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/paymcp/paygate/x402"
)

// EVMSigner signs exact-scheme payments on EVM networks with a local key,
// producing EIP-3009 TransferWithAuthorization payloads over EIP-712.
type EVMSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	networks   []x402.Network
}

// NewEVMSigner creates a signer from a hex private key.
func NewEVMSigner(privateKeyHex string, networks ...x402.Network) (*EVMSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid EVM private key: %w", err)
	}
	for _, network := range networks {
		family, err := x402.NetworkFamily(network)
		if err != nil {
			return nil, err
		}
		if family != x402.FamilyEVM {
			return nil, fmt.Errorf("%s is not an EVM network", network)
		}
	}
	return &EVMSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		networks:   networks,
	}, nil
}

func (s *EVMSigner) Networks() []x402.Network { return s.networks }
func (s *EVMSigner) Address() string          { return s.address.Hex() }

// SignPayment builds and signs the transfer authorization.
func (s *EVMSigner) SignPayment(ctx context.Context, requirement *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if requirement.Scheme != x402.SchemeExact {
		return nil, fmt.Errorf("unsupported scheme %q", requirement.Scheme)
	}
	info, err := x402.LookupNetwork(requirement.Network)
	if err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", requirement.MaxAmountRequired)
	}

	name, version := domainParams(requirement, info)

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	timeout := requirement.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = 300
	}
	now := time.Now().Unix()
	// Small backdate so clock skew between signer and settler is harmless.
	validAfter := big.NewInt(now - 10)
	validBefore := big.NewInt(now + int64(timeout))

	to := common.HexToAddress(requirement.PayTo)
	asset := common.HexToAddress(requirement.Asset)
	nonceHex := common.BytesToHash(nonce[:]).Hex()

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(info.ChainID),
			VerifyingContract: asset.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        s.address.Hex(),
			"to":          to.Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       nonceHex,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash authorization: %w", err)
	}
	digest := crypto.Keccak256(append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...))

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	signature[64] += 27

	return &x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      requirement.Scheme,
		Network:     requirement.Network,
		Payload: map[string]any{
			"signature": "0x" + hex.EncodeToString(signature),
			"authorization": map[string]any{
				"from":        s.address.Hex(),
				"to":          to.Hex(),
				"value":       value.String(),
				"validAfter":  validAfter.String(),
				"validBefore": validBefore.String(),
				"nonce":       nonceHex,
			},
		},
	}, nil
}

// domainParams takes the EIP-712 name/version from the requirement's extra
// when the server provided them, falling back to the registry.
func domainParams(requirement *x402.PaymentRequirements, info x402.NetworkInfo) (string, string) {
	name := info.USDC.Name
	version := info.USDC.Version
	if requirement.Extra != nil {
		if v, ok := requirement.Extra["name"].(string); ok && v != "" {
			name = v
		}
		if v, ok := requirement.Extra["version"].(string); ok && v != "" {
			version = v
		}
	}
	return name, version
}
