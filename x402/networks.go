package x402

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// AssetInfo describes the settlement asset used on a network.
type AssetInfo struct {
	Address  string
	Decimals int
	// EIP-712 domain fields, EVM networks only.
	Name    string
	Version string
}

// NetworkInfo is one entry in the static network registry.
type NetworkInfo struct {
	Network Network
	Family  Family
	ChainID int64 // EVM networks only
	USDC    AssetInfo
}

// networkRegistry lists the networks the proxy can build payment
// requirements for. Asset addresses are the canonical USDC deployments.
var networkRegistry = map[Network]NetworkInfo{
	"base": {
		Network: "base",
		Family:  FamilyEVM,
		ChainID: 8453,
		USDC: AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Decimals: 6,
			Name:     "USD Coin",
			Version:  "2",
		},
	},
	"base-sepolia": {
		Network: "base-sepolia",
		Family:  FamilyEVM,
		ChainID: 84532,
		USDC: AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Decimals: 6,
			Name:     "USDC",
			Version:  "2",
		},
	},
	"avalanche": {
		Network: "avalanche",
		Family:  FamilyEVM,
		ChainID: 43114,
		USDC: AssetInfo{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Decimals: 6,
			Name:     "USD Coin",
			Version:  "2",
		},
	},
	"avalanche-fuji": {
		Network: "avalanche-fuji",
		Family:  FamilyEVM,
		ChainID: 43113,
		USDC: AssetInfo{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
			Decimals: 6,
			Name:     "USD Coin",
			Version:  "2",
		},
	},
	"polygon": {
		Network: "polygon",
		Family:  FamilyEVM,
		ChainID: 137,
		USDC: AssetInfo{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Decimals: 6,
			Name:     "USD Coin",
			Version:  "2",
		},
	},
	"polygon-amoy": {
		Network: "polygon-amoy",
		Family:  FamilyEVM,
		ChainID: 80002,
		USDC: AssetInfo{
			Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			Decimals: 6,
			Name:     "USDC",
			Version:  "2",
		},
	},
	"solana": {
		Network: "solana",
		Family:  FamilySVM,
		USDC: AssetInfo{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Decimals: 6,
		},
	},
	"solana-devnet": {
		Network: "solana-devnet",
		Family:  FamilySVM,
		USDC: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Decimals: 6,
		},
	},
}

// LookupNetwork returns registry info for a network.
func LookupNetwork(network Network) (NetworkInfo, error) {
	info, found := networkRegistry[network]
	if !found {
		return NetworkInfo{}, fmt.Errorf("unknown network %q", network)
	}
	return info, nil
}

// NetworkFamily returns the family for a known network.
func NetworkFamily(network Network) (Family, error) {
	info, err := LookupNetwork(network)
	if err != nil {
		return "", err
	}
	return info.Family, nil
}

// NormalizeAddress validates addr for the network's family and returns its
// canonical form: EIP-55 checksummed for EVM, unchanged base58 for SVM.
func NormalizeAddress(network Network, addr string) (string, error) {
	info, err := LookupNetwork(network)
	if err != nil {
		return "", err
	}
	switch info.Family {
	case FamilyEVM:
		if !common.IsHexAddress(addr) {
			return "", fmt.Errorf("invalid EVM address %q for network %s", addr, network)
		}
		return common.HexToAddress(addr).Hex(), nil
	case FamilySVM:
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return "", fmt.Errorf("invalid SVM address %q for network %s: %w", addr, network, err)
		}
		return addr, nil
	default:
		return "", fmt.Errorf("unsupported network family %q", info.Family)
	}
}
