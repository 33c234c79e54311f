package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// Price is a tool's configured price: either a human currency string such
// as "$0.001" (settled in the network's USDC), or a raw atomic amount with
// an explicit asset address.
type Price struct {
	// Money is a currency string, e.g. "$0.001", "0.10 USD".
	Money string
	// Amount/Asset is the raw alternative: atomic integer string plus
	// asset contract address or mint.
	Amount string
	Asset  string
}

// IsRaw reports whether the price carries a raw atomic amount.
func (p Price) IsRaw() bool {
	return p.Amount != ""
}

// ResolveAmount converts the price into (atomic amount, asset address) for
// the given network. Raw prices pass through after integer validation.
// Currency strings convert against the network's USDC decimals with
// round-half-even on the final atomic digit, so the result is deterministic
// for a given (price, network) pair.
func (p Price) ResolveAmount(network Network) (amount string, asset string, err error) {
	if p.IsRaw() {
		if _, ok := new(big.Int).SetString(p.Amount, 10); !ok {
			return "", "", fmt.Errorf("raw amount %q is not a base-10 integer", p.Amount)
		}
		if p.Asset == "" {
			return "", "", fmt.Errorf("raw amount requires an asset address")
		}
		return p.Amount, p.Asset, nil
	}
	if p.Money == "" {
		return "", "", fmt.Errorf("empty price")
	}
	info, err := LookupNetwork(network)
	if err != nil {
		return "", "", err
	}
	atomic, err := ParseMoney(p.Money, info.USDC.Decimals)
	if err != nil {
		return "", "", err
	}
	return atomic, info.USDC.Address, nil
}

// ParseMoney converts a currency string to an atomic integer string with
// the given number of decimals. Accepted forms: "$0.001", "0.001",
// "0.10 USD", "0.10 USDC". Negative amounts are rejected.
func ParseMoney(s string, decimals int) (string, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.TrimSuffix(cleaned, " USDC")
	cleaned = strings.TrimSuffix(cleaned, " USD")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", fmt.Errorf("invalid money string %q", s)
	}

	rat, ok := new(big.Rat).SetString(cleaned)
	if !ok {
		return "", fmt.Errorf("invalid money string %q", s)
	}
	if rat.Sign() < 0 {
		return "", fmt.Errorf("negative amount %q", s)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	return roundHalfEven(scaled).String(), nil
}

// roundHalfEven rounds a rational to the nearest integer, ties to even.
func roundHalfEven(r *big.Rat) *big.Int {
	quo, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	// rem/denom in [0,1) for non-negative r; compare 2*rem against denom.
	twice := new(big.Int).Lsh(rem, 1)
	switch twice.Cmp(r.Denom()) {
	case 1:
		return quo.Add(quo, big.NewInt(1))
	case 0:
		if quo.Bit(0) == 1 {
			return quo.Add(quo, big.NewInt(1))
		}
		return quo
	default:
		return quo
	}
}
