package models

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// maxAmountLen bounds ParseEther input; wei values fit well inside it.
const maxAmountLen = 96

// ParseEther converts a plain decimal ETH string ("0.001") to wei.
// Exponent notation, precision beyond 18 decimals and negative values are
// rejected.
func ParseEther(s string) (*big.Int, error) {
	if len(s) > maxAmountLen || strings.ContainsAny(s, "eE") {
		return nil, Errorf(CodeInvalidParams, "invalid amount %q", truncateAmount(s))
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid amount %q", s)
	}
	if d.Sign() < 0 {
		return nil, Errorf(CodeInvalidParams, "negative amount %q", s)
	}

	wei := d.Shift(etherDecimals)
	if !wei.Truncate(0).Equal(wei) {
		return nil, Errorf(CodeInvalidParams, "amount %q has more than 18 decimals", s)
	}

	out, ok := new(big.Int).SetString(wei.String(), 10)
	if !ok {
		return nil, Errorf(CodeInvalidParams, "invalid amount %q", s)
	}
	return out, nil
}

func truncateAmount(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

func MustParseEther(s string) *big.Int {
	wei, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return wei
}

// FormatEther renders wei as a decimal ETH string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

// WeiToGwei truncates; used for int64 counters.
func WeiToGwei(wei *big.Int) int64 {
	if wei == nil {
		return 0
	}
	return new(big.Int).Quo(wei, big.NewInt(1e9)).Int64()
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
