package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimal places of the two swap assets.
const (
	BTCDecimals = 8
	ETHDecimals = 18
)

// FormatUnits formats an amount in smallest units as a decimal string.
// FormatUnits(big.NewInt(150000000), 8) returns "1.5".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	sign := ""
	abs := new(big.Int).Set(amount)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, divisor, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}

	fracStr := frac.String()
	fracStr = strings.Repeat("0", int(decimals)-len(fracStr)) + fracStr
	fracStr = strings.TrimRight(fracStr, "0")
	return sign + whole.String() + "." + fracStr
}

// ParseUnits parses a non-negative decimal string into smallest units.
// Digits beyond the given precision are rejected rather than truncated.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" {
		wholeStr = "0"
	}
	for _, part := range []string{wholeStr, fracStr} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("invalid character in amount: %c", c)
			}
		}
	}
	if len(fracStr) > int(decimals) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", s, decimals)
	}
	fracStr += strings.Repeat("0", int(decimals)-len(fracStr))

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}

// SatsToBTC formats satoshis as BTC.
func SatsToBTC(sats int64) string {
	return FormatUnits(big.NewInt(sats), BTCDecimals)
}

// BTCToSats parses a BTC amount into satoshis.
func BTCToSats(btc string) (int64, error) {
	v, err := ParseUnits(btc, BTCDecimals)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount overflow: %s", btc)
	}
	return v.Int64(), nil
}

// WeiToETH formats wei as ETH.
func WeiToETH(wei *big.Int) string {
	return FormatUnits(wei, ETHDecimals)
}

// ETHToWei parses an ETH amount into wei.
func ETHToWei(eth string) (*big.Int, error) {
	return ParseUnits(eth, ETHDecimals)
}
