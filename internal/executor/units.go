package executor

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

var gwei = big.NewInt(1_000_000_000)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ParseUnits converts a decimal string ("0.015") into base units.
// Digits beyond decimals are truncated.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, errors.Errorf("negative amount %q", s)
	}
	s = strings.TrimPrefix(s, "+")
	whole, frac, _ := strings.Cut(s, ".")
	if !digits(whole) || !digits(frac) || whole+frac == "" {
		return nil, errors.Errorf("bad amount %q", s)
	}
	out := new(big.Int)
	if whole != "" {
		out.SetString(whole, 10)
	}
	out.Mul(out, pow10(decimals))
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	if frac != "" {
		f, _ := new(big.Int).SetString(frac+strings.Repeat("0", decimals-len(frac)), 10)
		out.Add(out, f)
	}
	return out, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatUnits renders base units with prec fractional digits.
func FormatUnits(v *big.Int, decimals, prec int) string {
	if v == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(new(big.Int).Set(v), pow10(decimals))
	return r.FloatString(prec)
}

func fmtETH(x *big.Int) string { return FormatUnits(x, 18, 6) }

func fmtGwei(x *big.Int) string { return FormatUnits(x, 9, 2) }

func gweiToWei(g int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(g), gwei)
}
