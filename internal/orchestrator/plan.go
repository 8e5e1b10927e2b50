package orchestrator

import (
	"math/big"
	"math/rand"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/executor"
)

// Plan is one script: the actions of a cycle and how the cycle amount is drawn.
type Plan struct {
	Name    string
	Title   string
	Actions []executor.Action
	Amount  AmountRange
	// ActionDelay waits a random delay between the actions of a cycle.
	ActionDelay bool
}

// AmountRange is an inclusive range of base units sampled on a grid of Step.
// A zero range yields no amount.
type AmountRange struct {
	Min  *big.Int
	Max  *big.Int
	Step *big.Int
}

// NewAmountRange parses decimal bounds such as "0.01" and "0.05" and rounds
// samples to precision fractional digits.
func NewAmountRange(min, max string, decimals, precision int) (AmountRange, error) {
	if min == "" && max == "" {
		return AmountRange{}, nil
	}
	lo, err := executor.ParseUnits(min, decimals)
	if err != nil {
		return AmountRange{}, chainerr.Configf("amount min %q: %v", min, err)
	}
	hi, err := executor.ParseUnits(max, decimals)
	if err != nil {
		return AmountRange{}, chainerr.Configf("amount max %q: %v", max, err)
	}
	if lo.Cmp(hi) > 0 {
		return AmountRange{}, chainerr.Configf("amount min %s > max %s", min, max)
	}
	if precision < 0 || precision > decimals {
		precision = decimals
	}
	step := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-precision)), nil)
	return AmountRange{Min: lo, Max: hi, Step: step}, nil
}

func (r AmountRange) IsZero() bool { return r.Min == nil || r.Max == nil }

// Sample draws uniformly from the grid points within [Min, Max]. When the
// range holds no grid point, Min is returned.
func (r AmountRange) Sample(rng *rand.Rand) *big.Int {
	if r.IsZero() {
		return nil
	}
	step := r.Step
	if step == nil || step.Sign() <= 0 {
		step = big.NewInt(1)
	}
	// lo = ceil(Min/step), hi = floor(Max/step)
	lo, rem := new(big.Int).QuoRem(r.Min, step, new(big.Int))
	if rem.Sign() > 0 {
		lo.Add(lo, big.NewInt(1))
	}
	hi := new(big.Int).Quo(r.Max, step)
	if lo.Cmp(hi) > 0 {
		return new(big.Int).Set(r.Min)
	}
	span := new(big.Int).Sub(hi, lo)
	span.Add(span, big.NewInt(1))
	pick := new(big.Int).Rand(rng, span)
	pick.Add(pick, lo)
	return pick.Mul(pick, step)
}
