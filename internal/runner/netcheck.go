package runner

import (
	"context"
	"math/big"

	"github.com/ligun0805/testnet-runner/internal/executor"
)

func gwei(v *big.Int) string { return executor.FormatUnits(v, 9, 2) }

// NetCheck prints the state of the active endpoint: chain, head, fees and
// the balance of every account.
func (r *Runner) NetCheck(ctx context.Context) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	r.logf("[net] endpoint: %s", r.pool.URL())
	r.logf("[net] chain id: %s", r.chainID)

	if n, err := r.pool.BlockNumber(ctx); err != nil {
		r.logf("[net] head block error: %v", err)
	} else {
		r.logf("[net] head block: %d", n)
	}
	baseFee := new(big.Int)
	if h, err := r.pool.HeaderByNumber(ctx, nil); err == nil && h.BaseFee != nil {
		baseFee.Set(h.BaseFee)
	}
	r.logf("[net] baseFee(now): %s gwei", gwei(baseFee))
	if tip, err := r.pool.SuggestGasTipCap(ctx); err == nil {
		r.logf("[net] suggested tip: %s gwei", gwei(tip))
		maxFee := new(big.Int).Mul(baseFee, big.NewInt(r.cfg.BasefeeMul))
		r.logf("[net] maxFee at BASEFEE_MUL=%d: %s gwei", r.cfg.BasefeeMul, gwei(maxFee.Add(maxFee, tip)))
	}
	if price, err := r.pool.SuggestGasPrice(ctx); err == nil {
		r.logf("[net] gas price: %s gwei", gwei(price))
	}

	for _, a := range r.accounts {
		bal, err := r.pool.BalanceAt(ctx, a.Address, nil)
		if err != nil {
			r.logf("[net] %d %s balance error: %v", a.Index, a.Address.Hex(), err)
			continue
		}
		r.logf("[net] %d %s %s MON", a.Index, a.Address.Hex(), executor.FormatUnits(bal, 18, 6))
	}
	return nil
}
