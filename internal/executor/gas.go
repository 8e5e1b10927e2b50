package executor

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/retry"
	"github.com/ligun0805/testnet-runner/internal/sequencer"
)

// fees fills the fee fields of p. Dynamic fees are used unless FEE_MODE is
// legacy or the head carries no base fee.
func (e *Executor) fees(ctx context.Context, p *sequencer.TxParams) error {
	if !strings.EqualFold(e.cfg.FeeMode, "legacy") {
		head, err := retry.Value(ctx, e.retry, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
			return e.backend.HeaderByNumber(ctx, nil)
		})
		if err != nil {
			return err
		}
		if head.BaseFee != nil {
			tip := gweiToWei(e.cfg.TipGwei)
			if e.cfg.TipGwei <= 0 {
				tip, err = retry.Value(ctx, e.retry, "eth_maxPriorityFeePerGas", e.backend.SuggestGasTipCap)
				if err != nil {
					return err
				}
			}
			mul := e.cfg.BasefeeMul
			if mul < 1 {
				mul = 1
			}
			feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(mul))
			p.GasTipCap, p.GasFeeCap = tip, feeCap.Add(feeCap, tip)
			return nil
		}
	}
	price, err := retry.Value(ctx, e.retry, "eth_gasPrice", e.backend.SuggestGasPrice)
	if err != nil {
		return err
	}
	if e.cfg.TipGwei > 0 {
		price = new(big.Int).Add(price, gweiToWei(e.cfg.TipGwei))
	}
	p.GasPrice = price
	return nil
}

// gasLimit estimates msg and pads it. Estimation failures other than fatal
// ones fall back to the action's or the global fallback limit.
func (e *Executor) gasLimit(ctx context.Context, a Action, msg ethereum.CallMsg) (uint64, error) {
	est, err := retry.Value(ctx, e.retry, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return e.backend.EstimateGas(ctx, msg)
	})
	if err != nil {
		if chainerr.Fatal(err) {
			return 0, err
		}
		fallback := a.FallbackGas
		if fallback == 0 {
			fallback = e.cfg.GasFallback
		}
		e.logf("[warn] %s: estimateGas failed (%s), fallback gas=%d", a.Name, chainerr.Reason(err), fallback)
		e.log.Debug("gas estimate failed", zap.String("action", a.Name), zap.Error(err))
		return fallback, nil
	}
	return est * uint64(100+e.cfg.GasBufferPct) / 100, nil
}

func feeSummary(p sequencer.TxParams) string {
	if p.GasFeeCap != nil {
		return "tip=" + fmtGwei(p.GasTipCap) + " gwei feeCap=" + fmtGwei(p.GasFeeCap) + " gwei"
	}
	return "gasPrice=" + fmtGwei(p.GasPrice) + " gwei"
}
