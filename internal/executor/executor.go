// Package executor turns declarative actions into signed transactions:
// it checks balances, tops up allowances, simulates, estimates gas, prices
// fees and hands the result to the sequencer.
package executor

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/keys"
	"github.com/ligun0805/testnet-runner/internal/metrics"
	"github.com/ligun0805/testnet-runner/internal/retry"
	"github.com/ligun0805/testnet-runner/internal/sequencer"
)

// Backend is the read side of the JSON-RPC client.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Submitter is the write side, implemented by *sequencer.Sequencer.
type Submitter interface {
	Submit(ctx context.Context, acct keys.Account, p sequencer.TxParams) (*sequencer.PendingTx, error)
	Confirm(ctx context.Context, ptx *sequencer.PendingTx) (*types.Receipt, error)
	InFlight(addr common.Address) int
}

type Config struct {
	ExplorerTxURL string
	GasFallback   uint64
	GasBufferPct  int64
	GasBump       uint64
	FeeMode       string
	TipGwei       int64
	BasefeeMul    int64
	Simulate      bool
	SkipIfPending bool
	Deadline      time.Duration // window behind {deadline}
}

type Executor struct {
	backend Backend
	submit  Submitter
	retry   *retry.Controller
	cfg     Config
	log     *zap.Logger
	logf    func(format string, args ...any)
	metrics *metrics.Metrics
}

func New(backend Backend, submit Submitter, ctrl *retry.Controller, cfg Config, log *zap.Logger, logf func(string, ...any), m *metrics.Metrics) *Executor {
	if cfg.GasFallback == 0 {
		cfg.GasFallback = 300_000
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 20 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Executor{
		backend: backend,
		submit:  submit,
		retry:   ctrl,
		cfg:     cfg,
		log:     log.Named("executor"),
		logf:    logf,
		metrics: m,
	}
}

// Link returns the explorer URL of hash.
func (e *Executor) Link(hash common.Hash) string {
	return e.cfg.ExplorerTxURL + hash.Hex()
}

func (e *Executor) simulate(a Action) bool {
	if a.Simulate != nil {
		return *a.Simulate
	}
	return e.cfg.Simulate
}

// Execute runs a for acct. It never panics; failures are reported in the
// Outcome, with Skipped meaning nothing was sent and no nonce was used.
func (e *Executor) Execute(ctx context.Context, acct keys.Account, a Action, in Inputs) (out Outcome) {
	out = Outcome{Action: a.Name}
	defer func() {
		if r := recover(); r != nil {
			out.Status, out.Err = Failed, errors.Errorf("%s: panic: %v", a.Name, r)
			out.Reason = out.Err.Error()
		}
		e.metrics.ObserveAction(a.Name, out.Status.String())
	}()

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	ev := env{
		self:     acct.Address,
		amount:   in.Amount,
		deadline: big.NewInt(now.Add(e.cfg.Deadline).Unix()),
		balance: func(token common.Address) (*big.Int, error) {
			return e.balanceOf(ctx, token, acct.Address)
		},
	}

	to, err := ev.target(a)
	if err != nil {
		return e.failed(out, err)
	}
	value, err := ev.nativeAmount(a.Value)
	if err != nil {
		return e.failed(out, err)
	}

	if skip, err := e.precheck(ctx, acct, a, ev, value); err != nil {
		return e.failed(out, err)
	} else if skip != nil {
		return e.skipped(out, skip)
	}

	if a.Approve != nil {
		if err := e.ensureAllowance(ctx, acct, a, ev); err != nil {
			return e.failed(out, err)
		}
	}

	data, err := ev.encode(a)
	if err != nil {
		return e.failed(out, err)
	}
	msg := ethereum.CallMsg{From: acct.Address, To: to, Value: value, Data: data}

	if e.simulate(a) {
		err := e.retry.Do(ctx, "eth_call:"+a.Name, func(ctx context.Context) error {
			_, err := e.backend.CallContract(ctx, msg, nil)
			return err
		})
		if err != nil {
			e.logf("[simulate] %s would fail: %s", a.Name, chainerr.Reason(err))
			return e.failed(out, err)
		}
	}

	params := sequencer.TxParams{Label: a.Name, To: to, Value: value, Data: data}
	if params.Gas, err = e.gasLimit(ctx, a, msg); err != nil {
		return e.failed(out, err)
	}
	if err := e.fees(ctx, &params); err != nil {
		return e.failed(out, err)
	}
	e.logf("[gas] %s gas=%d %s value=%s", a.Name, params.Gas, feeSummary(params), fmtETH(value))

	rcpt, err := e.sendAndConfirm(ctx, acct, &params)
	if rcpt != nil {
		out.TxHash, out.GasUsed = rcpt.TxHash, rcpt.GasUsed
		out.Link = e.Link(rcpt.TxHash)
	}
	if err != nil {
		return e.failed(out, err)
	}
	if a.Deploy {
		out.Contract = rcpt.ContractAddress
		e.logf("[deploy] contract at %s", rcpt.ContractAddress.Hex())
	}
	e.logf("[ok] %s confirmed in block %s | Tx: %s", a.Name, rcpt.BlockNumber, out.Link)
	out.Status = Succeeded
	return out
}

func (e *Executor) failed(out Outcome, err error) Outcome {
	out.Status, out.Err, out.Reason = Failed, err, chainerr.Reason(err)
	e.logf("[fail] %s: %s", out.Action, out.Reason)
	return out
}

func (e *Executor) skipped(out Outcome, err error) Outcome {
	out.Status, out.Err, out.Reason = Skipped, err, chainerr.Reason(err)
	e.logf("[skip] %s: %s", out.Action, out.Reason)
	return out
}

// precheck returns a non-nil skip reason when the action must not be sent.
func (e *Executor) precheck(ctx context.Context, acct keys.Account, a Action, ev env, value *big.Int) (skip error, err error) {
	need := new(big.Int).Set(value)
	if a.Requires != nil && a.Requires.MinNative != "" {
		reserve, err := ev.nativeAmount(a.Requires.MinNative)
		if err != nil {
			return nil, err
		}
		need.Add(need, reserve)
	}
	if need.Sign() > 0 {
		bal, err := retry.Value(ctx, e.retry, "eth_getBalance", func(ctx context.Context) (*big.Int, error) {
			return e.backend.BalanceAt(ctx, acct.Address, nil)
		})
		if err != nil {
			return nil, err
		}
		if bal.Cmp(need) < 0 {
			return chainerr.Mark(errors.Errorf("native balance %s < needed %s", fmtETH(bal), fmtETH(need)),
				chainerr.InsufficientBalance), nil
		}
	}

	if a.Requires != nil && a.Requires.Token != "" {
		token, err := ev.address(a.Requires.Token)
		if err != nil {
			return nil, err
		}
		floor := big.NewInt(1)
		if a.Requires.MinToken != "" {
			if floor, err = ev.uint(a.Requires.MinToken); err != nil {
				return nil, err
			}
		}
		bal, err := e.balanceOf(ctx, token, acct.Address)
		if err != nil {
			return nil, err
		}
		if bal.Cmp(floor) < 0 || bal.Sign() == 0 {
			return chainerr.Mark(errors.Errorf("token %s balance %s < needed %s", token.Hex(), bal, floor),
				chainerr.InsufficientBalance), nil
		}
	}

	if e.cfg.SkipIfPending && e.submit.InFlight(acct.Address) == 0 {
		pending, err := retry.Value(ctx, e.retry, "eth_getTransactionCount:pending", func(ctx context.Context) (uint64, error) {
			return e.backend.PendingNonceAt(ctx, acct.Address)
		})
		if err != nil {
			return nil, err
		}
		latest, err := retry.Value(ctx, e.retry, "eth_getTransactionCount:latest", func(ctx context.Context) (uint64, error) {
			return e.backend.NonceAt(ctx, acct.Address, nil)
		})
		if err != nil {
			return nil, err
		}
		if pending > latest {
			return errors.Errorf("account has %d pending transaction(s) from elsewhere", pending-latest), nil
		}
	}
	return nil, nil
}

func (e *Executor) ensureAllowance(ctx context.Context, acct keys.Account, a Action, ev env) error {
	token, err := ev.address(a.Approve.Token)
	if err != nil {
		return err
	}
	spender, err := ev.address(a.Approve.Spender)
	if err != nil {
		return err
	}
	want, err := ev.uint(a.Approve.Amount)
	if err != nil {
		return err
	}
	have, err := e.allowance(ctx, token, acct.Address, spender)
	if err != nil {
		return err
	}
	if have.Cmp(want) >= 0 {
		return nil
	}
	e.logf("[approve] %s: allowance %s < %s, approving %s", a.Name, have, want, spender.Hex())

	data := EncodeApprove(spender, want)
	msg := ethereum.CallMsg{From: acct.Address, To: &token, Data: data}
	params := sequencer.TxParams{Label: a.Name + ":approve", To: &token, Value: new(big.Int), Data: data}
	if params.Gas, err = e.gasLimit(ctx, Action{Name: params.Label, FallbackGas: a.FallbackGas}, msg); err != nil {
		return err
	}
	if err := e.fees(ctx, &params); err != nil {
		return err
	}
	rcpt, err := e.sendAndConfirm(ctx, acct, &params)
	if err != nil {
		return errors.WithMessage(err, "approve")
	}
	e.logf("[approve] confirmed | Tx: %s", e.Link(rcpt.TxHash))
	return nil
}

// sendAndConfirm submits p and waits for its receipt. A receipt that failed
// by running out of gas is retried once with GasBump more gas.
func (e *Executor) sendAndConfirm(ctx context.Context, acct keys.Account, p *sequencer.TxParams) (*types.Receipt, error) {
	bumped := false
	for {
		ptx, err := e.submit.Submit(ctx, acct, *p)
		if err != nil {
			return nil, err
		}
		e.logf("[send] %s nonce=%d | Tx: %s", p.Label, ptx.Nonce, e.Link(ptx.Hash))
		rcpt, err := e.submit.Confirm(ctx, ptx)
		if err == nil {
			return rcpt, nil
		}
		if rcpt != nil && rcpt.GasUsed >= p.Gas && !bumped && e.cfg.GasBump > 0 {
			bumped = true
			p.Gas += e.cfg.GasBump
			e.logf("[warn] %s ran out of gas, resending with gas=%d", p.Label, p.Gas)
			continue
		}
		if rcpt != nil {
			return rcpt, err
		}
		return nil, errors.WithMessagef(err, "confirm %s", ptx.Hash.Hex())
	}
}
