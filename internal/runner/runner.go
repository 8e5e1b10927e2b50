// Package runner assembles one run: it loads keys and the script catalogue,
// connects the endpoint pool and wires retry, sequencing and execution
// together for the orchestrator.
package runner

import (
	"context"
	"math/big"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/config"
	"github.com/ligun0805/testnet-runner/internal/executor"
	"github.com/ligun0805/testnet-runner/internal/keys"
	"github.com/ligun0805/testnet-runner/internal/metrics"
	"github.com/ligun0805/testnet-runner/internal/orchestrator"
	"github.com/ligun0805/testnet-runner/internal/protocols"
	"github.com/ligun0805/testnet-runner/internal/retry"
	"github.com/ligun0805/testnet-runner/internal/rpcpool"
	"github.com/ligun0805/testnet-runner/internal/sequencer"
	"github.com/ligun0805/testnet-runner/internal/ui"
)

type Options struct {
	Sink    ui.Sink
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Dial overrides how endpoints are dialed.
	Dial rpcpool.DialFunc
}

type Runner struct {
	cfg     config.Settings
	sink    ui.Sink
	logf    func(string, ...any)
	log     *zap.Logger
	metrics *metrics.Metrics

	catalog  *protocols.Catalog
	accounts []keys.Account
	pool     *rpcpool.Pool

	connectMu sync.Mutex
	chainID   *big.Int
	ctrl      *retry.Controller
	seq       *sequencer.Sequencer
	exec      *executor.Executor
}

// New validates cfg and loads the catalogue and the key file. Nothing is
// dialed until the first Run or NetCheck.
func New(cfg config.Settings, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Sink == nil {
		opts.Sink = &ui.Funcs{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	chainID, err := cfg.ChainIDBig()
	if err != nil {
		return nil, err
	}

	catalog, err := protocols.Load(cfg.ProtocolsFile)
	if err != nil {
		return nil, err
	}

	raw, err := keys.Loader{Strict: true, Log: opts.Log}.LoadFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	accounts, err := keys.Accounts(raw)
	if err != nil {
		return nil, err
	}

	pool, err := rpcpool.New(rpcpool.Options{
		URLs:         cfg.RPCURLs,
		ChainID:      chainID,
		CallTimeout:  cfg.RPCTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
		ReprobeAfter: cfg.ReprobeAfter,
		RPS:          cfg.RPCRPS,
		Burst:        cfg.RPCBurst,
		Dial:         opts.Dial,
		Log:          opts.Log,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		sink:     opts.Sink,
		logf:     ui.Logf(opts.Sink),
		log:      opts.Log,
		metrics:  opts.Metrics,
		catalog:  catalog,
		accounts: accounts,
		pool:     pool,
		chainID:  chainID,
	}
	r.logf("[keys] loaded %d account(s) from %s", len(accounts), cfg.KeyFile)
	return r, nil
}

func (r *Runner) Catalog() *protocols.Catalog { return r.catalog }

func (r *Runner) Accounts() []keys.Account { return r.accounts }

// Connect picks a healthy endpoint and builds the submission stack once.
func (r *Runner) Connect(ctx context.Context) error {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()
	if r.exec != nil {
		return nil
	}
	r.sink.Status("Connecting to RPC...")
	if err := r.pool.Connect(ctx); err != nil {
		r.logf("[fail] no rpc endpoint reachable: %s", chainerr.Reason(err))
		return err
	}
	r.logf("[rpc] connected to %s", r.pool.URL())
	if r.chainID == nil {
		id, err := r.pool.ChainID(ctx)
		if err != nil {
			return err
		}
		r.chainID = id
	}

	r.ctrl = retry.New(retry.Policy{
		MaxAttempts:    r.cfg.RetryAttempts,
		RevertAttempts: r.cfg.RevertAttempts,
		Base:           r.cfg.RetryBase,
		Max:            r.cfg.RetryMax,
		Jitter:         r.cfg.RetryJitter,
	}, r.log, retry.Options{
		BeforeAttempt: r.pool.Wait,
		OnTransient:   r.pool.ReportFailure,
		OnSuccess:     r.pool.ReportSuccess,
		OnRetry: func(a retry.Attempt) {
			r.logf("[warn] %s failed (%s), retry %d in %s", a.Op, chainerr.Reason(a.Err), a.Number, a.Delay)
		},
		Metrics: r.metrics,
	})
	r.seq = sequencer.New(r.pool, r.ctrl, r.chainID, sequencer.Options{
		MaxRecoveries:  r.cfg.NonceRecoveries,
		ReceiptTimeout: r.cfg.ReceiptTimeout,
		ReceiptPoll:    r.cfg.ReceiptPoll,
		Metrics:        r.metrics,
	}, r.log)
	r.exec = executor.New(r.pool, r.seq, r.ctrl, executor.Config{
		ExplorerTxURL: r.cfg.ExplorerTxURL,
		GasFallback:   r.cfg.GasFallback,
		GasBufferPct:  r.cfg.GasBufferPct,
		GasBump:       r.cfg.GasBump,
		FeeMode:       r.cfg.FeeMode,
		TipGwei:       r.cfg.TipGwei,
		BasefeeMul:    r.cfg.BasefeeMul,
		Simulate:      r.cfg.Simulate,
		SkipIfPending: r.cfg.SkipIfPending,
	}, r.log, r.logf, r.metrics)
	return nil
}

// Run executes the script key for every account. cycles <= 0 uses CYCLES.
func (r *Runner) Run(ctx context.Context, key string, cycles int) (*orchestrator.Summary, error) {
	script, ok := r.catalog.Lookup(key)
	if !ok {
		return nil, chainerr.Configf("unknown script %q", key)
	}
	plan, err := script.Plan()
	if err != nil {
		return nil, err
	}
	if err := r.Connect(ctx); err != nil {
		return nil, err
	}
	if cycles <= 0 {
		cycles = r.cfg.Cycles
	}
	r.logf("=== %s ===", plan.Title)
	o := orchestrator.New(r.exec, orchestrator.Options{
		Cycles:      cycles,
		DelayMin:    r.cfg.DelayMin,
		DelayMax:    r.cfg.DelayMax,
		Concurrency: r.cfg.Concurrency,
		Shuffle:     r.cfg.ShuffleAccounts,
		Logf:        r.logf,
		Status:      r.sink.Status,
		Metrics:     r.metrics,
	}, r.log)
	sum, err := o.Run(ctx, r.accounts, plan)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logf("[error] %s stopped: %s", plan.Name, chainerr.Reason(err))
	}
	return sum, err
}

func (r *Runner) Close() {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()
	if r.seq != nil {
		r.seq.Close()
	}
	r.pool.Close()
}
