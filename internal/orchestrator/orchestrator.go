// Package orchestrator runs a Plan for every account and cycle, paces the
// work with random delays and tallies the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/executor"
	"github.com/ligun0805/testnet-runner/internal/keys"
	"github.com/ligun0805/testnet-runner/internal/metrics"
)

// Executor is implemented by *executor.Executor.
type Executor interface {
	Execute(ctx context.Context, acct keys.Account, a executor.Action, in executor.Inputs) executor.Outcome
}

type Options struct {
	Cycles      int
	DelayMin    time.Duration
	DelayMax    time.Duration
	Concurrency int
	Shuffle     bool

	Rand  *rand.Rand
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	Logf    func(format string, args ...any)
	Status  func(string)
	Metrics *metrics.Metrics
}

type Orchestrator struct {
	exec Executor
	opts Options
	log  *zap.Logger

	rngMu sync.Mutex
}

func New(exec Executor, opts Options, log *zap.Logger) *Orchestrator {
	if opts.Cycles < 1 {
		opts.Cycles = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	if opts.Status == nil {
		opts.Status = func(string) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{exec: exec, opts: opts, log: log.Named("orchestrator")}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) delay() time.Duration {
	span := o.opts.DelayMax - o.opts.DelayMin
	if span <= 0 {
		return o.opts.DelayMin
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.opts.DelayMin + time.Duration(o.opts.Rand.Int63n(int64(span)+1))
}

func (o *Orchestrator) amount(r AmountRange) *big.Int {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return r.Sample(o.opts.Rand)
}

// wait sleeps a random delay; false means the run was cancelled meanwhile.
func (o *Orchestrator) wait(ctx context.Context, what string) bool {
	d := o.delay()
	if d <= 0 {
		return ctx.Err() == nil
	}
	msg := fmt.Sprintf("Waiting %.1f minutes before %s...", d.Minutes(), what)
	o.opts.Logf("[wait] %s", msg)
	o.opts.Status(msg)
	return o.opts.Sleep(ctx, d) == nil
}

// Run executes plan for every account and cycle. Failures are contained per
// cycle; only fatal classes (connectivity, configuration) abort the run.
// The summary is filled in whatever way the run ends. The returned error is
// the fatal error or the context error when the run was cut short.
func (o *Orchestrator) Run(ctx context.Context, accounts []keys.Account, plan Plan) (*Summary, error) {
	sum := newSummary(plan.Name, len(accounts), o.opts.Cycles, o.opts.Now())
	if len(accounts) == 0 {
		return sum.finish(o.opts.Now()), chainerr.Configf("no accounts to run")
	}
	if len(plan.Actions) == 0 {
		return sum.finish(o.opts.Now()), chainerr.Configf("plan %q has no actions", plan.Name)
	}

	order := append([]keys.Account(nil), accounts...)
	if o.opts.Shuffle {
		o.rngMu.Lock()
		keys.Shuffle(order, o.opts.Rand)
		o.rngMu.Unlock()
	}

	log := o.log.With(zap.String("run", sum.RunID), zap.String("plan", plan.Name))
	log.Info("run started", zap.Int("accounts", len(order)), zap.Int("cycles", o.opts.Cycles))
	o.opts.Logf("[run] %s: %d account(s) x %d cycle(s)", plan.Name, len(order), o.opts.Cycles)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, acct := range order {
		if gctx.Err() != nil {
			break
		}
		i, acct := i, acct
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			o.opts.Status(fmt.Sprintf("ACCOUNT %d/%d | %s", i+1, len(order), acct.Short()))
			o.opts.Logf("[account] %d/%d %s", i+1, len(order), acct.Address.Hex())
			if err := o.account(gctx, acct, plan, sum); err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			sum.accountDone()
			if i < len(order)-1 {
				o.wait(gctx, "next account")
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	sum.finish(o.opts.Now())
	sum.Err = err

	fields := []zap.Field{
		zap.Int("attempted", sum.Attempted), zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed), zap.Int("skipped", sum.Skipped), zap.Duration("elapsed", sum.Elapsed),
	}
	if err != nil {
		log.Warn("run ended early", append(fields, zap.Error(err))...)
	} else {
		log.Info("run finished", fields...)
	}
	o.opts.Status("ALL DONE")
	for _, line := range sum.Lines() {
		o.opts.Logf("%s", line)
	}
	return sum, err
}

func (o *Orchestrator) account(ctx context.Context, acct keys.Account, plan Plan, sum *Summary) error {
	for c := 1; c <= o.opts.Cycles; c++ {
		if ctx.Err() != nil {
			return nil
		}
		res, err := o.cycle(ctx, acct, plan, c)
		sum.cycleDone(res)
		o.opts.Metrics.ObserveCycle(plan.Name, res.String())
		if err != nil {
			return err
		}
		if c < o.opts.Cycles && !o.wait(ctx, "next cycle") {
			return nil
		}
	}
	return nil
}

// cycle runs the plan's actions in order. The first failed or skipped action
// ends the cycle.
func (o *Orchestrator) cycle(ctx context.Context, acct keys.Account, plan Plan, n int) (executor.Status, error) {
	in := executor.Inputs{Amount: o.amount(plan.Amount), Cycle: n, Now: o.opts.Now()}
	// Submitted transactions are not retracted on cancel.
	actx := context.WithoutCancel(ctx)

	for i, a := range plan.Actions {
		if i > 0 && plan.ActionDelay && !o.wait(ctx, a.Name) {
			return executor.Skipped, nil
		}
		o.opts.Logf("[cycle] Cycle %d | %s | %s", n, a.Name, acct.Short())
		in.Now = o.opts.Now()
		out := o.exec.Execute(actx, acct, a, in)
		if out.Status == executor.Succeeded {
			continue
		}
		if out.Err != nil && chainerr.Fatal(out.Err) {
			o.log.Error("fatal error, aborting run",
				zap.String("wallet", acct.Address.Hex()), zap.String("action", a.Name), zap.Error(out.Err))
			return executor.Failed, out.Err
		}
		o.log.Debug("cycle ended early", zap.Int("cycle", n), zap.String("action", a.Name),
			zap.Stringer("status", out.Status), zap.String("reason", out.Reason))
		return out.Status, nil
	}
	return executor.Succeeded, nil
}

// Summary is the tally of one run.
type Summary struct {
	RunID    string
	Plan     string
	Accounts int
	Cycles   int

	AccountsDone int
	Attempted    int
	Succeeded    int
	Failed       int
	Skipped      int

	Started time.Time
	Elapsed time.Duration
	Err     error

	mu sync.Mutex
}

func newSummary(plan string, accounts, cycles int, now time.Time) *Summary {
	return &Summary{RunID: uuid.NewString(), Plan: plan, Accounts: accounts, Cycles: cycles, Started: now}
}

func (s *Summary) cycleDone(st executor.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attempted++
	switch st {
	case executor.Succeeded:
		s.Succeeded++
	case executor.Skipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

func (s *Summary) accountDone() {
	s.mu.Lock()
	s.AccountsDone++
	s.mu.Unlock()
}

func (s *Summary) finish(now time.Time) *Summary {
	s.mu.Lock()
	s.Elapsed = now.Sub(s.Started)
	s.mu.Unlock()
	return s
}

// Lines renders the final report.
func (s *Summary) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := []string{
		"=== ALL DONE ===",
		fmt.Sprintf("Script:    %s", s.Plan),
		fmt.Sprintf("Accounts:  %d/%d", s.AccountsDone, s.Accounts),
		fmt.Sprintf("Cycles:    %d/%d succeeded (failed %d, skipped %d)", s.Succeeded, s.Attempted, s.Failed, s.Skipped),
		fmt.Sprintf("Elapsed:   %s", s.Elapsed.Round(time.Second)),
	}
	if s.Err != nil {
		lines = append(lines, fmt.Sprintf("Stopped:   %s", chainerr.Reason(s.Err)))
	}
	return lines
}
