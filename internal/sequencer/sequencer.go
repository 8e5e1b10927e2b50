// Package sequencer assigns nonces and submits transactions, one FIFO lane
// per account. A lane reads the pending nonce once, then tracks it locally:
// acceptance moves it forward by one, a nonce conflict bumps it and retries
// the same logical transaction (bounded), any other failure leaves it alone
// so no gap is created.
package sequencer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/keys"
	"github.com/ligun0805/testnet-runner/internal/metrics"
	"github.com/ligun0805/testnet-runner/internal/retry"
)

// Backend is the slice of the JSON-RPC client the sequencer needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type Options struct {
	MaxRecoveries  int
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	QueueSize      int
	Metrics        *metrics.Metrics
}

// RecoveryError reports a nonce conflict that survived every local bump.
type RecoveryError struct {
	Wallet     string
	Nonce      uint64
	Recoveries int
	Err        error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("nonce recovery for %s gave up after %d bumps at nonce %d: %v", e.Wallet, e.Recoveries, e.Nonce, e.Err)
}

func (e *RecoveryError) Unwrap() []error { return []error{chainerr.ErrNonceConflict, e.Err} }

var ErrClosed = errors.New("sequencer closed")

type request struct {
	ctx    context.Context
	params TxParams
	reply  chan result
}

type result struct {
	ptx *PendingTx
	err error
}

type lane struct {
	acct keys.Account
	reqs chan *request

	mu       sync.Mutex
	state    State
	nonce    uint64
	inFlight int
}

type Sequencer struct {
	backend Backend
	retry   *retry.Controller
	chainID *big.Int
	opts    Options
	log     *zap.Logger

	mu      sync.Mutex
	lanes   map[common.Address]*lane
	pending map[string]*PendingTx
	closed  bool

	stop chan struct{}
	done sync.WaitGroup
}

func New(backend Backend, ctrl *retry.Controller, chainID *big.Int, opts Options, log *zap.Logger) *Sequencer {
	if opts.MaxRecoveries < 0 {
		opts.MaxRecoveries = 0
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	if chainID == nil {
		chainID = new(big.Int)
	}
	return &Sequencer{
		backend: backend,
		retry:   ctrl,
		chainID: new(big.Int).Set(chainID),
		opts:    opts,
		log:     log.Named("sequencer"),
		lanes:   make(map[common.Address]*lane),
		pending: make(map[string]*PendingTx),
		stop:    make(chan struct{}),
	}
}

func (s *Sequencer) laneFor(acct keys.Account) (*lane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	l, ok := s.lanes[acct.Address]
	if !ok {
		l = &lane{acct: acct, reqs: make(chan *request, s.opts.QueueSize)}
		s.lanes[acct.Address] = l
		s.done.Add(1)
		go s.runLane(l)
	}
	return l, nil
}

// Submit queues params on the account's lane and waits until the node
// accepted the transaction (not until it is mined).
func (s *Sequencer) Submit(ctx context.Context, acct keys.Account, params TxParams) (*PendingTx, error) {
	l, err := s.laneFor(acct)
	if err != nil {
		return nil, err
	}
	req := &request{ctx: ctx, params: params, reply: make(chan result, 1)}

	l.mu.Lock()
	l.inFlight++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()

	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stop:
		return nil, ErrClosed
	}
	select {
	case r := <-req.reply:
		return r.ptx, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stop:
		return nil, ErrClosed
	}
}

func (s *Sequencer) runLane(l *lane) {
	defer s.done.Done()
	for {
		select {
		case <-s.stop:
			return
		case req := <-l.reqs:
			ptx, err := s.process(req.ctx, l, req.params)
			req.reply <- result{ptx: ptx, err: err}
		}
	}
}

func (s *Sequencer) transition(l *lane, to State) {
	l.mu.Lock()
	from := l.state
	ok := from.CanTransitionTo(to)
	if ok {
		l.state = to
	}
	l.mu.Unlock()
	if !ok {
		s.log.DPanic("illegal lane transition",
			zap.String("wallet", l.acct.Short()), zap.Stringer("from", from), zap.Stringer("to", to))
	}
}

func (s *Sequencer) laneNonce(l *lane) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce
}

func (s *Sequencer) setNonce(l *lane, n uint64) {
	l.mu.Lock()
	l.nonce = n
	l.mu.Unlock()
}

func (s *Sequencer) process(ctx context.Context, l *lane, params TxParams) (*PendingTx, error) {
	ptx := &PendingTx{
		ID:        uuid.NewString(),
		From:      l.acct.Address,
		Params:    params,
		Status:    Queued,
		CreatedAt: time.Now(),
	}
	s.track(ptx)
	log := s.log.With(zap.String("tx", ptx.ID), zap.String("wallet", l.acct.Short()), zap.String("label", params.Label))

	l.mu.Lock()
	fresh := l.state == Uninitialized
	l.mu.Unlock()
	if fresh {
		n, err := retry.Value(ctx, s.retry, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
			return s.backend.PendingNonceAt(ctx, l.acct.Address)
		})
		if err != nil {
			s.finish(ptx, Failed)
			return nil, errors.WithMessage(err, "read pending nonce")
		}
		s.setNonce(l, n)
		s.transition(l, Ready)
		log.Debug("lane ready", zap.Uint64("nonce", n))
	}

	for {
		s.transition(l, Submitting)
		ptx.Nonce = s.laneNonce(l)

		unsigned, err := buildTx(s.chainID, ptx.Nonce, params)
		if err == nil {
			ptx.Tx, err = signTx(unsigned, s.chainID, l.acct.Key)
		}
		if err != nil {
			s.transition(l, Ready)
			s.finish(ptx, Failed)
			return nil, errors.Wrap(err, "sign transaction")
		}

		err = s.retry.Do(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
			return s.backend.SendTransaction(ctx, ptx.Tx)
		})
		if err == nil || s.knownByNode(ctx, ptx.Tx, err) {
			ptx.Hash = ptx.Tx.Hash()
			ptx.SubmittedAt = time.Now()
			s.setStatus(ptx, Submitted)
			s.setNonce(l, ptx.Nonce+1)
			s.transition(l, Ready)
			s.opts.Metrics.ObserveSubmitted(l.acct.Address.Hex())
			log.Info("submitted", zap.Uint64("nonce", ptx.Nonce), zap.Stringer("hash", ptx.Hash))
			return ptx, nil
		}

		if chainerr.Is(err, chainerr.NonceConflict) && ptx.Recoveries < s.opts.MaxRecoveries {
			s.transition(l, Recovering)
			ptx.Recoveries++
			s.setNonce(l, ptx.Nonce+1)
			s.opts.Metrics.ObserveNonceRecovery(l.acct.Address.Hex())
			log.Warn("nonce conflict, bumping local nonce",
				zap.Uint64("nonce", ptx.Nonce), zap.Int("recovery", ptx.Recoveries), zap.String("reason", chainerr.Reason(err)))
			continue
		}

		s.transition(l, Ready)
		s.finish(ptx, Failed)
		log.Warn("submit failed", zap.Uint64("nonce", ptx.Nonce), zap.String("reason", chainerr.Reason(err)))
		if chainerr.Is(err, chainerr.NonceConflict) {
			return nil, &RecoveryError{Wallet: l.acct.Short(), Nonce: ptx.Nonce, Recoveries: ptx.Recoveries, Err: err}
		}
		return nil, err
	}
}

// knownByNode treats "already known" as acceptance when the node really
// holds this exact signed transaction.
func (s *Sequencer) knownByNode(ctx context.Context, tx *types.Transaction, err error) bool {
	if !chainerr.IsAlreadyKnown(err) {
		return false
	}
	got, _, lerr := s.backend.TransactionByHash(ctx, tx.Hash())
	return lerr == nil && got != nil && got.Hash() == tx.Hash()
}

// Confirm polls for the receipt of ptx. A receipt with failed status is
// returned together with an ErrReverted error.
func (s *Sequencer) Confirm(ctx context.Context, ptx *PendingTx) (*types.Receipt, error) {
	if ptx == nil || ptx.Status != Submitted {
		return nil, errors.New("confirm: transaction not submitted")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReceiptTimeout)
	defer cancel()
	tick := time.NewTicker(s.opts.ReceiptPoll)
	defer tick.Stop()

	for {
		rcpt, err := s.backend.TransactionReceipt(ctx, ptx.Hash)
		switch {
		case err == nil && rcpt != nil:
			if rcpt.Status == types.ReceiptStatusSuccessful {
				s.finish(ptx, Confirmed)
				return rcpt, nil
			}
			s.finish(ptx, Failed)
			return rcpt, chainerr.Mark(errors.Errorf("tx %s reverted in block %s (gas used %d of %d)",
				ptx.Hash.Hex(), rcpt.BlockNumber, rcpt.GasUsed, ptx.Params.Gas), chainerr.Reverted)
		case err != nil && !errors.Is(err, ethereum.NotFound):
			s.log.Debug("receipt poll failed", zap.String("tx", ptx.ID), zap.String("reason", chainerr.Reason(err)))
		}
		select {
		case <-ctx.Done():
			s.finish(ptx, Failed)
			return nil, errors.Wrapf(ctx.Err(), "no receipt for %s", ptx.Hash.Hex())
		case <-tick.C:
		}
	}
}

func (s *Sequencer) track(ptx *PendingTx) {
	s.mu.Lock()
	s.pending[ptx.ID] = ptx
	s.mu.Unlock()
}

func (s *Sequencer) setStatus(ptx *PendingTx, st TxStatus) {
	s.mu.Lock()
	ptx.Status = st
	s.mu.Unlock()
}

// finish sets a terminal status and forgets the record.
func (s *Sequencer) finish(ptx *PendingTx, st TxStatus) {
	s.mu.Lock()
	ptx.Status = st
	delete(s.pending, ptx.ID)
	s.mu.Unlock()
}

// InFlight counts the transactions of addr that are queued, being sent or
// submitted and not yet confirmed.
func (s *Sequencer) InFlight(addr common.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if p.From == addr && p.Status == Submitted {
			n++
		}
	}
	if l, ok := s.lanes[addr]; ok {
		l.mu.Lock()
		n += l.inFlight
		l.mu.Unlock()
	}
	return n
}

// Nonce returns the next local nonce of addr once its lane is initialized.
func (s *Sequencer) Nonce(addr common.Address) (uint64, bool) {
	s.mu.Lock()
	l, ok := s.lanes[addr]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce, l.state != Uninitialized
}

// State returns the lane state of addr.
func (s *Sequencer) State(addr common.Address) State {
	s.mu.Lock()
	l, ok := s.lanes[addr]
	s.mu.Unlock()
	if !ok {
		return Uninitialized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close stops every lane and waits for them.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	s.done.Wait()
}
