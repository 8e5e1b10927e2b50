// Package rpcpool keeps one healthy JSON-RPC endpoint out of an ordered list.
//
// Connect probes the endpoints in order with eth_blockNumber and uses the
// first that answers. Later, after ReprobeAfter consecutive transient
// failures reported by callers, the list is probed again starting right
// after the active endpoint. ReprobeAfter 0 keeps the first endpoint for
// the whole run. When every endpoint fails the pool returns an
// error carrying chainerr.ErrConnectivity.
package rpcpool

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/metrics"
)

type Options struct {
	URLs []string
	// ChainID, when set, must match what an endpoint reports.
	ChainID      *big.Int
	CallTimeout  time.Duration
	ProbeTimeout time.Duration
	ReprobeAfter int
	// RPS <= 0 disables client-side throttling.
	RPS   float64
	Burst int

	Dial    DialFunc
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type Pool struct {
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	probeMu sync.Mutex // serializes Connect and failover

	mu       sync.RWMutex
	client   *ethclient.Client
	idx      int
	failures int
	chainID  *big.Int
}

func New(opts Options) (*Pool, error) {
	if len(opts.URLs) == 0 {
		return nil, chainerr.Configf("no rpc endpoints configured")
	}
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 8 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	limit, burst := rate.Inf, opts.Burst
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &Pool{
		opts:    opts,
		log:     opts.Log.Named("rpc"),
		limiter: rate.NewLimiter(limit, burst),
		idx:     -1,
		chainID: opts.ChainID,
	}, nil
}

// Connect probes the list from the first endpoint.
func (p *Pool) Connect(ctx context.Context) error {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()
	return p.probeFrom(ctx, 0)
}

// probeFrom walks every endpoint once, starting at start and wrapping around.
// Caller holds probeMu.
func (p *Pool) probeFrom(ctx context.Context, start int) error {
	n := len(p.opts.URLs)
	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := (start + i) % n
		url := p.opts.URLs[idx]
		ec, err := p.probe(ctx, url)
		if err != nil {
			p.log.Warn("endpoint probe failed", zap.String("url", url), zap.String("reason", chainerr.Reason(err)))
			lastErr = err
			continue
		}
		p.activate(idx, ec)
		return nil
	}
	return chainerr.Mark(errors.Wrapf(lastErr, "all %d rpc endpoints failed", n), chainerr.Connectivity)
}

func (p *Pool) probe(ctx context.Context, url string) (*ethclient.Client, error) {
	ec, err := p.opts.Dial(ctx, url, p.opts.CallTimeout)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()
	head, err := ec.BlockNumber(pctx)
	if err != nil {
		ec.Close()
		return nil, errors.Wrap(err, "eth_blockNumber")
	}
	if p.opts.ChainID != nil {
		got, err := ec.ChainID(pctx)
		if err != nil {
			ec.Close()
			return nil, errors.Wrap(err, "eth_chainId")
		}
		if got.Cmp(p.opts.ChainID) != 0 {
			ec.Close()
			return nil, errors.Errorf("chain id %s, want %s", got, p.opts.ChainID)
		}
	}
	p.log.Debug("endpoint healthy", zap.String("url", url), zap.Uint64("head", head))
	return ec, nil
}

func (p *Pool) activate(idx int, ec *ethclient.Client) {
	p.mu.Lock()
	prev, prevIdx := p.client, p.idx
	p.client, p.idx, p.failures = ec, idx, 0
	p.mu.Unlock()

	url := p.opts.URLs[idx]
	if prev != nil {
		prev.Close()
	}
	if prevIdx >= 0 && prevIdx != idx {
		p.log.Warn("switched rpc endpoint", zap.String("from", p.opts.URLs[prevIdx]), zap.String("to", url))
		p.opts.Metrics.ObserveFailover(p.opts.URLs[prevIdx], url)
		return
	}
	p.log.Info("connected", zap.String("url", url))
	p.opts.Metrics.SetActive(url, true)
}

// Client returns the active client, nil before Connect succeeded.
func (p *Pool) Client() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// URL returns the active endpoint, "" before Connect succeeded.
func (p *Pool) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.idx < 0 {
		return ""
	}
	return p.opts.URLs[p.idx]
}

// Wait blocks until the client-side rate limiter admits one call.
func (p *Pool) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// ReportSuccess resets the consecutive failure count.
func (p *Pool) ReportSuccess() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

// ReportFailure counts a transient failure of the active endpoint and fails
// over once the threshold is reached. The returned error is non-nil only
// when no endpoint is reachable anymore.
func (p *Pool) ReportFailure(ctx context.Context, cause error) error {
	if p.opts.ReprobeAfter <= 0 {
		return nil
	}
	p.mu.Lock()
	p.failures++
	due := p.failures >= p.opts.ReprobeAfter
	idx := p.idx
	p.mu.Unlock()
	if !due {
		return nil
	}

	p.probeMu.Lock()
	defer p.probeMu.Unlock()
	p.mu.RLock()
	settled := p.idx != idx || p.failures < p.opts.ReprobeAfter
	p.mu.RUnlock()
	if settled {
		// Another caller already re-probed.
		return nil
	}
	p.log.Warn("active endpoint keeps failing, re-probing",
		zap.String("url", p.opts.URLs[max(idx, 0)]),
		zap.String("reason", chainerr.Reason(cause)))
	return p.probeFrom(ctx, idx+1)
}

// ChainID returns the configured chain id or asks the active endpoint once.
func (p *Pool) ChainID(ctx context.Context) (*big.Int, error) {
	p.mu.RLock()
	id, ec := p.chainID, p.client
	p.mu.RUnlock()
	if id != nil {
		return new(big.Int).Set(id), nil
	}
	if ec == nil {
		return nil, errNotConnected
	}
	got, err := ec.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "eth_chainId")
	}
	p.mu.Lock()
	p.chainID = got
	p.mu.Unlock()
	return new(big.Int).Set(got), nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}
