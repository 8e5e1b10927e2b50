package runner

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/config"
	"github.com/ligun0805/testnet-runner/internal/metrics"
	"github.com/ligun0805/testnet-runner/internal/ui"
)

const key0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	zeroHash  = "0x" + strings.Repeat("0", 64)
	zeroBloom = "0x" + strings.Repeat("0", 512)
)

// chainSim is a JSON-RPC node that mines every accepted transaction at once.
type chainSim struct {
	srv *httptest.Server

	mu       sync.Mutex
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	receipts map[common.Hash]map[string]any
}

func newChainSim(t *testing.T) *chainSim {
	t.Helper()
	c := &chainSim{nonces: map[common.Address]uint64{}, receipts: map[common.Hash]map[string]any{}}
	c.srv = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *chainSim) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	str := func(i int) string {
		var s string
		if i < len(req.Params) {
			_ = json.Unmarshal(req.Params[i], &s)
		}
		return s
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	result := func(v any) { resp["result"] = v }
	fail := func(msg string) { resp["error"] = map[string]any{"code": -32000, "message": msg} }

	c.mu.Lock()
	switch req.Method {
	case "eth_chainId":
		result("0x279f")
	case "eth_blockNumber":
		result("0x10")
	case "eth_getBalance":
		result("0x8ac7230489e80000")
	case "eth_getTransactionCount":
		result(hexUint(c.nonces[common.HexToAddress(str(0))]))
	case "eth_getBlockByNumber":
		result(map[string]any{
			"parentHash": zeroHash, "sha3Uncles": zeroHash, "miner": common.Address{}.Hex(),
			"stateRoot": zeroHash, "transactionsRoot": zeroHash, "receiptsRoot": zeroHash,
			"logsBloom": zeroBloom, "difficulty": "0x0", "number": "0x10", "gasLimit": "0x1c9c380",
			"gasUsed": "0x0", "timestamp": "0x0", "extraData": "0x", "mixHash": zeroHash,
			"nonce": "0x0000000000000000", "baseFeePerGas": "0x3b9aca00",
		})
	case "eth_maxPriorityFeePerGas":
		result("0x3b9aca00")
	case "eth_gasPrice":
		result("0x77359400")
	case "eth_estimateGas":
		result("0x5208")
	case "eth_call":
		result("0x")
	case "eth_getTransactionByHash":
		result(nil)
	case "eth_sendRawTransaction":
		var tx types.Transaction
		if err := tx.UnmarshalBinary(common.FromHex(str(0))); err != nil {
			fail(err.Error())
			break
		}
		from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(10143)), &tx)
		if err != nil {
			fail(err.Error())
			break
		}
		if tx.Nonce() != c.nonces[from] {
			fail("nonce too low")
			break
		}
		c.nonces[from]++
		c.sent = append(c.sent, &tx)
		c.receipts[tx.Hash()] = map[string]any{
			"type": "0x2", "status": "0x1", "cumulativeGasUsed": "0x5208", "gasUsed": "0x5208",
			"logsBloom": zeroBloom, "logs": []any{}, "transactionHash": tx.Hash().Hex(),
			"effectiveGasPrice": "0x77359400", "blockHash": zeroHash, "blockNumber": "0x11",
			"transactionIndex": "0x0",
		}
		result(tx.Hash().Hex())
	case "eth_getTransactionReceipt":
		if rc, ok := c.receipts[common.HexToHash(str(0))]; ok {
			result(rc)
		} else {
			result(nil)
		}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *chainSim) txs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func hexUint(n uint64) string { return "0x" + big.NewInt(0).SetUint64(n).Text(16) }

type capture struct {
	mu     sync.Mutex
	logs   []string
	status []string
}

func (c *capture) sink() ui.Sink {
	return &ui.Funcs{
		LogFunc: func(s string) {
			c.mu.Lock()
			c.logs = append(c.logs, s)
			c.mu.Unlock()
		},
		StatusFunc: func(s string) {
			c.mu.Lock()
			c.status = append(c.status, s)
			c.mu.Unlock()
		},
		PromptFunc: func(_ context.Context, _, def string) (string, error) { return def, nil },
		CloseFunc:  func() {},
	}
}

func (c *capture) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.logs, "\n")
}

func testSettings(t *testing.T, urls ...string) config.Settings {
	t.Helper()
	keyFile := filepath.Join(t.TempDir(), "pvkey.txt")
	require.NoError(t, os.WriteFile(keyFile, []byte("# wallets\n0x"+key0+"\n"), 0o600))

	cfg := config.Load()
	cfg.RPCURLs = urls
	cfg.ChainID = "10143"
	cfg.KeyFile = keyFile
	cfg.ProtocolsFile = ""
	cfg.Cycles = 1
	cfg.DelayMin, cfg.DelayMax = 0, 0
	cfg.Concurrency = 1
	cfg.RetryAttempts, cfg.RevertAttempts = 3, 2
	cfg.RetryBase, cfg.RetryMax = time.Millisecond, 5*time.Millisecond
	cfg.RetryJitter = 0
	cfg.ProbeTimeout, cfg.RPCTimeout = 2*time.Second, 5*time.Second
	cfg.RPCRPS = 0
	cfg.ReceiptTimeout, cfg.ReceiptPoll = 5*time.Second, 5*time.Millisecond
	cfg.FeeMode = "dynamic"
	cfg.TipGwei, cfg.BasefeeMul = 0, 2
	cfg.GasFallback, cfg.GasBufferPct = 300000, 20
	return cfg
}

func TestRunSendScriptEndToEnd(t *testing.T) {
	node := newChainSim(t)
	out := &capture{}
	m := metrics.New()
	r, err := New(testSettings(t, node.srv.URL), Options{Sink: out.sink(), Metrics: m})
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.Accounts(), 1)

	sum, err := r.Run(context.Background(), "sendtx", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.AccountsDone)

	txs := node.txs()
	require.Len(t, txs, 2)
	self := r.Accounts()[0].Address
	for i, tx := range txs {
		assert.Equal(t, uint64(i), tx.Nonce())
		assert.Equal(t, self, *tx.To())
		assert.Equal(t, uint64(25200), tx.Gas())
		assert.Equal(t, big.NewInt(3_000_000_000), tx.GasFeeCap())
	}

	logs := out.joined()
	assert.Contains(t, logs, "[rpc] connected to "+node.srv.URL)
	assert.Contains(t, logs, "Tx: https://testnet.monadexplorer.com/tx/"+txs[1].Hash().Hex())
	assert.Contains(t, logs, "=== ALL DONE ===")
	assert.Equal(t, "ALL DONE", out.status[len(out.status)-1])
}

func TestNetCheck(t *testing.T) {
	node := newChainSim(t)
	out := &capture{}
	r, err := New(testSettings(t, node.srv.URL), Options{Sink: out.sink()})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.NetCheck(context.Background()))
	logs := out.joined()
	assert.Contains(t, logs, "[net] chain id: 10143")
	assert.Contains(t, logs, "[net] head block: 16")
	assert.Contains(t, logs, "[net] baseFee(now): 1.00 gwei")
	assert.Contains(t, logs, "[net] maxFee at BASEFEE_MUL=2: 3.00 gwei")
	assert.Contains(t, logs, "10.000000 MON")
}

func TestNewRejectsBadSetup(t *testing.T) {
	cfg := testSettings(t, "http://127.0.0.1:1")
	cfg.Cycles = 0
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, chainerr.ErrConfiguration)

	cfg = testSettings(t, "http://127.0.0.1:1")
	cfg.KeyFile = filepath.Join(t.TempDir(), "missing.txt")
	_, err = New(cfg, Options{})
	assert.ErrorIs(t, err, chainerr.ErrConfiguration)
}

func TestRunUnknownScript(t *testing.T) {
	r, err := New(testSettings(t, "http://127.0.0.1:1"), Options{Sink: (&capture{}).sink()})
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Run(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, chainerr.ErrConfiguration)
}

func TestUnreachableEndpointsAreFatal(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	out := &capture{}
	r, err := New(testSettings(t, url), Options{Sink: out.sink()})
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Run(context.Background(), "sendtx", 1)
	assert.ErrorIs(t, err, chainerr.ErrConnectivity)
	assert.Contains(t, out.joined(), "[fail] no rpc endpoint reachable")
}
