package executor

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/keys"
	"github.com/ligun0805/testnet-runner/internal/retry"
	"github.com/ligun0805/testnet-runner/internal/sequencer"
)

const key0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testChainID = big.NewInt(10143)
	stakeAddr   = common.HexToAddress("0x07AabD925866E8353407E67C1D157836f7Ad923e")
	routerAddr  = common.HexToAddress("0xCa810D095e90Daae6e867c19DF6D9A8C56db2c89")
	usdcAddr    = common.HexToAddress("0xf817257fed379853cDe0fa4F97AB987181B1E5Ea")
	ether       = big.NewInt(1_000_000_000_000_000_000)
)

// fakeNode implements both Backend and sequencer.Backend.
type fakeNode struct {
	mu sync.Mutex

	balance      *big.Int
	tokenBalance *big.Int
	allowance    *big.Int
	baseFee      *big.Int
	tip          *big.Int
	gasPrice     *big.Int
	estimate     uint64
	estimateErr  error
	callErr      error
	pendingExtra uint64

	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	// outOfGas makes the first n mined transactions burn their whole limit and fail.
	outOfGas int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		balance:      new(big.Int).Mul(big.NewInt(10), ether),
		tokenBalance: new(big.Int),
		allowance:    new(big.Int),
		baseFee:      big.NewInt(50_000_000_000),
		tip:          big.NewInt(2_000_000_000),
		gasPrice:     big.NewInt(52_000_000_000),
		estimate:     100_000,
		receipts:     map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeNode) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeNode) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeNode) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce + f.pendingExtra, nil
}

func (f *fakeNode) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.Data) >= 4 {
		switch {
		case bytes.Equal(msg.Data[:4], common.FromHex("0x70a08231")):
			return common.LeftPadBytes(f.tokenBalance.Bytes(), 32), nil
		case bytes.Equal(msg.Data[:4], common.FromHex("0xdd62ed3e")):
			return common.LeftPadBytes(f.allowance.Bytes(), 32), nil
		}
	}
	return nil, f.callErr
}

func (f *fakeNode) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate, f.estimateErr
}

func (f *fakeNode) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &types.Header{Number: big.NewInt(100)}
	if f.baseFee != nil {
		h.BaseFee = new(big.Int).Set(f.baseFee)
	}
	return h, nil
}

func (f *fakeNode) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, nil }

func (f *fakeNode) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1

	from, _ := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	rcpt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas() / 2,
		BlockNumber: big.NewInt(101),
	}
	if tx.To() == nil {
		rcpt.ContractAddress = gethcrypto.CreateAddress(from, tx.Nonce())
	}
	if f.outOfGas > 0 {
		f.outOfGas--
		rcpt.Status, rcpt.GasUsed = types.ReceiptStatusFailed, tx.Gas()
	}
	if d := tx.Data(); len(d) >= 4 && bytes.Equal(d[:4], common.FromHex("0x095ea7b3")) {
		f.allowance = new(big.Int).SetBytes(d[36:68])
	}
	f.receipts[tx.Hash()] = rcpt
	return nil
}

func (f *fakeNode) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (f *fakeNode) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeNode) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

type harness struct {
	node  *fakeNode
	seq   *sequencer.Sequencer
	exec  *Executor
	acct  keys.Account
	lines []string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	node := newFakeNode()
	ctrl := retry.New(retry.Policy{MaxAttempts: 3, RevertAttempts: 2, Base: time.Millisecond, Max: 4 * time.Millisecond}, nil, retry.Options{})
	seq := sequencer.New(node, ctrl, testChainID, sequencer.Options{MaxRecoveries: 3, ReceiptPoll: 2 * time.Millisecond, ReceiptTimeout: time.Second}, nil)
	t.Cleanup(seq.Close)

	cfg := Config{
		ExplorerTxURL: "https://testnet.monadexplorer.com/tx/",
		GasFallback:   300_000,
		GasBufferPct:  20,
		GasBump:       100_000,
		BasefeeMul:    2,
		Simulate:      true,
		SkipIfPending: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	acct, err := keys.NewAccount(1, key0)
	require.NoError(t, err)

	h := &harness{node: node, seq: seq, acct: acct}
	h.exec = New(node, seq, ctrl, cfg, nil, func(format string, args ...any) {
		h.lines = append(h.lines, format)
	}, nil)
	return h
}

func amount(s string) *big.Int {
	v, _ := ParseUnits(s, 18)
	return v
}

func stakeAction() Action {
	return Action{Name: "stake", To: stakeAddr.Hex(), Method: "stake()", Value: "{amount}"}
}

func TestStakeSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.02")})

	require.NoError(t, out.Err)
	assert.Equal(t, Succeeded, out.Status)
	sent := h.node.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, amount("0.02"), tx.Value())
	assert.Equal(t, stakeAddr, *tx.To())
	assert.Equal(t, common.FromHex("0x3a4b66f1"), tx.Data())
	assert.Equal(t, uint64(120_000), tx.Gas(), "estimate padded by 20%")
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, big.NewInt(2_000_000_000), tx.GasTipCap())
	assert.Equal(t, big.NewInt(102_000_000_000), tx.GasFeeCap(), "2*baseFee + tip")
	assert.Equal(t, tx.Hash(), out.TxHash)
	assert.Equal(t, "https://testnet.monadexplorer.com/tx/"+tx.Hash().Hex(), out.Link)
}

func TestInsufficientBalanceSkipsWithoutNonce(t *testing.T) {
	h := newHarness(t, nil)
	h.node.balance = amount("0.01")

	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.02")})
	assert.Equal(t, Skipped, out.Status)
	require.ErrorIs(t, out.Err, chainerr.ErrInsufficientBalance)
	assert.Contains(t, out.Reason, "[BALANCE]")
	assert.Empty(t, h.node.sentTxs())

	_, used := h.seq.Nonce(h.acct.Address)
	assert.False(t, used, "no nonce consumed")
}

func TestReserveAddsToValue(t *testing.T) {
	h := newHarness(t, nil)
	h.node.balance = amount("0.025")
	a := stakeAction()
	a.Requires = &Requires{MinNative: "0.01"}

	out := h.exec.Execute(context.Background(), h.acct, a, Inputs{Amount: amount("0.02")})
	assert.Equal(t, Skipped, out.Status)
}

func TestTokenRequirementSkips(t *testing.T) {
	h := newHarness(t, nil)
	a := Action{
		Name:     "swap-back",
		To:       routerAddr.Hex(),
		Method:   "swapExactTokensForETH(uint256,uint256,address[],address,uint256)",
		Args:     []string{"{balance:" + usdcAddr.Hex() + "}", "0", "[" + usdcAddr.Hex() + ",{self}]", "{self}", "{deadline}"},
		Requires: &Requires{Token: usdcAddr.Hex()},
	}
	out := h.exec.Execute(context.Background(), h.acct, a, Inputs{})
	assert.Equal(t, Skipped, out.Status)
	assert.ErrorIs(t, out.Err, chainerr.ErrInsufficientBalance)
	assert.Empty(t, h.node.sentTxs())
}

func TestApprovalBeforeSwap(t *testing.T) {
	h := newHarness(t, nil)
	h.node.tokenBalance = big.NewInt(5_000_000)
	a := Action{
		Name:     "swap-back",
		To:       routerAddr.Hex(),
		Method:   "swapExactTokensForETH(uint256,uint256,address[],address,uint256)",
		Args:     []string{"{balance:" + usdcAddr.Hex() + "}", "0", "[" + usdcAddr.Hex() + ",{self}]", "{self}", "{deadline}"},
		Requires: &Requires{Token: usdcAddr.Hex()},
		Approve:  &Approve{Token: usdcAddr.Hex(), Spender: routerAddr.Hex(), Amount: "{balance:" + usdcAddr.Hex() + "}"},
	}
	now := time.Unix(1_700_000_000, 0)
	out := h.exec.Execute(context.Background(), h.acct, a, Inputs{Now: now})
	require.NoError(t, out.Err)

	sent := h.node.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, usdcAddr, *sent[0].To())
	assert.Equal(t, EncodeApprove(routerAddr, big.NewInt(5_000_000)), sent[0].Data())
	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, uint64(1), sent[1].Nonce())

	data := sent[1].Data()
	assert.Equal(t, common.FromHex("0x18cbafe5"), data[:4])
	assert.Equal(t, big.NewInt(5_000_000), new(big.Int).SetBytes(data[4:36]))
	assert.Equal(t, big.NewInt(now.Add(20*time.Minute).Unix()), new(big.Int).SetBytes(data[4+4*32:4+5*32]))

	// Allowance now covers the balance, no second approval.
	out = h.exec.Execute(context.Background(), h.acct, a, Inputs{Now: now})
	require.NoError(t, out.Err)
	assert.Len(t, h.node.sentTxs(), 3)
}

func TestEstimateFailureFallsBack(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Simulate = false })
	h.node.estimateErr = errors.New("execution reverted")

	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	require.NoError(t, out.Err)
	assert.Equal(t, uint64(300_000), h.node.sentTxs()[0].Gas())

	a := stakeAction()
	a.FallbackGas = 250_000
	out = h.exec.Execute(context.Background(), h.acct, a, Inputs{Amount: amount("0.01")})
	require.NoError(t, out.Err)
	assert.Equal(t, uint64(250_000), h.node.sentTxs()[1].Gas())
}

func TestSimulationRevertFailsWithoutSending(t *testing.T) {
	h := newHarness(t, nil)
	h.node.callErr = errors.New("execution reverted: NOT_STAKED")

	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	assert.Equal(t, Failed, out.Status)
	require.ErrorIs(t, out.Err, chainerr.ErrReverted)
	assert.Equal(t, "[REVERT] NOT_STAKED", out.Reason)
	assert.False(t, chainerr.Fatal(out.Err))
	assert.Empty(t, h.node.sentTxs())

	off := false
	a := stakeAction()
	a.Simulate = &off
	out = h.exec.Execute(context.Background(), h.acct, a, Inputs{Amount: amount("0.01")})
	require.NoError(t, out.Err)
	assert.Len(t, h.node.sentTxs(), 1)
}

func TestLegacyFees(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FeeMode = "legacy" })
	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	require.NoError(t, out.Err)
	tx := h.node.sentTxs()[0]
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, big.NewInt(52_000_000_000), tx.GasPrice())
}

func TestNoBaseFeeFallsBackToLegacy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TipGwei = 1 })
	h.node.baseFee = nil
	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	require.NoError(t, out.Err)
	assert.Equal(t, big.NewInt(53_000_000_000), h.node.sentTxs()[0].GasPrice())
}

func TestPendingCollisionSkips(t *testing.T) {
	h := newHarness(t, nil)
	h.node.pendingExtra = 1
	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	assert.Equal(t, Skipped, out.Status)
	assert.Empty(t, h.node.sentTxs())

	h2 := newHarness(t, func(c *Config) { c.SkipIfPending = false })
	h2.node.pendingExtra = 1
	out = h2.exec.Execute(context.Background(), h2.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	require.NoError(t, out.Err)
}

func TestDeployRecordsContract(t *testing.T) {
	h := newHarness(t, nil)
	a := Action{Name: "deploy", Deploy: true, Bytecode: "0x6001600c60003960016000f300"}
	out := h.exec.Execute(context.Background(), h.acct, a, Inputs{})
	require.NoError(t, out.Err)
	tx := h.node.sentTxs()[0]
	assert.Nil(t, tx.To())
	assert.Equal(t, gethcrypto.CreateAddress(h.acct.Address, 0), out.Contract)
}

func TestOutOfGasRetriedOnceWithBump(t *testing.T) {
	h := newHarness(t, nil)
	h.node.outOfGas = 1
	out := h.exec.Execute(context.Background(), h.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	require.NoError(t, out.Err)
	sent := h.node.sentTxs()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Gas()+100_000, sent[1].Gas())
	assert.Equal(t, uint64(1), sent[1].Nonce())

	h2 := newHarness(t, nil)
	h2.node.outOfGas = 2
	out = h2.exec.Execute(context.Background(), h2.acct, stakeAction(), Inputs{Amount: amount("0.01")})
	require.ErrorIs(t, out.Err, chainerr.ErrReverted)
	assert.Len(t, h2.node.sentTxs(), 2)
	assert.NotEmpty(t, out.Link)
}

func TestBadDescriptorIsConfigurationError(t *testing.T) {
	h := newHarness(t, nil)
	out := h.exec.Execute(context.Background(), h.acct, Action{Name: "broken", To: "not-an-address"}, Inputs{})
	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, chainerr.ErrConfiguration)
	assert.True(t, chainerr.Fatal(out.Err))
}

func TestSelfTransfer(t *testing.T) {
	h := newHarness(t, nil)
	out := h.exec.Execute(context.Background(), h.acct, Action{Name: "send", To: "{self}", Value: "{amount}"}, Inputs{Amount: amount("0.001")})
	require.NoError(t, out.Err)
	tx := h.node.sentTxs()[0]
	assert.Equal(t, h.acct.Address, *tx.To())
	assert.Empty(t, tx.Data())
}
