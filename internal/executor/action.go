package executor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Action describes one on-chain step declaratively.
//
// Args and amounts accept placeholders:
//
//	{amount}          the cycle amount in base units
//	{self}            the account address
//	{deadline}        now + the configured deadline window, unix seconds
//	{balance:<addr>}  the account's ERC-20 balance of token <addr>
//
// Integer literals in Args are base units. Value and Requires.MinNative
// literals are decimal amounts of the native coin ("0.01").
type Action struct {
	Name string `toml:"name"`

	To       string `toml:"to"` // address or {self}
	Deploy   bool   `toml:"deploy"`
	Bytecode string `toml:"bytecode"`

	Method   string   `toml:"method"`    // solidity signature, e.g. "withdraw(uint256)"
	Selector string   `toml:"selector"`  // raw 4-byte selector, used with ArgTypes
	ArgTypes []string `toml:"arg_types"` // types for Selector or constructor args
	Args     []string `toml:"args"`

	Value string `toml:"value"`

	Requires *Requires `toml:"requires"`
	Approve  *Approve  `toml:"approve"`

	FallbackGas uint64 `toml:"fallback_gas"`
	Simulate    *bool  `toml:"simulate"` // nil follows the global setting
}

// Requires lists balances the account must hold before anything is sent.
type Requires struct {
	MinNative string `toml:"min_native"` // reserve on top of Value
	Token     string `toml:"token"`
	MinToken  string `toml:"min_token"` // base units or placeholder; empty means > 0
}

// Approve makes sure Spender may move Amount of Token before the action.
type Approve struct {
	Token   string `toml:"token"`
	Spender string `toml:"spender"`
	Amount  string `toml:"amount"`
}

// Inputs carries the per-cycle values placeholders resolve to.
type Inputs struct {
	Amount *big.Int
	Cycle  int
	Now    time.Time
}

type Status int

const (
	Succeeded Status = iota
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Execute call. Err is nil only on success.
type Outcome struct {
	Action   string
	Status   Status
	TxHash   common.Hash
	Link     string
	Contract common.Address
	GasUsed  uint64
	Reason   string
	Err      error
}
