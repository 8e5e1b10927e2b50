package sequencer

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// State is the nonce state of one account lane.
type State int

const (
	Uninitialized State = iota
	Ready
	Submitting
	Recovering
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Ready:
		return "Ready"
	case Submitting:
		return "Submitting"
	case Recovering:
		return "Recovering"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

var stateTransitions = map[State][]State{
	Uninitialized: {Ready},
	Ready:         {Submitting},
	Submitting:    {Ready, Recovering},
	Recovering:    {Submitting},
}

func (s State) CanTransitionTo(t State) bool {
	for _, allowed := range stateTransitions[s] {
		if t == allowed {
			return true
		}
	}
	return false
}

// TxStatus is the lifecycle of one pending transaction record.
type TxStatus int

const (
	Queued TxStatus = iota
	Submitted
	Confirmed
	Failed
)

func (s TxStatus) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Submitted:
		return "Submitted"
	case Confirmed:
		return "Confirmed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("TxStatus(%d)", s)
	}
}

func (s TxStatus) Terminal() bool { return s == Confirmed || s == Failed }

// TxParams is everything but the nonce. GasFeeCap set means EIP-1559,
// otherwise GasPrice is used for a legacy transaction.
type TxParams struct {
	Label     string
	To        *common.Address // nil deploys Data as init code
	Value     *big.Int
	Data      []byte
	Gas       uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	GasPrice  *big.Int
}

// PendingTx is owned by the sequencer until it reaches a terminal status.
type PendingTx struct {
	ID         string
	From       common.Address
	Nonce      uint64
	Params     TxParams
	Hash       common.Hash
	Status     TxStatus
	Recoveries int

	Tx          *types.Transaction
	CreatedAt   time.Time
	SubmittedAt time.Time
}
