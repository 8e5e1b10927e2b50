package executor

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/ligun0805/testnet-runner/internal/retry"
)

const erc20JSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EncodeApprove builds approve(spender, amount) calldata.
func EncodeApprove(spender common.Address, amount *big.Int) []byte {
	data, _ := erc20ABI.Pack("approve", spender, amount)
	return data
}

// callUint runs a view method returning a single uint256.
func (e *Executor) callUint(ctx context.Context, token common.Address, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	ret, err := retry.Value(ctx, e.retry, "eth_call:"+method, func(ctx context.Context) ([]byte, error) {
		return e.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, errors.Wrapf(err, "%s of %s", method, token.Hex())
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("%s of %s: unexpected result", method, token.Hex())
	}
	return v, nil
}

func (e *Executor) balanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return e.callUint(ctx, token, "balanceOf", owner)
}

func (e *Executor) allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return e.callUint(ctx, token, "allowance", owner, spender)
}
