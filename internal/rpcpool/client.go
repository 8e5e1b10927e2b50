package rpcpool

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
)

// The methods below forward to whichever client is active at call time, so
// a failover between two retries is picked up by the next attempt.

var errNotConnected = chainerr.Mark(errors.New("rpc pool not connected"), chainerr.Connectivity)

func (p *Pool) active() (*ethclient.Client, error) {
	if ec := p.Client(); ec != nil {
		return ec, nil
	}
	return nil, errNotConnected
}

func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	ec, err := p.active()
	if err != nil {
		return 0, err
	}
	return ec.BlockNumber(ctx)
}

func (p *Pool) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ec, err := p.active()
	if err != nil {
		return nil, err
	}
	return ec.HeaderByNumber(ctx, number)
}

func (p *Pool) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	ec, err := p.active()
	if err != nil {
		return nil, err
	}
	return ec.BalanceAt(ctx, account, block)
}

func (p *Pool) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	ec, err := p.active()
	if err != nil {
		return 0, err
	}
	return ec.NonceAt(ctx, account, block)
}

func (p *Pool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ec, err := p.active()
	if err != nil {
		return 0, err
	}
	return ec.PendingNonceAt(ctx, account)
}

func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	ec, err := p.active()
	if err != nil {
		return nil, err
	}
	return ec.CallContract(ctx, msg, block)
}

func (p *Pool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ec, err := p.active()
	if err != nil {
		return 0, err
	}
	return ec.EstimateGas(ctx, msg)
}

func (p *Pool) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ec, err := p.active()
	if err != nil {
		return nil, err
	}
	return ec.SuggestGasTipCap(ctx)
}

func (p *Pool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ec, err := p.active()
	if err != nil {
		return nil, err
	}
	return ec.SuggestGasPrice(ctx)
}

func (p *Pool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ec, err := p.active()
	if err != nil {
		return err
	}
	return ec.SendTransaction(ctx, tx)
}

func (p *Pool) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ec, err := p.active()
	if err != nil {
		return nil, false, err
	}
	return ec.TransactionByHash(ctx, hash)
}

func (p *Pool) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ec, err := p.active()
	if err != nil {
		return nil, err
	}
	return ec.TransactionReceipt(ctx, hash)
}
