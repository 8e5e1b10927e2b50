package sequencer

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// buildTx turns params into an unsigned transaction at nonce.
func buildTx(chain *big.Int, nonce uint64, p TxParams) (*types.Transaction, error) {
	if p.GasFeeCap != nil {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chain,
			Nonce:     nonce,
			Gas:       p.Gas,
			GasTipCap: cloneBig(p.GasTipCap),
			GasFeeCap: cloneBig(p.GasFeeCap),
			To:        p.To,
			Value:     cloneBig(p.Value),
			Data:      p.Data,
		}), nil
	}
	if p.GasPrice == nil {
		return nil, errors.New("no fee parameters")
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: cloneBig(p.GasPrice),
		Gas:      p.Gas,
		To:       p.To,
		Value:    cloneBig(p.Value),
		Data:     p.Data,
	}), nil
}

// Sign transaction with latest signer for given chain ID.
func signTx(tx *types.Transaction, chain *big.Int, prv *ecdsa.PrivateKey) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chain)
	return types.SignTx(tx, signer, prv)
}
