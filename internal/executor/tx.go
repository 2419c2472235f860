package executor

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/multisafe/custody/pkg/errors"
)

// Draft is the transaction under review. Pointer fields are user
// overrides; nil means "use the estimated value". Fee overrides apply
// only to the fields of the chain's fee branch.
type Draft struct {
	From  string
	To    string
	Value *big.Int
	Data  []byte

	Nonce *uint64
	Gas   *uint64

	// Legacy branch override.
	GasPrice *big.Int

	// Dynamic-fee branch overrides.
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// AccessList upgrades a legacy draft to the EIP-2930 variant.
	AccessList ethtypes.AccessList
}

func (d *Draft) value() *big.Int {
	if d.Value == nil {
		return new(big.Int)
	}
	return d.Value
}

// feePlan is the resolved fee fields for one variant. Exactly one of
// the branches is populated.
type feePlan struct {
	gasPrice             *big.Int
	maxFeePerGas         *big.Int
	maxPriorityFeePerGas *big.Int
}

// variant is the closed set of transaction shapes the controller can
// build. Each variant knows how to produce its go-ethereum TxData and
// its worst-case fee-per-gas bound.
type variant interface {
	txData(d *Draft, chainID int64, nonce, gas uint64) ethtypes.TxData
	feePerGasCeiling() *big.Int
}

type legacyVariant struct{ fees feePlan }

func (v legacyVariant) txData(d *Draft, chainID int64, nonce, gas uint64) ethtypes.TxData {
	tx := &ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: v.fees.gasPrice,
		Gas:      gas,
		Value:    d.value(),
		Data:     d.Data,
	}
	if d.To != "" {
		to := common.HexToAddress(d.To)
		tx.To = &to
	}
	return tx
}

func (v legacyVariant) feePerGasCeiling() *big.Int { return v.fees.gasPrice }

type accessListVariant struct{ fees feePlan }

func (v accessListVariant) txData(d *Draft, chainID int64, nonce, gas uint64) ethtypes.TxData {
	tx := &ethtypes.AccessListTx{
		ChainID:    big.NewInt(chainID),
		Nonce:      nonce,
		GasPrice:   v.fees.gasPrice,
		Gas:        gas,
		Value:      d.value(),
		Data:       d.Data,
		AccessList: d.AccessList,
	}
	if d.To != "" {
		to := common.HexToAddress(d.To)
		tx.To = &to
	}
	return tx
}

func (v accessListVariant) feePerGasCeiling() *big.Int { return v.fees.gasPrice }

type dynamicFeeVariant struct{ fees feePlan }

func (v dynamicFeeVariant) txData(d *Draft, chainID int64, nonce, gas uint64) ethtypes.TxData {
	tx := &ethtypes.DynamicFeeTx{
		ChainID:    big.NewInt(chainID),
		Nonce:      nonce,
		GasFeeCap:  v.fees.maxFeePerGas,
		GasTipCap:  v.fees.maxPriorityFeePerGas,
		Gas:        gas,
		Value:      d.value(),
		Data:       d.Data,
		AccessList: d.AccessList,
	}
	if d.To != "" {
		to := common.HexToAddress(d.To)
		tx.To = &to
	}
	return tx
}

func (v dynamicFeeVariant) feePerGasCeiling() *big.Int { return v.fees.maxFeePerGas }

// resolveVariant picks the transaction shape for a chain and applies
// the draft's fee overrides to the estimated baseline. The branch is
// chosen by the chain flag alone; overrides on the other branch's
// fields are ignored.
func resolveVariant(d *Draft, chain ChainConfig, est *Estimation) (variant, error) {
	if chain.EIP1559 {
		fees := feePlan{
			maxFeePerGas:         est.GasPrice,
			maxPriorityFeePerGas: est.PriorityFee,
		}
		if d.MaxFeePerGas != nil {
			fees.maxFeePerGas = d.MaxFeePerGas
		}
		if d.MaxPriorityFeePerGas != nil {
			fees.maxPriorityFeePerGas = d.MaxPriorityFeePerGas
		}
		if fees.maxFeePerGas == nil {
			return nil, apperrors.MissingRequiredField("max_fee_per_gas")
		}
		if fees.maxPriorityFeePerGas == nil {
			fees.maxPriorityFeePerGas = new(big.Int)
		}
		return dynamicFeeVariant{fees: fees}, nil
	}

	fees := feePlan{gasPrice: est.GasPrice}
	if d.GasPrice != nil {
		fees.gasPrice = d.GasPrice
	}
	if fees.gasPrice == nil {
		return nil, apperrors.MissingRequiredField("gas_price")
	}
	if len(d.AccessList) > 0 {
		return accessListVariant{fees: fees}, nil
	}
	return legacyVariant{fees: fees}, nil
}
