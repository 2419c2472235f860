package executor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multisafe/custody/internal/envelope"
	"github.com/multisafe/custody/internal/eth"
	"github.com/multisafe/custody/internal/hsm"
	"github.com/multisafe/custody/internal/relay"
	"github.com/multisafe/custody/internal/secretstore"
	"github.com/multisafe/custody/internal/signing"
	"github.com/multisafe/custody/internal/storage"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

const testMasterKeyHex = "0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e"

type fakeChain struct {
	mu      sync.Mutex
	chainID int64
	batch   eth.EstimateBatch
	tip     *big.Int

	lastLegacyParams bool
	sent             []*ethtypes.Transaction

	// block, when set, holds Estimate until the context is cancelled or
	// the channel is closed.
	block chan struct{}
}

func (f *fakeChain) ChainID() int64 { return f.chainID }

func (f *fakeChain) Estimate(ctx context.Context, args eth.CallArgs, legacyParams bool) (*eth.EstimateBatch, error) {
	f.mu.Lock()
	f.lastLegacyParams = legacyParams
	block := f.block
	out := f.batch
	f.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
		case <-block:
		}
	}
	return &out, nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if f.tip == nil {
		return big.NewInt(1), nil
	}
	return f.tip, nil
}

func (f *fakeChain) SendRawTransaction(ctx context.Context, signedTx *ethtypes.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, signedTx)
	return signedTx.Hash().Hex(), nil
}

func healthyBatch(balance int64) eth.EstimateBatch {
	return eth.EstimateBatch{
		Gas:      21000,
		GasPrice: big.NewInt(2_000_000_000),
		TxCount:  7,
		Balance:  big.NewInt(balance),
	}
}

// newSignerEnv builds an envelope store holding one imported signing
// key and returns it with the key's address.
func newSignerEnv(t *testing.T) (*envelope.Store, string) {
	t.Helper()

	secrets := secretstore.NewMemoryStore()
	sealer, err := hsm.NewLocalSealer(testMasterKeyHex)
	require.NoError(t, err)
	keys := hsm.NewKeyProvider(secrets, sealer, hsm.StaticPresence{})
	store := envelope.NewStore(secrets, keys, types.ClassSensitive)
	require.NoError(t, store.Initialize(context.Background()))

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, store.Import(context.Background(), "signer", ethcrypto.FromECDSA(priv)))
	return store, ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()
}

func TestController_Estimate(t *testing.T) {
	ctx := context.Background()

	t.Run("commits the batch results", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(1_000_000_000_000_000_000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())

		est, err := ctrl.Estimate(ctx, &Draft{From: "0x1111111111111111111111111111111111111111"})
		require.NoError(t, err)
		assert.Equal(t, uint64(21000), est.Gas)
		assert.Equal(t, uint64(7), est.MinNonce)
		assert.False(t, est.SimulationFailed)
		assert.False(t, chain.lastLegacyParams)
	})

	t.Run("legacy gas api chain forces restricted params", func(t *testing.T) {
		chain := &fakeChain{chainID: 56, batch: healthyBatch(1_000_000_000_000_000_000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())

		_, err := ctrl.Estimate(ctx, &Draft{From: "0x1111111111111111111111111111111111111111"})
		require.NoError(t, err)
		assert.True(t, chain.lastLegacyParams)
	})

	t.Run("reverting simulation is distinct, not fatal", func(t *testing.T) {
		batch := healthyBatch(1_000_000_000_000_000_000)
		batch.CallErr = assert.AnError
		chain := &fakeChain{chainID: 1, batch: batch}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())

		est, err := ctrl.Estimate(ctx, &Draft{From: "0x1111111111111111111111111111111111111111"})
		require.NoError(t, err)
		assert.True(t, est.SimulationFailed)

		custErr, ok := apperrors.IsCustodyError(est.SimulationErr)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeSimulationFailed, custErr.Code)
		assert.False(t, custErr.Retryable)

		// The clean gas numbers still validate.
		require.NoError(t, ctrl.Validate(ctx, &Draft{From: "0x1111111111111111111111111111111111111111"}, SubmitOptions{}))
	})

	t.Run("partial failures aggregate every element", func(t *testing.T) {
		batch := healthyBatch(0)
		batch.GasErr = assert.AnError
		batch.BalanceErr = assert.AnError
		batch.CallErr = assert.AnError
		chain := &fakeChain{chainID: 1, batch: batch}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())

		_, err := ctrl.Estimate(ctx, &Draft{From: "0x1111111111111111111111111111111111111111"})
		require.Error(t, err)
		custErr, ok := apperrors.IsCustodyError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeEstimationFailed, custErr.Code)
	})

	t.Run("missing from is rejected", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(0)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{})
		assert.Error(t, err)
	})
}

func TestController_EstimateLastIssuedWins(t *testing.T) {
	ctx := context.Background()
	first := healthyBatch(100)
	chain := &fakeChain{chainID: 1, batch: first, block: make(chan struct{})}
	ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
	draft := &Draft{From: "0x1111111111111111111111111111111111111111"}

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Estimate(ctx, draft)
		done <- err
	}()

	// Wait for the first estimation to be in flight, then supersede it.
	time.Sleep(20 * time.Millisecond)
	chain.mu.Lock()
	chain.block = nil
	chain.batch = healthyBatch(999)
	chain.mu.Unlock()

	est, err := ctrl.Estimate(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(999), est.Balance)

	require.ErrorIs(t, <-done, ErrEstimationStale)

	committed, err := ctrl.Estimation()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(999), committed.Balance)
}

func TestController_Validate(t *testing.T) {
	ctx := context.Background()
	from := "0x1111111111111111111111111111111111111111"

	t.Run("fails closed before estimation", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(0)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		assert.Error(t, ctrl.Validate(ctx, &Draft{From: from}, SubmitOptions{}))
	})

	t.Run("nonce below the pinned floor is rejected", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(1_000_000_000_000_000_000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{From: from})
		require.NoError(t, err)

		low := uint64(3)
		err = ctrl.Validate(ctx, &Draft{From: from, Nonce: &low}, SubmitOptions{})
		custErr, ok := apperrors.IsCustodyError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeNonceTooLow, custErr.Code)

		exact := uint64(7)
		assert.NoError(t, ctrl.Validate(ctx, &Draft{From: from, Nonce: &exact}, SubmitOptions{}))
	})

	t.Run("insufficient balance blocks without relay quota", func(t *testing.T) {
		// Balance below 21000 gas * 2 gwei worst-case fee.
		chain := &fakeChain{chainID: 1, batch: healthyBatch(1000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{From: from})
		require.NoError(t, err)

		err = ctrl.Validate(ctx, &Draft{From: from}, SubmitOptions{})
		assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	})

	t.Run("relay quota substitutes for balance", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(0)}
		relays := relay.NewFake()
		relays.SetQuota(1, from, 3, 5)
		ctrl := NewController(chain, relays, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{From: from})
		require.NoError(t, err)

		assert.NoError(t, ctrl.Validate(ctx, &Draft{From: from}, SubmitOptions{}))

		// Opting into signer-paid execution ignores the quota.
		err = ctrl.Validate(ctx, &Draft{From: from}, SubmitOptions{PayWithSigner: true})
		assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	})

	t.Run("value counts toward the required balance", func(t *testing.T) {
		// Exactly fee-sized balance, so any value tips it over.
		chain := &fakeChain{chainID: 1, batch: healthyBatch(21000 * 2_000_000_000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{From: from})
		require.NoError(t, err)

		assert.NoError(t, ctrl.Validate(ctx, &Draft{From: from}, SubmitOptions{}))
		err = ctrl.Validate(ctx, &Draft{From: from, Value: big.NewInt(1)}, SubmitOptions{})
		assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	})
}

func TestController_BuildUnsigned(t *testing.T) {
	ctx := context.Background()
	from := "0x1111111111111111111111111111111111111111"
	to := "0x2222222222222222222222222222222222222222"

	t.Run("eip-1559 chain builds a dynamic fee tx", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(1_000_000_000_000_000_000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{From: from, To: to})
		require.NoError(t, err)

		tx, err := ctrl.BuildUnsigned(&Draft{From: from, To: to})
		require.NoError(t, err)
		assert.Equal(t, uint8(ethtypes.DynamicFeeTxType), tx.Type())
		assert.Equal(t, uint64(7), tx.Nonce())
	})

	t.Run("legacy chain builds a legacy tx", func(t *testing.T) {
		chain := &fakeChain{chainID: 56, batch: healthyBatch(1_000_000_000_000_000_000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{From: from, To: to})
		require.NoError(t, err)

		tx, err := ctrl.BuildUnsigned(&Draft{From: from, To: to})
		require.NoError(t, err)
		assert.Equal(t, uint8(ethtypes.LegacyTxType), tx.Type())
		assert.Equal(t, big.NewInt(2_000_000_000), tx.GasPrice())
	})

	t.Run("fee overrides apply only to the active branch", func(t *testing.T) {
		chain := &fakeChain{chainID: 56, batch: healthyBatch(1_000_000_000_000_000_000)}
		ctrl := NewController(chain, nil, nil, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, &Draft{From: from, To: to})
		require.NoError(t, err)

		draft := &Draft{
			From: from, To: to,
			GasPrice:     big.NewInt(5_000_000_000),
			MaxFeePerGas: big.NewInt(9_999),
		}
		tx, err := ctrl.BuildUnsigned(draft)
		require.NoError(t, err)
		assert.Equal(t, uint8(ethtypes.LegacyTxType), tx.Type())
		assert.Equal(t, big.NewInt(5_000_000_000), tx.GasPrice())
	})
}

func TestController_SignAndSubmit(t *testing.T) {
	ctx := context.Background()
	store, from := newSignerEnv(t)
	router := signing.NewRouter(store, nil, nil)
	to := "0x2222222222222222222222222222222222222222"
	draft := &Draft{From: from, To: to, Value: big.NewInt(1000)}
	key := types.KeyDescriptor{Address: from, Type: types.KeyTypeLocal, SecretID: "signer"}

	t.Run("direct broadcast creates a pending record", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(1_000_000_000_000_000_000)}
		repo := storage.NewMemoryPendingTxRepository()
		ctrl := NewController(chain, nil, router, repo)
		_, err := ctrl.Estimate(ctx, draft)
		require.NoError(t, err)

		signed, err := ctrl.Sign(ctx, draft, key, "")
		require.NoError(t, err)

		record, err := ctrl.Submit(ctx, signed, from, SubmitOptions{})
		require.NoError(t, err)
		assert.Equal(t, signed.Hash().Hex(), record.EthTxHash)
		assert.Nil(t, record.TaskID)
		assert.Len(t, chain.sent, 1)

		stored, err := repo.GetByHash(ctx, record.EthTxHash, 1)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, types.TxStatusPending, stored.Status)
	})

	t.Run("relay path records the task id and the local hash", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(1_000_000_000_000_000_000)}
		relays := relay.NewFake()
		relays.SetQuota(1, from, 2, 5)
		repo := storage.NewMemoryPendingTxRepository()
		ctrl := NewController(chain, relays, router, repo)
		_, err := ctrl.Estimate(ctx, draft)
		require.NoError(t, err)

		signed, err := ctrl.Sign(ctx, draft, key, "")
		require.NoError(t, err)

		record, err := ctrl.Submit(ctx, signed, from, SubmitOptions{SafeTxHash: "0xsafe"})
		require.NoError(t, err)
		require.NotNil(t, record.TaskID)
		assert.Equal(t, signed.Hash().Hex(), record.EthTxHash)
		assert.Equal(t, "0xsafe", record.SafeTxHash)
		assert.Empty(t, chain.sent)

		status, err := relays.RelayStatus(ctx, *record.TaskID)
		require.NoError(t, err)
		assert.Equal(t, relay.TaskStateCheckPending, status.TaskState)
	})

	t.Run("tampered signature never submits", func(t *testing.T) {
		chain := &fakeChain{chainID: 1, batch: healthyBatch(1_000_000_000_000_000_000)}
		ctrl := NewController(chain, nil, router, storage.NewMemoryPendingTxRepository())
		_, err := ctrl.Estimate(ctx, draft)
		require.NoError(t, err)

		unsigned, err := ctrl.BuildUnsigned(draft)
		require.NoError(t, err)

		// A valid signature from a different key recovers to the wrong
		// address.
		other, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		signer := ethtypes.LatestSignerForChainID(big.NewInt(1))
		raw, err := ethcrypto.Sign(signer.Hash(unsigned).Bytes(), other)
		require.NoError(t, err)
		sig, err := types.SignatureFromBytes(raw)
		require.NoError(t, err)

		_, err = ctrl.InstallSignature(unsigned, from, sig)
		assert.ErrorIs(t, err, apperrors.ErrSignatureMismatch)
		assert.Empty(t, chain.sent)
	})
}
