package signing

import (
	"context"
	"encoding/hex"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multisafe/custody/internal/envelope"
	"github.com/multisafe/custody/internal/hsm"
	"github.com/multisafe/custody/internal/secretstore"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

const testMasterKeyHex = "0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e"

func newTestEnvelope(t *testing.T) *envelope.Store {
	t.Helper()

	secrets := secretstore.NewMemoryStore()
	sealer, err := hsm.NewLocalSealer(testMasterKeyHex)
	require.NoError(t, err)
	keys := hsm.NewKeyProvider(secrets, sealer, hsm.StaticPresence{})
	store := envelope.NewStore(secrets, keys, types.ClassSensitive)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestNormalizeV(t *testing.T) {
	tests := []struct {
		name    string
		v       uint64
		chainID int64
		want    byte
		wantErr bool
	}{
		{name: "raw recovery id 0", v: 0, want: 0},
		{name: "raw recovery id 1", v: 1, want: 1},
		{name: "ethereum convention 27", v: 27, want: 0},
		{name: "ethereum convention 28", v: 28, want: 1},
		{name: "ledger style 31", v: 31, want: 0},
		{name: "ledger style 32", v: 32, want: 1},
		{name: "eip-155 mainnet even", v: 37, chainID: 1, want: 0},
		{name: "eip-155 mainnet odd", v: 38, chainID: 1, want: 1},
		{name: "eip-155 gnosis chain", v: 236, chainID: 100, want: 1},
		{name: "eip-155 wrong chain rejected", v: 37, chainID: 5, wantErr: true},
		{name: "unmapped value rejected", v: 13, wantErr: true},
		{name: "between conventions rejected", v: 29, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeV(tt.v, tt.chainID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_SignLocal(t *testing.T) {
	ctx := context.Background()
	store := newTestEnvelope(t)

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	address := ethcrypto.PubkeyToAddress(priv.PublicKey)
	require.NoError(t, store.Import(ctx, "account-1", ethcrypto.FromECDSA(priv)))

	router := NewRouter(store, nil, nil)
	hash := ethcrypto.Keccak256([]byte("payload"))

	t.Run("signs and recovers to the key's address", func(t *testing.T) {
		sig, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Address: address.Hex(), Type: types.KeyTypeLocal, SecretID: "account-1"},
			Hash: hash,
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, sig.V, byte(1))

		pub, err := ethcrypto.SigToPub(hash, sig.Bytes())
		require.NoError(t, err)
		assert.Equal(t, address, ethcrypto.PubkeyToAddress(*pub))
	})

	t.Run("cloud auth keys share the local path", func(t *testing.T) {
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeCloudAuth, SecretID: "account-1"},
			Hash: hash,
		})
		require.NoError(t, err)
	})

	t.Run("missing secret id is rejected", func(t *testing.T) {
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeLocal},
			Hash: hash,
		})
		assert.Error(t, err)
	})

	t.Run("unknown secret fails signing", func(t *testing.T) {
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeLocal, SecretID: "no-such-key"},
			Hash: hash,
		})
		custErr, ok := apperrors.IsCustodyError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeSigningFailed, custErr.Code)
	})

	t.Run("short hash is rejected", func(t *testing.T) {
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeLocal, SecretID: "account-1"},
			Hash: []byte("too short"),
		})
		assert.Error(t, err)
	})
}

type fakeRemote struct {
	hexSig string
	err    error
}

func (f fakeRemote) RequestSignature(ctx context.Context, address string, hash []byte) (string, error) {
	return f.hexSig, f.err
}

func TestRouter_SignRemote(t *testing.T) {
	ctx := context.Background()
	store := newTestEnvelope(t)
	hash := ethcrypto.Keccak256([]byte("payload"))

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	raw, err := ethcrypto.Sign(hash, priv)
	require.NoError(t, err)

	t.Run("normalizes a 27-convention signature", func(t *testing.T) {
		shifted := make([]byte, 65)
		copy(shifted, raw)
		shifted[64] += 27

		router := NewRouter(store, nil, fakeRemote{hexSig: "0x" + hex.EncodeToString(shifted)})
		sig, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeRemoteWallet},
			Hash: hash,
		})
		require.NoError(t, err)
		assert.Equal(t, raw[64], sig.V)
	})

	t.Run("rejects an undecodable recovery byte", func(t *testing.T) {
		bad := make([]byte, 65)
		copy(bad, raw)
		bad[64] = 7

		router := NewRouter(store, nil, fakeRemote{hexSig: hex.EncodeToString(bad)})
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeRemoteWallet},
			Hash: hash,
		})
		assert.Error(t, err)
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		router := NewRouter(store, nil, fakeRemote{err: apperrors.ErrCancelledByUser})
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeRemoteWallet},
			Hash: hash,
		})
		assert.True(t, apperrors.IsCancelled(err))
	})

	t.Run("no remote signer configured", func(t *testing.T) {
		router := NewRouter(store, nil, nil)
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeRemoteWallet},
			Hash: hash,
		})
		assert.Error(t, err)
	})
}

type fakeDongle struct {
	sig types.Signature
	err error
}

func (f fakeDongle) SignHash(ctx context.Context, address string, preimage, hash []byte) (types.Signature, error) {
	return f.sig, f.err
}

func TestRouter_SignDongle(t *testing.T) {
	ctx := context.Background()
	store := newTestEnvelope(t)
	hash := ethcrypto.Keccak256([]byte("payload"))

	t.Run("dongle output is normalized", func(t *testing.T) {
		router := NewRouter(store, fakeDongle{sig: types.Signature{V: 28}}, nil)
		sig, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeHardwareDongle},
			Hash: hash,
		})
		require.NoError(t, err)
		assert.Equal(t, byte(1), sig.V)
	})

	t.Run("dongle failure is a signing error", func(t *testing.T) {
		router := NewRouter(store, fakeDongle{err: assert.AnError}, nil)
		_, err := router.Sign(ctx, Request{
			Key:  types.KeyDescriptor{Type: types.KeyTypeHardwareDongle},
			Hash: hash,
		})
		custErr, ok := apperrors.IsCustodyError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeSigningFailed, custErr.Code)
	})
}
