package envelope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multisafe/custody/internal/hsm"
	"github.com/multisafe/custody/internal/secretstore"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

const testMasterKeyHex = "0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e0f1e"

func newTestStore(t *testing.T) (*Store, secretstore.Store) {
	t.Helper()

	secrets := secretstore.NewMemoryStore()
	sealer, err := hsm.NewLocalSealer(testMasterKeyHex)
	require.NoError(t, err)
	keys := hsm.NewKeyProvider(secrets, sealer, hsm.StaticPresence{})

	return NewStore(secrets, keys, types.ClassSensitive), secrets
}

func TestStore_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh store is not initialized", func(t *testing.T) {
		s, _ := newTestStore(t)
		assert.False(t, s.IsInitialized(ctx))
	})

	t.Run("initialize then report initialized", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Initialize(ctx))
		assert.True(t, s.IsInitialized(ctx))
	})

	t.Run("import before initialize fails", func(t *testing.T) {
		s, _ := newTestStore(t)
		err := s.Import(ctx, "secret", []byte("data"))
		assert.ErrorIs(t, err, apperrors.ErrNotInitialized)
	})
}

func TestStore_ImportFind(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Initialize(ctx))

	t.Run("round-trips a secret", func(t *testing.T) {
		require.NoError(t, s.Import(ctx, "mnemonic", []byte("abandon abandon about")))

		got, err := s.Find(ctx, "mnemonic", "")
		require.NoError(t, err)
		assert.Equal(t, []byte("abandon abandon about"), got)
	})

	t.Run("missing secret is nil without error", func(t *testing.T) {
		got, err := s.Find(ctx, "no-such-secret", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("import overwrites an existing secret", func(t *testing.T) {
		require.NoError(t, s.Import(ctx, "k", []byte("v1")))
		require.NoError(t, s.Import(ctx, "k", []byte("v2")))

		got, err := s.Find(ctx, "k", "")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, s.Import(ctx, "gone", []byte("x")))
		require.NoError(t, s.Delete(ctx, "gone"))
		require.NoError(t, s.Delete(ctx, "gone"))

		got, err := s.Find(ctx, "gone", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_ChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("secrets survive rotation to a passcode", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.Import(ctx, "key", []byte("material")))

		require.NoError(t, s.ChangePassword(ctx, "", "derived-passcode", false))

		got, err := s.Find(ctx, "key", "derived-passcode")
		require.NoError(t, err)
		assert.Equal(t, []byte("material"), got)
	})

	t.Run("old password stops working after rotation", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.Import(ctx, "key", []byte("material")))
		require.NoError(t, s.ChangePassword(ctx, "", "first", false))
		require.NoError(t, s.ChangePassword(ctx, "first", "second", false))

		_, err := s.Find(ctx, "key", "first")
		assert.True(t, apperrors.IsAuthenticationFailure(err))

		got, err := s.Find(ctx, "key", "second")
		require.NoError(t, err)
		assert.Equal(t, []byte("material"), got)
	})

	t.Run("wrong current password rejects rotation", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.ChangePassword(ctx, "", "correct", false))

		err := s.ChangePassword(ctx, "wrong", "other", false)
		assert.True(t, apperrors.IsAuthenticationFailure(err))
	})

	t.Run("rotation back to a random password", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.Import(ctx, "key", []byte("material")))
		require.NoError(t, s.ChangePassword(ctx, "", "pass", false))
		require.NoError(t, s.ChangePassword(ctx, "pass", "", false))

		got, err := s.Find(ctx, "key", "")
		require.NoError(t, err)
		assert.Equal(t, []byte("material"), got)
	})

	t.Run("rotation before initialize fails", func(t *testing.T) {
		s, _ := newTestStore(t)
		err := s.ChangePassword(ctx, "", "pass", false)
		assert.ErrorIs(t, err, apperrors.ErrNotInitialized)
	})
}

func TestStore_FindWrongPassword(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Import(ctx, "key", []byte("material")))
	require.NoError(t, s.ChangePassword(ctx, "", "correct", false))

	t.Run("wrong password is an authentication error", func(t *testing.T) {
		got, err := s.Find(ctx, "key", "wrong")
		assert.Nil(t, got)
		assert.True(t, apperrors.IsAuthenticationFailure(err))
	})

	t.Run("empty password without stored fallback asks for a passcode", func(t *testing.T) {
		_, err := s.Find(ctx, "key", "")
		assert.True(t, apperrors.IsAuthenticationFailure(err))
	})
}

func TestStore_JournalRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("crash before the pointer flip rolls back", func(t *testing.T) {
		s, secrets := newTestStore(t)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.Import(ctx, "key", []byte("material")))

		// Simulate a rotation killed after the journal was written but
		// before the generation pointer moved.
		require.NoError(t, secrets.Create(ctx, secretstore.Item{
			Kind: secretstore.KindBlob, ID: idJournal, Class: types.ClassSensitive,
			Data: []byte(`{"from_generation":1,"to_generation":2}`),
		}))

		got, err := s.Find(ctx, "key", "")
		require.NoError(t, err)
		assert.Equal(t, []byte("material"), got)

		// The journal is cleared and generation 1 is still active.
		journal, err := secrets.Find(ctx, secretstore.KindBlob, idJournal, types.ClassSensitive)
		require.NoError(t, err)
		assert.Nil(t, journal)
	})

	t.Run("crash after the pointer flip finishes cleanup", func(t *testing.T) {
		s, secrets := newTestStore(t)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.Import(ctx, "key", []byte("material")))
		require.NoError(t, s.ChangePassword(ctx, "", "pass", false))

		// Re-plant the journal as if cleanup never ran after the flip.
		require.NoError(t, secrets.Create(ctx, secretstore.Item{
			Kind: secretstore.KindBlob, ID: idJournal, Class: types.ClassSensitive,
			Data: []byte(`{"from_generation":1,"to_generation":2}`),
		}))

		got, err := s.Find(ctx, "key", "pass")
		require.NoError(t, err)
		assert.Equal(t, []byte("material"), got)

		journal, err := secrets.Find(ctx, secretstore.KindBlob, idJournal, types.ClassSensitive)
		require.NoError(t, err)
		assert.Nil(t, journal)
	})
}

func TestStore_DeleteAllKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Import(ctx, "key", []byte("material")))

	require.NoError(t, s.DeleteAllKeys(ctx))

	assert.False(t, s.IsInitialized(ctx))

	// Reset allows a clean re-initialization.
	require.NoError(t, s.Initialize(ctx))
	got, err := s.Find(ctx, "key", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}
