package hsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalSealer(t *testing.T) {
	t.Run("accepts a hex-encoded 32-byte key", func(t *testing.T) {
		sealer, err := NewLocalSealer(testMasterKeyHex)
		require.NoError(t, err)
		require.NotNil(t, sealer)
		assert.Len(t, sealer.masterKey, 32)
	})

	t.Run("rejects an empty key", func(t *testing.T) {
		_, err := NewLocalSealer("")
		assert.Error(t, err)
	})

	t.Run("rejects non-hex input", func(t *testing.T) {
		// 32 characters but not hex: the raw-string form must not be
		// silently accepted as key material.
		_, err := NewLocalSealer("test-master-key-32-chars-long!!!")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hex")
	})

	t.Run("rejects a key of the wrong length", func(t *testing.T) {
		_, err := NewLocalSealer("0f1e0f1e")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})
}

func TestLocalSealerRoundTrip(t *testing.T) {
	ctx := context.Background()

	sealer, err := NewLocalSealer(testMasterKeyHex)
	require.NoError(t, err)

	plaintext := []byte("kek private half")

	sealed, err := sealer.Seal(ctx, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	out, err := sealer.Unseal(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)

	t.Run("tampered ciphertext fails to unseal", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0x01
		_, err := sealer.Unseal(ctx, tampered)
		assert.Error(t, err)
	})

	t.Run("truncated ciphertext fails to unseal", func(t *testing.T) {
		_, err := sealer.Unseal(ctx, sealed[:4])
		assert.Error(t, err)
	})

	t.Run("a different master key cannot unseal", func(t *testing.T) {
		other, err := NewLocalSealer("00000000000000000000000000000000ffffffffffffffffffffffffffffffff")
		require.NoError(t, err)
		_, err = other.Unseal(ctx, sealed)
		assert.Error(t, err)
	})
}
