package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	t.Run("deterministic 32-byte hex output", func(t *testing.T) {
		a := DeriveKey("123456")
		b := DeriveKey("123456")
		assert.Equal(t, a, b)

		raw, err := hex.DecodeString(a)
		require.NoError(t, err)
		assert.Len(t, raw, 32)
	})

	t.Run("distinct passcodes derive distinct keys", func(t *testing.T) {
		assert.NotEqual(t, DeriveKey("123456"), DeriveKey("123457"))
	})

	t.Run("legacy iteration count derives a different key", func(t *testing.T) {
		assert.NotEqual(t, DeriveKey("123456"), DeriveKeyLegacy("123456"))
		assert.Equal(t, DeriveKeyLegacy("123456"), DeriveKeyLegacy("123456"))
	})
}
