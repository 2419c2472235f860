package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	t.Run("round-trip", func(t *testing.T) {
		plaintext := []byte("the quick brown fox")
		box, err := Encrypt(recipient.PublicKey().Bytes(), plaintext)
		require.NoError(t, err)

		got, err := Decrypt(recipient, box)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("each encryption uses a fresh ephemeral key", func(t *testing.T) {
		plaintext := []byte("same input")
		a, err := Encrypt(recipient.PublicKey().Bytes(), plaintext)
		require.NoError(t, err)
		b, err := Encrypt(recipient.PublicKey().Bytes(), plaintext)
		require.NoError(t, err)

		assert.NotEqual(t, a.EphemeralPublicKey, b.EphemeralPublicKey)
		assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	})

	t.Run("wrong private key fails to open", func(t *testing.T) {
		box, err := Encrypt(recipient.PublicKey().Bytes(), []byte("secret"))
		require.NoError(t, err)

		other, err := GenerateKeyPair()
		require.NoError(t, err)
		_, err = Decrypt(other, box)
		assert.Error(t, err)
	})

	t.Run("tampered ciphertext fails authentication", func(t *testing.T) {
		box, err := Encrypt(recipient.PublicKey().Bytes(), []byte("secret"))
		require.NoError(t, err)

		box.Ciphertext[len(box.Ciphertext)-1] ^= 0x01
		_, err = Decrypt(recipient, box)
		assert.Error(t, err)
	})

	t.Run("invalid recipient key is rejected", func(t *testing.T) {
		_, err := Encrypt([]byte{0x04, 0x01, 0x02}, []byte("secret"))
		assert.Error(t, err)
	})
}

func TestSealedBoxMarshal(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	box, err := Encrypt(recipient.PublicKey().Bytes(), []byte("stored blob"))
	require.NoError(t, err)

	blob, err := box.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalSealedBox(blob)
	require.NoError(t, err)

	got, err := Decrypt(recipient, parsed)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored blob"), got)

	t.Run("empty fields are rejected", func(t *testing.T) {
		_, err := UnmarshalSealedBox([]byte(`{"ephemeral_public_key":"","ciphertext":""}`))
		assert.Error(t, err)
		_, err = UnmarshalSealedBox([]byte("not json"))
		assert.Error(t, err)
	})
}

func TestPrivateKeyFromBytes(t *testing.T) {
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().Bytes(), parsed.PublicKey().Bytes())

	_, err = PrivateKeyFromBytes([]byte{0x01, 0x02})
	assert.Error(t, err)
}
