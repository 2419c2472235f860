package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SealedBox is an ECIES envelope: the ciphertext together with the
// ephemeral public key needed to re-derive the shared secret.
//
// Scheme:
//   - KEM: ECDH with P-256
//   - KDF: HKDF-SHA256
//   - AEAD: AES-256-GCM, nonce prepended to the ciphertext
type SealedBox struct {
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	Ciphertext         []byte `json:"ciphertext"`
}

// Marshal serializes the box for storage as a single blob.
func (b *SealedBox) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalSealedBox parses a stored blob back into a SealedBox.
func UnmarshalSealedBox(data []byte) (*SealedBox, error) {
	var box SealedBox
	if err := json.Unmarshal(data, &box); err != nil {
		return nil, fmt.Errorf("failed to parse sealed box: %w", err)
	}
	if len(box.EphemeralPublicKey) == 0 || len(box.Ciphertext) == 0 {
		return nil, fmt.Errorf("sealed box is missing key or ciphertext")
	}
	return &box, nil
}

// Encrypt seals plaintext to the recipient's P-256 public key.
// recipientPublicKey is in uncompressed SEC1 form as produced by
// (*ecdh.PublicKey).Bytes.
func Encrypt(recipientPublicKey []byte, plaintext []byte) (*SealedBox, error) {
	curve := ecdh.P256()
	recipientPubKey, err := curve.NewPublicKey(recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipient public key: %w", err)
	}

	ephemeralPrivKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeralPrivKey.ECDH(recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to perform ECDH: %w", err)
	}

	encKey, err := deriveAEADKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aesGCM, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nonce, nonce, plaintext, nil)

	return &SealedBox{
		EphemeralPublicKey: ephemeralPrivKey.PublicKey().Bytes(),
		Ciphertext:         ciphertext,
	}, nil
}

// Decrypt opens a sealed box with the recipient's private key.
func Decrypt(recipientPrivateKey *ecdh.PrivateKey, box *SealedBox) ([]byte, error) {
	curve := ecdh.P256()
	ephemeralPubKey, err := curve.NewPublicKey(box.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}

	sharedSecret, err := recipientPrivateKey.ECDH(ephemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to perform ECDH: %w", err)
	}

	encKey, err := deriveAEADKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aesGCM, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}

	nonceSize := aesGCM.NonceSize()
	if len(box.Ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := box.Ciphertext[:nonceSize]
	ciphertext := box.Ciphertext[nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// GenerateKeyPair generates a P-256 key pair for envelope encryption.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	privateKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return privateKey, nil
}

// PrivateKeyFromBytes parses a raw P-256 private scalar.
func PrivateKeyFromBytes(b []byte) (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().NewPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// deriveAEADKey stretches the ECDH shared secret into a 256-bit AEAD key.
// The info parameter is empty, matching HPKE BASE mode.
func deriveAEADKey(sharedSecret []byte) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, nil)
	encKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, encKey); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return encKey, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
