package hsm

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/multisafe/custody/internal/secretstore"
	pkgcrypto "github.com/multisafe/custody/pkg/crypto"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

// Verifier parameters for the per-key password check. These are
// independent of the user-facing passcode derivation; the verifier only
// gates access to the sealed KEK private half.
const (
	verifierIterations = 10_000
	verifierKeyLength  = 32
	verifierSaltLength = 16
)

// PresenceProvider confirms user presence (biometric or device code)
// for keys whose factor set requires it. Implementations return nil on
// success, ErrCancelledByUser when the user dismisses the prompt, and
// ErrAuthenticationFailed when presence verification fails.
type PresenceProvider interface {
	Confirm(ctx context.Context, reason string) error
}

// StaticPresence is a PresenceProvider with a fixed outcome, used by
// headless deployments and tests.
type StaticPresence struct {
	Err error
}

// Confirm returns the configured outcome.
func (p StaticPresence) Confirm(ctx context.Context, reason string) error {
	return p.Err
}

// KeyHandle describes a created KEK. The private half never appears
// here; only the public half is exposed for envelope encryption.
type KeyHandle struct {
	Tag       string
	Class     types.ProtectionClass
	PublicKey []byte
	Factors   types.AuthFactorSet
}

// keyRecord is the persisted form of a KEK: the sealed private half,
// the cleartext public half, and the authentication policy fixed at
// creation time.
type keyRecord struct {
	PublicKey     []byte              `json:"public_key"`
	SealedPrivate []byte              `json:"sealed_private"`
	Factors       types.AuthFactorSet `json:"factors"`
	PasswordSalt  []byte              `json:"password_salt,omitempty"`
	PasswordHash  []byte              `json:"password_hash,omitempty"`
	Backend       string              `json:"backend"`
}

// KeyProvider creates and uses non-exportable KEKs. Every use of a
// key's private half re-checks the factors configured at creation.
type KeyProvider struct {
	store    secretstore.Store
	sealer   Sealer
	presence PresenceProvider
}

// NewKeyProvider creates a provider over a secret store and a sealing
// backend.
func NewKeyProvider(store secretstore.Store, sealer Sealer, presence PresenceProvider) *KeyProvider {
	return &KeyProvider{store: store, sealer: sealer, presence: presence}
}

// Backend returns the sealing backend name.
func (p *KeyProvider) Backend() string {
	return p.sealer.Backend()
}

// CreateKey generates a new P-256 KEK bound to the given factor set and
// persists it under tag. Any existing key with the same tag is replaced.
// If the factor set includes the password factor, password must be
// non-empty.
func (p *KeyProvider) CreateKey(ctx context.Context, tag string, class types.ProtectionClass, factors types.AuthFactorSet, password string) (*KeyHandle, error) {
	if factors.Has(types.FactorPassword) && password == "" {
		return nil, apperrors.HardwareFailure("create key", fmt.Errorf("password factor requires a password"))
	}

	keyPair, err := pkgcrypto.GenerateKeyPair()
	if err != nil {
		return nil, apperrors.HardwareFailure("generate key pair", err)
	}

	sealed, err := p.sealer.Seal(ctx, keyPair.Bytes())
	if err != nil {
		return nil, apperrors.HardwareFailure("seal private key", err)
	}

	rec := keyRecord{
		PublicKey:     keyPair.PublicKey().Bytes(),
		SealedPrivate: sealed,
		Factors:       factors,
		Backend:       p.sealer.Backend(),
	}

	if factors.Has(types.FactorPassword) {
		salt := make([]byte, verifierSaltLength)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, apperrors.HardwareFailure("generate verifier salt", err)
		}
		rec.PasswordSalt = salt
		rec.PasswordHash = hashPassword(password, salt)
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, apperrors.HardwareFailure("encode key record", err)
	}

	if err := p.store.Create(ctx, secretstore.Item{
		Kind:  secretstore.KindKeyPair,
		ID:    tag,
		Class: class,
		Data:  data,
	}); err != nil {
		return nil, apperrors.HardwareFailure("persist key record", err)
	}

	return &KeyHandle{Tag: tag, Class: class, PublicKey: rec.PublicKey, Factors: factors}, nil
}

// DeleteKey removes a KEK. Idempotent: a missing key is not an error.
func (p *KeyProvider) DeleteKey(ctx context.Context, tag string, class types.ProtectionClass) error {
	return p.store.Delete(ctx, secretstore.KindKeyPair, tag, class)
}

// PublicKey returns the public half of a KEK, or (nil, nil) when the
// key does not exist. No authentication is required to read it.
func (p *KeyProvider) PublicKey(ctx context.Context, tag string, class types.ProtectionClass) ([]byte, error) {
	rec, err := p.load(ctx, tag, class)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.PublicKey, nil
}

// Encrypt seals plaintext to a KEK's public half. No authentication is
// required to encrypt.
func (p *KeyProvider) Encrypt(ctx context.Context, tag string, class types.ProtectionClass, plaintext []byte) ([]byte, error) {
	rec, err := p.load(ctx, tag, class)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.MissingRequiredField(fmt.Sprintf("hardware key %q", tag))
	}

	box, err := pkgcrypto.Encrypt(rec.PublicKey, plaintext)
	if err != nil {
		return nil, apperrors.EncryptionFailed(err)
	}
	return box.Marshal()
}

// Decrypt authenticates against the key's factor set, transiently
// unseals the private half, and opens the sealed box.
//
// A wrong password or failed presence check is ErrAuthenticationFailed;
// a dismissed presence prompt is ErrCancelledByUser. Neither ever falls
// through to a garbage decryption.
func (p *KeyProvider) Decrypt(ctx context.Context, tag string, class types.ProtectionClass, password string, ciphertext []byte) ([]byte, error) {
	rec, err := p.load(ctx, tag, class)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.MissingRequiredField(fmt.Sprintf("hardware key %q", tag))
	}

	if rec.Factors.Has(types.FactorPassword) {
		candidate := hashPassword(password, rec.PasswordSalt)
		if subtle.ConstantTimeCompare(candidate, rec.PasswordHash) != 1 {
			return nil, apperrors.AuthenticationFailed(fmt.Sprintf("wrong password for key %q", tag))
		}
	}

	if rec.Factors.RequiresPresence() {
		if p.presence == nil {
			return nil, apperrors.AuthenticationFailed("presence required but no presence provider configured")
		}
		if err := p.presence.Confirm(ctx, fmt.Sprintf("unlock key %q", tag)); err != nil {
			return nil, err
		}
	}

	privBytes, err := p.sealer.Unseal(ctx, rec.SealedPrivate)
	if err != nil {
		return nil, apperrors.HardwareFailure("unseal private key", err)
	}

	priv, err := pkgcrypto.PrivateKeyFromBytes(privBytes)
	zero(privBytes)
	if err != nil {
		return nil, apperrors.HardwareFailure("parse private key", err)
	}

	box, err := pkgcrypto.UnmarshalSealedBox(ciphertext)
	if err != nil {
		return nil, apperrors.DecryptionFailed(err)
	}

	plaintext, err := pkgcrypto.Decrypt(priv, box)
	if err != nil {
		return nil, apperrors.DecryptionFailed(err)
	}
	return plaintext, nil
}

func (p *KeyProvider) load(ctx context.Context, tag string, class types.ProtectionClass) (*keyRecord, error) {
	data, err := p.store.Find(ctx, secretstore.KindKeyPair, tag, class)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.DecryptionFailed(fmt.Errorf("corrupt key record %q: %w", tag, err))
	}
	return &rec, nil
}

func hashPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, verifierIterations, verifierKeyLength, sha256.New)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
