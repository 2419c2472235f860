// Package envelope implements the two-tier envelope key hierarchy: a
// hardware-backed KEK protects the private half of a per-class data key
// pair, and the data key pair's public half encrypts arbitrary secrets
// at rest.
//
// Exactly one KEK and one data key pair exist per protection class.
// Rotation replaces the KEK and the wrapped data private key together
// behind a generation pointer, so a crash mid-rotation never leaves the
// hierarchy in a mixed state.
package envelope

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/multisafe/custody/internal/hsm"
	"github.com/multisafe/custody/internal/logger"
	"github.com/multisafe/custody/internal/secretstore"
	pkgcrypto "github.com/multisafe/custody/pkg/crypto"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

// Storage identifiers within a protection class. Generation-scoped
// items carry a ".g<N>" suffix; the generation blob is the single
// atomic pointer that selects the active set.
const (
	idDataPublicKey = "datakey"
	idGeneration    = "generation"
	idJournal       = "rotation-journal"

	prefixSecret    = "secret."
	prefixPassword  = "password."
	prefixKEK       = "kek."
	prefixWrapped   = "datakey.enc."
	passwordByteLen = 32
)

// Store is the envelope key store for one protection class.
//
// Hardware and store operations are blocking; callers keep them off the
// UI-critical path. Mutating operations and Find hold a single-writer
// lock, so a rotation never overlaps a decryption on the same class.
type Store struct {
	mu    sync.Mutex
	store secretstore.Store
	keys  *hsm.KeyProvider
	class types.ProtectionClass
}

// NewStore creates an envelope store for one protection class.
func NewStore(store secretstore.Store, keys *hsm.KeyProvider, class types.ProtectionClass) *Store {
	return &Store{store: store, keys: keys, class: class}
}

// Class returns the protection class this store guards.
func (s *Store) Class() types.ProtectionClass {
	return s.class
}

// Initialize sets up a fresh hierarchy: a random stored password, a
// hardware KEK authenticated by it, a data key pair, and the data
// private key wrapped under the KEK.
//
// Fails if any step fails; the caller must treat partial completion as
// corrupt and call DeleteAllKeys before retrying.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recoverJournal(ctx); err != nil {
		return err
	}

	password, err := randomPassword()
	if err != nil {
		return apperrors.InitializationFailed("generate password", err)
	}

	const gen = 1
	if err := s.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindBlob, ID: passwordID(gen), Class: s.class, Data: []byte(password),
	}); err != nil {
		return apperrors.InitializationFailed("store password", err)
	}

	if _, err := s.keys.CreateKey(ctx, kekTag(gen), s.class,
		types.AuthFactorSet{types.FactorPassword}, password); err != nil {
		return apperrors.InitializationFailed("create KEK", err)
	}

	dataKey, err := pkgcrypto.GenerateKeyPair()
	if err != nil {
		return apperrors.InitializationFailed("generate data key", err)
	}

	wrapped, err := s.keys.Encrypt(ctx, kekTag(gen), s.class, dataKey.Bytes())
	if err != nil {
		return apperrors.InitializationFailed("wrap data key", err)
	}

	if err := s.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindBlob, ID: wrappedID(gen), Class: s.class, Data: wrapped,
	}); err != nil {
		return apperrors.InitializationFailed("store wrapped data key", err)
	}

	if err := s.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindPublicKey, ID: idDataPublicKey, Class: s.class,
		Data: dataKey.PublicKey().Bytes(),
	}); err != nil {
		return apperrors.InitializationFailed("store data public key", err)
	}

	if err := s.writeGeneration(ctx, gen); err != nil {
		return apperrors.InitializationFailed("store generation", err)
	}

	logger.Info(ctx, "envelope store initialized", "class", s.class)
	return nil
}

// IsInitialized reports whether the hierarchy exists. It never fails:
// a store error reads as "not initialized".
func (s *Store) IsInitialized(ctx context.Context) bool {
	pub, err := s.store.Find(ctx, secretstore.KindPublicKey, idDataPublicKey, s.class)
	return err == nil && pub != nil
}

// Import encrypts plaintext under the data public key and stores it as
// a generic secret under id. No authentication is required to import.
func (s *Store) Import(ctx context.Context, id string, plaintext []byte) error {
	pub, err := s.store.Find(ctx, secretstore.KindPublicKey, idDataPublicKey, s.class)
	if err != nil {
		return err
	}
	if pub == nil {
		return apperrors.ErrNotInitialized
	}

	box, err := pkgcrypto.Encrypt(pub, plaintext)
	if err != nil {
		return apperrors.EncryptionFailed(err)
	}
	data, err := box.Marshal()
	if err != nil {
		return apperrors.EncryptionFailed(err)
	}

	return s.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindBlob, ID: prefixSecret + id, Class: s.class, Data: data,
	})
}

// Find decrypts and returns the secret stored under id.
//
// The KEK password is resolved from the explicit argument, falling back
// to the stored random one. Find returns (nil, nil) when the secret
// does not exist; a wrong password is an authentication error, which is
// the only way callers can distinguish "wrong password" from "no such
// secret".
func (s *Store) Find(ctx context.Context, id string, password string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recoverJournal(ctx); err != nil {
		return nil, err
	}

	data, err := s.store.Find(ctx, secretstore.KindBlob, prefixSecret+id, s.class)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	dataKey, err := s.unwrapDataKey(ctx, password)
	if err != nil {
		return nil, err
	}

	box, err := pkgcrypto.UnmarshalSealedBox(data)
	if err != nil {
		return nil, apperrors.DecryptionFailed(err)
	}

	plaintext, err := pkgcrypto.Decrypt(dataKey, box)
	if err != nil {
		return nil, apperrors.DecryptionFailed(err)
	}
	return plaintext, nil
}

// Delete removes one generic secret. It does not touch the KEK or data
// key hierarchy, and deleting a missing secret is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, secretstore.KindBlob, prefixSecret+id, s.class)
}

// ChangePassword rotates the KEK: authenticate with the old password,
// unwrap the data private key, create a fresh KEK under the new
// password and factor set, and re-wrap the same data key pair under it.
//
// The data key pair is preserved, so every secret encrypted under the
// data public key stays decryptable after rotation. If to is empty, a
// new random password is generated and stored in its place.
func (s *Store) ChangePassword(ctx context.Context, from, to string, usePresence bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recoverJournal(ctx); err != nil {
		return err
	}

	gen, err := s.readGeneration(ctx)
	if err != nil {
		return err
	}
	if gen == 0 {
		return apperrors.ErrNotInitialized
	}

	// Authenticates against the current KEK before anything changes.
	dataKey, err := s.unwrapDataKeyAt(ctx, gen, from)
	if err != nil {
		return err
	}

	next := gen + 1
	newPassword := to
	storeRandom := false
	if newPassword == "" {
		newPassword, err = randomPassword()
		if err != nil {
			return apperrors.InitializationFailed("generate password", err)
		}
		storeRandom = true
	}

	factors := types.AuthFactorSet{types.FactorPassword}
	if usePresence {
		factors = append(factors, types.FactorUserPresence)
	}

	if err := s.writeJournal(ctx, rotationJournal{FromGeneration: gen, ToGeneration: next}); err != nil {
		return err
	}

	if _, err := s.keys.CreateKey(ctx, kekTag(next), s.class, factors, newPassword); err != nil {
		return apperrors.HardwareFailure("create rotation KEK", err)
	}

	wrapped, err := s.keys.Encrypt(ctx, kekTag(next), s.class, dataKey.Bytes())
	if err != nil {
		return err
	}
	if err := s.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindBlob, ID: wrappedID(next), Class: s.class, Data: wrapped,
	}); err != nil {
		return err
	}

	if storeRandom {
		if err := s.store.Create(ctx, secretstore.Item{
			Kind: secretstore.KindBlob, ID: passwordID(next), Class: s.class, Data: []byte(newPassword),
		}); err != nil {
			return err
		}
	}

	// The generation pointer is the commit point: one single-item upsert
	// flips the whole hierarchy to the new KEK.
	if err := s.writeGeneration(ctx, next); err != nil {
		return err
	}

	s.dropGeneration(ctx, gen)
	if err := s.store.Delete(ctx, secretstore.KindBlob, idJournal, s.class); err != nil {
		logger.Warn(ctx, "failed to clear rotation journal", "class", s.class, "error", err)
	}

	logger.Info(ctx, "KEK rotated", "class", s.class, "generation", next, "presence", usePresence)
	return nil
}

// DeleteAllKeys removes the password, wrapped data key, data public
// key, KEK, and all generic secrets for this class. Best-effort:
// partial failures are logged at warning level and do not abort the
// remaining deletions.
func (s *Store) DeleteAllKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	warn := func(what string, err error) {
		if err != nil {
			logger.Warn(ctx, "delete during reset failed", "class", s.class, "item", what, "error", err)
		}
	}

	for _, kind := range []secretstore.Kind{secretstore.KindBlob, secretstore.KindPublicKey} {
		ids, err := s.store.List(ctx, kind, s.class)
		if err != nil {
			warn(string(kind), err)
			continue
		}
		for _, id := range ids {
			warn(id, s.store.Delete(ctx, kind, id, s.class))
		}
	}

	tags, err := s.store.List(ctx, secretstore.KindKeyPair, s.class)
	if err != nil {
		warn("keypairs", err)
		return nil
	}
	for _, tag := range tags {
		warn(tag, s.keys.DeleteKey(ctx, tag, s.class))
	}
	return nil
}

// unwrapDataKey resolves the password and decrypts the data private key
// under the active generation's KEK.
func (s *Store) unwrapDataKey(ctx context.Context, password string) (*ecdh.PrivateKey, error) {
	gen, err := s.readGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if gen == 0 {
		return nil, apperrors.ErrNotInitialized
	}
	return s.unwrapDataKeyAt(ctx, gen, password)
}

func (s *Store) unwrapDataKeyAt(ctx context.Context, gen uint64, password string) (*ecdh.PrivateKey, error) {
	resolved, err := s.resolvePassword(ctx, gen, password)
	if err != nil {
		return nil, err
	}

	wrapped, err := s.store.Find(ctx, secretstore.KindBlob, wrappedID(gen), s.class)
	if err != nil {
		return nil, err
	}
	if wrapped == nil {
		return nil, apperrors.DecryptionFailed(fmt.Errorf("wrapped data key missing for generation %d", gen))
	}

	privBytes, err := s.keys.Decrypt(ctx, kekTag(gen), s.class, resolved, wrapped)
	if err != nil {
		return nil, err
	}

	priv, err := pkgcrypto.PrivateKeyFromBytes(privBytes)
	if err != nil {
		return nil, apperrors.DecryptionFailed(err)
	}

	// The unwrapped key pair must match the stored data public key;
	// anything else means the hierarchy is corrupt.
	storedPub, err := s.store.Find(ctx, secretstore.KindPublicKey, idDataPublicKey, s.class)
	if err != nil {
		return nil, err
	}
	if storedPub == nil || !bytesEqual(priv.PublicKey().Bytes(), storedPub) {
		return nil, apperrors.DecryptionFailed(fmt.Errorf("data key pair does not match stored public key"))
	}

	return priv, nil
}

// resolvePassword prefers the explicit password, falling back to the
// stored random one. A store that requires an explicit passcode has no
// stored password for the generation.
func (s *Store) resolvePassword(ctx context.Context, gen uint64, password string) (string, error) {
	if password != "" {
		return password, nil
	}

	stored, err := s.store.Find(ctx, secretstore.KindBlob, passwordID(gen), s.class)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", apperrors.AuthenticationFailed("passcode required")
	}
	return string(stored), nil
}

func (s *Store) readGeneration(ctx context.Context) (uint64, error) {
	data, err := s.store.Find(ctx, secretstore.KindBlob, idGeneration, s.class)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}
	gen, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, apperrors.DecryptionFailed(fmt.Errorf("corrupt generation pointer: %w", err))
	}
	return gen, nil
}

func (s *Store) writeGeneration(ctx context.Context, gen uint64) error {
	return s.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindBlob, ID: idGeneration, Class: s.class,
		Data: []byte(strconv.FormatUint(gen, 10)),
	})
}

// dropGeneration deletes one generation's KEK, wrapped data key, and
// stored password. Failures are logged; the items are unreachable once
// the pointer has moved on.
func (s *Store) dropGeneration(ctx context.Context, gen uint64) {
	if err := s.keys.DeleteKey(ctx, kekTag(gen), s.class); err != nil {
		logger.Warn(ctx, "failed to delete old KEK", "class", s.class, "generation", gen, "error", err)
	}
	if err := s.store.Delete(ctx, secretstore.KindBlob, wrappedID(gen), s.class); err != nil {
		logger.Warn(ctx, "failed to delete old wrapped data key", "class", s.class, "generation", gen, "error", err)
	}
	if err := s.store.Delete(ctx, secretstore.KindBlob, passwordID(gen), s.class); err != nil {
		logger.Warn(ctx, "failed to delete old stored password", "class", s.class, "generation", gen, "error", err)
	}
}

func kekTag(gen uint64) string {
	return prefixKEK + "g" + strconv.FormatUint(gen, 10)
}

func wrappedID(gen uint64) string {
	return prefixWrapped + "g" + strconv.FormatUint(gen, 10)
}

func passwordID(gen uint64) string {
	return prefixPassword + "g" + strconv.FormatUint(gen, 10)
}

func randomPassword() (string, error) {
	buf := make([]byte, passwordByteLen)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rotationJournal marks a rotation in flight. Presence of the journal
// on open means a crash interrupted a rotation; the generation pointer
// decides which side wins.
type rotationJournal struct {
	FromGeneration uint64 `json:"from_generation"`
	ToGeneration   uint64 `json:"to_generation"`
}

func (s *Store) writeJournal(ctx context.Context, j rotationJournal) error {
	data, err := json.Marshal(&j)
	if err != nil {
		return apperrors.StoreFailure("encode rotation journal", err)
	}
	return s.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindBlob, ID: idJournal, Class: s.class, Data: data,
	})
}

// recoverJournal resolves an interrupted rotation. If the generation
// pointer never moved, the half-built next generation is discarded; if
// it did move, the old generation's cleanup is finished.
func (s *Store) recoverJournal(ctx context.Context) error {
	data, err := s.store.Find(ctx, secretstore.KindBlob, idJournal, s.class)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	var j rotationJournal
	if err := json.Unmarshal(data, &j); err != nil {
		return apperrors.DecryptionFailed(fmt.Errorf("corrupt rotation journal: %w", err))
	}

	gen, err := s.readGeneration(ctx)
	if err != nil {
		return err
	}

	if gen == j.ToGeneration {
		logger.Warn(ctx, "finishing interrupted rotation", "class", s.class, "generation", gen)
		s.dropGeneration(ctx, j.FromGeneration)
	} else {
		logger.Warn(ctx, "rolling back interrupted rotation", "class", s.class, "generation", gen)
		s.dropGeneration(ctx, j.ToGeneration)
	}

	return s.store.Delete(ctx, secretstore.KindBlob, idJournal, s.class)
}
