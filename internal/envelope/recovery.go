package envelope

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	"github.com/multisafe/custody/internal/secretstore"
	pkgcrypto "github.com/multisafe/custody/pkg/crypto"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

const (
	// RecoveryShares is the number of shares in an exported kit.
	RecoveryShares = 3
	// RecoveryThreshold is how many shares reconstruct the data key.
	RecoveryThreshold = 2
)

// RecoveryKit holds Shamir shares of the data private key. Any
// RecoveryThreshold of them reconstruct the key; fewer reveal nothing.
// The kit is the only way to rebuild the hierarchy if the hardware KEK
// is lost.
type RecoveryKit struct {
	Shares    [][]byte
	Threshold int
}

// ExportRecoveryKit authenticates with the given password, unwraps the
// data private key, and splits it into recovery shares. The caller is
// responsible for distributing the shares offline.
func (s *Store) ExportRecoveryKit(ctx context.Context, password string) (*RecoveryKit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recoverJournal(ctx); err != nil {
		return nil, err
	}

	dataKey, err := s.unwrapDataKey(ctx, password)
	if err != nil {
		return nil, err
	}

	shares, err := shamir.Split(dataKey.Bytes(), RecoveryShares, RecoveryThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split data key: %w", err)
	}

	return &RecoveryKit{Shares: shares, Threshold: RecoveryThreshold}, nil
}

// RestoreFromRecoveryKit rebuilds the hierarchy around a data key
// reconstructed from recovery shares. The store must be uninitialized;
// callers wipe a corrupt hierarchy with DeleteAllKeys first. Secrets
// previously encrypted under the restored data public key become
// decryptable again once their blobs are re-imported into the store.
func (s *Store) RestoreFromRecoveryKit(ctx context.Context, shares [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(shares) < RecoveryThreshold {
		return fmt.Errorf("at least %d shares are required, got %d", RecoveryThreshold, len(shares))
	}

	if s.IsInitialized(ctx) {
		return apperrors.NewWithDetail(apperrors.CodeInitializationFailed,
			"Key store initialization failed", "store already initialized; reset before restoring")
	}

	keyBytes, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to combine shares: %w", err)
	}

	dataKey, err := pkgcrypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return apperrors.DecryptionFailed(fmt.Errorf("recovered bytes are not a valid data key: %w", err))
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

	return s.writeGeneration(ctx, gen)
}
