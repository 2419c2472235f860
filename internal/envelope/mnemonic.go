package envelope

import (
	"context"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"

	apperrors "github.com/multisafe/custody/pkg/errors"
)

// ImportMnemonic derives a secp256k1 signing key from a BIP-39 mnemonic
// and imports it as a generic secret under id. Returns the derived
// Ethereum address.
//
// The key is the first 32 bytes of the BIP-39 seed taken directly, not
// a BIP-32/44 path derivation, so the address will not match an HD
// wallet restored from the same phrase.
func (s *Store) ImportMnemonic(ctx context.Context, id, mnemonic, passphrase string) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", apperrors.NewWithDetail(apperrors.CodeEncryptionFailed,
			"Encryption failed", "invalid mnemonic phrase")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	privateKey, err := ethcrypto.ToECDSA(seed[:32])
	if err != nil {
		return "", fmt.Errorf("seed does not yield a valid key: %w", err)
	}

	address := ethcrypto.PubkeyToAddress(privateKey.PublicKey).Hex()

	keyBytes := ethcrypto.FromECDSA(privateKey)
	defer zero(keyBytes)

	if err := s.Import(ctx, id, keyBytes); err != nil {
		return "", err
	}
	return address, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
