// Package signing routes signature requests to the mechanism that
// holds the key: in-process envelope-custodied keys, external hardware
// dongles, or paired remote wallets.
package signing

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/multisafe/custody/internal/envelope"
	"github.com/multisafe/custody/internal/logger"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

// Request is one signature request. Hash is the 32-byte digest to
// sign; Preimage carries the full encoding for external signers that
// compute the digest themselves.
type Request struct {
	Key      types.KeyDescriptor
	Hash     []byte
	Preimage []byte
	ChainID  int64

	// Password is the derived passcode for the sensitive envelope store.
	// Empty means the store's random password is used.
	Password string
}

// DongleSigner signs on an external hardware device. The private key
// never exists in-process; implementations block until the device
// confirms or the context is cancelled.
type DongleSigner interface {
	SignHash(ctx context.Context, address string, preimage, hash []byte) (types.Signature, error)
}

// RemoteSigner requests a signature from a paired remote wallet over an
// async request/callback flow and returns the raw hex signature as the
// wallet produced it, recovery byte unmodified.
type RemoteSigner interface {
	RequestSignature(ctx context.Context, address string, hash []byte) (string, error)
}

// Router dispatches signature requests by key type. External signer
// collaborators may be nil; requests for their key types then fail.
type Router struct {
	sensitive *envelope.Store
	dongle    DongleSigner
	remote    RemoteSigner
}

// NewRouter creates a signing router over the sensitive envelope store.
func NewRouter(sensitive *envelope.Store, dongle DongleSigner, remote RemoteSigner) *Router {
	return &Router{sensitive: sensitive, dongle: dongle, remote: remote}
}

// Sign produces a normalized signature for the request. The recovery
// byte of the result is always 0 or 1; verifying that the recovered
// signer matches the expected address is the caller's responsibility.
func (r *Router) Sign(ctx context.Context, req Request) (types.Signature, error) {
	if len(req.Hash) != 32 {
		return types.Signature{}, apperrors.SigningFailed(
			fmt.Sprintf("hash must be 32 bytes, got %d", len(req.Hash)), nil)
	}

	switch req.Key.Type {
	case types.KeyTypeLocal, types.KeyTypeCloudAuth:
		return r.signLocal(ctx, req)
	case types.KeyTypeHardwareDongle:
		if r.dongle == nil {
			return types.Signature{}, apperrors.SigningFailed("no hardware dongle signer configured", nil)
		}
		sig, err := r.dongle.SignHash(ctx, req.Key.Address, req.Preimage, req.Hash)
		if err != nil {
			if apperrors.IsCancelled(err) {
				return types.Signature{}, err
			}
			return types.Signature{}, apperrors.SigningFailed("hardware dongle signing failed", err)
		}
		return normalize(sig, req.ChainID)
	case types.KeyTypeRemoteWallet:
		if r.remote == nil {
			return types.Signature{}, apperrors.SigningFailed("no remote wallet signer configured", nil)
		}
		return r.signRemote(ctx, req)
	default:
		return types.Signature{}, apperrors.SigningFailed(
			fmt.Sprintf("unknown key type %q", req.Key.Type), nil)
	}
}

// signLocal decrypts the private key from the envelope store and signs
// in-process. local and cloud_auth keys share this path; they differ
// only in how the key material was provisioned.
func (r *Router) signLocal(ctx context.Context, req Request) (types.Signature, error) {
	if req.Key.SecretID == "" {
		return types.Signature{}, apperrors.MissingRequiredField("key.secret_id")
	}

	keyBytes, err := r.sensitive.Find(ctx, req.Key.SecretID, req.Password)
	if err != nil {
		return types.Signature{}, err
	}
	if keyBytes == nil {
		return types.Signature{}, apperrors.SigningFailed(
			fmt.Sprintf("no key material for %s", req.Key.SecretID), nil)
	}
	defer zero(keyBytes)

	priv, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return types.Signature{}, apperrors.SigningFailed("invalid private key material", err)
	}

	raw, err := ethcrypto.Sign(req.Hash, priv)
	if err != nil {
		return types.Signature{}, apperrors.SigningFailed("secp256k1 sign", err)
	}

	// crypto.Sign already yields recovery id 0 or 1.
	sig, err := types.SignatureFromBytes(raw)
	if err != nil {
		return types.Signature{}, apperrors.SigningFailed("malformed signature", err)
	}
	return sig, nil
}

func (r *Router) signRemote(ctx context.Context, req Request) (types.Signature, error) {
	hexSig, err := r.remote.RequestSignature(ctx, req.Key.Address, req.Hash)
	if err != nil {
		if apperrors.IsCancelled(err) {
			return types.Signature{}, err
		}
		return types.Signature{}, apperrors.SigningFailed("remote wallet signing failed", err)
	}

	sig, err := ParseHexSignature(hexSig, req.ChainID)
	if err != nil {
		logger.Warn(ctx, "remote wallet returned unusable signature",
			"address", req.Key.Address, "error", err)
		return types.Signature{}, err
	}
	return sig, nil
}

// ParseHexSignature decodes a 65-byte hex signature and normalizes its
// recovery byte. Remote wallets encode v inconsistently: some return
// the raw recovery id, some the 27/28 Ethereum convention, some the
// ledger-style 31/32, and some the EIP-155 chain-encoded value.
func ParseHexSignature(hexSig string, chainID int64) (types.Signature, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexSig, "0x"))
	if err != nil {
		return types.Signature{}, apperrors.SigningFailed("signature is not valid hex", err)
	}
	if len(raw) != 65 {
		return types.Signature{}, apperrors.SigningFailed(
			fmt.Sprintf("signature must be 65 bytes, got %d", len(raw)), nil)
	}

	var sig types.Signature
	copy(sig.R[:], raw[0:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	return normalize(sig, chainID)
}

// NormalizeV maps any valid recovery-byte encoding to the canonical
// 0|1 value, or fails when no mapping lands there.
func NormalizeV(v uint64, chainID int64) (byte, error) {
	switch {
	case v <= 1:
		return byte(v), nil
	case v == 27 || v == 28:
		return byte(v - 27), nil
	case v == 31 || v == 32:
		return byte(v - 31), nil
	case v >= 35:
		rec := int64(v) - 35 - 2*chainID
		if rec != 0 && rec != 1 {
			return 0, apperrors.SigningFailed(
				fmt.Sprintf("recovery id %d does not decode for chain %d", v, chainID), nil)
		}
		return byte(rec), nil
	default:
		return 0, apperrors.SigningFailed(fmt.Sprintf("unsupported recovery byte %d", v), nil)
	}
}

func normalize(sig types.Signature, chainID int64) (types.Signature, error) {
	v, err := NormalizeV(uint64(sig.V), chainID)
	if err != nil {
		return types.Signature{}, err
	}
	sig.V = v
	return sig, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
