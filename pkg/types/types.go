package types

import (
	"fmt"
	"time"
)

// ProtectionClass selects which key hierarchy guards a secret.
// Each class owns an independent KEK and data key pair; they never
// share key material.
type ProtectionClass string

const (
	// ClassSensitive guards transaction-confirmation secrets (signing keys).
	ClassSensitive ProtectionClass = "sensitive"

	// ClassData guards app-login/unlock secrets.
	ClassData ProtectionClass = "data"
)

// Valid reports whether the protection class is a known value.
func (c ProtectionClass) Valid() bool {
	return c == ClassSensitive || c == ClassData
}

// KeyType identifies how a signing key is provisioned and where its
// private material lives.
type KeyType string

const (
	// KeyTypeLocal is a key imported or generated on this device and held
	// encrypted in the envelope store.
	KeyTypeLocal KeyType = "local"

	// KeyTypeHardwareDongle is a key on an external hardware signer; no
	// private key material ever exists in-process.
	KeyTypeHardwareDongle KeyType = "hardware_dongle"

	// KeyTypeRemoteWallet is a key in a paired remote wallet reached over
	// an async request/callback flow.
	KeyTypeRemoteWallet KeyType = "remote_wallet"

	// KeyTypeCloudAuth is a key provisioned through cloud authentication
	// but custodied exactly like a local key.
	KeyTypeCloudAuth KeyType = "cloud_auth"
)

// LockMethod is the user-facing choice of how the security lock
// authenticates.
type LockMethod string

const (
	LockMethodPasscode                = LockMethod("passcode")
	LockMethodUserPresence            = LockMethod("user_presence")
	LockMethodPasscodeAndUserPresence = LockMethod("passcode_and_user_presence")
)

// RequiresPasscode reports whether the lock method needs a user passcode
// presented for the sensitive class.
func (m LockMethod) RequiresPasscode() bool {
	return m == LockMethodPasscode || m == LockMethodPasscodeAndUserPresence
}

// RequiresPresence reports whether the lock method needs biometric or
// device-code presence for the sensitive class.
func (m LockMethod) RequiresPresence() bool {
	return m == LockMethodUserPresence || m == LockMethodPasscodeAndUserPresence
}

// PasscodeOptions records which concerns the passcode is applied to.
type PasscodeOptions struct {
	UseForLogin        bool `json:"use_for_login"`
	UseForConfirmation bool `json:"use_for_confirmation"`
}

// AuthFactor is a single authentication requirement attached to a
// hardware-resident key at creation time.
type AuthFactor string

const (
	FactorPassword           AuthFactor = "password"
	FactorBiometryAny        AuthFactor = "biometry_any"
	FactorBiometryCurrentSet AuthFactor = "biometry_current_set"
	FactorDeviceCode         AuthFactor = "device_code"
	FactorUserPresence       AuthFactor = "user_presence"
)

// AuthFactorSet is the combination of factors required to use a key.
type AuthFactorSet []AuthFactor

// Has reports whether the set contains the given factor.
func (s AuthFactorSet) Has(f AuthFactor) bool {
	for _, v := range s {
		if v == f {
			return true
		}
	}
	return false
}

// RequiresPresence reports whether any presence-style factor is in the set.
func (s AuthFactorSet) RequiresPresence() bool {
	return s.Has(FactorBiometryAny) || s.Has(FactorBiometryCurrentSet) ||
		s.Has(FactorDeviceCode) || s.Has(FactorUserPresence)
}

// TxStatus is the lifecycle status of a submitted transaction.
type TxStatus string

const (
	TxStatusPending           TxStatus = "pending"
	TxStatusSuccess           TxStatus = "success"
	TxStatusFailed            TxStatus = "failed"
	TxStatusAwaitingExecution TxStatus = "awaiting_execution"
)

// Signature is a normalized secp256k1 signature: V is always the
// canonical recovery id 0 or 1, never 27/28 or EIP-155 encoded.
type Signature struct {
	V byte
	R [32]byte
	S [32]byte
}

// Bytes returns the 65-byte r||s||v wire form expected by
// crypto.SigToPub and friends.
func (sig Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[0:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = sig.V
	return out
}

// SignatureFromBytes parses a 65-byte r||s||v signature. The recovery
// byte must already be normalized to 0 or 1.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != 65 {
		return sig, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	if b[64] > 1 {
		return sig, fmt.Errorf("recovery id must be 0 or 1, got %d", b[64])
	}
	copy(sig.R[:], b[0:32])
	copy(sig.S[:], b[32:64])
	sig.V = b[64]
	return sig, nil
}

// PendingTransaction is the durable record created on submission and
// reconciled by the monitors. Keyed by (EthTxHash, ChainID).
type PendingTransaction struct {
	EthTxHash   string
	SafeTxHash  string
	ChainID     int64
	Status      TxStatus
	TaskID      *string // set for relay submissions only
	SubmittedAt time.Time
	UpdatedAt   time.Time
	ExecutedAt  *time.Time
}

// KeyDescriptor identifies a signing key to the router.
type KeyDescriptor struct {
	Address string
	Type    KeyType

	// SecretID locates the encrypted private key in the envelope store
	// for local and cloud_auth keys. Unused for external signer types.
	SecretID string
}
