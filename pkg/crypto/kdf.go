package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for passcode derivation. DerivationIterations is
// the canonical count; LegacyDerivationIterations is what older installs
// used, kept so previously derived passcodes still verify.
const (
	DerivationIterations       = 100_000
	LegacyDerivationIterations = 500_000
	derivationKeyLength        = 32
	derivationSalt             = "custody.passcode.salt.v1"
)

// DeriveKey derives a fixed-length key from a plaintext passcode using
// PBKDF2-HMAC-SHA256 and returns it hex-encoded.
func DeriveKey(passcode string) string {
	return deriveHex(passcode, DerivationIterations)
}

// DeriveKeyLegacy derives the key using the legacy iteration count.
// Used only to verify passcodes set by older versions.
func DeriveKeyLegacy(passcode string) string {
	return deriveHex(passcode, LegacyDerivationIterations)
}

func deriveHex(passcode string, iterations int) string {
	key := pbkdf2.Key([]byte(passcode), []byte(derivationSalt), iterations, derivationKeyLength, sha256.New)
	return hex.EncodeToString(key)
}
