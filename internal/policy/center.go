// Package policy orchestrates the two envelope key stores: which store
// guards which concern, and how user-facing lock-method choices
// translate into concrete KEK re-protection operations.
package policy

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/multisafe/custody/internal/envelope"
	"github.com/multisafe/custody/internal/logger"
	"github.com/multisafe/custody/internal/secretstore"
	pkgcrypto "github.com/multisafe/custody/pkg/crypto"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

const (
	settingsID = "security-settings"

	// unlockChallengeID is a fixed secret planted in the data store at
	// bootstrap; successfully decrypting it proves the passcode.
	unlockChallengeID        = "unlock-challenge"
	unlockChallengePlaintext = "custody.unlock.challenge.v1"
)

// PasscodePrompt requests the current passcode from the user when an
// operation needs it and none was supplied. Implementations return
// ErrCancelledByUser when the user dismisses the prompt.
type PasscodePrompt interface {
	RequestPasscode(ctx context.Context, reason string) (string, error)
}

// Settings is the persisted security-lock state.
type Settings struct {
	LockEnabled bool                  `json:"lock_enabled"`
	Method      types.LockMethod      `json:"method"`
	Options     types.PasscodeOptions `json:"options"`
}

// storeProtection is what one lock method means for one store.
type storeProtection struct {
	requiresPasscode bool
	requiresPresence bool
}

// protectionFor is the policy table: given a lock method, how each
// protection class must be guarded. The data store never combines
// passcode with presence; for the combined method it falls back to
// passcode only.
func protectionFor(method types.LockMethod, class types.ProtectionClass) storeProtection {
	switch method {
	case types.LockMethodPasscode:
		return storeProtection{requiresPasscode: true}
	case types.LockMethodUserPresence:
		return storeProtection{requiresPresence: true}
	case types.LockMethodPasscodeAndUserPresence:
		if class == types.ClassSensitive {
			return storeProtection{requiresPasscode: true, requiresPresence: true}
		}
		return storeProtection{requiresPasscode: true}
	default:
		return storeProtection{}
	}
}

// Center coordinates the sensitive and data envelope stores. Construct
// it with both store instances; there is no process-wide singleton.
type Center struct {
	mu        sync.Mutex
	sensitive *envelope.Store
	data      *envelope.Store
	store     secretstore.Store
	prompt    PasscodePrompt
}

// NewCenter creates a security policy center over the two class stores.
// prompt may be nil for headless use; operations that would need to ask
// for a passcode then fail with an authentication error.
func NewCenter(sensitive, data *envelope.Store, store secretstore.Store, prompt PasscodePrompt) *Center {
	return &Center{sensitive: sensitive, data: data, store: store, prompt: prompt}
}

// Bootstrap initializes both stores if needed and plants the unlock
// challenge in the data store. Safe to call on every startup.
func (c *Center) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range []*envelope.Store{c.sensitive, c.data} {
		if !st.IsInitialized(ctx) {
			if err := st.Initialize(ctx); err != nil {
				return err
			}
		}
	}

	challenge, err := c.data.Find(ctx, unlockChallengeID, "")
	if err == nil && challenge != nil {
		return nil
	}
	return c.data.Import(ctx, unlockChallengeID, []byte(unlockChallengePlaintext))
}

// SensitiveStore returns the store guarding transaction confirmation.
func (c *Center) SensitiveStore() *envelope.Store { return c.sensitive }

// DataStore returns the store guarding app login.
func (c *Center) DataStore() *envelope.Store { return c.data }

// Settings returns the persisted security settings, defaulting to lock
// disabled with the passcode method.
func (c *Center) Settings(ctx context.Context) (Settings, error) {
	data, err := c.store.Find(ctx, secretstore.KindBlob, settingsID, types.ClassData)
	if err != nil {
		return Settings{}, err
	}
	if data == nil {
		return Settings{Method: types.LockMethodPasscode}, nil
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, apperrors.StoreFailure("decode security settings", err)
	}
	return s, nil
}

func (c *Center) saveSettings(ctx context.Context, s Settings) error {
	data, err := json.Marshal(&s)
	if err != nil {
		return apperrors.StoreFailure("encode security settings", err)
	}
	return c.store.Create(ctx, secretstore.Item{
		Kind: secretstore.KindBlob, ID: settingsID, Class: types.ClassData, Data: data,
	})
}

// EnableSecurityLock turns the security lock on with the passcode
// method: both option flags are set, both stores are rotated from their
// random passwords to the derived passcode, and the enabled flag flips
// only after both rotations succeed.
//
// If the sensitive rotation succeeds but the data rotation fails, the
// option flags roll back and the error is returned; a retry re-runs
// both rotations, which is safe because rotation away from an already
// rotated store authenticates with the derived passcode it now holds.
func (c *Center) EnableSecurityLock(ctx context.Context, passcode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	settings, err := c.Settings(ctx)
	if err != nil {
		return err
	}
	if settings.LockEnabled {
		return nil
	}

	settings.Method = types.LockMethodPasscode
	settings.Options = types.PasscodeOptions{UseForLogin: true, UseForConfirmation: true}
	if err := c.saveSettings(ctx, settings); err != nil {
		return err
	}

	derived := pkgcrypto.DeriveKey(passcode)
	if err := c.rotateBoth(ctx, "", derived, settings.Method); err != nil {
		settings.Options = types.PasscodeOptions{}
		if saveErr := c.saveSettings(ctx, settings); saveErr != nil {
			logger.Warn(ctx, "failed to roll back lock options", "error", saveErr)
		}
		return err
	}

	settings.LockEnabled = true
	return c.saveSettings(ctx, settings)
}

// DisableSecurityLock authenticates with the current passcode (asking
// the prompt if none is supplied and the method requires one), rotates
// both stores back to random passwords, then clears the enabled flag.
func (c *Center) DisableSecurityLock(ctx context.Context, passcode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	settings, err := c.Settings(ctx)
	if err != nil {
		return err
	}
	if !settings.LockEnabled {
		return nil
	}

	derived, err := c.resolveDerived(ctx, settings.Method, passcode, "disable security lock")
	if err != nil {
		return err
	}

	if err := c.rotateStore(ctx, c.sensitive, derived, "", storeProtection{}); err != nil {
		return err
	}
	if err := c.rotateStore(ctx, c.data, derived, "", storeProtection{}); err != nil {
		return err
	}

	settings.LockEnabled = false
	settings.Options = types.PasscodeOptions{}
	return c.saveSettings(ctx, settings)
}

// ChangeLockMethod switches between passcode, presence, and combined
// locking. The old passcode is requested when the old method requires
// one; each store is rotated to its new protection, and the lock-method
// setting rolls back if any rotation fails.
func (c *Center) ChangeLockMethod(ctx context.Context, newMethod types.LockMethod, newPasscode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	settings, err := c.Settings(ctx)
	if err != nil {
		return err
	}
	oldMethod := settings.Method
	if oldMethod == newMethod {
		return nil
	}

	oldDerived := ""
	if settings.LockEnabled && oldMethod.RequiresPasscode() {
		oldDerived, err = c.resolveDerived(ctx, oldMethod, "", "change lock method")
		if err != nil {
			return err
		}
	}

	newDerived := ""
	if settings.LockEnabled && newMethod.RequiresPasscode() {
		if newPasscode == "" {
			return apperrors.AuthenticationFailed("new lock method requires a passcode")
		}
		newDerived = pkgcrypto.DeriveKey(newPasscode)
	}

	settings.Method = newMethod
	if err := c.saveSettings(ctx, settings); err != nil {
		return err
	}

	if settings.LockEnabled {
		if err := c.rotateBoth(ctx, oldDerived, newDerived, newMethod); err != nil {
			settings.Method = oldMethod
			if saveErr := c.saveSettings(ctx, settings); saveErr != nil {
				logger.Warn(ctx, "failed to roll back lock method", "error", saveErr)
			}
			return err
		}
	}

	return nil
}

// IsPasscodeCorrect derives the key from the plaintext passcode and
// attempts to decrypt the unlock challenge in the data store. Wrong
// passcodes are a false result, never an error. Passcodes derived
// under the legacy iteration count are also accepted.
func (c *Center) IsPasscodeCorrect(ctx context.Context, plaintext string) (bool, error) {
	if ok := c.tryChallenge(ctx, pkgcrypto.DeriveKey(plaintext)); ok {
		return true, nil
	}
	// Older installs derived with the legacy iteration count.
	if ok := c.tryChallenge(ctx, pkgcrypto.DeriveKeyLegacy(plaintext)); ok {
		return true, nil
	}
	return false, nil
}

func (c *Center) tryChallenge(ctx context.Context, derived string) bool {
	plaintext, err := c.data.Find(ctx, unlockChallengeID, derived)
	if err != nil || plaintext == nil {
		return false
	}
	return string(plaintext) == unlockChallengePlaintext
}

// DerivedKey derives the fixed-length key for a plaintext passcode.
func (c *Center) DerivedKey(plaintext string) string {
	return pkgcrypto.DeriveKey(plaintext)
}

// resolveDerived resolves the currently valid derived passcode: from
// the explicit argument, from the prompt when the method needs one, or
// empty when the stores hold random passwords.
func (c *Center) resolveDerived(ctx context.Context, method types.LockMethod, passcode, reason string) (string, error) {
	if !method.RequiresPasscode() {
		return "", nil
	}
	if passcode == "" {
		if c.prompt == nil {
			return "", apperrors.AuthenticationFailed("passcode required")
		}
		var err error
		passcode, err = c.prompt.RequestPasscode(ctx, reason)
		if err != nil {
			// Cancellation propagates untouched; it is a no-op, not a failure.
			return "", err
		}
	}
	return pkgcrypto.DeriveKey(passcode), nil
}

func (c *Center) rotateBoth(ctx context.Context, fromDerived, toDerived string, method types.LockMethod) error {
	if err := c.rotateStore(ctx, c.sensitive, fromDerived, toDerived, protectionFor(method, types.ClassSensitive)); err != nil {
		return err
	}
	return c.rotateStore(ctx, c.data, fromDerived, toDerived, protectionFor(method, types.ClassData))
}

// rotateStore rotates one store to match a target protection. A store
// that must not require a passcode rotates to a fresh random password;
// one that must rotates to the derived passcode.
//
// A store left behind by an interrupted multi-store change may already
// hold the target passcode; when the source password fails, the rotation
// retries with the target so the whole change is retryable.
func (c *Center) rotateStore(ctx context.Context, st *envelope.Store, fromDerived, toDerived string, target storeProtection) error {
	to := ""
	if target.requiresPasscode {
		to = toDerived
	}
	err := st.ChangePassword(ctx, fromDerived, to, target.requiresPresence)
	if err != nil && apperrors.IsAuthenticationFailure(err) && to != "" && to != fromDerived {
		return st.ChangePassword(ctx, to, to, target.requiresPresence)
	}
	return err
}
