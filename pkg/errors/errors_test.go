package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustodyError_Error(t *testing.T) {
	t.Run("without detail", func(t *testing.T) {
		err := New(CodeSigningFailed, "Signing failed")
		assert.Equal(t, "signing_failed: Signing failed", err.Error())
	})

	t.Run("with detail", func(t *testing.T) {
		err := NewWithDetail(CodeRelayFailure, "relay service returned status 502", "bad gateway")
		assert.Equal(t, "relay_failure: relay service returned status 502 (bad gateway)", err.Error())
	})
}

func TestCustodyError_Matching(t *testing.T) {
	t.Run("sentinels match by code across instances", func(t *testing.T) {
		err := AuthenticationFailed("wrong passcode for data class")
		assert.True(t, errors.Is(err, ErrAuthenticationFailed))
		assert.True(t, IsAuthenticationFailure(err))
		assert.False(t, IsCancelled(err))
	})

	t.Run("cancellation is not an authentication failure", func(t *testing.T) {
		assert.True(t, IsCancelled(ErrCancelledByUser))
		assert.False(t, IsAuthenticationFailure(ErrCancelledByUser))
	})

	t.Run("matching survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("unlock: %w", ErrNotInitialized)
		assert.True(t, errors.Is(err, ErrNotInitialized))

		custErr, ok := IsCustodyError(err)
		require.True(t, ok)
		assert.Equal(t, CodeNotInitialized, custErr.Code)
	})

	t.Run("cause unwraps", func(t *testing.T) {
		cause := errors.New("keychain busy")
		err := StoreFailure("create item", cause)
		assert.True(t, errors.Is(err, cause))
		assert.True(t, err.Retryable)
	})

	t.Run("plain errors are not custody errors", func(t *testing.T) {
		_, ok := IsCustodyError(errors.New("boom"))
		assert.False(t, ok)
	})
}

func TestConstructors(t *testing.T) {
	t.Run("nonce too low carries both numbers", func(t *testing.T) {
		err := NonceTooLow(3, 7)
		assert.Equal(t, CodeNonceTooLow, err.Code)
		assert.Contains(t, err.Detail, "3")
		assert.Contains(t, err.Detail, "7")
	})

	t.Run("decryption failure is not retryable", func(t *testing.T) {
		err := DecryptionFailed(errors.New("cipher: message authentication failed"))
		assert.Equal(t, CodeDecryptionFailed, err.Code)
		assert.False(t, err.Retryable)
	})

	t.Run("hardware failure is retryable", func(t *testing.T) {
		assert.True(t, HardwareFailure("unseal", errors.New("timeout")).Retryable)
	})
}

func TestAggregate(t *testing.T) {
	t.Run("nil and empty inputs produce no error", func(t *testing.T) {
		assert.NoError(t, Aggregate(CodeEstimationFailed, "partial", nil))
		assert.NoError(t, Aggregate(CodeEstimationFailed, "partial", []error{nil, nil}))
	})

	t.Run("every message survives", func(t *testing.T) {
		err := Aggregate(CodeEstimationFailed, "estimation partially failed", []error{
			errors.New("eth_estimateGas: execution reverted"),
			nil,
			errors.New("eth_getBalance: limit exceeded"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "eth_estimateGas")
		assert.Contains(t, err.Error(), "eth_getBalance")

		custErr, ok := IsCustodyError(err)
		require.True(t, ok)
		assert.Equal(t, CodeEstimationFailed, custErr.Code)
	})

	t.Run("first error becomes the cause", func(t *testing.T) {
		first := errors.New("first")
		err := Aggregate(CodeEstimationFailed, "partial", []error{first, errors.New("second")})
		assert.True(t, errors.Is(err, first))
	})
}
