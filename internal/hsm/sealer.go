// Package hsm provides the hardware security boundary: creation and use
// of non-exportable key-encryption keys bound to an authentication
// policy. The private half of a KEK is only ever stored sealed by a
// backend (local master key, AWS KMS, or Vault Transit) and is unsealed
// transiently inside Decrypt after the policy's factors are presented.
package hsm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
)

// Sealer protects KEK private halves at rest. Different backends
// (local master key, AWS KMS, HashiCorp Vault) implement this interface.
type Sealer interface {
	// Seal encrypts a KEK private half for storage.
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)

	// Unseal decrypts a stored KEK private half.
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)

	// Backend returns the backend name (e.g., "local", "aws-kms", "vault").
	Backend() string
}

// SealerBackend identifies supported sealing backends.
type SealerBackend string

const (
	// BackendLocal seals under a local master key (development or
	// single-node deployments).
	BackendLocal SealerBackend = "local"

	// BackendAWSKMS seals via AWS KMS.
	BackendAWSKMS SealerBackend = "aws-kms"

	// BackendVault seals via HashiCorp Vault's Transit engine.
	BackendVault SealerBackend = "vault"
)

// SealerConfig contains configuration for the sealing backends.
type SealerConfig struct {
	Backend string

	// Local backend
	LocalMasterKeyHex string

	// AWS KMS backend
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault backend
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// LocalSealer seals with AES-GCM under a local master key.
type LocalSealer struct {
	masterKey []byte
}

// NewLocalSealer creates a local sealer from a hex-encoded 32-byte
// master key.
func NewLocalSealer(masterKeyHex string) (*LocalSealer, error) {
	if masterKeyHex == "" {
		return nil, fmt.Errorf("master key is required for local sealer")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must decode to 32 bytes, got %d", len(masterKey))
	}

	return &LocalSealer{masterKey: masterKey}, nil
}

// Seal encrypts with AES-GCM, nonce prepended.
func (s *LocalSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts an AES-GCM sealed value.
func (s *LocalSealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed value too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal: %w", err)
	}

	return plaintext, nil
}

// Backend returns the backend name.
func (s *LocalSealer) Backend() string {
	return string(BackendLocal)
}

// AWSKMSSealer seals via AWS KMS.
type AWSKMSSealer struct {
	keyID  string
	client *kms.Client
}

// NewAWSKMSSealer creates an AWS KMS sealer.
func NewAWSKMSSealer(keyID, region string) (*AWSKMSSealer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	// Default credential chain: env vars, shared config, IAM role.
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMSSealer{keyID: keyID, client: kms.NewFromConfig(cfg)}, nil
}

// Seal encrypts via AWS KMS.
func (s *AWSKMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	output, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

// Unseal decrypts via AWS KMS.
func (s *AWSKMSSealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	output, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(s.keyID),
		CiphertextBlob: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

// Backend returns the backend name.
func (s *AWSKMSSealer) Backend() string {
	return string(BackendAWSKMS)
}

// VaultSealer seals via HashiCorp Vault's Transit engine.
type VaultSealer struct {
	transitKey string
	client     *vault.Client
}

// NewVaultSealer creates a Vault Transit sealer.
func NewVaultSealer(address, token, transitKey string) (*VaultSealer, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("Vault transit key name is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultSealer{transitKey: transitKey, client: client}, nil
}

// Seal encrypts via Vault Transit.
func (s *VaultSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	// Vault Transit requires base64-encoded plaintext.
	encoded := base64.StdEncoding.EncodeToString(plaintext)

	path := fmt.Sprintf("transit/encrypt/%s", s.transitKey)
	secret, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit encrypt failed: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit encrypt returned empty response")
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit encrypt: ciphertext not found in response")
	}

	// The ciphertext is a vault:v1:... string.
	return []byte(ciphertext), nil
}

// Unseal decrypts via Vault Transit.
func (s *VaultSealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/decrypt/%s", s.transitKey)
	secret, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt failed: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit decrypt returned empty response")
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit decrypt: plaintext not found in response")
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt: failed to decode plaintext: %w", err)
	}

	return plaintext, nil
}

// Backend returns the backend name.
func (s *VaultSealer) Backend() string {
	return string(BackendVault)
}

// NewSealer creates a Sealer based on the configuration.
func NewSealer(cfg *SealerConfig) (Sealer, error) {
	backend := SealerBackend(cfg.Backend)

	switch backend {
	case BackendLocal, "": // Default to local
		return NewLocalSealer(cfg.LocalMasterKeyHex)

	case BackendAWSKMS:
		return NewAWSKMSSealer(cfg.AWSKMSKeyID, cfg.AWSKMSRegion)

	case BackendVault:
		return NewVaultSealer(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)

	default:
		return nil, fmt.Errorf("unsupported sealing backend: %s (supported: %s, %s, %s)",
			backend, BackendLocal, BackendAWSKMS, BackendVault)
	}
}

// Ensure backends implement Sealer
var (
	_ Sealer = (*LocalSealer)(nil)
	_ Sealer = (*AWSKMSSealer)(nil)
	_ Sealer = (*VaultSealer)(nil)
)
