// Package secretstore provides generic encrypted-blob storage keyed by
// (kind, id, protection class). It is the durable layer under the
// envelope key store; all values written here are either public or
// already ciphertext.
package secretstore

import (
	"context"

	"github.com/multisafe/custody/pkg/types"
)

// Kind discriminates the item union.
type Kind string

const (
	// KindBlob is a generic encrypted blob (imported secrets, settings,
	// rotation journal).
	KindBlob Kind = "blob"

	// KindKeyPair is a hardware-resident key pair record. The private
	// half stored here is always sealed by the key provider backend.
	KindKeyPair Kind = "keypair"

	// KindPublicKey is an unencrypted public key.
	KindPublicKey Kind = "pubkey"
)

// Item is one entry in the store. Identity is (Kind, Class, ID).
type Item struct {
	Kind  Kind
	ID    string
	Class types.ProtectionClass
	Data  []byte
}

// Store is the secure-item storage contract.
//
// Create has upsert semantics: any pre-existing item with the same
// identity is deleted first. Find returns (nil, nil) when the item does
// not exist; Delete of a missing item is not an error. Items are never
// updated in place.
type Store interface {
	Create(ctx context.Context, item Item) error
	Find(ctx context.Context, kind Kind, id string, class types.ProtectionClass) ([]byte, error)
	Delete(ctx context.Context, kind Kind, id string, class types.ProtectionClass) error

	// List returns the IDs of all items of a kind within a class,
	// used for class-wide cleanup.
	List(ctx context.Context, kind Kind, class types.ProtectionClass) ([]string, error)
}
