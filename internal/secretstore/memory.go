package secretstore

import (
	"context"
	"sync"

	"github.com/multisafe/custody/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and by deployments
// that have no database configured.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[memKey][]byte
}

type memKey struct {
	kind  Kind
	class types.ProtectionClass
	id    string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[memKey][]byte)}
}

// Create stores an item, replacing any existing one with the same identity.
func (s *MemoryStore) Create(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make([]byte, len(item.Data))
	copy(data, item.Data)
	s.items[memKey{item.Kind, item.Class, item.ID}] = data
	return nil
}

// Find returns the item data, or (nil, nil) if it does not exist.
func (s *MemoryStore) Find(ctx context.Context, kind Kind, id string, class types.ProtectionClass) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.items[memKey{kind, class, id}]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes an item. Missing items are not an error.
func (s *MemoryStore) Delete(ctx context.Context, kind Kind, id string, class types.ProtectionClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, memKey{kind, class, id})
	return nil
}

// List returns the IDs of all items of a kind within a class.
func (s *MemoryStore) List(ctx context.Context, kind Kind, class types.ProtectionClass) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for k := range s.items {
		if k.kind == kind && k.class == class {
			ids = append(ids, k.id)
		}
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
