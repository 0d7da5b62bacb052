package secretstore

import (
	"context"
	"sync"
)

// MemoryStore keeps credential versions in process memory. It backs local
// development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][][]byte)}
}

func (s *MemoryStore) Fetch(ctx context.Context, companyID string) (Credential, error) {
	id, err := SecretID(companyID)
	if err != nil {
		return Credential{}, err
	}

	s.mu.RLock()
	versions := s.versions[id]
	s.mu.RUnlock()
	if len(versions) == 0 {
		return Credential{}, ErrSecretNotFound
	}
	return Decode(versions[len(versions)-1])
}

func (s *MemoryStore) Upsert(ctx context.Context, companyID string, credential Credential) error {
	id, err := SecretID(companyID)
	if err != nil {
		return err
	}
	data, err := Encode(credential)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.versions[id] = append(s.versions[id], data)
	s.mu.Unlock()
	return nil
}

// Versions reports how many versions exist for a company.
func (s *MemoryStore) Versions(companyID string) int {
	id, err := SecretID(companyID)
	if err != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions[id])
}
