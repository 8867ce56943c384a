package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-memory Store used when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Transaction
	byUser map[string][]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Transaction),
		byUser: make(map[string][]*Transaction),
	}
}

func (s *MemoryStore) Append(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tx
	s.byID[cp.ID] = &cp
	s.byUser[cp.From] = append(s.byUser[cp.From], &cp)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.byUser[userID]
	out := make([]*Transaction, len(history))
	for i, tx := range history {
		cp := *tx
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, blockNumber int64, confirmations int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	tx.BlockNumber = blockNumber
	tx.Confirmations = confirmations
	return nil
}
