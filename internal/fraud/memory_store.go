package fraud

import (
	"context"
	"sync"
)

// MemoryAuditStore keeps fraud audits in memory, newest last per user.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	byUser map[string][]*Audit
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{byUser: make(map[string][]*Audit)}
}

func (s *MemoryAuditStore) Record(ctx context.Context, audit *Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *audit
	s.byUser[cp.UserID] = append(s.byUser[cp.UserID], &cp)
	return nil
}

func (s *MemoryAuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	audits := s.byUser[userID]
	if limit > 0 && len(audits) > limit {
		audits = audits[len(audits)-limit:]
	}
	out := make([]*Audit, len(audits))
	for i, a := range audits {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}
