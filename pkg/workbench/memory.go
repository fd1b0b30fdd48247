package workbench

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

// MemoryStore backs dev mode and tests. Mutate serializes on a single
// mutex, which gives the same callback-under-lock contract as the
// Postgres row lock.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string]*Draft
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]*Draft)}
}

func (s *MemoryStore) Insert(ctx context.Context, d *Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.drafts[d.DraftID] = &cp
	return nil
}

func (s *MemoryStore) List(ctx context.Context, projectID string) ([]Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Draft
	for _, d := range s.drafts {
		if d.ProjectID != projectID || d.Deleted {
			continue
		}
		cp := *d
		cp.Content = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) Mutate(ctx context.Context, draftID string, fn func(d *Draft) error) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[draftID]
	if !ok || d.Deleted {
		return nil, fault.New(fault.NotFound, "draft not found")
	}
	cp := *d
	if err := fn(&cp); err != nil {
		return nil, err
	}
	if !cp.unchangedSince(d) {
		cp.UpdatedAt = time.Now().UTC()
		s.drafts[draftID] = &cp
	}
	out := cp
	return &out, nil
}
