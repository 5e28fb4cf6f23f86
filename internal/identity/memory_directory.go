package identity

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory profile directory for demo/development mode.
type MemoryDirectory struct {
	profiles map[string]*Profile
	mu       sync.RWMutex
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{profiles: make(map[string]*Profile)}
}

// Put inserts or replaces a profile.
func (m *MemoryDirectory) Put(p *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.ID] = &cp
}

func (m *MemoryDirectory) ProfileByID(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

var _ Directory = (*MemoryDirectory)(nil)
