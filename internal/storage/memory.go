package storage

import (
	"context"
	"sync"
)

// Ensure MemoryStorage implements StateStore
var _ StateStore = (*MemoryStorage)(nil)

// MemoryStorage keeps state records in process memory. Records are lost on
// restart, so it is meant for development and tests.
type MemoryStorage struct {
	opts       options
	mu         sync.RWMutex
	byState    map[string]*StateRecord // state -> record
	byIdentity map[string]string       // identity -> state
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	return &MemoryStorage{
		opts:       buildOptions(opts),
		byState:    make(map[string]*StateRecord),
		byIdentity: make(map[string]string),
	}
}

// UpsertState replaces the record for the identity under a single lock.
func (s *MemoryStorage) UpsertState(ctx context.Context, rec StateRecord) (*StateRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("upsert", err)
	}

	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.byState[rec.State]; ok && holder.Identity != rec.Identity {
		if !holder.Expired(now) {
			return nil, ErrStateConflict
		}
		// expired holder gives up the state
		delete(s.byIdentity, holder.Identity)
		delete(s.byState, rec.State)
	}

	rec.CreatedAt = now
	if prevState, ok := s.byIdentity[rec.Identity]; ok {
		if prev, ok := s.byState[prevState]; ok {
			rec.CreatedAt = prev.CreatedAt
		}
		delete(s.byState, prevState)
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.opts.ttl)

	stored := rec
	s.byState[rec.State] = &stored
	s.byIdentity[rec.Identity] = rec.State

	out := stored
	return &out, nil
}

// FindByState returns a copy of the live record holding state.
func (s *MemoryStorage) FindByState(ctx context.Context, state string) (*StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("find", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byState[state]
	if !ok || rec.Expired(s.opts.now()) {
		return nil, ErrStateNotFound
	}
	out := *rec
	return &out, nil
}

// CleanupExpiredStates removes expired records from both indexes.
func (s *MemoryStorage) CleanupExpiredStates(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("cleanup", err)
	}

	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for state, rec := range s.byState {
		if !rec.Expired(now) {
			continue
		}
		delete(s.byState, state)
		if s.byIdentity[rec.Identity] == state {
			delete(s.byIdentity, rec.Identity)
		}
		count++
	}
	return count, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byState)
}

func (s *MemoryStorage) Close() error {
	return nil
}
