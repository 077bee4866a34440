// Package memstore is an in-process backend for development and tests.
// Each trader record carries a version and is updated by compare-and-swap, the
// same contract the MongoDB backend offers.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/status"
)

type record struct {
	st      *status.Status
	version int64
}

// Store keeps statuses and the audit log in memory.
type Store struct {
	mu       sync.RWMutex
	statuses map[string]record
	events   []*event.Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{statuses: make(map[string]record)}
}

func (s *Store) Get(_ context.Context, traderID string) (*status.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.statuses[traderID]
	if !ok {
		return nil, status.ErrNotFound
	}
	return rec.st.Clone(), nil
}

func (s *Store) Load(_ context.Context, traderID string) (*status.Status, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.statuses[traderID]
	if !ok {
		return nil, 0, nil
	}
	return rec.st.Clone(), rec.version, nil
}

func (s *Store) CompareAndSwap(_ context.Context, next *status.Status, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.statuses[next.TraderID]
	switch {
	case !ok && version != 0:
		return status.ErrConflict
	case ok && rec.version != version:
		return status.ErrConflict
	}
	s.statuses[next.TraderID] = record{st: next.Clone(), version: version + 1}
	return nil
}

func (s *Store) InsertAuditEvent(_ context.Context, ev *event.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.events = append(s.events, &cp)
	return cp.ID, nil
}

// EventsByTrader returns the trader's audited events oldest first.
func (s *Store) EventsByTrader(_ context.Context, traderID string) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.Event
	for _, ev := range s.events {
		if ev.TraderID == traderID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// EventCount returns the size of the audit log.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }
