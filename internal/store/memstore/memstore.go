// Package memstore provides an in-memory implementation of [store.Store].
//
// It backs tests and single-node deployments that run without a database.
// Records are deep-copied on the way in and out so callers never share
// mutable state with the store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a mutex-guarded map of call records. All methods are safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	calls map[string]*call.Record
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{calls: make(map[string]*call.Record)}
}

// CreateCall implements [store.Store].
func (s *Store) CreateCall(_ context.Context, rec *call.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.CallID]; ok {
		return fmt.Errorf("memstore: create %s: record exists", rec.CallID)
	}
	s.calls[rec.CallID] = cloneRecord(rec)
	return nil
}

// MarkInProgress implements [store.Store].
func (s *Store) MarkInProgress(_ context.Context, callID string) error {
	return s.setStatus(callID, call.StatusInProgress)
}

// MarkOnHold implements [store.Store].
func (s *Store) MarkOnHold(_ context.Context, callID string) error {
	return s.setStatus(callID, call.StatusOnHold)
}

func (s *Store) setStatus(callID string, status call.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("memstore: set status of %s: %w", callID, call.ErrNotFound)
	}
	rec.Status = status
	return nil
}

// GetCall implements [store.Store]. It returns (nil, nil) when no record
// exists for callID.
func (s *Store) GetCall(_ context.Context, callID string) (*call.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// UpdateConversationHistory implements [store.Store].
func (s *Store) UpdateConversationHistory(_ context.Context, callID string, history []call.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("memstore: update history of %s: %w", callID, call.ErrNotFound)
	}
	rec.ConversationHistory = cloneMessages(history)
	return nil
}

// Finalize implements [store.Store].
func (s *Store) Finalize(_ context.Context, callID string, fin call.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("memstore: finalize %s: %w", callID, call.ErrNotFound)
	}
	endedAt := fin.EndedAt
	rec.EndedAt = &endedAt
	rec.DurationSeconds = fin.DurationSeconds
	rec.Status = fin.Status
	rec.ErrorMessage = fin.ErrorMessage
	rec.ConversationHistory = cloneMessages(fin.ConversationHistory)
	rec.CarrierEvents = cloneLogs(fin.CarrierEvents)
	rec.ProviderEvents = cloneLogs(fin.ProviderEvents)
	return nil
}

// ListByStatus implements [store.Store].
func (s *Store) ListByStatus(_ context.Context, status call.Status) ([]*call.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*call.Record
	for _, rec := range s.calls {
		if rec.Status == status {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func cloneRecord(rec *call.Record) *call.Record {
	out := *rec
	if rec.EndedAt != nil {
		endedAt := *rec.EndedAt
		out.EndedAt = &endedAt
	}
	out.ConversationHistory = cloneMessages(rec.ConversationHistory)
	out.CarrierEvents = cloneLogs(rec.CarrierEvents)
	out.ProviderEvents = cloneLogs(rec.ProviderEvents)
	return &out
}

func cloneMessages(in []call.Message) []call.Message {
	if in == nil {
		return nil
	}
	out := make([]call.Message, len(in))
	copy(out, in)
	return out
}

func cloneLogs(in []call.LogEntry) []call.LogEntry {
	if in == nil {
		return nil
	}
	out := make([]call.LogEntry, len(in))
	for i, e := range in {
		out[i] = e
		if e.Data != nil {
			data := make(map[string]any, len(e.Data))
			for k, v := range e.Data {
				data[k] = v
			}
			out[i].Data = data
		}
	}
	return out
}
