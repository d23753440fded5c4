// Package session contains the per-call runtime that bridges the carrier
// media stream with a realtime provider session, and the process-wide
// manager that bounds how many such runtimes may exist at once.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callbridge-ai/callbridge/internal/call"
)

// Limits are the admission caps enforced by the Manager.
type Limits struct {
	MaxTotal    int
	MaxOutgoing int
	MaxIncoming int
}

// Stats is a point-in-time census of registered sessions.
type Stats struct {
	TotalCalls    int `json:"totalCalls"`
	OutgoingCalls int `json:"outgoingCalls"`
	IncomingCalls int `json:"incomingCalls"`
}

// ActiveCall is one row of the active-call listing.
type ActiveCall struct {
	CallID          string         `json:"callId"`
	Direction       call.Direction `json:"direction"`
	Status          call.Status    `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	DurationSeconds int            `json:"durationSeconds"`
}

// Report summarises an emergency shutdown.
type Report struct {
	TerminatedCount int      `json:"terminatedCount"`
	FailedCount     int      `json:"failedCount"`
	TerminatedCalls []string `json:"terminatedCalls"`
	FailedCalls     []string `json:"failedCalls,omitempty"`
}

type entry struct {
	callID    string
	direction call.Direction
	startedAt time.Time

	// rt is nil while the entry is a reservation: the slot is held for an
	// originated outbound call whose media stream has not connected yet.
	rt *Runtime
}

// Manager is the process-wide registry of live sessions. It is the single
// authority on admission: the capacity check and the registration are atomic
// under one mutex, so concurrent starts can never overshoot the caps.
type Manager struct {
	mu       sync.Mutex
	limits   Limits
	sessions map[string]*entry
	log      *slog.Logger
}

// NewManager creates an empty registry with the given caps.
func NewManager(limits Limits, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		limits:   limits,
		sessions: make(map[string]*entry),
		log:      log,
	}
}

// statsLocked counts registered sessions. m.mu must be held.
func (m *Manager) statsLocked() Stats {
	var s Stats
	for _, e := range m.sessions {
		s.TotalCalls++
		if e.direction == call.DirectionOutbound {
			s.OutgoingCalls++
		} else {
			s.IncomingCalls++
		}
	}
	return s
}

// canAcceptLocked checks all three caps for one more call in direction.
// m.mu must be held.
func (m *Manager) canAcceptLocked(direction call.Direction) bool {
	s := m.statsLocked()
	if s.TotalCalls >= m.limits.MaxTotal {
		return false
	}
	if direction == call.DirectionOutbound {
		return s.OutgoingCalls < m.limits.MaxOutgoing
	}
	return s.IncomingCalls < m.limits.MaxIncoming
}

// AdmitAndRegister atomically checks capacity and registers rt under callID.
// Returns call.ErrCapacityExceeded when a cap would be exceeded and an error
// when callID is already registered.
func (m *Manager) AdmitAndRegister(callID string, direction call.Direction, rt *Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[callID]; ok {
		return fmt.Errorf("session manager: call %s already registered", callID)
	}
	if !m.canAcceptLocked(direction) {
		return call.ErrCapacityExceeded
	}
	m.sessions[callID] = &entry{
		callID:    callID,
		direction: direction,
		startedAt: time.Now(),
		rt:        rt,
	}
	return nil
}

// Reserve holds a capacity slot for an outbound call that has been originated
// but whose media stream has not connected yet. The reservation counts
// against the caps like a live session.
func (m *Manager) Reserve(callID string, direction call.Direction) error {
	return m.AdmitAndRegister(callID, direction, nil)
}

// Attach binds the runtime to a previously reserved slot.
func (m *Manager) Attach(callID string, rt *Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[callID]
	if !ok {
		return fmt.Errorf("session manager: attach %s: %w", callID, call.ErrNotFound)
	}
	if e.rt != nil {
		return fmt.Errorf("session manager: attach %s: already attached", callID)
	}
	e.rt = rt
	return nil
}

// Rebind renames a reservation once the carrier assigns the real call id.
// Origination reserves under a placeholder first so the capacity check and
// the slot claim stay atomic without holding the lock across the REST call.
func (m *Manager) Rebind(oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[oldID]
	if !ok {
		return fmt.Errorf("session manager: rebind %s: %w", oldID, call.ErrNotFound)
	}
	if _, exists := m.sessions[newID]; exists {
		return fmt.Errorf("session manager: rebind: call %s already registered", newID)
	}
	delete(m.sessions, oldID)
	e.callID = newID
	m.sessions[newID] = e
	return nil
}

// ReleaseReservation removes callID only if no runtime ever attached. Used as
// an expiry safety net for originated calls that never produced a media
// stream (callee never answered, carrier error).
func (m *Manager) ReleaseReservation(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[callID]
	if !ok || e.rt != nil {
		return false
	}
	delete(m.sessions, callID)
	m.log.Info("session manager: released unanswered reservation", "callId", callID)
	return true
}

// Unregister removes callID from the registry. Safe to call for ids that are
// not registered.
func (m *Manager) Unregister(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
}

// Get returns the live runtime for callID. ok is false when the call is
// unknown or its media stream has not attached yet.
func (m *Manager) Get(callID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[callID]
	if !ok || e.rt == nil {
		return nil, false
	}
	return e.rt, true
}

// Stats returns the current census.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// ListActive returns a snapshot of all registered calls, oldest first.
func (m *Manager) ListActive() []ActiveCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ActiveCall, 0, len(m.sessions))
	now := time.Now()
	for _, e := range m.sessions {
		status := call.StatusInProgress
		if e.rt == nil {
			status = call.StatusInitiated
		}
		out = append(out, ActiveCall{
			CallID:          e.callID,
			Direction:       e.direction,
			Status:          status,
			StartedAt:       e.startedAt,
			DurationSeconds: int(now.Sub(e.startedAt).Seconds()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// EmergencyShutdown ends every registered call concurrently and reports the
// outcome per call. Unattached reservations are simply dropped.
func (m *Manager) EmergencyShutdown(ctx context.Context) Report {
	// Snapshot by value: entry fields are mutated under m.mu by Attach and
	// Rebind, so the goroutines below must not touch the live entries.
	type target struct {
		callID string
		rt     *Runtime
	}
	m.mu.Lock()
	targets := make([]target, 0, len(m.sessions))
	for _, e := range m.sessions {
		targets = append(targets, target{callID: e.callID, rt: e.rt})
	}
	m.mu.Unlock()

	var (
		reportMu sync.Mutex
		report   Report
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			var err error
			if t.rt != nil {
				_, err = t.rt.Hangup(ctx)
			} else {
				m.Unregister(t.callID)
			}

			reportMu.Lock()
			defer reportMu.Unlock()
			if err != nil {
				report.FailedCount++
				report.FailedCalls = append(report.FailedCalls, t.callID)
				m.log.Error("emergency shutdown: hangup failed", "callId", t.callID, "err", err)
				return nil
			}
			report.TerminatedCount++
			report.TerminatedCalls = append(report.TerminatedCalls, t.callID)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.TerminatedCalls)
	sort.Strings(report.FailedCalls)
	return report
}
