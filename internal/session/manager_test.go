package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/session"
)

func TestManagerAdmissionCaps(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Limits{MaxTotal: 3, MaxOutgoing: 2, MaxIncoming: 2}, nil)

	if err := mgr.Reserve("out-1", call.DirectionOutbound); err != nil {
		t.Fatalf("out-1: %v", err)
	}
	if err := mgr.Reserve("out-2", call.DirectionOutbound); err != nil {
		t.Fatalf("out-2: %v", err)
	}
	// Directional cap.
	if err := mgr.Reserve("out-3", call.DirectionOutbound); !errors.Is(err, call.ErrCapacityExceeded) {
		t.Errorf("out-3 = %v, want ErrCapacityExceeded", err)
	}

	if err := mgr.Reserve("in-1", call.DirectionInbound); err != nil {
		t.Fatalf("in-1: %v", err)
	}
	// Total cap beats the remaining inbound headroom.
	if err := mgr.Reserve("in-2", call.DirectionInbound); !errors.Is(err, call.ErrCapacityExceeded) {
		t.Errorf("in-2 = %v, want ErrCapacityExceeded", err)
	}

	stats := mgr.Stats()
	if stats.TotalCalls != 3 || stats.OutgoingCalls != 2 || stats.IncomingCalls != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// Freeing a slot re-opens admission.
	mgr.Unregister("out-1")
	if err := mgr.Reserve("in-2", call.DirectionInbound); err != nil {
		t.Errorf("in-2 after free = %v", err)
	}
}

func TestManagerDuplicateRegistration(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Limits{MaxTotal: 5, MaxOutgoing: 5, MaxIncoming: 5}, nil)

	if err := mgr.Reserve("CA1", call.DirectionInbound); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Reserve("CA1", call.DirectionInbound); err == nil {
		t.Error("duplicate registration succeeded")
	}
}

func TestManagerReservationLifecycle(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Limits{MaxTotal: 5, MaxOutgoing: 5, MaxIncoming: 5}, nil)

	if err := mgr.Reserve("CA1", call.DirectionOutbound); err != nil {
		t.Fatal(err)
	}
	// A reservation is not yet a live session.
	if _, ok := mgr.Get("CA1"); ok {
		t.Error("Get returned an unattached reservation")
	}
	// But it occupies a slot and shows in the listing.
	active := mgr.ListActive()
	if len(active) != 1 || active[0].Status != call.StatusInitiated {
		t.Errorf("active = %+v", active)
	}

	rt := session.NewRuntime(session.Deps{Manager: mgr})
	if err := mgr.Attach("CA1", rt); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got, ok := mgr.Get("CA1"); !ok || got != rt {
		t.Error("Get did not return the attached runtime")
	}
	// Attached entries are no longer reservations.
	if mgr.ReleaseReservation("CA1") {
		t.Error("ReleaseReservation removed an attached session")
	}

	if err := mgr.Attach("CA-none", rt); !errors.Is(err, call.ErrNotFound) {
		t.Errorf("Attach(unknown) = %v, want ErrNotFound", err)
	}
}

func TestManagerReleaseReservation(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Limits{MaxTotal: 1, MaxOutgoing: 1, MaxIncoming: 1}, nil)

	if err := mgr.Reserve("CA1", call.DirectionOutbound); err != nil {
		t.Fatal(err)
	}
	if !mgr.ReleaseReservation("CA1") {
		t.Fatal("release returned false for an unattached reservation")
	}
	// The slot is free again.
	if err := mgr.Reserve("CA2", call.DirectionOutbound); err != nil {
		t.Errorf("reserve after release = %v", err)
	}
}

func TestManagerConcurrentAdmission(t *testing.T) {
	t.Parallel()
	const limit = 5
	mgr := session.NewManager(session.Limits{MaxTotal: limit, MaxOutgoing: limit, MaxIncoming: limit}, nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := mgr.Reserve(string(rune('a'+n%26))+string(rune('0'+n/26)), call.DirectionInbound); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted = %d, want %d", admitted, limit)
	}
	if stats := mgr.Stats(); stats.TotalCalls != limit {
		t.Errorf("stats = %+v", stats)
	}
}

// Shutdown snapshots entries while rebinds mutate them; the race detector
// flags any access to live entry fields outside the registry lock.
func TestManagerEmergencyShutdownDuringRebind(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Limits{MaxTotal: 64, MaxOutgoing: 64, MaxIncoming: 64}, nil)

	const n = 16
	for i := 0; i < n; i++ {
		if err := mgr.Reserve(fmt.Sprintf("pending-%d", i), call.DirectionOutbound); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			// Shutdown may drop the reservation first; either order is fine.
			_ = mgr.Rebind(fmt.Sprintf("pending-%d", i), fmt.Sprintf("CA%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		mgr.EmergencyShutdown(context.Background())
	}()
	wg.Wait()

	// A rebind that landed after the snapshot leaves its reservation behind;
	// a second sweep must drain whatever remains.
	mgr.EmergencyShutdown(context.Background())
	if stats := mgr.Stats(); stats.TotalCalls != 0 {
		t.Errorf("registry not drained: %+v", stats)
	}
}
