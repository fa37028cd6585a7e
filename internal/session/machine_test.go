package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// fakeAdapter records calls made by the machine.
type fakeAdapter struct {
	mu        sync.Mutex
	initCalls int
	sendCalls int
	closed    bool
	sendErr   error
}

func (a *fakeAdapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCalls++
	return nil
}

func (a *fakeAdapter) Send(_ context.Context, to, body string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendCalls++
	if a.sendErr != nil {
		return "", a.sendErr
	}
	return "MSG1", nil
}

func (a *fakeAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

func (a *fakeAdapter) sends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendCalls
}

func (a *fakeAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// fakeFactory counts adapter constructions and keeps every adapter it made.
type fakeFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	err      error
}

func (f *fakeFactory) build(emit func(Event)) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := &fakeAdapter{}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func newTestMachine(t *testing.T, notify func(Notification), backoff time.Duration) (*Machine, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	m := NewMachine(f.build, nil, notify, backoff)
	m.Start()
	t.Cleanup(m.Close)
	return m, f
}

func TestApplyTransitions(t *testing.T) {
	tests := []struct {
		name          string
		events        []Event
		wantPhase     Phase
		wantChallenge string
	}{
		{
			name:          "qr enters awaiting challenge",
			events:        []Event{{Kind: EventQR, Code: "XYZ"}},
			wantPhase:     AwaitingChallenge,
			wantChallenge: "XYZ",
		},
		{
			name:      "authenticated clears challenge",
			events:    []Event{{Kind: EventQR, Code: "XYZ"}, {Kind: EventAuthenticated}},
			wantPhase: Authenticated,
		},
		{
			name:      "ready clears challenge",
			events:    []Event{{Kind: EventQR, Code: "XYZ"}, {Kind: EventAuthenticated}, {Kind: EventReady}},
			wantPhase: Ready,
		},
		{
			name:      "ready clears challenge after repeated qr",
			events:    []Event{{Kind: EventQR, Code: "A"}, {Kind: EventQR, Code: "B"}, {Kind: EventQR, Code: "C"}, {Kind: EventReady}},
			wantPhase: Ready,
		},
		{
			name:      "auth failure enters disconnected",
			events:    []Event{{Kind: EventQR, Code: "XYZ"}, {Kind: EventAuthFailure, Reason: "bad scan"}},
			wantPhase: Disconnected,
		},
		{
			name:      "disconnect from ready",
			events:    []Event{{Kind: EventReady}, {Kind: EventDisconnected, Reason: "stream closed"}},
			wantPhase: Disconnected,
		},
		{
			name:          "qr after disconnect",
			events:        []Event{{Kind: EventDisconnected}, {Kind: EventQR, Code: "NEW"}},
			wantPhase:     AwaitingChallenge,
			wantChallenge: "NEW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMachine(t, nil, time.Hour)
			for _, evt := range tt.events {
				m.Apply(evt)
			}
			snap := m.Snapshot()
			if snap.Phase != tt.wantPhase {
				t.Errorf("phase = %v, want %v", snap.Phase, tt.wantPhase)
			}
			if snap.Challenge != tt.wantChallenge {
				t.Errorf("challenge = %q, want %q", snap.Challenge, tt.wantChallenge)
			}
		})
	}
}

// TestChallengeInvariant applies random event sequences and checks that the
// challenge artifact is present exactly when the phase is AwaitingChallenge.
func TestChallengeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	kinds := []Kind{EventQR, EventAuthenticated, EventReady, EventAuthFailure, EventDisconnected}

	for seq := 0; seq < 200; seq++ {
		m, _ := newTestMachine(t, nil, time.Hour)
		for i := 0; i < 25; i++ {
			kind := kinds[rng.Intn(len(kinds))]
			evt := Event{Kind: kind}
			if kind == EventQR {
				evt.Code = fmt.Sprintf("code-%d-%d", seq, i)
			}
			m.Apply(evt)

			snap := m.Snapshot()
			if got, want := snap.HasChallenge(), snap.Phase == AwaitingChallenge; got != want {
				t.Fatalf("seq %d step %d: challenge present = %v with phase %v", seq, i, got, snap.Phase)
			}
		}
		m.Close()
	}
}

func TestApplyNotifications(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	notify := func(n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	}

	m, _ := newTestMachine(t, notify, time.Hour)
	m.Apply(Event{Kind: EventQR, Code: "XYZ"})
	m.Apply(Event{Kind: EventAuthenticated})
	m.Apply(Event{Kind: EventReady})
	m.Apply(Event{Kind: EventDisconnected, Reason: "gone"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 4 {
		t.Fatalf("expected 4 notifications, got %d", len(got))
	}
	if got[0].Challenge != "XYZ" || got[0].Status != "" {
		t.Errorf("first notification = %+v, want challenge XYZ", got[0])
	}
	wantStatus := []string{"authenticated", "ready", "disconnected"}
	for i, status := range wantStatus {
		n := got[i+1]
		if n.Status != status {
			t.Errorf("notification %d status = %q, want %q", i+1, n.Status, status)
		}
		if n.Message == "" {
			t.Errorf("notification %d has no message", i+1)
		}
	}
}

func TestEncodeFailureKeepsPhase(t *testing.T) {
	var notified int
	f := &fakeFactory{}
	encode := func(string) (string, error) { return "", errors.New("png encoder exploded") }
	m := NewMachine(f.build, encode, func(Notification) { notified++ }, time.Hour)
	m.Start()
	defer m.Close()

	m.Apply(Event{Kind: EventQR, Code: "XYZ"})

	snap := m.Snapshot()
	if snap.Phase != Uninitialized {
		t.Errorf("phase = %v, want Uninitialized after encode failure", snap.Phase)
	}
	if snap.HasChallenge() {
		t.Error("challenge should be empty after encode failure")
	}
	if notified != 0 {
		t.Errorf("expected no notifications, got %d", notified)
	}
}

func TestSendNotReadyNeverHitsAdapter(t *testing.T) {
	for _, evts := range [][]Event{
		nil,
		{{Kind: EventQR, Code: "XYZ"}},
		{{Kind: EventAuthenticated}},
		{{Kind: EventReady}, {Kind: EventDisconnected}},
	} {
		m, f := newTestMachine(t, nil, time.Hour)
		for _, evt := range evts {
			m.Apply(evt)
		}
		_, err := m.Send(context.Background(), "919876543210", "hi")
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("events %v: err = %v, want ErrNotReady", evts, err)
		}
		if f.adapters[0].sends() != 0 {
			t.Errorf("events %v: adapter send was invoked", evts)
		}
		m.Close()
	}
}

func TestSendWhenReady(t *testing.T) {
	m, f := newTestMachine(t, nil, time.Hour)
	m.Apply(Event{Kind: EventReady})

	id, err := m.Send(context.Background(), "919876543210", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "MSG1" {
		t.Errorf("id = %q, want MSG1", id)
	}
	if f.adapters[0].sends() != 1 {
		t.Errorf("adapter sends = %d, want 1", f.adapters[0].sends())
	}
}

// TestReinitializeDebounce checks that a burst of disconnect events inside
// one backoff window produces exactly one fresh adapter.
func TestReinitializeDebounce(t *testing.T) {
	m, f := newTestMachine(t, nil, 30*time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("expected 1 adapter after start, got %d", f.count())
	}

	m.Apply(Event{Kind: EventDisconnected, Reason: "first"})
	m.Apply(Event{Kind: EventDisconnected, Reason: "second"})
	m.Apply(Event{Kind: EventDisconnected, Reason: "third"})

	waitFor(t, time.Second, func() bool { return f.count() == 2 })

	// No further reinitializations should trail in.
	time.Sleep(80 * time.Millisecond)
	if got := f.count(); got != 2 {
		t.Errorf("adapter count = %d, want 2 (one reinit for the burst)", got)
	}
	if !f.adapters[0].isClosed() {
		t.Error("original adapter was not closed on reinitialize")
	}
}

func TestCloseCancelsPendingReinit(t *testing.T) {
	m, f := newTestMachine(t, nil, 30*time.Millisecond)
	m.Apply(Event{Kind: EventDisconnected})
	m.Close()

	time.Sleep(80 * time.Millisecond)
	if got := f.count(); got != 1 {
		t.Errorf("adapter count = %d, want 1 (reinit cancelled by Close)", got)
	}
	if !f.adapters[0].isClosed() {
		t.Error("adapter was not closed on Close")
	}
}

func TestStartFailureSchedulesRetry(t *testing.T) {
	f := &fakeFactory{err: errors.New("no network")}
	m := NewMachine(f.build, nil, nil, 20*time.Millisecond)
	defer m.Close()
	m.Start()

	// Let the network "come back"; the retry loop should build an adapter.
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()

	waitFor(t, time.Second, func() bool { return f.count() == 1 })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
