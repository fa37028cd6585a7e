package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrNotReady is returned by Send while the session is in any phase other
// than Ready. Callers should retry after the session reconnects.
var ErrNotReady = errors.New("whatsapp client is not ready, scan the QR code first")

// Status texts pushed to realtime subscribers on each transition.
const (
	msgAuthenticated = "Authentication successful!"
	msgReady         = "WhatsApp is ready to send messages!"
	msgAuthFailure   = "Authentication failed. Please try again."
	msgDisconnected  = "WhatsApp disconnected. Reinitializing..."
)

// Adapter is the contract the machine holds against the concrete WhatsApp
// client: bring the connection up, send one text message, tear down.
type Adapter interface {
	Initialize(ctx context.Context) error
	Send(ctx context.Context, to, body string) (string, error)
	Close()
}

// AdapterFactory constructs a fresh adapter wired to emit lifecycle events.
// The machine calls it once at startup and again on every reinitialization.
type AdapterFactory func(emit func(Event)) (Adapter, error)

const DefaultReinitDelay = 5 * time.Second

// Machine owns the session state. All mutation funnels through Apply; the
// mutex stands in for the single-threaded event loop of the original
// runtime, so a read-then-write of phase/challenge is never interleaved
// with another transition.
type Machine struct {
	mu        sync.Mutex
	phase     Phase
	challenge string
	reason    string

	factory AdapterFactory
	adapter Adapter
	encode  func(string) (string, error)
	notify  func(Notification)
	backoff time.Duration

	reinitTimer *time.Timer // non-nil while a reinitialization is pending
	closed      bool
}

// NewMachine builds a machine in the Uninitialized phase. encode turns a
// raw pairing code into the artifact pushed to subscribers; nil means the
// code passes through untouched. notify may be nil. A zero backoff gets
// the default reinitialize delay.
func NewMachine(factory AdapterFactory, encode func(string) (string, error), notify func(Notification), backoff time.Duration) *Machine {
	if encode == nil {
		encode = func(code string) (string, error) { return code, nil }
	}
	if notify == nil {
		notify = func(Notification) {}
	}
	if backoff <= 0 {
		backoff = DefaultReinitDelay
	}
	return &Machine{
		factory: factory,
		encode:  encode,
		notify:  notify,
		backoff: backoff,
	}
}

// Start constructs the first adapter and begins connecting. Failures are
// not returned: they are logged and retried on the reinitialize schedule,
// the same self-healing path a mid-life disconnect takes.
func (m *Machine) Start() {
	if err := m.start(); err != nil {
		log.Printf("session: initialize failed: %v", err)
		m.mu.Lock()
		m.scheduleReinitLocked()
		m.mu.Unlock()
	}
}

func (m *Machine) start() error {
	adapter, err := m.factory(m.Apply)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		adapter.Close()
		return nil
	}
	m.adapter = adapter
	m.mu.Unlock()

	if err := adapter.Initialize(context.Background()); err != nil {
		return err
	}
	return nil
}

// Apply runs one lifecycle event through the transition table. Events may
// arrive from any adapter goroutine; the lock serializes them in arrival
// order. notify fires inside the critical section so subscribers observe
// transitions in the order they happened — it must not block.
func (m *Machine) Apply(evt Event) {
	// Encoding can be slow relative to a transition, so it happens before
	// the lock. A failed encode leaves the prior phase untouched and the
	// subscriber simply waits for the next challenge.
	var artifact string
	if evt.Kind == EventQR {
		encoded, err := m.encode(evt.Code)
		if err != nil {
			log.Printf("session: challenge encode failed: %v", err)
			return
		}
		artifact = encoded
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	switch evt.Kind {
	case EventQR:
		m.phase = AwaitingChallenge
		m.challenge = artifact
		m.reason = ""
		m.notify(Notification{Challenge: artifact})

	case EventAuthenticated:
		m.phase = Authenticated
		m.challenge = ""
		m.reason = ""
		m.notify(Notification{Status: "authenticated", Message: msgAuthenticated})

	case EventReady:
		m.phase = Ready
		m.challenge = ""
		m.reason = ""
		m.notify(Notification{Status: "ready", Message: msgReady})

	case EventAuthFailure:
		// A failed auth drops the session rather than leaving a stale
		// ready flag for the gate to trust.
		m.phase = Disconnected
		m.challenge = ""
		m.reason = evt.Reason
		m.scheduleReinitLocked()
		m.notify(Notification{Status: "auth_failure", Message: msgAuthFailure})

	case EventDisconnected:
		m.phase = Disconnected
		m.challenge = ""
		m.reason = evt.Reason
		m.scheduleReinitLocked()
		m.notify(Notification{Status: "disconnected", Message: msgDisconnected})
	}
}

// scheduleReinitLocked arms the reinitialize timer unless one is already
// pending. Duplicate disconnects inside the backoff window collapse into
// the single scheduled attempt. Caller must hold mu.
func (m *Machine) scheduleReinitLocked() {
	if m.closed || m.reinitTimer != nil {
		return
	}
	m.reinitTimer = time.AfterFunc(m.backoff, m.reinitialize)
}

// reinitialize discards the current adapter and builds a fresh one. There
// is no retry limit: a gateway with no session is useless, so it keeps
// trying on the same fixed delay until shutdown.
func (m *Machine) reinitialize() {
	m.mu.Lock()
	m.reinitTimer = nil
	if m.closed {
		m.mu.Unlock()
		return
	}
	old := m.adapter
	m.adapter = nil
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	log.Printf("session: reinitializing whatsapp client")
	if err := m.start(); err != nil {
		log.Printf("session: reinitialize failed: %v", err)
		m.mu.Lock()
		m.scheduleReinitLocked()
		m.mu.Unlock()
	}
}

// Send delegates to the current adapter, gated on the Ready phase. The
// phase check and the adapter fetch share one critical section so a
// concurrent disconnect cannot slip between them.
func (m *Machine) Send(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	if m.phase != Ready || m.adapter == nil {
		m.mu.Unlock()
		return "", ErrNotReady
	}
	adapter := m.adapter
	m.mu.Unlock()

	return adapter.Send(ctx, to, body)
}

// Ready reports whether sends are currently accepted.
func (m *Machine) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == Ready && m.adapter != nil
}

// Snapshot answers point-in-time status queries and the broadcaster's
// replay-on-connect.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Phase:     m.phase,
		Challenge: m.challenge,
		Reason:    m.reason,
	}
}

// Close stops the machine: the pending reinitialization (if any) is
// cancelled and the adapter is torn down. Safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.reinitTimer != nil {
		m.reinitTimer.Stop()
		m.reinitTimer = nil
	}
	adapter := m.adapter
	m.adapter = nil
	m.mu.Unlock()

	if adapter != nil {
		adapter.Close()
	}
}
