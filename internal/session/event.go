package session

// Kind classifies lifecycle events emitted by the WhatsApp adapter.
type Kind int

const (
	EventQR            Kind = iota // pairing code issued, scan required
	EventAuthenticated             // device paired / credentials accepted
	EventReady                     // connected and able to send
	EventAuthFailure               // pairing or login failed
	EventDisconnected              // connection lost or logged out
)

var kindNames = map[Kind]string{
	EventQR:            "qr",
	EventAuthenticated: "authenticated",
	EventReady:         "ready",
	EventAuthFailure:   "auth_failure",
	EventDisconnected:  "disconnected",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event carries one adapter lifecycle event into the machine.
type Event struct {
	Kind   Kind
	Code   string // raw pairing code, EventQR only
	Reason string // diagnostic, EventAuthFailure and EventDisconnected
}

// Notification is the outward-facing form of a state change, consumed by
// the realtime broadcaster. Exactly one of Challenge or Status is set.
type Notification struct {
	Challenge string // encoded QR artifact
	Status    string // authenticated | ready | auth_failure | disconnected
	Message   string // human-readable status text
}
