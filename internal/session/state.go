package session

import (
	"encoding/json"
)

// Phase is the discrete state of the WhatsApp session lifecycle.
type Phase int

const (
	Uninitialized Phase = iota
	AwaitingChallenge
	Authenticated
	Ready
	Disconnected
)

var phaseNames = map[Phase]string{
	Uninitialized:     "uninitialized",
	AwaitingChallenge: "awaiting_qr",
	Authenticated:     "authenticated",
	Ready:             "ready",
	Disconnected:      "disconnected",
}

var phaseFromName = map[string]Phase{
	"uninitialized": Uninitialized,
	"awaiting_qr":   AwaitingChallenge,
	"authenticated": Authenticated,
	"ready":         Ready,
	"disconnected":  Disconnected,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// Snapshot is a point-in-time copy of the session state, safe to retain
// and read outside the machine's lock.
type Snapshot struct {
	Phase     Phase  `json:"phase"`
	Challenge string `json:"challenge,omitempty"` // encoded QR artifact, set only while awaiting scan
	Reason    string `json:"reason,omitempty"`    // diagnostic for the last disconnect/auth failure
}

func (s Snapshot) Ready() bool {
	return s.Phase == Ready
}

func (s Snapshot) HasChallenge() bool {
	return s.Challenge != ""
}
