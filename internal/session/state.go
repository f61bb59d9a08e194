package session

import (
	"encoding/json"
	"time"
)

// Phase is the lifecycle position of the single upstream session.
type Phase int

const (
	Idle Phase = iota
	Connecting
	AwaitingPairing
	Open
	Closing
	Closed
	LoggedOut
)

var phaseNames = map[Phase]string{
	Idle:            "idle",
	Connecting:      "connecting",
	AwaitingPairing: "awaiting_pairing",
	Open:            "open",
	Closing:         "closing",
	Closed:          "closed",
	LoggedOut:       "logged_out",
}

var phaseFromName = map[string]Phase{
	"idle":             Idle,
	"connecting":       Connecting,
	"awaiting_pairing": AwaitingPairing,
	"open":             Open,
	"closing":          Closing,
	"closed":           Closed,
	"logged_out":       LoggedOut,
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

// canStart reports whether Start may begin a new connection from p.
func (p Phase) canStart() bool {
	return p == Idle || p == Closed || p == LoggedOut
}

// Status strings pushed to viewers. Only an open session is "connected".
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// StatusString derives the viewer-facing status from the phase.
func (p Phase) StatusString() string {
	if p == Open {
		return StatusConnected
	}
	return StatusDisconnected
}

// Identity is the account the upstream reports once the connection opens.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DeviceRecord is one registered device as listed to operators.
type DeviceRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReconnectState is the retry bookkeeping exposed for diagnostics.
type ReconnectState struct {
	Attempt   int           `json:"attempt"`
	NextDelay time.Duration `json:"nextDelayMs"`
	Pending   bool          `json:"pending"`
}

func (r ReconnectState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Attempt     int   `json:"attempt"`
		NextDelayMs int64 `json:"nextDelayMs"`
		Pending     bool  `json:"pending"`
	}{r.Attempt, r.NextDelay.Milliseconds(), r.Pending})
}

// Snapshot is a point-in-time copy of the session, safe to retain.
type Snapshot struct {
	Phase          Phase          `json:"phase"`
	Status         string         `json:"status"`
	PairingPending bool           `json:"pairingPending"`
	Identity       *Identity      `json:"identity,omitempty"`
	Devices        []DeviceRecord `json:"devices"`
	Reconnect      ReconnectState `json:"reconnect"`
	ChangedAt      time.Time      `json:"changedAt"`

	pairingPayload string
}
