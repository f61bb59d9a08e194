package session

import (
	"errors"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/upstream"
)

var (
	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("session not connected")

	// ErrDeliveryFailed matches every *DeliveryError.
	ErrDeliveryFailed = errors.New("message delivery failed")

	// ErrPairingTimeout marks a close caused by the upstream giving up on
	// pairing. It is recoverable.
	ErrPairingTimeout = errors.New("pairing timed out")

	// ErrTerminalAuth marks a close caused by the remote revoking the
	// stored credentials. Automatic reconnection stops.
	ErrTerminalAuth = errors.New("credentials revoked by remote")

	ErrNoPairing     = errors.New("no pairing payload pending")
	ErrUnknownDevice = errors.New("unknown device")
	ErrShutdown      = errors.New("session controller shut down")
)

// DeliveryError is a transport-level send failure. It is never retried by
// the controller.
type DeliveryError struct {
	To      string
	Details string
	Err     error
}

func (e *DeliveryError) Error() string {
	return "deliver to " + e.To + ": " + e.Details
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailed, e.Err}
}

// classifyClose maps an upstream close reason onto the error taxonomy.
// Only explicit credential revocation is terminal.
func classifyClose(r upstream.CloseReason) (err error, terminal bool) {
	switch r.Code {
	case upstream.CodeLoggedOut:
		return ErrTerminalAuth, true
	case upstream.CodeTimedOut:
		return ErrPairingTimeout, false
	}
	if r.Err != nil {
		return r.Err, false
	}
	return errors.New(r.String()), false
}
