// Package upstream defines the contract with the external messaging
// protocol client and ships a websocket bridge implementation of it.
//
// A Dialer opens one Conn per connection attempt. The Conn delivers its
// lifecycle as Events on a channel that is closed once the connection is
// gone, so a consumer can range over Events and treat the end of the
// channel as a lost connection.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/credstore"
)

// Close codes reported by the upstream. They follow the HTTP-flavoured
// disconnect codes used by the multi-device protocol.
const (
	CodeTransport          = 0   // socket error with no protocol code
	CodeLoggedOut          = 401 // credentials revoked, terminal
	CodeTimedOut           = 408 // pairing or keepalive timed out
	CodeConnectionClosed   = 428
	CodeConnectionReplaced = 440
	CodeBadSession         = 500
	CodeRestartRequired    = 515
)

var ErrClosed = errors.New("upstream connection closed")

type EventKind int

const (
	EventPairing EventKind = iota + 1
	EventOpen
	EventClose
	EventCredentials
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredentials:
		return "credentials"
	}
	return "unknown"
}

type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CloseReason describes why a connection ended.
type CloseReason struct {
	Code    int    `json:"code"`
	Message string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

func (r CloseReason) String() string {
	switch {
	case r.Message != "":
		return fmt.Sprintf("code %d: %s", r.Code, r.Message)
	case r.Err != nil:
		return fmt.Sprintf("code %d: %v", r.Code, r.Err)
	}
	return fmt.Sprintf("code %d", r.Code)
}

// Event is one notification from the upstream. Which fields are set
// depends on Kind.
type Event struct {
	Kind        EventKind
	Payload     string                // EventPairing
	Identity    Identity              // EventOpen
	Reason      CloseReason           // EventClose
	Credentials credstore.Credentials // EventCredentials
}

// Dialer opens connections to the upstream endpoint.
type Dialer interface {
	Connect(ctx context.Context, creds credstore.Credentials) (Conn, error)
}

// Conn is one live upstream connection.
type Conn interface {
	// Events is closed after the connection ends. At most one EventClose
	// is delivered and it is always the last event.
	Events() <-chan Event

	// Send delivers text to the target and returns the upstream message id.
	Send(ctx context.Context, to, text string) (string, error)

	// Logout asks the remote to unlink this device.
	Logout(ctx context.Context) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
