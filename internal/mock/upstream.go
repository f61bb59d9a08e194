// Package mock simulates the upstream protocol client so the gateway can
// run without a real messaging account: it rotates pairing payloads,
// links after a delay and can drop or revoke the session on demand.
package mock

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/credstore"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/upstream"
)

const (
	defaultQRInterval = 20 * time.Second
	defaultMaxQRs     = 6
)

var ErrInvalidTarget = errors.New("mock: target is not a valid address")

type Options struct {
	// QRInterval is how often a fresh pairing payload is issued.
	QRInterval time.Duration

	// MaxQRs payloads are issued before pairing times out (code 408).
	MaxQRs int

	// LinkAfter auto-completes pairing. Zero waits for Link.
	LinkAfter time.Duration

	// DropAfter closes an open connection with a recoverable code. Zero
	// keeps it open.
	DropAfter time.Duration

	Identity upstream.Identity
	Logger   *slog.Logger
}

// Upstream is an in-process upstream.Dialer.
type Upstream struct {
	opts Options

	mu      sync.Mutex
	current *conn
	dials   int
}

func New(opts Options) *Upstream {
	if opts.QRInterval <= 0 {
		opts.QRInterval = defaultQRInterval
	}
	if opts.MaxQRs <= 0 {
		opts.MaxQRs = defaultMaxQRs
	}
	if opts.Identity.ID == "" {
		opts.Identity = upstream.Identity{ID: "6281234567890:12@s.whatsapp.net", Name: "Gateway Demo"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Upstream{opts: opts}
}

func (u *Upstream) Connect(ctx context.Context, creds credstore.Credentials) (upstream.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &conn{
		opts:     u.opts,
		creds:    creds,
		events:   make(chan upstream.Event, 16),
		commands: make(chan command, 4),
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	u.mu.Lock()
	u.current = c
	u.dials++
	u.mu.Unlock()

	go c.run()
	return c, nil
}

// Dials reports how many connections have been opened.
func (u *Upstream) Dials() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dials
}

// Link completes pairing on the current connection as if the operator
// scanned the code.
func (u *Upstream) Link() bool { return u.signal(cmdLink) }

// Revoke ends the current connection as if the account unlinked the
// device from the phone.
func (u *Upstream) Revoke() bool { return u.signal(cmdRevoke) }

// Drop ends the current connection with a recoverable close.
func (u *Upstream) Drop() bool { return u.signal(cmdDrop) }

func (u *Upstream) signal(cmd command) bool {
	u.mu.Lock()
	c := u.current
	u.mu.Unlock()
	if c == nil {
		return false
	}
	return c.signal(cmd)
}

type command int

const (
	cmdLink command = iota
	cmdRevoke
	cmdDrop
)

type conn struct {
	opts     Options
	creds    credstore.Credentials
	events   chan upstream.Event
	commands chan command
	done     chan struct{}
	once     sync.Once

	rngMu  sync.Mutex // Send runs concurrently with run
	rng    *rand.Rand
	qrs    int
	linked bool
}

func (c *conn) Events() <-chan upstream.Event { return c.events }

func (c *conn) run() {
	defer close(c.events)

	var (
		qrTicker  *time.Ticker
		qrC       <-chan time.Time
		linkC     <-chan time.Time
		dropC     <-chan time.Time
		startOpen = c.creds.Paired()
	)

	if startOpen {
		c.open()
		dropC = c.dropTimer()
	} else {
		c.emitPairing()
		qrTicker = time.NewTicker(c.opts.QRInterval)
		defer qrTicker.Stop()
		qrC = qrTicker.C
		if c.opts.LinkAfter > 0 {
			t := time.NewTimer(c.opts.LinkAfter)
			defer t.Stop()
			linkC = t.C
		}
	}

	for {
		select {
		case <-c.done:
			return
		case <-qrC:
			if c.qrs >= c.opts.MaxQRs {
				c.closeWith(upstream.CodeTimedOut, "QR refs attempts ended")
				return
			}
			c.emitPairing()
		case <-linkC:
			qrC, linkC = nil, nil
			c.link()
			dropC = c.dropTimer()
		case <-dropC:
			c.closeWith(upstream.CodeConnectionClosed, "connection lost")
			return
		case cmd := <-c.commands:
			switch cmd {
			case cmdLink:
				if c.linked {
					continue
				}
				qrC, linkC = nil, nil
				c.link()
				dropC = c.dropTimer()
			case cmdRevoke:
				c.closeWith(upstream.CodeLoggedOut, "logged out")
				return
			case cmdDrop:
				c.closeWith(upstream.CodeConnectionClosed, "connection lost")
				return
			}
		}
	}
}

func (c *conn) dropTimer() <-chan time.Time {
	if c.opts.DropAfter <= 0 {
		return nil
	}
	return time.After(c.opts.DropAfter)
}

// emitPairing issues a payload shaped like the multi-device pairing
// string: ref, noise key, identity key, adv secret.
func (c *conn) emitPairing() {
	c.qrs++
	parts := []string{"2@" + c.randomB64(18), c.randomB64(32), c.randomB64(32), c.randomB64(32)}
	c.emit(upstream.Event{Kind: upstream.EventPairing, Payload: strings.Join(parts, ",")})
}

func (c *conn) link() {
	c.linked = true
	creds := c.creds
	blob, _ := json.Marshal(map[string]string{
		"me":       c.opts.Identity.ID,
		"noiseKey": c.randomB64(32),
	})
	creds.Blob = blob
	creds.UpdatedAt = time.Now().UTC()
	c.creds = creds
	c.emit(upstream.Event{Kind: upstream.EventCredentials, Credentials: creds})
	c.open()
}

func (c *conn) open() {
	c.linked = true
	c.emit(upstream.Event{Kind: upstream.EventOpen, Identity: c.opts.Identity})
}

func (c *conn) closeWith(code int, reason string) {
	c.opts.Logger.Debug("mock.close", "code", code, "reason", reason)
	c.emit(upstream.Event{Kind: upstream.EventClose, Reason: upstream.CloseReason{Code: code, Message: reason}})
}

func (c *conn) emit(ev upstream.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *conn) randomBytes(n int) []byte {
	b := make([]byte, n)
	c.rngMu.Lock()
	c.rng.Read(b)
	c.rngMu.Unlock()
	return b
}

func (c *conn) randomB64(n int) string {
	return base64.StdEncoding.EncodeToString(c.randomBytes(n))
}

func (c *conn) signal(cmd command) bool {
	select {
	case c.commands <- cmd:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) Send(ctx context.Context, to, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-c.done:
		return "", upstream.ErrClosed
	default:
	}
	if !strings.Contains(to, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, to)
	}
	c.opts.Logger.Debug("mock.send", "to", to, "len", len(text))
	return "3EB0" + strings.ToUpper(hex.EncodeToString(c.randomBytes(8))), nil
}

// Logout acknowledges and then ends the connection as revoked.
func (c *conn) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.signal(cmdRevoke) {
		return upstream.ErrClosed
	}
	return nil
}

func (c *conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
