package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/credstore"
)

const (
	bridgeWriteTimeout = 10 * time.Second
	bridgePongTimeout  = 60 * time.Second
	bridgePingInterval = 30 * time.Second
	bridgeMaxFrame     = 1 << 20
	eventBuffer        = 16
)

// Bridge frame types.
const (
	frameHello  = "hello"
	frameSend   = "send"
	frameLogout = "logout"
	frameQR     = "qr"
	frameOpen   = "open"
	frameClose  = "close"
	frameCreds  = "creds"
	frameAck    = "ack"
)

// frame is the JSON envelope exchanged with the protocol bridge.
type frame struct {
	Type        string                 `json:"type"`
	ID          string                 `json:"id,omitempty"`
	To          string                 `json:"to,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Payload     string                 `json:"payload,omitempty"`
	Identity    *Identity              `json:"identity,omitempty"`
	Code        int                    `json:"code,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Credentials *credstore.Credentials `json:"credentials,omitempty"`
	OK          bool                   `json:"ok,omitempty"`
	MessageID   string                 `json:"messageId,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// BridgeDialer connects to a protocol bridge over websocket. The bridge
// runs the actual multi-device client and relays its lifecycle as JSON
// frames.
type BridgeDialer struct {
	URL    string
	Token  string
	Logger *slog.Logger

	// PingInterval defaults to 30s.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

func NewBridgeDialer(url, token string, logger *slog.Logger) *BridgeDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeDialer{URL: url, Token: token, Logger: logger}
}

// Connect dials the bridge and sends the hello frame carrying creds.
func (d *BridgeDialer) Connect(ctx context.Context, creds credstore.Credentials) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial bridge: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	ws.SetReadLimit(bridgeMaxFrame)

	hello := frame{Type: frameHello, Credentials: &creds}
	ws.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	if err := ws.WriteJSON(hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("bridge hello: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &bridgeConn{
		ws:      ws,
		log:     logger,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan frame),
	}
	interval := d.PingInterval
	if interval <= 0 {
		interval = bridgePingInterval
	}
	go c.readLoop()
	go c.pingLoop(interval)
	return c, nil
}

type bridgeConn struct {
	ws     *websocket.Conn
	log    *slog.Logger
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	closing   atomic.Bool
	writeMu   sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
}

func (c *bridgeConn) Events() <-chan Event { return c.events }

func (c *bridgeConn) readLoop() {
	reason := CloseReason{Code: CodeTransport, Err: ErrClosed}
	defer func() {
		c.emit(Event{Kind: EventClose, Reason: reason})
		close(c.events)
		c.shutdown()
	}()

	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(bridgePongTimeout))
		return nil
	})
	c.ws.SetReadDeadline(time.Now().Add(bridgePongTimeout))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				reason = CloseReason{Code: CodeTransport, Err: err}
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("bridge.frame.invalid", "err", err)
			continue
		}

		switch f.Type {
		case frameQR:
			c.emit(Event{Kind: EventPairing, Payload: f.Payload})
		case frameOpen:
			var id Identity
			if f.Identity != nil {
				id = *f.Identity
			}
			c.emit(Event{Kind: EventOpen, Identity: id})
		case frameCreds:
			if f.Credentials != nil {
				c.emit(Event{Kind: EventCredentials, Credentials: *f.Credentials})
			}
		case frameAck:
			c.resolve(f)
		case frameClose:
			reason = CloseReason{Code: f.Code, Message: f.Reason}
			return
		default:
			c.log.Debug("bridge.frame.unknown", "type", f.Type)
		}
	}
}

// emit hands ev to the consumer unless the connection is being torn down.
func (c *bridgeConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *bridgeConn) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *bridgeConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *bridgeConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	return c.ws.WriteJSON(f)
}

// request writes f with a fresh id and waits for the matching ack.
func (c *bridgeConn) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return frame{}, ErrClosed
	default:
	}
	if err := c.write(f); err != nil {
		return frame{}, fmt.Errorf("bridge %s: %w", f.Type, err)
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			msg := ack.Error
			if msg == "" {
				msg = "rejected"
			}
			return ack, errors.New(msg)
		}
		return ack, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, ErrClosed
	}
}

func (c *bridgeConn) Send(ctx context.Context, to, text string) (string, error) {
	ack, err := c.request(ctx, frame{Type: frameSend, To: to, Text: text})
	if err != nil {
		return "", err
	}
	return ack.MessageID, nil
}

func (c *bridgeConn) Logout(ctx context.Context) error {
	_, err := c.request(ctx, frame{Type: frameLogout})
	return err
}

func (c *bridgeConn) Close() error {
	c.closing.Store(true)
	c.shutdown()
	return nil
}

func (c *bridgeConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}
