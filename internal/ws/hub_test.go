package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/session"
)

// fakeConn records writes. A stalled conn blocks every write until closed.
type fakeConn struct {
	stall    bool
	writeErr error

	mu      sync.Mutex
	msgs    [][]byte
	closed  bool
	unblock chan struct{}
	once    sync.Once
}

func newFakeConn(stall bool) *fakeConn {
	return &fakeConn{stall: stall, unblock: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.stall {
		<-c.unblock
		return errors.New("use of closed connection")
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.unblock)
	})
	return nil
}

func (c *fakeConn) received() []WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSMessage, 0, len(c.msgs))
	for _, m := range c.msgs {
		var msg WSMessage
		json.Unmarshal(m, &msg)
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type staticSource struct {
	events []session.Event
}

func (s staticSource) ViewSnapshot(fn func([]session.Event)) { fn(s.events) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(opts HubOptions) *Hub {
	opts.Logger = quietLogger()
	return NewHub(opts)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func statusEv(status string) session.Event {
	return session.Event{Type: session.EventStatus, Status: status, Devices: []session.DeviceRecord{}}
}

func TestHub_SubscribeSendsSnapshotFirst(t *testing.T) {
	h := newTestHub(HubOptions{})
	defer h.Close()
	h.SetSource(staticSource{events: []session.Event{
		statusEv(session.StatusDisconnected),
		{Type: session.EventQR, QR: "data:image/png;base64,AAAA"},
	}})

	c := newFakeConn(false)
	if _, err := h.Subscribe(c); err != nil {
		t.Fatal(err)
	}
	h.Publish(statusEv(session.StatusConnected))

	waitUntil(t, time.Second, func() bool { return c.count() == 3 }, "snapshot and event not delivered")
	msgs := c.received()
	if msgs[0].Type != MsgStatus || msgs[1].Type != MsgQR || msgs[2].Type != MsgStatus {
		t.Fatalf("order = %s,%s,%s", msgs[0].Type, msgs[1].Type, msgs[2].Type)
	}
	qr := msgs[1].Payload.(map[string]any)
	if qr["qr"] != "data:image/png;base64,AAAA" {
		t.Errorf("qr payload = %v", qr)
	}
	last := msgs[2].Payload.(map[string]any)
	if last["status"] != "connected" {
		t.Errorf("status payload = %v", last)
	}
}

func TestHub_StalledSubscriberEvictedOthersUnaffected(t *testing.T) {
	const deadline = 300 * time.Millisecond
	h := newTestHub(HubOptions{SendDeadline: deadline})
	defer h.Close()

	stalled := newFakeConn(true)
	var good []*fakeConn
	if _, err := h.Subscribe(stalled); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		c := newFakeConn(false)
		good = append(good, c)
		if _, err := h.Subscribe(c); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	h.Publish(statusEv(session.StatusConnected))

	for i, c := range good {
		waitUntil(t, deadline, func() bool { return c.count() == 1 }, "healthy subscriber starved")
		if elapsed := time.Since(start); elapsed >= deadline {
			t.Fatalf("subscriber %d received after %v, not before the deadline", i, elapsed)
		}
	}

	waitUntil(t, 2*time.Second, func() bool { return h.Count() == len(good) }, "stalled subscriber not evicted")
	if !stalled.isClosed() {
		t.Error("stalled subscriber connection not closed")
	}

	h.Publish(statusEv(session.StatusDisconnected))
	for _, c := range good {
		waitUntil(t, time.Second, func() bool { return c.count() == 2 }, "event after eviction not delivered")
	}
}

func TestHub_QueueOverflowEvicts(t *testing.T) {
	h := newTestHub(HubOptions{SendDeadline: time.Hour, QueueSize: 1})
	defer h.Close()

	c := newFakeConn(true)
	h.Subscribe(c)
	for i := 0; i < 3; i++ {
		h.Publish(statusEv(session.StatusConnected))
	}
	waitUntil(t, time.Second, func() bool { return h.Count() == 0 }, "overflowing subscriber not evicted")
	if !c.isClosed() {
		t.Error("conn not closed")
	}
}

func TestHub_WriteErrorEvicts(t *testing.T) {
	h := newTestHub(HubOptions{})
	defer h.Close()

	c := newFakeConn(false)
	c.writeErr = errors.New("broken pipe")
	h.Subscribe(c)
	h.Publish(statusEv(session.StatusConnected))

	waitUntil(t, time.Second, func() bool { return h.Count() == 0 }, "failed subscriber not removed")
}

func TestHub_PreservesOrder(t *testing.T) {
	h := newTestHub(HubOptions{})
	defer h.Close()

	c := newFakeConn(false)
	h.Subscribe(c)
	statuses := []string{"connected", "disconnected", "connected", "disconnected"}
	for _, s := range statuses {
		h.Publish(statusEv(s))
	}
	waitUntil(t, time.Second, func() bool { return c.count() == len(statuses) }, "events not delivered")
	for i, msg := range c.received() {
		if got := msg.Payload.(map[string]any)["status"]; got != statuses[i] {
			t.Errorf("message %d status = %v, want %s", i, got, statuses[i])
		}
	}
}

func TestHub_MaxSubscribers(t *testing.T) {
	h := newTestHub(HubOptions{MaxSubscribers: 2})
	defer h.Close()

	for i := 0; i < 2; i++ {
		if _, err := h.Subscribe(newFakeConn(false)); err != nil {
			t.Fatalf("Subscribe[%d]: %v", i, err)
		}
	}
	if _, err := h.Subscribe(newFakeConn(false)); !errors.Is(err, ErrTooManySubscribers) {
		t.Fatalf("err = %v, want ErrTooManySubscribers", err)
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := newTestHub(HubOptions{})
	defer h.Close()

	c := newFakeConn(false)
	id, _ := h.Subscribe(c)
	h.Unsubscribe(id)
	h.Unsubscribe(id)
	h.Unsubscribe("unknown")
	if h.Count() != 0 {
		t.Errorf("Count = %d", h.Count())
	}
	if !c.isClosed() {
		t.Error("conn not closed on unsubscribe")
	}
}

func TestHub_Close(t *testing.T) {
	h := newTestHub(HubOptions{})
	c := newFakeConn(false)
	h.Subscribe(c)

	h.Close()
	h.Close()
	if !c.isClosed() {
		t.Error("subscriber not closed")
	}
	h.Publish(statusEv(session.StatusConnected))
	if _, err := h.Subscribe(newFakeConn(false)); !errors.Is(err, ErrHubClosed) {
		t.Errorf("err = %v, want ErrHubClosed", err)
	}
	if h.Count() != 0 {
		t.Errorf("Count = %d", h.Count())
	}
}

func TestHub_Subscribers(t *testing.T) {
	h := newTestHub(HubOptions{})
	defer h.Close()

	first, _ := h.Subscribe(newFakeConn(false))
	time.Sleep(2 * time.Millisecond)
	second, _ := h.Subscribe(newFakeConn(false))

	subs := h.Subscribers()
	if len(subs) != 2 || subs[0].ID != first || subs[1].ID != second {
		t.Fatalf("Subscribers = %+v", subs)
	}
	if !subs[0].Live {
		t.Error("subscriber not marked live")
	}
}

func TestHub_SetSendDeadline(t *testing.T) {
	h := newTestHub(HubOptions{})
	h.SetSendDeadline(0)
	if h.sendDeadline() != defaultSendDeadline {
		t.Errorf("zero deadline accepted")
	}
	h.SetSendDeadline(time.Second)
	if h.sendDeadline() != time.Second {
		t.Errorf("deadline = %v", h.sendDeadline())
	}
}
