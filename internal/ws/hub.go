package ws

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/metrics"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/session"
)

const (
	defaultSendDeadline = 5 * time.Second
	defaultQueueSize    = 64
)

var (
	ErrTooManySubscribers = errors.New("too many subscribers")
	ErrHubClosed          = errors.New("hub closed")

	// errEvicted is returned by a write that completed after its deadline
	// had already evicted the subscriber.
	errEvicted = errors.New("subscriber evicted")
)

// Eviction reasons, as counted in metrics.
const (
	evictDeadline   = "deadline"
	evictQueueFull  = "queue_full"
	evictWriteError = "write_error"
)

// Conn is the subscriber transport. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Snapshotter supplies the events a new subscriber must see first. The
// callback runs while the source holds the lock that also serialises its
// Publish calls.
type Snapshotter interface {
	ViewSnapshot(fn func([]session.Event))
}

type HubOptions struct {
	SendDeadline   time.Duration
	QueueSize      int
	MaxSubscribers int // 0 = unlimited
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Hub fans session events out to every live subscriber. Each subscriber
// has its own queue and writer goroutine, and every write races its own
// deadline, so a stalled viewer is evicted without delaying the others.
type Hub struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	queueSize int
	max       int
	deadline  atomic.Int64

	source Snapshotter

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.SendDeadline <= 0 {
		opts.SendDeadline = defaultSendDeadline
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		log:       opts.Logger,
		metrics:   opts.Metrics,
		queueSize: opts.QueueSize,
		max:       opts.MaxSubscribers,
		subs:      make(map[string]*subscriber),
	}
	h.deadline.Store(int64(opts.SendDeadline))
	return h
}

// SetSource attaches the snapshot provider. Must be called before the
// first Subscribe.
func (h *Hub) SetSource(src Snapshotter) {
	h.source = src
}

// SetSendDeadline changes the per-write deadline for subsequent writes.
func (h *Hub) SetSendDeadline(d time.Duration) {
	if d > 0 {
		h.deadline.Store(int64(d))
	}
}

func (h *Hub) sendDeadline() time.Duration {
	return time.Duration(h.deadline.Load())
}

// Subscribe registers conn and queues the current snapshot ahead of any
// later event. It returns the subscriber id for Unsubscribe.
func (h *Hub) Subscribe(conn Conn) (string, error) {
	s := &subscriber{
		id:   ulid.Make().String(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}

	var err error
	register := func(snapshot []session.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			err = ErrHubClosed
			return
		}
		if h.max > 0 && len(h.subs) >= h.max {
			err = ErrTooManySubscribers
			return
		}
		for _, ev := range snapshot {
			data, mErr := encodeEvent(ev)
			if mErr != nil {
				h.log.Error("hub.marshal.fail", "err", mErr)
				continue
			}
			select {
			case s.send <- data:
			default:
				h.log.Warn("hub.snapshot.dropped", "id", s.id, "type", string(ev.Type))
			}
		}
		s.live.Store(true)
		h.subs[s.id] = s
	}

	if h.source != nil {
		h.source.ViewSnapshot(register)
	} else {
		register(nil)
	}
	if err != nil {
		return "", err
	}

	n := h.Count()
	h.metrics.SetSubscribers(n)
	h.log.Info("hub.subscribe", "id", s.id, "subscribers", n)
	go s.writeLoop()
	return s.id, nil
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	h.metrics.SetSubscribers(n)
	h.log.Info("hub.unsubscribe", "id", id, "subscribers", n)
}

// Publish queues ev for every subscriber without blocking. A subscriber
// whose queue is full is evicted.
func (h *Hub) Publish(ev session.Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		h.log.Error("hub.marshal.fail", "err", err)
		return
	}

	var overflow []*subscriber
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for id, s := range h.subs {
		select {
		case s.send <- data:
		default:
			delete(h.subs, id)
			overflow = append(overflow, s)
		}
	}
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.EventPublished(string(ev.Type))
	for _, s := range overflow {
		h.evicted(s, evictQueueFull, n)
	}
}

// evict removes s if it is still registered.
func (h *Hub) evict(s *subscriber, reason string) {
	h.mu.Lock()
	cur, ok := h.subs[s.id]
	if ok && cur == s {
		delete(h.subs, s.id)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if ok && cur == s {
		h.evicted(s, reason, n)
	}
}

func (h *Hub) evicted(s *subscriber, reason string, remaining int) {
	s.close()
	h.metrics.Evicted(reason)
	h.metrics.SetSubscribers(remaining)
	h.log.Warn("hub.evict", "id", s.id, "reason", reason, "subscribers", remaining)
}

// SubscriberInfo describes one registered subscriber.
type SubscriberInfo struct {
	ID           string    `json:"id"`
	Live         bool      `json:"live"`
	Queued       int       `json:"queued"`
	LastDeadline time.Time `json:"lastDeadline,omitzero"`
}

// Subscribers lists registered subscribers, oldest first.
func (h *Hub) Subscribers() []SubscriberInfo {
	h.mu.Lock()
	out := make([]SubscriberInfo, 0, len(h.subs))
	for _, s := range h.subs {
		info := SubscriberInfo{ID: s.id, Live: s.live.Load(), Queued: len(s.send)}
		if ns := s.lastDeadline.Load(); ns != 0 {
			info.LastDeadline = time.Unix(0, ns).UTC()
		}
		out = append(out, info)
	}
	h.mu.Unlock()

	// ULIDs sort by creation time.
	slices.SortFunc(out, func(a, b SubscriberInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later publishes are dropped and
// later subscribes fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.metrics.SetSubscribers(0)
	h.log.Info("hub.closed", "disconnected", len(subs))
}

type subscriber struct {
	id   string
	conn Conn
	hub  *Hub
	send chan []byte
	done chan struct{}
	once sync.Once

	live         atomic.Bool
	lastDeadline atomic.Int64 // unix nanos of the most recent write deadline
}

func (s *subscriber) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			err := s.write(msg)
			if errors.Is(err, errEvicted) {
				return
			}
			if err != nil {
				s.hub.evict(s, evictWriteError)
				return
			}
		}
	}
}

// write races one message against the send deadline. When the deadline
// fires first the subscriber is evicted and closed, which unblocks the
// write; its result is then discarded.
func (s *subscriber) write(msg []byte) error {
	d := s.hub.sendDeadline()
	deadline := time.Now().Add(d)
	s.lastDeadline.Store(deadline.UnixNano())
	s.conn.SetWriteDeadline(deadline)

	timer := time.AfterFunc(d, func() { s.hub.evict(s, evictDeadline) })
	err := s.conn.WriteMessage(websocket.TextMessage, msg)
	if !timer.Stop() {
		return errEvicted
	}
	return err
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.live.Store(false)
		close(s.done)
		s.conn.Close()
	})
}
