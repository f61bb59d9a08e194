package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/credstore"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/metrics"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/upstream"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultLogoutTimeout  = 5 * time.Second
	storeTimeout          = 5 * time.Second
)

// CredentialStore is the persistence the controller needs.
type CredentialStore interface {
	Load(ctx context.Context) (*credstore.Credentials, error)
	Save(ctx context.Context, c credstore.Credentials) error
	Erase(ctx context.Context) error
}

// QREncoder turns a raw pairing payload into a displayable image.
type QREncoder interface {
	Encode(payload string) (string, error)
}

type Options struct {
	Dialer    upstream.Dialer
	Store     CredentialStore
	Encoder   QREncoder
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	RetryDelay    time.Duration // flat reconnect delay, default 5s
	RetryMaxDelay time.Duration // > RetryDelay enables capped doubling

	ConnectTimeout   time.Duration
	LogoutTimeout    time.Duration
	LogoutOnShutdown bool

	// AfterFunc replaces time.AfterFunc for the reconnect timer.
	AfterFunc AfterFunc
	Now       func() time.Time
}

// Receipt confirms a message accepted by the upstream.
type Receipt struct {
	ID     string    `json:"id"`
	To     string    `json:"to"`
	SentAt time.Time `json:"sentAt"`
}

// Controller is the single owner of the upstream session.
//
// All Session and Registry state is guarded by mu. Upstream I/O (dial,
// send, logout) always happens with mu released. Each connection gets a
// generation number; events from a connection whose generation is no
// longer current are dropped, which is how logout and shutdown detach
// listeners.
type Controller struct {
	log     *slog.Logger
	dialer  upstream.Dialer
	creds   CredentialStore
	encoder QREncoder
	pub     Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	connectTimeout   time.Duration
	logoutTimeout    time.Duration
	logoutOnShutdown bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// storeMu serialises credential writes against erasure. It is taken
	// before mu, never while holding it.
	storeMu sync.Mutex

	mu           sync.Mutex
	phase        Phase
	pairing      string
	pairingImage string
	identity     *Identity
	devices      *Registry
	retry        *Reconnector
	conn         upstream.Conn
	gen          uint64
	changedAt    time.Time
	stopped      bool
}

func New(opts Options) (*Controller, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: credential store is required")
	}
	if opts.Encoder == nil {
		return nil, errors.New("session: qr encoder is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = defaultLogoutTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		log:              opts.Logger,
		dialer:           opts.Dialer,
		creds:            opts.Store,
		encoder:          opts.Encoder,
		pub:              opts.Publisher,
		metrics:          opts.Metrics,
		now:              opts.Now,
		connectTimeout:   opts.ConnectTimeout,
		logoutTimeout:    opts.LogoutTimeout,
		logoutOnShutdown: opts.LogoutOnShutdown,
		ctx:              ctx,
		cancel:           cancel,
		phase:            Idle,
		devices:          NewRegistry(),
		retry:            NewReconnector(opts.RetryDelay, opts.RetryMaxDelay, opts.AfterFunc),
		changedAt:        opts.Now(),
	}
	return c, nil
}

// Start begins a connection attempt from Idle, Closed or LoggedOut. It is
// a no-op while a connection is being established or is open. The dial
// runs in the background; Start returns once the phase is Connecting.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked("command")
}

func (c *Controller) startLocked(reason string) bool {
	if c.stopped || !c.phase.canStart() {
		return false
	}
	c.gen++
	gen := c.gen
	c.setPhaseLocked(Connecting)
	c.log.Info("session.connecting", "reason", reason, "attempt", c.retry.State().Attempt)

	c.wg.Add(1)
	go c.connect(gen)
	return true
}

func (c *Controller) connect(gen uint64) {
	defer c.wg.Done()

	creds := c.loadCredentials()

	ctx, cancel := context.WithTimeout(c.ctx, c.connectTimeout)
	conn, err := c.dialer.Connect(ctx, creds)
	cancel()

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		// Failing to establish is handled like a recoverable close.
		c.setPhaseLocked(Closed)
		delay := c.scheduleRetryLocked()
		c.publishLocked(statusEvent(Closed, c.devices.List()))
		c.mu.Unlock()
		c.log.Warn("session.connect.fail", "err", err, "retry_in", delay)
		return
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	go c.pump(gen, conn)
}

// loadCredentials never fails: a broken store degrades to an in-memory
// fresh credential set.
func (c *Controller) loadCredentials() credstore.Credentials {
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	stored, err := c.creds.Load(ctx)
	if err != nil {
		c.log.Warn("credstore.load.fail", "err", err)
	}
	if stored != nil {
		return *stored
	}

	fresh := credstore.NewCredentials(c.now())
	// Only persist when the store answered; a failed read may hide valid
	// credentials that must not be overwritten.
	if err == nil {
		if err := c.creds.Save(ctx, fresh); err != nil {
			c.log.Warn("credstore.save.fail", "err", err)
		}
	}
	return fresh
}

// pump delivers one connection's events to the handlers, one at a time.
func (c *Controller) pump(gen uint64, conn upstream.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	for ev := range conn.Events() {
		switch ev.Kind {
		case upstream.EventPairing:
			c.onPairingPayload(gen, ev.Payload)
		case upstream.EventOpen:
			c.onConnectionOpen(gen, Identity{ID: ev.Identity.ID, Name: ev.Identity.Name})
		case upstream.EventCredentials:
			c.onCredentialsUpdate(gen, ev.Credentials)
		case upstream.EventClose:
			c.onConnectionClose(gen, ev.Reason)
			return
		default:
			c.log.Debug("session.event.ignored", "kind", ev.Kind)
		}
	}
	c.onConnectionClose(gen, upstream.CloseReason{Code: upstream.CodeTransport, Err: upstream.ErrClosed})
}

func (c *Controller) onPairingPayload(gen uint64, payload string) {
	img, err := c.encoder.Encode(payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.phase != Connecting && c.phase != AwaitingPairing {
		c.log.Warn("session.pairing.ignored", "phase", c.phase.String())
		return
	}
	if err != nil {
		c.log.Error("qr.encode.fail", "err", err)
	}
	c.pairing = payload
	c.pairingImage = img
	c.setPhaseLocked(AwaitingPairing)
	c.log.Info("session.pairing", "payload_len", len(payload))
	if img != "" {
		c.publishLocked(Event{Type: EventQR, QR: img})
	}
}

func (c *Controller) onConnectionOpen(gen uint64, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.pairing, c.pairingImage = "", ""
	c.identity = &id
	c.devices.Upsert(DeviceRecord{ID: id.ID, Name: id.Name})
	c.retry.Reset()
	c.setPhaseLocked(Open)
	c.log.Info("session.open", "id", id.ID, "name", id.Name, "devices", c.devices.Len())
	c.publishLocked(statusEvent(Open, c.devices.List()))
}

func (c *Controller) onConnectionClose(gen uint64, reason upstream.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.conn = nil
	if c.identity != nil {
		c.devices.Remove(c.identity.ID)
		c.identity = nil
	}
	c.pairing, c.pairingImage = "", ""

	cause, terminal := classifyClose(reason)
	if terminal {
		c.retry.Cancel()
		c.setPhaseLocked(LoggedOut)
		c.log.Warn("session.logged_out", "code", reason.Code, "err", cause)
	} else {
		c.setPhaseLocked(Closed)
		delay := c.scheduleRetryLocked()
		c.log.Info("session.closed", "code", reason.Code, "err", cause, "retry_in", delay)
	}
	c.publishLocked(statusEvent(c.phase, c.devices.List()))
}

func (c *Controller) onCredentialsUpdate(gen uint64, creds credstore.Credentials) {
	// The generation check and the write happen under storeMu, so an
	// erase can never land between them.
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()
	if err := c.creds.Save(ctx, creds); err != nil {
		c.log.Warn("credstore.save.fail", "err", err)
		return
	}
	c.log.Debug("credstore.saved", "registration_id", creds.RegistrationID)
}

func (c *Controller) scheduleRetryLocked() time.Duration {
	c.metrics.ReconnectScheduled()
	return c.retry.Schedule(c.reconnect)
}

func (c *Controller) reconnect(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.retry.Claim(token) {
		return
	}
	c.startLocked("reconnect")
}

// SendMessage delivers text to the target over the open session. Delivery
// failures are returned as *DeliveryError and never retried here.
func (c *Controller) SendMessage(ctx context.Context, to, text string) (Receipt, error) {
	c.mu.Lock()
	if c.phase != Open || c.conn == nil {
		c.mu.Unlock()
		c.metrics.MessageSent("not_connected")
		return Receipt{}, ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	id, err := conn.Send(ctx, to, text)
	if err != nil {
		c.metrics.MessageSent("failed")
		c.log.Warn("message.send.fail", "to", to, "err", err)
		return Receipt{}, &DeliveryError{To: to, Details: err.Error(), Err: err}
	}
	c.metrics.MessageSent("ok")
	return Receipt{ID: id, To: to, SentAt: c.now().UTC()}, nil
}

// Logout unlinks the session and starts a fresh pairing cycle. The remote
// logout is only attempted over an open connection; stored credentials are
// erased regardless. Remote and store failures are logged, not returned.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.retry.Reset()
	conn := c.conn
	live := c.phase == Open && conn != nil
	c.conn = nil
	c.gen++
	c.setPhaseLocked(Closing)
	c.mu.Unlock()

	if conn != nil {
		if live {
			lctx, cancel := context.WithTimeout(ctx, c.logoutTimeout)
			if err := conn.Logout(lctx); err != nil {
				c.log.Warn("session.logout.remote_fail", "err", err)
			}
			cancel()
		}
		conn.Close()
	}

	c.storeMu.Lock()
	if err := c.creds.Erase(ctx); err != nil {
		c.log.Warn("credstore.erase.fail", "err", err)
	}
	c.storeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrShutdown
	}
	c.pairing, c.pairingImage = "", ""
	c.identity = nil
	c.devices.Clear()
	c.setPhaseLocked(Idle)
	c.log.Info("session.logout", "remote", live)
	c.publishLocked(statusEvent(Idle, c.devices.List()))
	c.startLocked("logout")
	return nil
}

// Shutdown detaches from the upstream and refuses further starts. When
// configured, an open session is logged out remotely first, bounded by the
// logout timeout. No event is published once Shutdown begins.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.retry.Cancel()
	conn := c.conn
	live := c.phase == Open && conn != nil
	c.conn = nil
	c.gen++
	c.setPhaseLocked(Closing)
	c.mu.Unlock()

	if conn != nil {
		if live && c.logoutOnShutdown {
			lctx, cancel := context.WithTimeout(ctx, c.logoutTimeout)
			err := conn.Logout(lctx)
			cancel()
			if err != nil {
				c.log.Warn("session.shutdown.logout_fail", "err", err)
			} else {
				c.storeMu.Lock()
				if err := c.creds.Erase(ctx); err != nil {
					c.log.Warn("credstore.erase.fail", "err", err)
				}
				c.storeMu.Unlock()
			}
		}
		conn.Close()
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for session workers: %w", ctx.Err())
	}

	c.mu.Lock()
	c.pairing, c.pairingImage = "", ""
	c.identity = nil
	c.setPhaseLocked(Closed)
	c.mu.Unlock()
	c.log.Info("session.shutdown")
	return err
}

// Status returns a snapshot of the session. It never waits on I/O.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:          c.phase,
		Status:         c.phase.StatusString(),
		PairingPending: c.pairing != "",
		pairingPayload: c.pairing,
		Devices:        c.devices.List(),
		Reconnect:      c.retry.State(),
		ChangedAt:      c.changedAt,
	}
	if c.identity != nil {
		id := *c.identity
		s.Identity = &id
	}
	return s
}

// ViewSnapshot calls fn with the events a new viewer needs (status, then
// qr when a pairing is pending). fn runs under the controller lock so no
// transition can be published between the snapshot and fn returning.
func (c *Controller) ViewSnapshot(fn func([]Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := []Event{statusEvent(c.phase, c.devices.List())}
	if c.pairingImage != "" {
		events = append(events, Event{Type: EventQR, QR: c.pairingImage})
	}
	fn(events)
}

// PairingImage returns the encoded image for the pending pairing payload.
func (c *Controller) PairingImage() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != AwaitingPairing || c.pairingImage == "" {
		return "", ErrNoPairing
	}
	return c.pairingImage, nil
}

func (c *Controller) Devices() []DeviceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices.List()
}

// RemoveDevice drops a device record on operator request.
func (c *Controller) RemoveDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.devices.Get(id)
	if !ok {
		return ErrUnknownDevice
	}
	c.devices.Remove(id)
	c.log.Info("device.removed", "id", id, "name", rec.Name)
	c.publishLocked(statusEvent(c.phase, c.devices.List()))
	return nil
}

// SetRetryPolicy changes the reconnect delays at runtime.
func (c *Controller) SetRetryPolicy(base, max time.Duration) {
	c.retry.SetPolicy(base, max)
}

func (c *Controller) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.log.Debug("session.phase", "from", c.phase.String(), "to", p.String())
	c.phase = p
	c.changedAt = c.now()
	c.metrics.SetPhase(p.String(), int(p))
}

func (c *Controller) publishLocked(ev Event) {
	if c.stopped {
		return
	}
	c.pub.Publish(ev)
}
