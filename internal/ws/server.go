package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/health"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/qr"
	"github.com/ilhamrafi44/whatsapp-gateway-api/internal/session"
)

const (
	maxBodyBytes   = 64 << 10
	commandTimeout = 30 * time.Second
)

// Controller is the session surface the HTTP routes drive.
type Controller interface {
	Status() session.Snapshot
	Devices() []session.DeviceRecord
	RemoveDevice(id string) error
	SendMessage(ctx context.Context, to, text string) (session.Receipt, error)
	PairingImage() (string, error)
	Logout(ctx context.Context) error
	Start() bool
}

type ServerOptions struct {
	AuthToken      string
	AllowedOrigins []string

	// SendRate limits POST /api/messages per second; zero disables it.
	SendRate  float64
	SendBurst int

	Health   *health.Reporter
	Metrics  http.Handler
	Frontend http.Handler
	Logger   *slog.Logger
}

type Server struct {
	ctrl           Controller
	hub            *Hub
	log            *slog.Logger
	health         *health.Reporter
	metrics        http.Handler
	frontend       http.Handler
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	limiter        atomic.Pointer[rate.Limiter]
	upgrader       websocket.Upgrader
}

func NewServer(ctrl Controller, hub *Hub, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		ctrl:           ctrl,
		hub:            hub,
		log:            opts.Logger,
		health:         opts.Health,
		metrics:        opts.Metrics,
		frontend:       opts.Frontend,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.AuthToken,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.SetSendRate(opts.SendRate, opts.SendBurst)
	return s
}

// SetSendRate replaces the message rate limit. Zero disables it.
func (s *Server) SetSendRate(perSecond float64, burst int) {
	if perSecond <= 0 {
		s.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter.Store(rate.NewLimiter(rate.Limit(perSecond), burst))
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /api/devices", s.auth(s.handleDevices))
	mux.HandleFunc("DELETE /api/devices/{id}", s.auth(s.handleRemoveDevice))
	mux.HandleFunc("POST /api/messages", s.auth(s.handleSendMessage))
	mux.HandleFunc("GET /api/qr", s.auth(s.handleQR))
	mux.HandleFunc("POST /api/logout", s.auth(s.handleLogout))
	mux.HandleFunc("POST /api/start", s.auth(s.handleStart))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("OPTIONS /api/", s.handlePreflight)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.auth(s.metrics.ServeHTTP))
	}
	if s.frontend != nil {
		mux.Handle("/", s.frontend)
	}
}

// Handler returns the full route tree wrapped in the response middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(s.cors(mux))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws.upgrade.fail", "remote", r.RemoteAddr, "err", err)
		return
	}

	id, err := s.hub.Subscribe(conn)
	if err != nil {
		s.log.Warn("ws.subscribe.reject", "remote", r.RemoteAddr, "err", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Debug("ws.connected", "remote", r.RemoteAddr, "id", id)

	go func() {
		defer s.hub.Unsubscribe(id)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type statusResponse struct {
	session.Snapshot
	Subscribers int `json:"subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, statusResponse{Snapshot: s.ctrl.Status(), Subscribers: s.hub.Count()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"devices": s.ctrl.Devices()})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.RemoveDevice(id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeOK(w, map[string]any{"removed": id})
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if l := s.limiter.Load(); l != nil && !l.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "message rate limit exceeded")
		return
	}

	var req sendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid body: %v", err))
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "to and text are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	rcpt, err := s.ctrl.SendMessage(ctx, req.To, req.Text)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeOK(w, rcpt)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	img, err := s.ctrl.PairingImage()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if r.URL.Query().Get("format") != "png" {
		writeOK(w, QRPayload{QR: img})
		return
	}

	b, err := qr.DecodeDataURL(img)
	if err != nil {
		s.log.Error("qr.decode.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "pairing image unavailable")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(b)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	// Logout erases credentials; it must not be cut short by the client
	// going away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), commandTimeout)
	defer cancel()
	if err := s.ctrl.Logout(ctx); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeOK(w, map[string]any{"phase": s.ctrl.Status().Phase})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	started := s.ctrl.Start()
	writeOK(w, map[string]any{"started": started, "phase": s.ctrl.Status().Phase})
}

type healthResponse struct {
	Status      string           `json:"status"`
	Session     string           `json:"session"`
	Subscribers []SubscriberInfo `json:"subscribers"`
	Process     *health.Report   `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Session:     s.ctrl.Status().Phase.String(),
		Subscribers: []SubscriberInfo{},
	}
	if s.authorize(r) {
		resp.Subscribers = s.hub.Subscribers()
		if s.health != nil {
			rep := s.health.Report(r.Context())
			resp.Process = &rep
		}
	}
	writeOK(w, resp)
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError maps controller errors onto HTTP responses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var de *session.DeliveryError
	switch {
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.As(err, &de):
		writeError(w, http.StatusBadGateway, "delivery_failed", de.Details)
	case errors.Is(err, session.ErrNoPairing):
		writeError(w, http.StatusNotFound, "no_pairing", err.Error())
	case errors.Is(err, session.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "unknown_device", err.Error())
	case errors.Is(err, session.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		s.log.Error("api.error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": apiError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if s.tokenMatches(r.URL.Query().Get("token")) {
		return true
	}

	if s.tokenMatches(r.Header.Get("X-Gateway-Token")) {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && s.tokenMatches(strings.TrimPrefix(auth, "Bearer ")) {
		return true
	}

	return false
}

func (s *Server) tokenMatches(candidate string) bool {
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.authToken)) == 1
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// cors answers cross-origin API calls from allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && strings.HasPrefix(r.URL.Path, "/api/") && s.checkOrigin(r) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Gateway-Token")
			h.Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:")
		next.ServeHTTP(w, r)
	})
}
