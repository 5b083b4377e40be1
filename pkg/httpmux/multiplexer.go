// Package httpmux serves the gateway over streamable HTTP, giving every
// client session its own dispatcher.
package httpmux

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/treyanderson/mcp-server-gateway/pkg/dispatch"
	"github.com/treyanderson/mcp-server-gateway/pkg/metrics"
)

// SessionIDHeader carries the session identifier in both directions.
const SessionIDHeader = "Mcp-Session-Id"

const (
	msgSessionNotEstablished = "Bad Request: Session not established. Send POST to initialize."
	msgNoValidSession        = "Bad Request: No valid session ID provided"
	msgMethodNotAllowed      = "Method not allowed"
	msgShuttingDown          = "Service unavailable: server is shutting down"
	codeServerError          = -32000
	maxInitializeBody        = 4 << 20
)

// Options configure a Multiplexer.
type Options struct {
	// NewDispatcher builds the dispatcher for a new session. Required.
	NewDispatcher func() *dispatch.Dispatcher
	// Implementation identifies the gateway to clients.
	Implementation *mcp.Implementation
	// NewChannel connects a session's server. Defaults to StreamableChannel.
	NewChannel ChannelFactory

	// Host and Port form the listen address. Defaults to 0.0.0.0:3000.
	Host string
	Port int
	// Path serves the MCP endpoint. Defaults to "/mcp".
	Path string
	// HealthPath serves the health check. Defaults to "/health".
	HealthPath string
	// MetricsPath serves Prometheus metrics when Metrics is set. Defaults to "/metrics".
	MetricsPath string
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string
	// ShutdownTimeout bounds the HTTP server shutdown in Stop. Defaults to 5s.
	ShutdownTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{Name: "mcp-server-gateway", Version: "1.0.0"}
	}
	if opts.NewChannel == nil {
		opts.NewChannel = StreamableChannel
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Port == 0 {
		opts.Port = 3000
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Multiplexer routes HTTP exchanges to per-session dispatchers. Exchanges for
// different sessions run concurrently; one session's exchanges are ordered by
// its channel.
type Multiplexer struct {
	opts    Options
	started time.Time
	handler http.Handler

	mu       sync.RWMutex
	sessions map[string]*Session
	stopped  atomic.Bool

	tlsConfig *tls.Config

	srvMu  sync.Mutex
	server *http.Server
	addr   net.Addr
}

// New builds a multiplexer. It fails when NewDispatcher is missing or the
// TLS key pair cannot be loaded.
func New(opts *Options) (*Multiplexer, error) {
	options := opts.withDefaults()
	if options.NewDispatcher == nil {
		return nil, fmt.Errorf("httpmux: NewDispatcher is required")
	}
	if (options.TLSCert == "") != (options.TLSKey == "") {
		return nil, fmt.Errorf("httpmux: TLS needs both a certificate and a key")
	}
	m := &Multiplexer{
		opts:     options,
		started:  time.Now(),
		sessions: make(map[string]*Session),
	}
	if options.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("httpmux: load TLS key pair: %w", err)
		}
		m.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	var h http.Handler = http.HandlerFunc(m.route)
	if len(options.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: options.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Accept", "Authorization", SessionIDHeader, "Mcp-Protocol-Version", "Last-Event-ID"},
			ExposedHeaders: []string{SessionIDHeader},
		}).Handler(h)
	}
	m.handler = h
	return m, nil
}

// TLS reports whether the multiplexer serves HTTPS.
func (m *Multiplexer) TLS() bool { return m.tlsConfig != nil }

// Handler returns the root HTTP handler.
func (m *Multiplexer) Handler() http.Handler { return m.handler }

func (m *Multiplexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}

// SessionCount reports the number of live sessions.
func (m *Multiplexer) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session returns a live session by id.
func (m *Multiplexer) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Multiplexer) route(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.URL.Path {
	case m.opts.Path:
		m.handleMCP(w, r)
	case m.opts.HealthPath:
		m.handleHealth(w)
	case m.opts.MetricsPath:
		if m.opts.Metrics == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
			return
		}
		m.opts.Metrics.Handler().ServeHTTP(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	}
}

type healthResponse struct {
	Status   string  `json:"status"`
	Sessions int     `json:"sessions"`
	Uptime   float64 `json:"uptime"`
	TLS      bool    `json:"tls"`
}

func (m *Multiplexer) handleHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "healthy",
		Sessions: m.SessionCount(),
		Uptime:   time.Since(m.started).Seconds(),
		TLS:      m.TLS(),
	})
}

func (m *Multiplexer) handleMCP(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(SessionIDHeader); id != "" {
		if s, ok := m.Session(id); ok && s.State() != StateClosed {
			m.serveSession(s, w, r)
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		m.createSession(w, r)
	case http.MethodGet, http.MethodDelete:
		writeRPCError(w, http.StatusBadRequest, msgSessionNotEstablished)
	default:
		writeRPCError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	}
}

func (m *Multiplexer) serveSession(s *Session, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
		s.channel.ServeHTTP(w, r)
		if r.Method == http.MethodPost {
			s.activate()
		}
	case http.MethodDelete:
		m.closeSession(s, "client request")
		w.WriteHeader(http.StatusNoContent)
	default:
		writeRPCError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	}
}

// createSession starts a session for an initialize POST that carries no live
// session id.
func (m *Multiplexer) createSession(w http.ResponseWriter, r *http.Request) {
	if m.stopped.Load() {
		writeRPCError(w, http.StatusServiceUnavailable, msgShuttingDown)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInitializeBody))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: unreadable body")
		return
	}
	_ = r.Body.Close()
	if !isInitializeRequest(body) {
		writeRPCError(w, http.StatusBadRequest, msgNoValidSession)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	// The stale id, if any, must not reach the new channel.
	r.Header.Del(SessionIDHeader)

	d := m.opts.NewDispatcher()
	id := uuid.NewString()
	// The channel outlives this request.
	channel, err := m.opts.NewChannel(context.WithoutCancel(r.Context()), id, d.Server(m.opts.Implementation))
	if err != nil {
		_ = d.Close()
		m.opts.Logger.Error("session create failed", "error", err)
		writeRPCError(w, http.StatusInternalServerError, "Internal error: failed to create session")
		return
	}
	s := &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		Dispatcher: d,
		channel:    channel,
		state:      StateInitializing,
	}

	m.mu.Lock()
	if m.stopped.Load() {
		m.mu.Unlock()
		_ = channel.Close()
		_ = d.Close()
		writeRPCError(w, http.StatusServiceUnavailable, msgShuttingDown)
		return
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.opts.Metrics.SessionOpened()
	m.opts.Logger.Info("session created", "session", id)

	go func() {
		_ = channel.Wait()
		m.closeSession(s, "channel closed")
	}()

	channel.ServeHTTP(w, r)
	s.activate()
}

// closeSession removes s and closes its channel and dispatcher. Close errors
// are logged and otherwise ignored so removal always completes.
func (m *Multiplexer) closeSession(s *Session, reason string) {
	if !s.markClosed() {
		return
	}
	m.mu.Lock()
	if current, ok := m.sessions[s.ID]; ok && current == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()

	if err := s.channel.Close(); err != nil {
		m.opts.Logger.Debug("session channel close failed", "session", s.ID, "error", err)
	}
	if err := s.Dispatcher.Close(); err != nil {
		m.opts.Logger.Debug("session dispatcher close failed", "session", s.ID, "error", err)
	}
	m.opts.Metrics.SessionClosed()
	m.opts.Logger.Info("session closed", "session", s.ID, "reason", reason)
}

// ListenAndServe listens on Host:Port and serves until ctx is cancelled or
// the server stops.
func (m *Multiplexer) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpmux: listen %s: %w", addr, err)
	}
	return m.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Stop is called.
func (m *Multiplexer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: m.handler, ReadHeaderTimeout: 10 * time.Second}
	scheme := "http"
	if m.TLS() {
		srv.TLSConfig = m.tlsConfig
		ln = tls.NewListener(ln, m.tlsConfig)
		scheme = "https"
	}

	m.srvMu.Lock()
	if m.server != nil {
		m.srvMu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("httpmux: server already running on %s", m.addr)
	}
	m.server = srv
	m.addr = ln.Addr()
	m.srvMu.Unlock()
	defer func() {
		m.srvMu.Lock()
		if m.server == srv {
			m.server = nil
		}
		m.srvMu.Unlock()
	}()

	m.opts.Logger.Info("http server listening", "url", fmt.Sprintf("%s://%s%s", scheme, ln.Addr(), m.opts.Path))
	if !m.TLS() {
		m.opts.Logger.Warn("serving without TLS")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
		defer cancel()
		_ = m.Stop(stopCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound address while serving.
func (m *Multiplexer) Addr() net.Addr {
	m.srvMu.Lock()
	defer m.srvMu.Unlock()
	return m.addr
}

// Stop closes every session, channel first and then dispatcher, empties the
// session map, and shuts the HTTP server down. Session close failures do not
// interrupt the sequence.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.stopped.Store(true)

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s, "shutdown")
	}

	m.srvMu.Lock()
	srv := m.server
	m.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := srv.Shutdown(ctx)
	m.opts.Logger.Info("http server stopped")
	return err
}

// isInitializeRequest reports whether body is an initialize request or a
// batch containing one.
func isInitializeRequest(body []byte) bool {
	type envelope struct {
		Method string `json:"method"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] == '[' {
		var batch []envelope
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return false
		}
		for _, msg := range batch {
			if msg.Method == "initialize" {
				return true
			}
		}
		return false
	}
	var msg envelope
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return false
	}
	return msg.Method == "initialize"
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcErrorResponse struct {
	JSONRPC string   `json:"jsonrpc"`
	Error   rpcError `json:"error"`
	ID      any      `json:"id"`
}

func writeRPCError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, rpcErrorResponse{
		JSONRPC: "2.0",
		Error:   rpcError{Code: codeServerError, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
