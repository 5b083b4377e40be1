package httpmux

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/treyanderson/mcp-server-gateway/pkg/dispatch"
)

// Channel is the inbound side of one session: it serves the session's HTTP
// exchanges and reports when the underlying MCP session ends.
type Channel interface {
	http.Handler
	Close() error
	// Wait blocks until the session ends.
	Wait() error
}

// ChannelFactory connects server to a new inbound channel for sessionID.
type ChannelFactory func(ctx context.Context, sessionID string, server *mcp.Server) (Channel, error)

// StreamableChannel is the default ChannelFactory. It serves the session over
// the go-sdk streamable HTTP transport.
func StreamableChannel(ctx context.Context, sessionID string, server *mcp.Server) (Channel, error) {
	transport := &mcp.StreamableServerTransport{SessionID: sessionID}
	ss, err := server.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return &streamableChannel{transport: transport, session: ss}, nil
}

type streamableChannel struct {
	transport *mcp.StreamableServerTransport
	session   *mcp.ServerSession
}

func (c *streamableChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.transport.ServeHTTP(w, r)
}

func (c *streamableChannel) Close() error { return c.session.Close() }

func (c *streamableChannel) Wait() error { return c.session.Wait() }

// State is a session's lifecycle position.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one client connection to its dispatcher and channel.
type Session struct {
	ID         string
	CreatedAt  time.Time
	Dispatcher *dispatch.Dispatcher

	channel Channel

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) activate() {
	s.mu.Lock()
	if s.state == StateInitializing {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// markClosed reports whether this call performed the transition.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}
