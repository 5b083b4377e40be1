package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProgressSink receives relayed progress notifications. *mcp.ServerSession
// implements it.
type ProgressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// ProgressRelay routes downstream progress notifications back to the inbound
// session that started the call. Each forwarded call gets a gateway-unique
// token so calls from different sessions never collide on one downstream.
type ProgressRelay struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRoute struct {
	sink  ProgressSink
	token any
	seq   uint64
}

const progressCleanupGrace = 250 * time.Millisecond

// NewProgressRelay returns an empty relay.
func NewProgressRelay(logger *slog.Logger) *ProgressRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressRelay{
		routes:       make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// Track registers a route for a call to serverID that the client tagged
// with inboundToken. It returns the token to forward downstream and a
// release func to call once the call returns. A nil token disables relaying.
func (pr *ProgressRelay) Track(serverID string, sink ProgressSink, inboundToken any) (any, func()) {
	if sink == nil || inboundToken == nil {
		return nil, func() {}
	}
	if _, ok := normalizeProgressToken(inboundToken); !ok {
		pr.logger.Warn("progress token unsupported", "server", serverID, "token", inboundToken)
		return nil, func() {}
	}
	token := fmt.Sprintf("gw/%s/%d", serverID, pr.counter.Add(1))
	key, _ := progressMapKey(serverID, token)
	seq := pr.seq.Add(1)
	pr.mu.Lock()
	pr.routes[key] = progressRoute{sink: sink, token: inboundToken, seq: seq}
	pr.mu.Unlock()
	return token, func() { pr.removeLater(key, seq) }
}

// Deliver relays a downstream notification to the tracked session with the
// client's original token. Unknown tokens are dropped.
func (pr *ProgressRelay) Deliver(serverID string, params *mcp.ProgressNotificationParams) {
	if params == nil {
		return
	}
	route, ok := pr.lookup(serverID, params.ProgressToken)
	if !ok {
		pr.logger.Debug("progress dropped", "server", serverID, "token", params.ProgressToken)
		return
	}
	relayed := *params
	relayed.ProgressToken = route.token
	if err := route.sink.NotifyProgress(context.Background(), &relayed); err != nil {
		pr.logger.Warn("progress relay failed", "server", serverID, "error", err)
	}
}

// Pending reports the number of live routes.
func (pr *ProgressRelay) Pending() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.routes)
}

func (pr *ProgressRelay) lookup(serverID string, token any) (progressRoute, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return progressRoute{}, false
	}
	key, ok := progressMapKey(serverID, normalized)
	if !ok {
		return progressRoute{}, false
	}
	pr.mu.RLock()
	route, ok := pr.routes[key]
	pr.mu.RUnlock()
	return route, ok
}

// removeLater keeps a route alive briefly after the call returns, since
// trailing notifications can arrive after the response.
func (pr *ProgressRelay) removeLater(key string, seq uint64) {
	if pr.cleanupGrace <= 0 {
		pr.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(pr.cleanupGrace, func() {
		pr.removeIfMatch(key, seq)
	})
}

func (pr *ProgressRelay) removeIfMatch(key string, seq uint64) {
	pr.mu.Lock()
	if current, ok := pr.routes[key]; ok && current.seq == seq {
		delete(pr.routes, key)
	}
	pr.mu.Unlock()
}

func progressMapKey(serverID string, token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return serverID + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", serverID, v), true
	default:
		return "", false
	}
}

// normalizeProgressToken maps JSON-decoded tokens onto string or int64.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return nil, false
	}
}
