package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownServer is returned for ids the registry does not hold.
var ErrUnknownServer = errors.New("registry: unknown server")

// Snapshot is the last-fetched capability lists of one server, in the order
// the server reported them.
type Snapshot struct {
	Tools     []*mcp.Tool
	Resources []*mcp.Resource
	Prompts   []*mcp.Prompt
}

// Connection is a point-in-time view of one downstream connection.
type Connection struct {
	ID          string
	Spec        ServerSpec
	Channel     Channel
	Snapshot    Snapshot
	Connected   bool
	ConnectedAt time.Time
	// CallTimeout bounds each call forwarded over Channel.
	CallTimeout time.Duration
}

type connection struct {
	spec        ServerSpec
	channel     Channel
	snapshot    Snapshot
	connected   bool
	connectedAt time.Time
	closed      bool
	// stop cancels the context the channel was dialed with.
	stop context.CancelFunc
}

// release closes the channel and cancels its dial context.
func (c *connection) release(ctx context.Context) error {
	err := closeWithContext(ctx, c.channel)
	if c.stop != nil {
		c.stop()
	}
	return err
}

// Registry owns downstream connections. Reads are safe for concurrent use
// with each other and with the rare writes made by ConnectAll, Refresh,
// connection loss, and DisconnectAll.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	order []string
	conns map[string]*connection

	listenersMu sync.Mutex
	listeners   []func(Catalog)
	// notifyMu orders catalog computation and delivery across notifications.
	notifyMu sync.Mutex
}

// New constructs an empty Registry.
func New(opts *Options) *Registry {
	return &Registry{
		opts:  opts.withDefaults(),
		conns: make(map[string]*connection),
	}
}

// OnCatalogChanged registers fn to run after the aggregated catalog changes.
func (r *Registry) OnCatalogChanged(fn func(Catalog)) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Connect establishes one connection and appends it to the registry. On
// failure the server is left out of the registry and the error is returned.
func (r *Registry) Connect(ctx context.Context, spec ServerSpec) error {
	conn, err := r.dial(ctx, spec)
	if err != nil {
		r.opts.Logger.Error("server connect failed", "server", spec.ID, "error", err)
		return err
	}
	if err := r.insert(conn); err != nil {
		_ = conn.release(ctx)
		return err
	}
	r.notifyChanged()
	return nil
}

// ConnectAll connects every enabled spec in parallel and waits for all of
// them to settle. Failures are logged and skipped. Successful connections are
// inserted in spec order, so ownership does not depend on which server
// answered first. It returns the ids that connected.
func (r *Registry) ConnectAll(ctx context.Context, specs []ServerSpec) []string {
	results := make([]*connection, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		if spec.Disabled {
			continue
		}
		g.Go(func() error {
			conn, err := r.dial(ctx, spec)
			if err != nil {
				r.opts.Logger.Error("server connect failed", "server", spec.ID, "error", err)
				return nil
			}
			results[i] = conn
			return nil
		})
	}
	_ = g.Wait()

	connected := make([]string, 0, len(specs))
	for _, conn := range results {
		if conn == nil {
			continue
		}
		if err := r.insert(conn); err != nil {
			r.opts.Logger.Error("server connect failed", "server", conn.spec.ID, "error", err)
			_ = conn.release(ctx)
			continue
		}
		connected = append(connected, conn.spec.ID)
	}

	catalog := r.Catalog()
	r.opts.Logger.Info("catalog built",
		"connected", len(connected),
		"configured", len(specs),
		"tools", len(catalog.Tools),
		"resources", len(catalog.Resources),
		"prompts", len(catalog.Prompts),
	)
	r.notifyChanged()
	return connected
}

func (r *Registry) dial(ctx context.Context, spec ServerSpec) (*connection, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	// Transports tie the connection's lifetime to the dial context, so the
	// channel gets a context that survives this call. ConnectTimeout bounds
	// only the handshake and the first capability fetch.
	connCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	hooks := Hooks{
		ListChanged: func(Category) {
			go r.refreshAndLog(spec.ID)
		},
	}
	if r.opts.OnProgress != nil {
		hooks.Progress = func(params *mcp.ProgressNotificationParams) {
			r.opts.OnProgress(spec.ID, params)
		}
	}

	operation := func() (Channel, error) {
		return r.dialBounded(ctx, connCtx, spec, hooks)
	}
	var (
		ch  Channel
		err error
	)
	if r.opts.ConnectRetries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.opts.RetryInterval
		ch, err = backoff.Retry(ctx, operation,
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(r.opts.ConnectRetries)+1),
			backoff.WithNotify(func(err error, wait time.Duration) {
				r.opts.Logger.Warn("server connect retry", "server", spec.ID, "error", err, "wait", wait)
			}),
		)
	} else {
		ch, err = operation()
	}
	if err != nil {
		stop()
		return nil, fmt.Errorf("registry: connect %q: %w", spec.ID, err)
	}

	conn := &connection{
		spec:        spec,
		channel:     ch,
		snapshot:    r.fetchSnapshot(ctx, spec.ID, ch),
		connected:   true,
		connectedAt: time.Now(),
		stop:        stop,
	}
	r.opts.Logger.Info("server connected",
		"server", spec.ID,
		"tools", len(conn.snapshot.Tools),
		"resources", len(conn.snapshot.Resources),
		"prompts", len(conn.snapshot.Prompts),
	)
	return conn, nil
}

// dialBounded dials with connCtx and gives up when ctx ends first. A dial
// that completes after giving up is closed.
func (r *Registry) dialBounded(ctx, connCtx context.Context, spec ServerSpec, hooks Hooks) (Channel, error) {
	type result struct {
		ch  Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := r.opts.Dialer.Dial(connCtx, spec, hooks)
		done <- result{ch, err}
	}()
	select {
	case res := <-done:
		return res.ch, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.ch != nil {
				_ = res.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// fetchSnapshot lists each category independently. A failing category is
// logged and left empty.
func (r *Registry) fetchSnapshot(ctx context.Context, serverID string, ch Channel) Snapshot {
	var snap Snapshot
	var err error
	if snap.Tools, err = ch.ListTools(ctx); err != nil {
		r.logListFailure(serverID, CategoryTools, err)
		snap.Tools = nil
	}
	if snap.Resources, err = ch.ListResources(ctx); err != nil {
		r.logListFailure(serverID, CategoryResources, err)
		snap.Resources = nil
	}
	if snap.Prompts, err = ch.ListPrompts(ctx); err != nil {
		r.logListFailure(serverID, CategoryPrompts, err)
		snap.Prompts = nil
	}
	return snap
}

func (r *Registry) logListFailure(serverID string, category Category, err error) {
	r.opts.Logger.Warn("capability list failed", "server", serverID, "category", string(category), "error", err)
}

func (r *Registry) insert(conn *connection) error {
	id := conn.spec.ID
	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: duplicate server id %q", id)
	}
	r.conns[id] = conn
	r.order = append(r.order, id)
	r.mu.Unlock()

	go r.watch(id, conn)
	return nil
}

// watch marks a connection as lost once its channel ends.
func (r *Registry) watch(id string, conn *connection) {
	<-conn.channel.Done()
	r.mu.Lock()
	current, ok := r.conns[id]
	lost := ok && current == conn && !conn.closed && conn.connected
	if lost {
		conn.connected = false
	}
	r.mu.Unlock()
	if lost {
		r.opts.Logger.Warn("server disconnected", "server", id)
		r.notifyChanged()
	}
}

// Refresh re-reads a connected server's capabilities and replaces its
// snapshot.
func (r *Registry) Refresh(ctx context.Context, serverID string) error {
	r.mu.RLock()
	conn, ok := r.conns[serverID]
	var ch Channel
	if ok {
		ch = conn.channel
	}
	connected := ok && conn.connected
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	if !connected {
		return fmt.Errorf("registry: server %q is not connected", serverID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	snap := r.fetchSnapshot(ctx, serverID, ch)

	r.mu.Lock()
	if current, ok := r.conns[serverID]; ok && current == conn {
		conn.snapshot = snap
	}
	r.mu.Unlock()
	r.opts.Logger.Info("server capabilities refreshed", "server", serverID,
		"tools", len(snap.Tools), "resources", len(snap.Resources), "prompts", len(snap.Prompts))
	r.notifyChanged()
	return nil
}

func (r *Registry) refreshAndLog(serverID string) {
	if err := r.Refresh(context.Background(), serverID); err != nil {
		r.opts.Logger.Warn("server refresh failed", "server", serverID, "error", err)
	}
}

// Connection returns a view of one connection.
func (r *Registry) Connection(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return r.view(conn), true
}

// Connections returns every connection in insertion order, including those
// that have been lost.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.view(r.conns[id]))
	}
	return out
}

// ConnectedCount reports the number of usable connections.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conn := range r.conns {
		if conn.connected {
			n++
		}
	}
	return n
}

func (r *Registry) view(conn *connection) Connection {
	timeout := conn.spec.Timeout
	if timeout <= 0 {
		timeout = r.opts.CallTimeout
	}
	return Connection{
		ID:          conn.spec.ID,
		Spec:        conn.spec,
		Channel:     conn.channel,
		Snapshot:    conn.snapshot,
		Connected:   conn.connected,
		ConnectedAt: conn.connectedAt,
		CallTimeout: timeout,
	}
}

// DisconnectAll closes every channel, which also terminates stdio child
// processes, and empties the registry. Close failures are logged and joined
// into the returned error; the registry is emptied regardless. Calling it
// again is a no-op.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.order))
	for _, id := range r.order {
		conn := r.conns[id]
		conn.closed = true
		conn.connected = false
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*connection)
	r.order = nil
	r.mu.Unlock()

	if len(conns) == 0 {
		return nil
	}

	var errs []error
	for _, conn := range conns {
		if err := conn.release(ctx); err != nil {
			r.opts.Logger.Warn("server close failed", "server", conn.spec.ID, "error", err)
			errs = append(errs, fmt.Errorf("registry: close %q: %w", conn.spec.ID, err))
			continue
		}
		r.opts.Logger.Info("server disconnected", "server", conn.spec.ID)
	}
	r.notifyChanged()
	return errors.Join(errs...)
}

// closeWithContext stops waiting on a close that outlives ctx. The close
// itself keeps running in the background.
func closeWithContext(ctx context.Context, ch Channel) error {
	done := make(chan error, 1)
	go func() { done <- ch.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyChanged delivers the current catalog to every listener. Deliveries
// are serialized, so the last catalog a listener sees is the latest one.
func (r *Registry) notifyChanged() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.listenersMu.Lock()
	listeners := append([]func(Catalog){}, r.listeners...)
	r.listenersMu.Unlock()
	if len(listeners) == 0 {
		return
	}
	catalog := r.Catalog()
	for _, fn := range listeners {
		fn(catalog)
	}
}
