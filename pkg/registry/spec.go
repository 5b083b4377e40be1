package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport identifies how a server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// ServerSpec describes one downstream server. Specs are immutable once loaded.
type ServerSpec struct {
	ID       string
	Command  string
	Args     []string
	Env      map[string]string
	Disabled bool

	// URL selects the HTTP transport instead of launching Command.
	URL     string
	Headers map[string]string

	// Timeout bounds each forwarded call. Zero uses Options.CallTimeout.
	Timeout time.Duration
}

// Transport returns the transport family, or "" when neither a command nor a
// URL is set.
func (s ServerSpec) Transport() Transport {
	switch {
	case s.URL != "":
		return TransportHTTP
	case s.Command != "":
		return TransportStdio
	default:
		return ""
	}
}

// Validate reports specs that cannot be dialed.
func (s ServerSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("registry: server id is required")
	}
	if s.Transport() == "" {
		return fmt.Errorf("registry: server %q needs a command or url", s.ID)
	}
	return nil
}

// CollisionPolicy decides how equal names from different servers are exposed.
type CollisionPolicy string

const (
	// FirstWins exposes a name once, owned by the earliest connection.
	FirstWins CollisionPolicy = "first_wins"
	// Reject turns any duplicate name into a startup error.
	Reject CollisionPolicy = "reject"
	// Prefix exposes tools and prompts as "<serverID>__<name>". Resources keep
	// their URIs and fall back to first-wins.
	Prefix CollisionPolicy = "prefix"
)

// ParseCollisionPolicy maps configuration text to a policy. Empty selects
// FirstWins.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch CollisionPolicy(s) {
	case "", FirstWins:
		return FirstWins, nil
	case Reject, Prefix:
		return CollisionPolicy(s), nil
	default:
		return "", fmt.Errorf("registry: unknown collision policy %q", s)
	}
}

// Options configures a Registry.
type Options struct {
	// Client identifies the gateway to downstream servers.
	Client *mcp.Implementation
	// Dialer opens channels. Defaults to SDKDialer.
	Dialer Dialer
	// ConnectTimeout bounds channel establishment plus the initial capability
	// fetch. Defaults to 30s.
	ConnectTimeout time.Duration
	// CallTimeout bounds forwarded calls when a spec sets none. Defaults to 60s.
	CallTimeout time.Duration
	// ConnectRetries is the number of extra dial attempts after a failure.
	ConnectRetries int
	// RetryInterval is the initial backoff between dial attempts.
	RetryInterval time.Duration
	// Collisions selects the naming policy. Defaults to FirstWins.
	Collisions CollisionPolicy
	// Separator joins server id and name under the Prefix policy. Defaults to "__".
	Separator string
	// OnProgress receives downstream progress notifications.
	OnProgress func(serverID string, params *mcp.ProgressNotificationParams)
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Client == nil {
		opts.Client = &mcp.Implementation{Name: "mcp-server-gateway", Version: "1.0.0"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = &SDKDialer{Client: opts.Client, Logger: opts.Logger}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Collisions == "" {
		opts.Collisions = FirstWins
	}
	if opts.Separator == "" {
		opts.Separator = "__"
	}
	return opts
}
