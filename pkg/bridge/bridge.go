// Package bridge connects a stdio MCP client to a gateway served over HTTP.
//
// Each newline-delimited JSON-RPC message read from the client is posted to
// the gateway endpoint as its own HTTP exchange. The session id returned by
// the gateway is sent on every later exchange. Replies may be plain JSON or
// an event stream; for event streams the first JSON-RPC response found in
// the "data:" payloads is used. Every request, and every line that cannot be
// parsed, produces exactly one output line: the gateway's reply or a
// synthesized internal error. Notifications are the exception. The gateway
// accepts them without a reply, so they produce no output line.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"
)

const (
	// SessionIDHeader carries the gateway session id.
	SessionIDHeader = "Mcp-Session-Id"
	// CodeInternalError is the JSON-RPC code used for synthesized failures.
	CodeInternalError = -32603

	maxLineSize = 16 << 20
)

// Options configure a Bridge.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Bridge relays messages between a line-oriented client and the gateway.
type Bridge struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// New returns a bridge posting to endpoint. See Endpoint for turning a base
// URL into an endpoint.
func New(endpoint string, opts *Options) *Bridge {
	b := &Bridge{endpoint: endpoint, client: http.DefaultClient, logger: slog.Default()}
	if opts != nil {
		if opts.HTTPClient != nil {
			b.client = opts.HTTPClient
		}
		if opts.Logger != nil {
			b.logger = opts.Logger
		}
	}
	return b
}

// Endpoint appends "/mcp" to a base URL that has no path.
func Endpoint(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("bridge: invalid gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("bridge: gateway url must be http or https, got %q", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/mcp"
	}
	return u.String(), nil
}

// SessionID returns the session id carried forward, if any.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Run relays every line of in until EOF or ctx is cancelled. Lines are
// handled in order, and output is written in the same order.
func (b *Bridge) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		reply := b.handle(ctx, line)
		if reply == nil {
			continue
		}
		if _, err := w.Write(append(reply, '\n')); err != nil {
			return fmt.Errorf("bridge: write reply: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("bridge: write reply: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("bridge: read input: %w", err)
	}
	return nil
}

// handle returns the line to write for one input message, or nil when a
// notification was accepted without a reply.
func (b *Bridge) handle(ctx context.Context, line []byte) []byte {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		b.logger.Error("bridge input is not JSON", "error", err)
		return errorLine(nil, err)
	}
	reply, err := b.Forward(ctx, line)
	if err != nil {
		b.logger.Error("bridge forward failed", "error", err)
		return errorLine(envelope.ID, err)
	}
	if reply == nil {
		if len(envelope.ID) > 0 && string(envelope.ID) != "null" {
			err := errors.New("gateway returned no reply")
			b.logger.Error("bridge forward failed", "error", err)
			return errorLine(envelope.ID, err)
		}
		return nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, reply); err != nil {
		return errorLine(envelope.ID, fmt.Errorf("invalid reply from gateway: %w", err))
	}
	return compact.Bytes()
}

// Forward posts one message and returns the reply payload. A nil payload
// with a nil error means the gateway accepted the message without replying.
func (b *Bridge) Forward(ctx context.Context, message []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(message))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if id := b.SessionID(); id != "" {
		req.Header.Set(SessionIDHeader, id)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if id := resp.Header.Get(SessionIDHeader); id != "" {
		b.mu.Lock()
		if b.sessionID != id {
			b.logger.Debug("bridge session established", "session", id)
		}
		b.sessionID = id
		b.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		return firstEventPayload(resp.Body)
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, nil
		}
		return body, nil
	}
}

// firstEventPayload returns the first data payload that is a JSON-RPC
// response. Other parseable payloads are kept as a fallback; "[DONE]" and
// unparseable payloads are skipped.
func firstEventPayload(body io.Reader) ([]byte, error) {
	var fallback []byte
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxLineSize}) {
		if err != nil {
			if fallback != nil {
				return fallback, nil
			}
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		data := strings.TrimSpace(ev.Data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var msg struct {
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.Result != nil || msg.Error != nil {
			return []byte(data), nil
		}
		if fallback == nil {
			fallback = []byte(data)
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.New("event stream carried no JSON payload")
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorReply struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   rpcError        `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func errorLine(id json.RawMessage, err error) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	out, _ := json.Marshal(errorReply{
		JSONRPC: "2.0",
		Error:   rpcError{Code: CodeInternalError, Message: err.Error()},
		ID:      id,
	})
	return out
}
