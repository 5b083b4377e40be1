package dispatch

import (
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC error codes reported to clients.
const (
	CodeToolNotFound      int64 = -32001
	CodeResourceNotFound  int64 = -32002
	CodePromptNotFound    int64 = -32003
	CodeServerUnavailable int64 = -32004
	CodeToolCallFailed    int64 = -32005
	CodeOperationFailed   int64 = -32006
)

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrPromptNotFound    = errors.New("prompt not found")
	ErrServerUnavailable = errors.New("server not connected")
	ErrToolCallFailed    = errors.New("tool call failed")
	ErrOperationFailed   = errors.New("operation failed")
	ErrDispatcherClosed  = errors.New("dispatch: dispatcher closed")
)

// Error is a per-request failure. It matches its Kind sentinel and the
// underlying downstream error with errors.Is.
type Error struct {
	Code int64
	// Kind is one of the Err* sentinels.
	Kind error
	// Op names the failed operation for ErrOperationFailed, e.g. "Resource read".
	Op       string
	Name     string
	ServerID string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrToolNotFound:
		return "Tool not found: " + e.Name
	case ErrResourceNotFound:
		return "Resource not found: " + e.Name
	case ErrPromptNotFound:
		return "Prompt not found: " + e.Name
	case ErrServerUnavailable:
		return "Server not connected: " + e.ServerID
	case ErrToolCallFailed:
		return "Tool call failed: " + errText(e.Err)
	case ErrOperationFailed:
		return e.Op + " failed: " + errText(e.Err)
	default:
		return fmt.Sprintf("dispatch error %d: %s", e.Code, errText(e.Err))
	}
}

// Unwrap exposes the sentinel, the downstream cause, and a wire error that
// carries Code through the SDK's JSON-RPC encoder.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 3)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	if w := wireErrors[e.Code]; w != nil {
		out = append(out, w)
	}
	return out
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func toolNotFound(name string) *Error {
	return &Error{Code: CodeToolNotFound, Kind: ErrToolNotFound, Name: name}
}

func unavailable(serverID, name string) *Error {
	return &Error{Code: CodeServerUnavailable, Kind: ErrServerUnavailable, Name: name, ServerID: serverID}
}

func toolCallFailed(serverID, name string, err error) *Error {
	return &Error{Code: CodeToolCallFailed, Kind: ErrToolCallFailed, Name: name, ServerID: serverID, Err: err}
}

func operationFailed(op, serverID, name string, err error) *Error {
	return &Error{Code: CodeOperationFailed, Kind: ErrOperationFailed, Op: op, Name: name, ServerID: serverID, Err: err}
}

// wireErrors holds one decoded JSON-RPC error per code. The SDK keeps the
// code of a wrapped wire error when it encodes a handler failure.
var wireErrors = func() map[int64]error {
	codes := []int64{
		CodeToolNotFound, CodeResourceNotFound, CodePromptNotFound,
		CodeServerUnavailable, CodeToolCallFailed, CodeOperationFailed,
	}
	out := make(map[int64]error, len(codes))
	for _, code := range codes {
		raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":0,"error":{"code":%d,"message":"gateway"}}`, code)
		msg, err := jsonrpc.DecodeMessage([]byte(raw))
		if err != nil {
			continue
		}
		if resp, ok := msg.(*jsonrpc.Response); ok && resp.Error != nil {
			out[code] = resp.Error
		}
	}
	return out
}()
