package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"

	"nhooyr.io/websocket"
)

var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrDisconnected = errors.New("gateway disconnected")
	ErrClosed       = errors.New("gateway client closed")
)

// RPCError is an application-level failure reported by the gateway for one call.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if strings.TrimSpace(e.Code) != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Method, msg)
}

var disconnectHintRe = regexp.MustCompile(`(?i)disconnect|not connected|connection (?:closed|reset|refused|lost)|broken pipe|use of closed network connection|socket hang up|websocket.*clos|status = Status|unexpected eof|\beof\b|gateway (?:closed|restart)`)

// IsDisconnectLikeError reports whether err stems from the transport going away rather than
// from the gateway rejecting a request.
func IsDisconnectLikeError(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrDisconnected) || errors.Is(err, ErrClosed) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return disconnectHintRe.MatchString(strings.TrimSpace(err.Error()))
}
