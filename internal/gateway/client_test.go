package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeGateway answers the connect handshake, then echoes "ping", rejects "fail" and
// pushes one "tick" event after the handshake.
func fakeGateway(t *testing.T, instanceID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		ctx := r.Context()

		write := func(f Frame) {
			data, err := f.Marshal()
			if err != nil {
				t.Errorf("marshal: %v", err)
				return
			}
			_ = conn.Write(ctx, websocket.MessageText, data)
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			req, err := UnmarshalFrame(data)
			if err != nil {
				t.Errorf("bad frame: %v", err)
				return
			}
			switch req.Method {
			case MethodConnect:
				var params ConnectParams
				_ = json.Unmarshal(req.Params, &params)
				if params.Token != "secret" {
					write(Frame{Type: FrameTypeResponse, ID: req.ID, Error: &ErrorShape{Code: "UNAUTHORIZED", Message: "bad token"}})
					return
				}
				hello, _ := json.Marshal(HelloPayload{Protocol: ProtocolVersion, Server: ServerInfo{InstanceID: instanceID, Version: "test"}})
				write(Frame{Type: FrameTypeResponse, ID: req.ID, OK: true, Payload: hello})
				write(Frame{Type: FrameTypeEvent, Event: "tick", Payload: json.RawMessage(`{"n":1}`), Seq: 1})
			case "ping":
				write(Frame{Type: FrameTypeResponse, ID: req.ID, OK: true, Payload: req.Params})
			case "fail":
				write(Frame{Type: FrameTypeResponse, ID: req.ID, Error: &ErrorShape{Code: "INVALID_REQUEST", Message: "nope"}})
			default:
				write(Frame{Type: FrameTypeResponse, ID: req.ID, Error: &ErrorShape{Code: "UNKNOWN_METHOD", Message: req.Method}})
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestClientHandshakeCallsAndEvents(t *testing.T) {
	srv := fakeGateway(t, "gw-1")
	defer srv.Close()

	client, err := NewClient(ClientOptions{URL: wsURL(srv.URL), Token: "secret", CallTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	statuses := make(chan Status, 16)
	client.OnStatus(func(s Status) { statuses <- s })
	events := make(chan EventFrame, 4)
	client.OnEvent(func(ev EventFrame) { events <- ev })

	if err := client.Call(context.Background(), "ping", nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Run, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	waitStatus(t, statuses, StatusConnected)
	if got := client.InstanceID(); got != "gw-1" {
		t.Fatalf("InstanceID() = %q, want gw-1", got)
	}

	select {
	case ev := <-events:
		if ev.Event != "tick" || ev.Seq != 1 || string(ev.Payload) != `{"n":1}` {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("event not delivered")
	}

	var echoed struct {
		Value string `json:"value"`
	}
	if err := client.Call(ctx, "ping", map[string]string{"value": "hi"}, &echoed); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if echoed.Value != "hi" {
		t.Fatalf("echo = %q", echoed.Value)
	}

	err = client.Call(ctx, "fail", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != "INVALID_REQUEST" || rpcErr.Message != "nope" || rpcErr.Method != "fail" {
		t.Fatalf("unexpected rpc error: %+v", rpcErr)
	}
	if IsDisconnectLikeError(err) {
		t.Fatalf("rpc error must not be classified as disconnect")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if client.Status() != StatusDisconnected {
		t.Fatalf("status after stop = %s", client.Status())
	}
}

func TestClientRejectedHandshakeStaysDisconnected(t *testing.T) {
	srv := fakeGateway(t, "gw-1")
	defer srv.Close()

	client, err := NewClient(ClientOptions{URL: wsURL(srv.URL), Token: "wrong"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	sawConnected := make(chan struct{}, 1)
	client.OnStatus(func(s Status) {
		if s == StatusConnected {
			sawConnected <- struct{}{}
		}
	})

	connected, err := client.runOnce(context.Background())
	if connected {
		t.Fatalf("runOnce reported connected")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED rpc error, got %v", err)
	}
	select {
	case <-sawConnected:
		t.Fatalf("status must not become connected on a rejected handshake")
	default:
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "http://127.0.0.1:1", "127.0.0.1:18789"} {
		if _, err := NewClient(ClientOptions{URL: raw}); err == nil {
			t.Fatalf("expected error for url %q", raw)
		}
	}
	if _, err := NewClient(ClientOptions{URL: "wss://gateway.example:443"}); err != nil {
		t.Fatalf("wss url rejected: %v", err)
	}
}
