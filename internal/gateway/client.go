package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type ClientOptions struct {
	URL                string
	Token              string
	ClientName         string
	Version            string
	CallTimeout        time.Duration
	HandshakeTimeout   time.Duration
	MaxMessageBytes    int64
	BackoffMax         time.Duration
	InsecureSkipVerify bool
	Logf               func(format string, args ...any)
}

// Client is a reconnecting WebSocket connection to the gateway.
type Client struct {
	url         string
	token       string
	clientName  string
	version     string
	callTimeout time.Duration
	handshake   time.Duration
	maxMsgBytes int64
	backoffMax  time.Duration
	tlsConfig   *tls.Config

	mu         sync.Mutex
	status     Status
	instanceID string
	session    *session

	events   handlerSet[EventFrame]
	statuses handlerSet[Status]

	logf func(format string, args ...any)
}

var _ Transport = (*Client)(nil)

func NewClient(opts ClientOptions) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("gateway url is required")
	}
	lower := strings.ToLower(url)
	if !strings.HasPrefix(lower, "ws://") && !strings.HasPrefix(lower, "wss://") {
		return nil, fmt.Errorf("gateway url must be ws:// or wss:// (got %q)", url)
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	maxMsg := opts.MaxMessageBytes
	if maxMsg <= 0 {
		maxMsg = 4 << 20
	}
	backoffMax := opts.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	name := strings.TrimSpace(opts.ClientName)
	if name == "" {
		name = "fleetconsole"
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	var tlsCfg *tls.Config
	if strings.HasPrefix(lower, "wss://") {
		tlsCfg = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify} //nolint:gosec
	}

	return &Client{
		url:         url,
		token:       strings.TrimSpace(opts.Token),
		clientName:  name,
		version:     strings.TrimSpace(opts.Version),
		callTimeout: callTimeout,
		handshake:   handshake,
		maxMsgBytes: maxMsg,
		backoffMax:  backoffMax,
		tlsConfig:   tlsCfg,
		status:      StatusDisconnected,
		logf:        logf,
	}, nil
}

func (c *Client) Status() Status {
	if c == nil {
		return StatusDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) InstanceID() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

func (c *Client) OnEvent(handler func(EventFrame)) func() {
	if c == nil {
		return func() {}
	}
	return c.events.add(handler)
}

func (c *Client) OnStatus(handler func(Status)) func() {
	if c == nil {
		return func() {}
	}
	return c.statuses.add(handler)
}

func (c *Client) setStatus(next Status) {
	c.mu.Lock()
	if c.status == next {
		c.mu.Unlock()
		return
	}
	c.status = next
	c.mu.Unlock()
	c.statuses.emit(next)
}

// Run keeps a connection open until ctx ends, reconnecting with jittered exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	if c == nil {
		return errors.New("gateway client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := 1 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		connected, err := c.runOnce(ctx)
		if connected {
			backoff = 1 * time.Second
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		c.logf("gateway: disconnected url=%s err=%v", c.url, err)

		jitter := time.Duration(rand.IntN(500)) * time.Millisecond
		sleep := backoff + jitter
		if sleep > c.backoffMax {
			sleep = c.backoffMax
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (connected bool, err error) {
	c.setStatus(StatusConnecting)
	defer c.setStatus(StatusDisconnected)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var dialOpts websocket.DialOptions
	if c.tlsConfig != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: c.tlsConfig,
			},
		}
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &dialOpts)
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(c.maxMsgBytes)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	sess := newSession(conn)
	defer sess.close(websocket.StatusNormalClosure, "bye")
	go c.readLoop(connCtx, sess)

	hello, err := c.sendConnect(connCtx, sess)
	if err != nil {
		return false, fmt.Errorf("gateway handshake: %w", err)
	}

	c.mu.Lock()
	c.session = sess
	c.instanceID = strings.TrimSpace(hello.Server.InstanceID)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.session == sess {
			c.session = nil
		}
		c.mu.Unlock()
	}()

	c.logf("gateway: connected url=%s instance=%s version=%s", c.url, hello.Server.InstanceID, hello.Server.Version)
	c.setStatus(StatusConnected)

	select {
	case <-connCtx.Done():
		return true, connCtx.Err()
	case <-sess.done:
		return true, sess.err()
	}
}

func (c *Client) sendConnect(ctx context.Context, sess *session) (HelloPayload, error) {
	params := ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Token:       c.token,
		Client: ConnectClient{
			Name:    c.clientName,
			Version: c.version,
			Mode:    "operator",
		},
	}
	hsCtx, cancel := context.WithTimeout(ctx, c.handshake)
	defer cancel()
	var hello HelloPayload
	if err := c.roundTrip(hsCtx, sess, MethodConnect, params, &hello); err != nil {
		return HelloPayload{}, err
	}
	return hello, nil
}

// Call sends one request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if c == nil {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	sess := c.session
	status := c.status
	c.mu.Unlock()
	if sess == nil || status != StatusConnected {
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.roundTrip(callCtx, sess, method, params, out)
}

func (c *Client) roundTrip(ctx context.Context, sess *session, method string, params any, out any) error {
	req, err := NewRequest(method, "", params)
	if err != nil {
		return err
	}
	msg, err := req.Marshal()
	if err != nil {
		return err
	}

	ch, err := sess.register(req.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer sess.unregister(req.ID)

	if err := sess.writeText(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-ch:
		return decodeResponse(method, res, out)
	case <-sess.done:
		// a response read just before the drop still counts
		select {
		case res := <-ch:
			return decodeResponse(method, res, out)
		default:
		}
		return fmt.Errorf("%s: %w", method, ErrDisconnected)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func decodeResponse(method string, res Frame, out any) error {
	if !res.OK {
		rpcErr := &RPCError{Method: method}
		if res.Error != nil {
			rpcErr.Code = strings.TrimSpace(res.Error.Code)
			rpcErr.Message = strings.TrimSpace(res.Error.Message)
		}
		return rpcErr
	}
	if out != nil && len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, sess *session) {
	for {
		mt, data, err := sess.conn.Read(ctx)
		if err != nil {
			sess.fail(err)
			return
		}
		if mt != websocket.MessageText {
			continue
		}
		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.logf("gateway: dropping malformed frame err=%v", err)
			continue
		}
		switch frame.Type {
		case FrameTypeResponse:
			sess.deliver(frame)
		case FrameTypeEvent:
			c.events.emit(EventFrame{Event: frame.Event, Payload: frame.Payload, Seq: frame.Seq})
		default:
			// requests from the gateway are not part of the operator protocol
		}
	}
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	done    chan struct{}
	failErr error
	closed  bool
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:    conn,
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
}

func (s *session) register(id string) (chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisconnected
	}
	ch := make(chan Frame, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *session) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) deliver(f Frame) {
	s.mu.Lock()
	ch := s.pending[f.ID]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (s *session) writeText(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err == nil {
		err = ErrDisconnected
	}
	s.failErr = err
	close(s.done)
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr == nil {
		return ErrDisconnected
	}
	return s.failErr
}

func (s *session) close(status websocket.StatusCode, reason string) {
	s.fail(ErrDisconnected)
	_ = s.conn.Close(status, reason)
}
