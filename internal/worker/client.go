// Package worker implements the RPC client for the remote execution worker
// that owns the actual multiplexed shell sessions. Unary calls share one
// control WebSocket carrying JSON-framed requests with correlation ids;
// each attach stream gets a dedicated WebSocket.
package worker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrUnavailable wraps transport-level failures reaching the worker.
// Handlers translate it into a bad-gateway response, distinct from
// not-found.
var ErrUnavailable = errors.New("worker unavailable")

// RemoteError is a failure the worker itself reported for a call that
// reached it.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Method, e.Message)
}

// DefaultCallTimeout bounds unary calls that carry no explicit deadline.
const DefaultCallTimeout = 15 * time.Second

// Client is the RPC client for one worker endpoint. It is safe for
// concurrent use; the control connection is dialed lazily and redialed
// after transport failures.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan rpcResponse
}

// NewClient creates a client for the worker at baseURL (ws:// or wss://).
// tlsCfg is the mutual-TLS material resolved once at startup; nil selects
// the plain transport.
func NewClient(baseURL string, tlsCfg *tls.Config) *Client {
	hc := &http.Client{}
	if tlsCfg != nil {
		hc.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
		pending:    make(map[string]chan rpcResponse),
	}
}

// ensureConn returns the live control connection, dialing if necessary.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := websocket.Dial(ctx, c.baseURL+"/rpc", &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, c.baseURL, err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

// readLoop dispatches responses to waiting callers by correlation id. On
// any read error the connection is dropped and all in-flight calls fail;
// the next call redials.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[worker] discarding malformed response: %v", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	waiting := c.pending
	c.pending = make(map[string]chan rpcResponse)
	c.mu.Unlock()

	conn.CloseNow()
	for _, ch := range waiting {
		ch <- rpcResponse{OK: false, Error: fmt.Sprintf("connection lost: %v", cause), transportFailure: true}
	}
}

// Call performs one unary RPC. The context deadline bounds the whole
// exchange; callers without a deadline get DefaultCallTimeout.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	req := rpcRequest{ID: uuid.NewString(), Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, ctx.Err())
	case resp := <-ch:
		if !resp.OK {
			if resp.transportFailure {
				return fmt.Errorf("%w: %s: %s", ErrUnavailable, method, resp.Error)
			}
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Close tears down the control connection. Attach streams are independent
// and unaffected.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// CreateSession asks the worker to start a new multiplexed shell session
// and returns the worker's identity for it.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	var res CreateSessionResult
	if err := c.Call(ctx, MethodSessionCreate, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// KillSession terminates a session on the worker. Success means the worker
// acknowledged the kill, not merely that the request was sent.
func (c *Client) KillSession(ctx context.Context, sessionName string) error {
	return c.Call(ctx, MethodSessionKill, map[string]string{"session": sessionName}, nil)
}

// ResizeSession changes a session's geometry on the worker.
func (c *Client) ResizeSession(ctx context.Context, sessionName string, cols, rows int) error {
	return c.Call(ctx, MethodSessionResize, map[string]interface{}{
		"session": sessionName,
		"cols":    cols,
		"rows":    rows,
	}, nil)
}

// Ping probes connectivity to a target host via the worker.
func (c *Client) Ping(ctx context.Context, req PingRequest) error {
	return c.Call(ctx, MethodSessionPing, req, nil)
}

// Topology fetches the worker's current window/pane tree for a session.
func (c *Client) Topology(ctx context.Context, sessionName string) (*Topology, error) {
	var topo Topology
	if err := c.Call(ctx, MethodSessionTopology, map[string]string{"session": sessionName}, &topo); err != nil {
		return nil, err
	}
	return &topo, nil
}

// ExecCommand runs a command in a session. The RPC deadline is padded past
// the command timeout so the worker can return a timed-out result instead
// of the transport cutting the call off.
func (c *Client) ExecCommand(ctx context.Context, sessionName, command string, timeout time.Duration) (*CommandResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var res CommandResult
	err := c.Call(callCtx, MethodExecCommand, map[string]interface{}{
		"session":      sessionName,
		"command":      command,
		"timeout_secs": int(timeout.Seconds()),
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SendKeys forwards raw keystrokes to a session, optionally targeting a
// specific pane.
func (c *Client) SendKeys(ctx context.Context, sessionName, keys, pane string) error {
	return c.Call(ctx, MethodExecKeys, map[string]string{
		"session": sessionName,
		"keys":    keys,
		"pane":    pane,
	}, nil)
}

// Capture returns the rendered content of a pane. Lines must already be
// clamped by the caller.
func (c *Client) Capture(ctx context.Context, sessionName, pane string, lines int) (string, error) {
	var res struct {
		Content string `json:"content"`
	}
	err := c.Call(ctx, MethodExecCapture, map[string]interface{}{
		"session": sessionName,
		"pane":    pane,
		"lines":   lines,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
