package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Frame is one message received from the worker on an attach stream.
// Binary frames are raw terminal output; text frames are structured
// events passed through as-is.
type Frame struct {
	Binary bool
	Data   []byte
}

// Stream is one bidirectional attach stream bound to a single session.
// Frames within each direction preserve arrival order; the stream does
// not buffer, batch, or drop.
type Stream struct {
	conn    *websocket.Conn
	session string
}

// Attach opens a dedicated stream to the worker for the named backing
// session. The attach control frame is always the first frame sent.
func (c *Client) Attach(ctx context.Context, sessionName string) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/attach", &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial attach: %v", ErrUnavailable, err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	hello, _ := json.Marshal(attachFrame{Type: "attach", Session: sessionName})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("%w: send attach frame: %v", ErrUnavailable, err)
	}

	return &Stream{conn: conn, session: sessionName}, nil
}

// Recv blocks until the next frame from the worker.
func (s *Stream) Recv(ctx context.Context) (Frame, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// SendInput forwards raw input bytes to the session.
func (s *Stream) SendInput(ctx context.Context, data []byte) error {
	payload, _ := json.Marshal(inputFrame{Type: "input", Session: s.session, Data: string(data)})
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// SendResize forwards a resize control message to the session.
func (s *Stream) SendResize(ctx context.Context, cols, rows int) error {
	payload, _ := json.Marshal(resizeFrame{Type: "resize", Session: s.session, Cols: cols, Rows: rows})
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// Close ends the stream normally.
func (s *Stream) Close() {
	s.conn.Close(websocket.StatusNormalClosure, "")
}

// CloseNow aborts the stream without the closing handshake.
func (s *Stream) CloseNow() {
	s.conn.CloseNow()
}
