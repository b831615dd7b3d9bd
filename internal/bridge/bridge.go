// Package bridge relays terminal I/O between one client-facing WebSocket
// and one worker attach stream. It is a pure pass-through multiplexer for
// exactly one control-message type plus raw bytes: no buffering, batching,
// re-ordering, or dropping beyond what the transports do natively.
package bridge

import (
	"context"
	"encoding/json"
	"log"

	"github.com/coder/websocket"
	"github.com/muxgate/muxgate/internal/worker"
)

// Close codes for the client channel. These live in a private code space
// above 4400 so callers can tell bad-request, unauthenticated, not-found,
// and upstream failure apart from normal protocol closure.
const (
	CloseBadRequest          websocket.StatusCode = 4400
	CloseUnauthenticated     websocket.StatusCode = 4401
	CloseNotFound            websocket.StatusCode = 4404
	CloseUpstreamUnavailable websocket.StatusCode = 4502
)

// controlProbe is the shape inbound text frames are tested against. A
// frame either parses as a resize control message or it is raw input;
// the decision is one explicit parse-and-classify step.
type controlProbe struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// eventEnvelope wraps structured worker events for the client.
type eventEnvelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// Options tunes a relay run.
type Options struct {
	// OnEvent observes structured worker events before they are
	// forwarded. Used to record worker-reported session state; it must
	// not block.
	OnEvent func(data []byte)
}

// classify decides whether an inbound client frame is a resize control
// message or raw input bytes. Binary frames are always raw input.
func classify(typ websocket.MessageType, data []byte) (resize *controlProbe, raw []byte) {
	if typ == websocket.MessageBinary {
		return nil, data
	}
	var probe controlProbe
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type != "resize" || probe.Cols <= 0 || probe.Rows <= 0 {
		return nil, data
	}
	return &probe, nil
}

// Run relays frames between the client connection and the worker stream
// until either side closes, then closes the other. Inbound and outbound
// relay are independent; a slow write in one direction never stalls the
// other. Run returns when both directions have ended.
func Run(ctx context.Context, client *websocket.Conn, stream *worker.Stream, opts Options) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})

	// Worker -> client.
	go func() {
		defer close(done)
		defer cancel()
		for {
			frame, err := stream.Recv(relayCtx)
			if err != nil {
				// Normal stream end closes the client normally;
				// anything else carries the failure text.
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					client.Close(websocket.StatusNormalClosure, "")
				} else if relayCtx.Err() == nil {
					client.Close(CloseUpstreamUnavailable, truncateReason(err.Error()))
				}
				return
			}
			if frame.Binary {
				if err := client.Write(relayCtx, websocket.MessageBinary, frame.Data); err != nil {
					return
				}
				continue
			}
			if opts.OnEvent != nil {
				opts.OnEvent(frame.Data)
			}
			envelope, _ := json.Marshal(eventEnvelope{Type: "event", Event: frame.Data})
			if err := client.Write(relayCtx, websocket.MessageText, envelope); err != nil {
				return
			}
		}
	}()

	// Client -> worker.
	for {
		typ, data, err := client.Read(relayCtx)
		if err != nil {
			break
		}
		resize, raw := classify(typ, data)
		if resize != nil {
			if err := stream.SendResize(relayCtx, resize.Cols, resize.Rows); err != nil {
				break
			}
			continue
		}
		if err := stream.SendInput(relayCtx, raw); err != nil {
			break
		}
	}

	// Either direction ending tears down both: no half-open bridge.
	cancel()
	stream.Close()
	<-done
}

// truncateReason keeps close reasons inside the 125-byte control frame
// limit.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

// LogClose closes the client channel with a code from the private space
// and logs the reason. Used by the attach handler before a relay starts.
func LogClose(client *websocket.Conn, code websocket.StatusCode, reason string) {
	log.Printf("Attach refused: code=%d reason=%s", code, reason)
	client.Close(code, reason)
}
