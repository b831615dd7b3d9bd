package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/muxgate/muxgate/internal/bridge"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/middleware"
)

// workerEvent is the subset of structured worker events the gateway
// records. Everything else is forwarded untouched.
type workerEvent struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code"`
}

// AttachSession upgrades the request to a WebSocket and bridges it onto a
// worker attach stream. Authentication happens before any worker stream
// is opened; failures close the client channel with a code from the
// private space instead of an HTTP error, since the upgrade has already
// been accepted.
func AttachSession(w http.ResponseWriter, r *http.Request) {
	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept attach websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(1024 * 1024)

	p, err := middleware.Authenticate(r)
	if err != nil {
		bridge.LogClose(clientConn, bridge.CloseUnauthenticated, "Authentication required")
		return
	}

	id := chi.URLParam(r, "id")
	if !validID(id) {
		bridge.LogClose(clientConn, bridge.CloseBadRequest, "Invalid session id")
		return
	}

	sess, err := database.GetSession(id, p.Namespaces)
	if err != nil {
		bridge.LogClose(clientConn, bridge.CloseNotFound, "Session not found")
		return
	}

	stream, err := Worker.Attach(r.Context(), sess.BackingName)
	if err != nil {
		bridge.LogClose(clientConn, bridge.CloseUpstreamUnavailable, "Worker unavailable")
		return
	}

	log.Printf("Attach started: session=%s backing=%s", sess.ID, sess.BackingName)
	bridge.Run(r.Context(), clientConn, stream, bridge.Options{
		OnEvent: func(data []byte) {
			recordWorkerEvent(sess.ID, data)
		},
	})
	log.Printf("Attach ended: session=%s", sess.ID)
}

// recordWorkerEvent applies worker-reported session state to the local
// row. These transitions originate with the worker; the gateway only
// records them, and ignores anything it cannot apply.
func recordWorkerEvent(sessionID string, data []byte) {
	var ev workerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "status":
		if ev.Status == "" {
			return
		}
		if ev.Status == database.StatusTerminated {
			if err := database.MarkTerminated(sessionID, ev.ExitCode); err != nil {
				log.Printf("Failed to record termination for session %s: %v", sessionID, err)
			}
			return
		}
		if err := database.TransitionSession(sessionID, ev.Status); err != nil {
			log.Printf("Failed to record status %q for session %s: %v", ev.Status, sessionID, err)
		}
	case "exit":
		if err := database.MarkTerminated(sessionID, ev.ExitCode); err != nil {
			log.Printf("Failed to record exit for session %s: %v", sessionID, err)
		}
	}
}
