package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/middleware"
)

// Bounds on caller-supplied execution parameters.
const (
	defaultCommandTimeoutSecs = 30
	maxCommandTimeoutSecs     = 300
	defaultCaptureLines       = 1000
	minCaptureLines           = 1
	maxCaptureLines           = 10000
)

type commandRequest struct {
	Command     string `json:"command"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// SendCommand runs a command in the session synchronously. The caller's
// timeout is clamped to the hard maximum; the RPC deadline is padded past
// it inside the worker client so a timed-out command still comes back as
// a result rather than a transport error.
func SendCommand(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	timeoutSecs := req.TimeoutSecs
	if timeoutSecs <= 0 {
		timeoutSecs = defaultCommandTimeoutSecs
	}
	if timeoutSecs > maxCommandTimeoutSecs {
		timeoutSecs = maxCommandTimeoutSecs
	}

	result, err := Worker.ExecCommand(r.Context(), sess.BackingName, req.Command, time.Duration(timeoutSecs)*time.Second)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	// Record the exchange in the session log. Log failures do not fail
	// the call; the command already ran.
	if _, err := database.AppendEntry(sess.ID, database.EntryCommand, req.Command, nil, nil); err != nil {
		log.Printf("Failed to log command entry for session %s: %v", sess.ID, err)
	}
	meta, _ := json.Marshal(map[string]interface{}{
		"exit_code": result.ExitCode,
		"timed_out": result.TimedOut,
	})
	if _, err := database.AppendEntry(sess.ID, database.EntryOutput, result.Output, meta, nil); err != nil {
		log.Printf("Failed to log output entry for session %s: %v", sess.ID, err)
	}

	writeJSON(w, http.StatusOK, result)
}

type keysRequest struct {
	Keys string `json:"keys"`
	Pane string `json:"pane"`
}

// SendKeys forwards raw keystrokes; fire-and-forget beyond the worker's
// acknowledgment.
func SendKeys(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req keysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Keys == "" {
		writeError(w, http.StatusBadRequest, "keys is required")
		return
	}

	if err := Worker.SendKeys(r.Context(), sess.BackingName, req.Keys, req.Pane); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// captureRequest distinguishes an absent line count (defaulted) from an
// explicit one (clamped), so a literal 0 clamps to the minimum instead of
// silently becoming the default.
type captureRequest struct {
	Pane  string `json:"pane"`
	Lines *int   `json:"lines"`
}

// CapturePane returns rendered pane content. The line count is clamped
// into the fixed bounds regardless of caller input.
func CapturePane(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	lines := defaultCaptureLines
	if req.Lines != nil {
		lines = clampInt(*req.Lines, minCaptureLines, maxCaptureLines)
	}

	content, err := Worker.Capture(r.Context(), sess.BackingName, req.Pane, lines)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	now := time.Now().UTC()
	meta, _ := json.Marshal(map[string]interface{}{"pane": req.Pane, "lines": lines})
	if _, err := database.AppendEntry(sess.ID, database.EntryScrollback, content, meta, &now); err != nil {
		log.Printf("Failed to log capture entry for session %s: %v", sess.ID, err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content":     content,
		"lines":       lines,
		"captured_at": now.Format(time.RFC3339),
	})
}

// HealthCheck is the unauthenticated liveness endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
