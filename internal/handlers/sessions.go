package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/middleware"
	"github.com/muxgate/muxgate/internal/worker"
)

// Session create defaults: geometry and capture policy applied when the
// caller leaves them unset.
const (
	defaultCols                = 120
	defaultRows                = 40
	defaultCaptureIntervalSecs = 30
)

type capturePolicyRequest struct {
	IntervalSecs    *int  `json:"interval_secs"`
	OnCommand       *bool `json:"on_command"`
	EmbedScrollback *bool `json:"embed_scrollback"`
}

// sessionCreateRequest carries no namespace; a session always inherits
// its connection's.
type sessionCreateRequest struct {
	ConnectionID string                `json:"connection_id"`
	Cols         int                   `json:"cols"`
	Rows         int                   `json:"rows"`
	Capture      *capturePolicyRequest `json:"capture"`
	Tags         []string              `json:"tags"`
	Notes        string                `json:"notes"`
}

type sessionPatchRequest struct {
	Tags  *[]string `json:"tags"`
	Notes *string   `json:"notes"`
}

// windowResponse is a window with its panes nested under it.
type windowResponse struct {
	database.Window
	Panes []database.Pane `json:"panes"`
}

// ListSessions returns the caller's sessions, newest first, with an
// optional status filter.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	limit, offset := parsePagination(r)

	q := database.Scoped(database.DB.Model(&database.Session{}), p.Namespaces)
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}
	var sessions []database.Session
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&sessions).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// CreateSession validates the target connection, asks the worker for a new
// session, and persists the returned identity. The local row is only
// written after the worker succeeds; a failed RPC leaves no orphan.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	conn, err := database.GetConnection(req.ConnectionID, p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	cols := req.Cols
	if cols <= 0 {
		cols = defaultCols
	}
	rows := req.Rows
	if rows <= 0 {
		rows = defaultRows
	}
	capture := worker.CapturePolicy{
		IntervalSecs:    defaultCaptureIntervalSecs,
		OnCommand:       true,
		EmbedScrollback: false,
	}
	if req.Capture != nil {
		if req.Capture.IntervalSecs != nil {
			capture.IntervalSecs = *req.Capture.IntervalSecs
		}
		if req.Capture.OnCommand != nil {
			capture.OnCommand = *req.Capture.OnCommand
		}
		if req.Capture.EmbedScrollback != nil {
			capture.EmbedScrollback = *req.Capture.EmbedScrollback
		}
	}

	// Decrypt the referenced credential only to hand it to the worker;
	// it is never stored on the session.
	secret := ""
	if conn.CredentialID != nil && *conn.CredentialID != "" {
		cred, err := database.GetCredential(*conn.CredentialID, p.Namespaces)
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		if cred.Ciphertext != "" {
			plain, err := Vault.Decrypt(cred.Ciphertext, cred.ID)
			if err != nil {
				writeTaxonomyError(w, err)
				return
			}
			secret = string(plain)
		}
	}

	host := ""
	if conn.Host != nil {
		host = *conn.Host
	}
	env := map[string]string{}
	if len(conn.Env) > 0 {
		json.Unmarshal(conn.Env, &env)
	}

	res, err := Worker.CreateSession(r.Context(), worker.CreateSessionRequest{
		ConnectionID: conn.ID,
		Host:         host,
		Port:         conn.Port,
		Username:     conn.Username,
		AuthMethod:   conn.AuthMethod,
		Secret:       secret,
		IsLocal:      conn.IsLocal,
		Env:          env,
		Cols:         cols,
		Rows:         rows,
		Capture:      capture,
	})
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	if req.Tags == nil {
		req.Tags = []string{}
	}
	sess := database.Session{
		ID:                  uuid.NewString(),
		Namespace:           conn.Namespace,
		ConnectionID:        conn.ID,
		BackingName:         res.SessionName,
		WorkerID:            res.WorkerID,
		Status:              database.StatusStarting,
		Cols:                cols,
		Rows:                rows,
		CaptureIntervalSecs: capture.IntervalSecs,
		CaptureOnCommand:    capture.OnCommand,
		EmbedScrollback:     capture.EmbedScrollback,
		Tags:                mustJSON(req.Tags),
		Notes:               req.Notes,
	}
	if err := database.DB.Create(&sess).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	log.Printf("Session created: id=%s connection=%s backing=%s", sess.ID, conn.ID, sess.BackingName)
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession returns a session with its window/pane tree. The tree is
// refreshed from the worker best-effort, then read back in two steps
// (windows, then panes keyed by window ids) and nested client-side.
func GetSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	if !database.IsTerminalStatus(sess.Status) {
		refreshTopology(r, sess)
	}

	var windows []database.Window
	if err := database.DB.Where("session_id = ?", sess.ID).Order("idx ASC").Find(&windows).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	windowIDs := make([]uint, len(windows))
	for i, win := range windows {
		windowIDs[i] = win.ID
	}
	var panes []database.Pane
	if len(windowIDs) > 0 {
		if err := database.DB.Where("window_id IN ?", windowIDs).Order("idx ASC").Find(&panes).Error; err != nil {
			writeTaxonomyError(w, err)
			return
		}
	}

	tree := make([]windowResponse, len(windows))
	for i, win := range windows {
		tree[i] = windowResponse{Window: win, Panes: []database.Pane{}}
		for _, pane := range panes {
			if pane.WindowID == win.ID {
				tree[i].Panes = append(tree[i].Panes, pane)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"windows": tree,
	})
}

// refreshTopology replaces the stored window/pane rows with the worker's
// current view. Worker failures leave the stored copy in place.
func refreshTopology(r *http.Request, sess *database.Session) {
	topo, err := Worker.Topology(r.Context(), sess.BackingName)
	if err != nil {
		log.Printf("Topology refresh failed for session %s: %v", sess.ID, err)
		return
	}

	windows := make([]database.Window, len(topo.Windows))
	for i, win := range topo.Windows {
		windows[i] = database.Window{Index: win.Index, Name: win.Name, Active: win.Active}
	}
	panesByWindow := make(map[int][]database.Pane)
	for _, pane := range topo.Panes {
		panesByWindow[pane.WindowIndex] = append(panesByWindow[pane.WindowIndex], database.Pane{
			Index:          pane.Index,
			Active:         pane.Active,
			PID:            pane.PID,
			CurrentCommand: pane.Command,
		})
	}
	if err := database.ReplaceTopology(sess.ID, windows, panesByWindow); err != nil {
		log.Printf("Topology store failed for session %s: %v", sess.ID, err)
	}
}

// PatchSession updates caller-owned metadata only; worker state is never
// touched here.
func PatchSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req sessionPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updates := map[string]interface{}{}
	if req.Tags != nil {
		updates["tags"] = mustJSON(*req.Tags)
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}
	if len(updates) > 0 {
		if err := database.DB.Model(sess).Updates(updates).Error; err != nil {
			writeTaxonomyError(w, err)
			return
		}
	}

	fresh, err := database.GetSession(sess.ID, p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

// TerminateSession kills the worker session and records termination only
// after the worker acknowledges. On worker failure the stored status is
// left unchanged and the caller must retry. Terminating a session that is
// already terminal is a no-op.
func TerminateSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	if database.IsTerminalStatus(sess.Status) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := Worker.KillSession(r.Context(), sess.BackingName); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	if err := database.MarkTerminated(sess.ID, nil); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	log.Printf("Session terminated: id=%s", sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ResizeSession resizes on the worker first and only then updates the
// local geometry cache; a failed RPC leaves the stored geometry alone.
func ResizeSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}

	if err := Worker.ResizeSession(r.Context(), sess.BackingName, req.Cols, req.Rows); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	if err := database.DB.Model(sess).Updates(map[string]interface{}{
		"cols": req.Cols,
		"rows": req.Rows,
	}).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cols": req.Cols, "rows": req.Rows})
}

type annotateRequest struct {
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata"`
}

// AnnotateSession appends an annotation entry to the session log and
// returns the created row with its assigned sequence number.
func AnnotateSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req annotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	entry, err := database.AppendEntry(sess.ID, database.EntryAnnotation, req.Content, req.Metadata, nil)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// ListEntries pages through the append-only session log, seq-ascending.
func ListEntries(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	sess, err := database.GetSession(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	limit, offset := parsePagination(r)

	q := database.DB.Model(&database.Entry{}).Where("session_id = ?", sess.ID)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		q = q.Where("kind = ?", kind)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}
	var entries []database.Entry
	if err := q.Order("seq ASC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
