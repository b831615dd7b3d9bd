package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/logutil"
	"github.com/muxgate/muxgate/internal/middleware"
	"github.com/muxgate/muxgate/internal/sshconfig"
	"github.com/muxgate/muxgate/internal/worker"
	"gorm.io/datatypes"
)

type connectionCreateRequest struct {
	Namespace          string            `json:"namespace"`
	Name               string            `json:"name"`
	Host               *string           `json:"host"`
	Port               int               `json:"port"`
	Username           string            `json:"username"`
	AuthMethod         string            `json:"auth_method"`
	CredentialID       *string           `json:"credential_id"`
	ProxyJumpID        *string           `json:"proxy_jump_id"`
	IsLocal            bool              `json:"is_local"`
	Env                map[string]string `json:"env"`
	Tags               []string          `json:"tags"`
	ConnectTimeoutSecs int               `json:"connect_timeout_secs"`
	KeepaliveSecs      int               `json:"keepalive_secs"`
	IdleTimeoutSecs    int               `json:"idle_timeout_secs"`
	MaxSessions        int               `json:"max_sessions"`
	HostKeyPolicy      string            `json:"host_key_policy"`
	Notes              string            `json:"notes"`
}

// connectionPatchRequest is the explicit allow-list of mutable fields.
// Anything else in the body is ignored, not rejected.
type connectionPatchRequest struct {
	Name               *string            `json:"name"`
	Host               *string            `json:"host"`
	Port               *int               `json:"port"`
	Username           *string            `json:"username"`
	AuthMethod         *string            `json:"auth_method"`
	CredentialID       *string            `json:"credential_id"`
	ProxyJumpID        *string            `json:"proxy_jump_id"`
	Env                *map[string]string `json:"env"`
	Tags               *[]string          `json:"tags"`
	ConnectTimeoutSecs *int               `json:"connect_timeout_secs"`
	KeepaliveSecs      *int               `json:"keepalive_secs"`
	IdleTimeoutSecs    *int               `json:"idle_timeout_secs"`
	MaxSessions        *int               `json:"max_sessions"`
	HostKeyPolicy      *string            `json:"host_key_policy"`
	Notes              *string            `json:"notes"`
}

func mustJSON(v interface{}) datatypes.JSON {
	data, _ := json.Marshal(v)
	return data
}

func decodeTags(raw datatypes.JSON) []string {
	var tags []string
	if len(raw) > 0 {
		json.Unmarshal(raw, &tags)
	}
	return tags
}

// validateConnectionRefs checks that credential and proxy-jump references,
// if set, are syntactically valid ids resolving to entities visible to
// the caller. Reference failures are client errors, never server errors.
func validateConnectionRefs(p *middleware.Principal, credentialID, proxyJumpID *string) error {
	if credentialID != nil && *credentialID != "" {
		if !validID(*credentialID) {
			return fmt.Errorf("credential_id is not a valid identifier")
		}
		if _, err := database.GetCredential(*credentialID, p.Namespaces); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("credential_id does not resolve to an accessible credential")
			}
			return err
		}
	}
	if proxyJumpID != nil && *proxyJumpID != "" {
		if !validID(*proxyJumpID) {
			return fmt.Errorf("proxy_jump_id is not a valid identifier")
		}
		if _, err := database.GetConnection(*proxyJumpID, p.Namespaces); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("proxy_jump_id does not resolve to an accessible connection")
			}
			return err
		}
	}
	return nil
}

// ListConnections returns the caller's connections, name-ascending, with
// optional text search, tag intersection, and locality filters.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	limit, offset := parsePagination(r)

	q := database.Scoped(database.DB, p.Namespaces).Where("deleted_at IS NULL")
	if search := r.URL.Query().Get("q"); search != "" {
		like := "%" + search + "%"
		q = q.Where("name LIKE ? OR host LIKE ?", like, like)
	}
	if local := r.URL.Query().Get("local"); local != "" {
		q = q.Where("is_local = ?", local == "true")
	}

	var conns []database.Connection
	if err := q.Order("name ASC").Find(&conns).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	// Tag intersection is applied in-process; tags live in a JSON column.
	if tagsParam := r.URL.Query().Get("tags"); tagsParam != "" {
		wanted := strings.Split(tagsParam, ",")
		filtered := conns[:0]
		for _, c := range conns {
			have := make(map[string]bool)
			for _, t := range decodeTags(c.Tags) {
				have[t] = true
			}
			all := true
			for _, t := range wanted {
				if !have[strings.TrimSpace(t)] {
					all = false
					break
				}
			}
			if all {
				filtered = append(filtered, c)
			}
		}
		conns = filtered
	}

	total := len(conns)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns[offset:end],
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// CreateConnection validates and stores a new connection definition.
func CreateConnection(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	var req connectionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conn, err := buildConnection(p, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := database.DB.Create(conn).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	log.Printf("Connection created: id=%s name=%s namespace=%s", conn.ID, logutil.SanitizeForLog(conn.Name), conn.Namespace)
	writeJSON(w, http.StatusCreated, conn)
}

// buildConnection validates a create request into a Connection row. Shared
// by CreateConnection and the ssh_config bulk import.
func buildConnection(p *middleware.Principal, req connectionCreateRequest) (*database.Connection, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	if req.AuthMethod == "" {
		req.AuthMethod = database.AuthKey
	}
	if !database.ValidAuthMethod(req.AuthMethod) {
		return nil, fmt.Errorf("auth_method must be one of key, password, agent, command")
	}
	if req.HostKeyPolicy == "" {
		req.HostKeyPolicy = database.HostKeyStrict
	}
	if !database.ValidHostKeyPolicy(req.HostKeyPolicy) {
		return nil, fmt.Errorf("host_key_policy must be one of strict, tofu, skip")
	}
	if !req.IsLocal && (req.Host == nil || strings.TrimSpace(*req.Host) == "") {
		return nil, fmt.Errorf("host is required for non-local connections")
	}

	namespace := req.Namespace
	if namespace == "" {
		namespace = p.DefaultNamespace()
	}
	if !p.CanSee(namespace) {
		return nil, fmt.Errorf("namespace %q is not accessible", namespace)
	}

	if err := validateConnectionRefs(p, req.CredentialID, req.ProxyJumpID); err != nil {
		return nil, err
	}

	port := req.Port
	if port == 0 {
		port = 22
	}
	connectTimeout := req.ConnectTimeoutSecs
	if connectTimeout == 0 {
		connectTimeout = 10
	}
	keepalive := req.KeepaliveSecs
	if keepalive == 0 {
		keepalive = 30
	}
	if req.Env == nil {
		req.Env = map[string]string{}
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}

	return &database.Connection{
		ID:                 uuid.NewString(),
		Namespace:          namespace,
		Name:               req.Name,
		Host:               req.Host,
		Port:               port,
		Username:           req.Username,
		AuthMethod:         req.AuthMethod,
		CredentialID:       req.CredentialID,
		ProxyJumpID:        req.ProxyJumpID,
		IsLocal:            req.IsLocal,
		Env:                mustJSON(req.Env),
		Tags:               mustJSON(req.Tags),
		ConnectTimeoutSecs: connectTimeout,
		KeepaliveSecs:      keepalive,
		IdleTimeoutSecs:    req.IdleTimeoutSecs,
		MaxSessions:        req.MaxSessions,
		HostKeyPolicy:      req.HostKeyPolicy,
		Notes:              req.Notes,
	}, nil
}

// GetConnection returns one connection, or an indistinguishable not-found
// for missing and out-of-namespace ids alike.
func GetConnection(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	conn, err := database.GetConnection(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// PatchConnection applies a partial update over the mutable-field
// allow-list.
func PatchConnection(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	conn, err := database.GetConnection(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req connectionPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.AuthMethod != nil && !database.ValidAuthMethod(*req.AuthMethod) {
		writeError(w, http.StatusBadRequest, "auth_method must be one of key, password, agent, command")
		return
	}
	if req.HostKeyPolicy != nil && !database.ValidHostKeyPolicy(*req.HostKeyPolicy) {
		writeError(w, http.StatusBadRequest, "host_key_policy must be one of strict, tofu, skip")
		return
	}
	if err := validateConnectionRefs(p, req.CredentialID, req.ProxyJumpID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Create-time invariants hold across patches too.
	if req.Host != nil && strings.TrimSpace(*req.Host) == "" && !conn.IsLocal {
		writeError(w, http.StatusBadRequest, "host is required for non-local connections")
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		updates["name"] = *req.Name
	}
	if req.Host != nil {
		updates["host"] = *req.Host
	}
	if req.Port != nil {
		updates["port"] = *req.Port
	}
	if req.Username != nil {
		updates["username"] = *req.Username
	}
	if req.AuthMethod != nil {
		updates["auth_method"] = *req.AuthMethod
	}
	// Clearing a nullable reference stores NULL, same as a row created
	// without one.
	if req.CredentialID != nil {
		updates["credential_id"] = nullableID(*req.CredentialID)
	}
	if req.ProxyJumpID != nil {
		updates["proxy_jump_id"] = nullableID(*req.ProxyJumpID)
	}
	if req.Env != nil {
		updates["env"] = mustJSON(*req.Env)
	}
	if req.Tags != nil {
		updates["tags"] = mustJSON(*req.Tags)
	}
	if req.ConnectTimeoutSecs != nil {
		updates["connect_timeout_secs"] = *req.ConnectTimeoutSecs
	}
	if req.KeepaliveSecs != nil {
		updates["keepalive_secs"] = *req.KeepaliveSecs
	}
	if req.IdleTimeoutSecs != nil {
		updates["idle_timeout_secs"] = *req.IdleTimeoutSecs
	}
	if req.MaxSessions != nil {
		updates["max_sessions"] = *req.MaxSessions
	}
	if req.HostKeyPolicy != nil {
		updates["host_key_policy"] = *req.HostKeyPolicy
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}

	if len(updates) > 0 {
		if err := database.DB.Model(conn).Updates(updates).Error; err != nil {
			writeTaxonomyError(w, err)
			return
		}
	}

	fresh, err := database.GetConnection(conn.ID, p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

// DeleteConnection soft-deletes a connection. A second delete of the same
// id yields not-found; the row itself is never removed.
func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	conn, err := database.GetConnection(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	now := time.Now().UTC()
	if err := database.DB.Model(conn).Update("deleted_at", now).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	log.Printf("Connection soft-deleted: id=%s", conn.ID)
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection asks the worker to probe the target. Worker failures are
// surfaced as bad-gateway, never as validation errors.
func TestConnection(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	conn, err := database.GetConnection(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	host := ""
	if conn.Host != nil {
		host = *conn.Host
	}

	start := time.Now()
	err = Worker.Ping(r.Context(), worker.PingRequest{
		Host:       host,
		Port:       conn.Port,
		Username:   conn.Username,
		AuthMethod: conn.AuthMethod,
		IsLocal:    conn.IsLocal,
	})
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// ImportConnections bulk-imports hosts from raw ssh_config text. Each
// entry becomes an independent connection; a failing entry is reported
// and skipped, never aborting the batch.
func ImportConnections(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1024*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	entries := sshconfig.Parse(string(body))
	if len(entries) == 0 {
		writeError(w, http.StatusBadRequest, "No host entries found")
		return
	}

	namespace := r.URL.Query().Get("namespace")
	type importFailure struct {
		Host  string `json:"host"`
		Error string `json:"error"`
	}
	created := []database.Connection{}
	failed := []importFailure{}

	for _, e := range entries {
		host := e.HostName
		req := connectionCreateRequest{
			Namespace:  namespace,
			Name:       e.Alias,
			Username:   e.User,
			Port:       e.Port,
			AuthMethod: database.AuthKey,
		}
		if host != "" {
			req.Host = &host
		}
		conn, err := buildConnection(p, req)
		if err == nil {
			err = database.DB.Create(conn).Error
		}
		if err != nil {
			failed = append(failed, importFailure{Host: e.Alias, Error: err.Error()})
			continue
		}
		created = append(created, *conn)
	}

	sort.Slice(created, func(i, j int) bool { return created[i].Name < created[j].Name })
	log.Printf("SSH config import: created=%d failed=%d", len(created), len(failed))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"created": created,
		"failed":  failed,
		"count":   len(created),
	})
}
