package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/vault"
	"github.com/muxgate/muxgate/internal/worker"
)

// Worker and Vault are set from main.go during init.
var (
	Worker *worker.Client
	Vault  *vault.Vault
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeTaxonomyError classifies an error from the storage, vault, or
// worker layer into the response taxonomy: not-found for invisible or
// missing entities, bad gateway for upstream failures, internal error for
// configuration and storage faults.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	var remote *worker.RemoteError
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, worker.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &remote):
		writeError(w, http.StatusBadGateway, remote.Error())
	case errors.Is(err, vault.ErrNoMasterKey):
		writeError(w, http.StatusInternalServerError, "Encryption master key not configured")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// parsePagination reads limit/offset query parameters. Invalid values
// silently fall back to the defaults rather than erroring.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// validID reports whether s is syntactically a valid entity identifier.
func validID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// nullableID turns an empty id into a SQL NULL.
func nullableID(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
