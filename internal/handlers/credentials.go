package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/logutil"
	"github.com/muxgate/muxgate/internal/middleware"
	"github.com/muxgate/muxgate/internal/vault"
	"golang.org/x/crypto/ssh"
)

type credentialCreateRequest struct {
	Namespace          string `json:"namespace"`
	Name               string `json:"name"`
	Kind               string `json:"kind"`
	Secret             string `json:"secret"`
	Command            string `json:"command"`
	CommandTimeoutSecs int    `json:"command_timeout_secs"`
	CacheTTLSecs       int    `json:"cache_ttl_secs"`
}

type credentialPatchRequest struct {
	Name               *string `json:"name"`
	Command            *string `json:"command"`
	CommandTimeoutSecs *int    `json:"command_timeout_secs"`
	CacheTTLSecs       *int    `json:"cache_ttl_secs"`
}

// ListCredentials returns credential metadata, never ciphertext.
func ListCredentials(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	limit, offset := parsePagination(r)

	var creds []database.Credential
	var total int64
	q := database.Scoped(database.DB.Model(&database.Credential{}), p.Namespaces).Where("deleted_at IS NULL")
	if err := q.Count(&total).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}
	if err := q.Order("name ASC").Limit(limit).Offset(offset).Find(&creds).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credentials": creds,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// CreateCredential encrypts and stores new secret material. The response
// carries metadata only.
func CreateCredential(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	var req credentialCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !database.ValidCredentialKind(req.Kind) {
		writeError(w, http.StatusBadRequest, "kind must be one of ssh_key, password, command")
		return
	}
	if req.Kind != database.CredentialCommand && req.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}
	if req.Kind == database.CredentialCommand && strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required for command credentials")
		return
	}

	namespace := req.Namespace
	if namespace == "" {
		namespace = p.DefaultNamespace()
	}
	if !p.CanSee(namespace) {
		writeError(w, http.StatusBadRequest, "namespace is not accessible")
		return
	}

	cred := database.Credential{
		ID:                 uuid.NewString(),
		Namespace:          namespace,
		Name:               req.Name,
		Kind:               req.Kind,
		Command:            req.Command,
		CommandTimeoutSecs: req.CommandTimeoutSecs,
		CacheTTLSecs:       req.CacheTTLSecs,
	}
	if cred.CommandTimeoutSecs == 0 {
		cred.CommandTimeoutSecs = 10
	}

	if req.Secret != "" {
		ciphertext, err := Vault.Encrypt([]byte(req.Secret), cred.ID)
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		cred.Ciphertext = ciphertext
	}

	// For imported private keys, derive the public half and fingerprint
	// when the material parses; failure to parse is not an error, the
	// metadata just stays empty.
	if req.Kind == database.CredentialSSHKey {
		if signer, err := ssh.ParsePrivateKey([]byte(req.Secret)); err == nil {
			cred.PublicKey = string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
			cred.Fingerprint = ssh.FingerprintSHA256(signer.PublicKey())
		}
	}

	if err := database.DB.Create(&cred).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	log.Printf("Credential created: id=%s kind=%s name=%s", cred.ID, cred.Kind, logutil.SanitizeForLog(cred.Name))
	writeJSON(w, http.StatusCreated, cred)
}

type generateRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
}

// GenerateCredential creates a new SSH key pair, stores the encrypted
// private key, and returns the public half. This is the only flow that
// ever surfaces key material derived from the secret.
func GenerateCredential(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = vault.KindEd25519
	}
	if req.Kind != vault.KindEd25519 && req.Kind != vault.KindRSA4096 {
		writeError(w, http.StatusBadRequest, "kind must be ed25519 or rsa-4096")
		return
	}

	namespace := req.Namespace
	if namespace == "" {
		namespace = p.DefaultNamespace()
	}
	if !p.CanSee(namespace) {
		writeError(w, http.StatusBadRequest, "namespace is not accessible")
		return
	}

	pair, err := vault.GenerateKeyPair(req.Kind)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	cred := database.Credential{
		ID:          uuid.NewString(),
		Namespace:   namespace,
		Name:        req.Name,
		Kind:        database.CredentialSSHKey,
		PublicKey:   pair.PublicKey,
		Fingerprint: pair.Fingerprint,
	}

	ciphertext, err := Vault.Encrypt(pair.PrivateKeyPEM, cred.ID)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	cred.Ciphertext = ciphertext

	if err := database.DB.Create(&cred).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	log.Printf("Credential generated: id=%s kind=%s fingerprint=%s", cred.ID, req.Kind, cred.Fingerprint)
	writeJSON(w, http.StatusCreated, cred)
}

// GetCredential returns one credential's metadata.
func GetCredential(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	cred, err := database.GetCredential(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// PatchCredential updates the mutable metadata fields. Secret material
// cannot be patched; rotate by creating a new credential.
func PatchCredential(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	cred, err := database.GetCredential(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	var req credentialPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
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
	if req.Command != nil {
		updates["command"] = *req.Command
	}
	if req.CommandTimeoutSecs != nil {
		updates["command_timeout_secs"] = *req.CommandTimeoutSecs
	}
	if req.CacheTTLSecs != nil {
		updates["cache_ttl_secs"] = *req.CacheTTLSecs
	}

	if len(updates) > 0 {
		if err := database.DB.Model(cred).Updates(updates).Error; err != nil {
			writeTaxonomyError(w, err)
			return
		}
	}

	fresh, err := database.GetCredential(cred.ID, p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

// DeleteCredential soft-deletes a credential; a repeat delete is
// not-found.
func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	cred, err := database.GetCredential(chi.URLParam(r, "id"), p.Namespaces)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}

	now := time.Now().UTC()
	if err := database.DB.Model(cred).Update("deleted_at", now).Error; err != nil {
		writeTaxonomyError(w, err)
		return
	}

	log.Printf("Credential soft-deleted: id=%s", cred.ID)
	w.WriteHeader(http.StatusNoContent)
}
