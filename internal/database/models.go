package database

import (
	"time"

	"gorm.io/datatypes"
)

// Auth methods accepted on a Connection.
const (
	AuthKey      = "key"
	AuthPassword = "password"
	AuthAgent    = "agent"
	AuthCommand  = "command"
)

// Host key trust policies.
const (
	HostKeyStrict = "strict"
	HostKeyTOFU   = "tofu"
	HostKeySkip   = "skip"
)

// Credential kinds.
const (
	CredentialSSHKey   = "ssh_key"
	CredentialPassword = "password"
	CredentialCommand  = "command"
)

// Session lifecycle states.
const (
	StatusStarting                = "starting"
	StatusActive                  = "active"
	StatusIdle                    = "idle"
	StatusDisconnected            = "disconnected"
	StatusPendingHostVerification = "pending_host_verification"
	StatusTerminated              = "terminated"
	StatusError                   = "error"
)

// Entry kinds for the append-only session log.
const (
	EntryCommand    = "command"
	EntryOutput     = "output"
	EntryScrollback = "scrollback"
	EntryAnnotation = "annotation"
	EntryError      = "error"
)

// Connection identifies a reachable terminal target. Secret material is
// never stored here; CredentialID references a Credential row.
type Connection struct {
	ID           string  `gorm:"primaryKey;size:36" json:"id"`
	Namespace    string  `gorm:"not null;index" json:"namespace"`
	Name         string  `gorm:"not null;index" json:"name"`
	Host         *string `json:"host"`
	Port         int     `gorm:"default:22" json:"port"`
	Username     string  `json:"username"`
	AuthMethod   string  `gorm:"not null;default:key" json:"auth_method"`
	CredentialID *string `gorm:"size:36" json:"credential_id"`
	ProxyJumpID  *string `gorm:"size:36" json:"proxy_jump_id"`
	IsLocal      bool    `gorm:"default:false" json:"is_local"`

	Env  datatypes.JSON `json:"env"`
	Tags datatypes.JSON `json:"tags"`

	ConnectTimeoutSecs int `gorm:"default:10" json:"connect_timeout_secs"`
	KeepaliveSecs      int `gorm:"default:30" json:"keepalive_secs"`
	IdleTimeoutSecs    int `gorm:"default:0" json:"idle_timeout_secs"`
	MaxSessions        int `gorm:"default:0" json:"max_sessions"`

	HostKeyPolicy string `gorm:"not null;default:strict" json:"host_key_policy"`
	Notes         string `json:"notes"`

	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential holds secret material encrypted at rest. Ciphertext is bound
// to the row's own ID by the vault and is never serialized in responses.
type Credential struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	Namespace string `gorm:"not null;index" json:"namespace"`
	Name      string `gorm:"not null" json:"name"`
	Kind      string `gorm:"not null" json:"kind"`

	Ciphertext string `gorm:"type:text" json:"-"`

	// Command-kind credentials run an external program to produce the
	// secret; the command itself is public metadata.
	Command            string `json:"command,omitempty"`
	CommandTimeoutSecs int    `gorm:"default:10" json:"command_timeout_secs,omitempty"`
	CacheTTLSecs       int    `gorm:"default:0" json:"cache_ttl_secs,omitempty"`

	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `gorm:"type:text" json:"public_key,omitempty"`

	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Session is a live or historical terminal session bound to one Connection.
// Geometry and topology are best-effort caches of worker truth.
type Session struct {
	ID           string `gorm:"primaryKey;size:36" json:"id"`
	Namespace    string `gorm:"not null;index" json:"namespace"`
	ConnectionID string `gorm:"not null;size:36;index" json:"connection_id"`
	BackingName  string `gorm:"not null" json:"backing_name"`
	WorkerID     string `json:"worker_id"`
	Status       string `gorm:"not null;default:starting;index" json:"status"`

	Cols int `gorm:"default:120" json:"cols"`
	Rows int `gorm:"default:40" json:"rows"`

	CaptureIntervalSecs int  `gorm:"default:30" json:"capture_interval_secs"`
	CaptureOnCommand    bool `gorm:"default:true" json:"capture_on_command"`
	EmbedScrollback     bool `gorm:"default:false" json:"embed_scrollback"`

	LastActivityAt *time.Time `json:"last_activity_at"`
	LastCaptureAt  *time.Time `json:"-"`
	ExitCode       *int       `json:"exit_code"`
	ErrorMessage   string     `json:"error_message,omitempty"`

	Tags  datatypes.JSON `json:"tags"`
	Notes string         `json:"notes"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Window is an authoritative copy of worker-reported topology, refreshed
// on session read.
type Window struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string `gorm:"not null;size:36;index" json:"-"`
	Index     int    `gorm:"not null;column:idx" json:"index"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
}

type Pane struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	WindowID       uint   `gorm:"not null;index" json:"-"`
	SessionID      string `gorm:"not null;size:36;index" json:"-"`
	Index          int    `gorm:"not null;column:idx" json:"index"`
	Active         bool   `json:"active"`
	PID            int    `json:"pid"`
	CurrentCommand string `json:"current_command"`
}

// Entry is an append-only, per-session sequence-numbered activity record.
// Namespace is stamped from the parent session at insert time.
type Entry struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	SessionID string         `gorm:"not null;size:36;index:idx_entry_session_seq,unique" json:"session_id"`
	Namespace string         `gorm:"not null;index" json:"namespace"`
	Seq       int64          `gorm:"not null;index:idx_entry_session_seq,unique" json:"seq"`
	Kind      string         `gorm:"not null" json:"kind"`
	Content   string         `gorm:"type:text" json:"content"`
	Metadata  datatypes.JSON `json:"metadata"`

	CapturedAt *time.Time `json:"captured_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// sessionEdges is the set of legal status transitions. Activity-driven
// edges (active⇄idle) are recorded from worker heartbeats, not initiated
// here, but are still validated on write.
var sessionEdges = map[string][]string{
	StatusStarting:                {StatusActive, StatusError, StatusPendingHostVerification},
	StatusActive:                  {StatusIdle, StatusDisconnected, StatusPendingHostVerification, StatusError},
	StatusIdle:                    {StatusActive, StatusDisconnected, StatusPendingHostVerification, StatusError},
	StatusDisconnected:            {StatusTerminated, StatusError},
	StatusPendingHostVerification: {StatusStarting, StatusTerminated, StatusError},
	StatusTerminated:              nil,
	StatusError:                   nil,
}

// CanTransition reports whether a session may move from one status to
// another. Terminal states admit no outgoing edges.
func CanTransition(from, to string) bool {
	for _, next := range sessionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReach reports whether some sequence of legal edges leads from one
// status to another. Used for transitions that collapse a multi-edge path
// into one recorded write, like terminating an active session.
func CanReach(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range sessionEdges[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// IsTerminalStatus reports whether the status admits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusTerminated || status == StatusError
}

// ValidAuthMethod reports whether m is one of the accepted auth methods.
func ValidAuthMethod(m string) bool {
	switch m {
	case AuthKey, AuthPassword, AuthAgent, AuthCommand:
		return true
	}
	return false
}

// ValidHostKeyPolicy reports whether p is one of the accepted policies.
func ValidHostKeyPolicy(p string) bool {
	switch p {
	case HostKeyStrict, HostKeyTOFU, HostKeySkip:
		return true
	}
	return false
}

// ValidCredentialKind reports whether k is one of the accepted kinds.
func ValidCredentialKind(k string) bool {
	switch k {
	case CredentialSSHKey, CredentialPassword, CredentialCommand:
		return true
	}
	return false
}
