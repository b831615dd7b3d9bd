package worker

import "encoding/json"

// Wire shapes for the worker RPC service. The worker itself is an opaque
// peer; only the message shapes used by this gateway are defined here.

// RPC method names.
const (
	MethodSessionCreate   = "session.create"
	MethodSessionKill     = "session.kill"
	MethodSessionResize   = "session.resize"
	MethodSessionPing     = "session.ping"
	MethodSessionTopology = "session.topology"
	MethodExecCommand     = "exec.command"
	MethodExecKeys        = "exec.keys"
	MethodExecCapture     = "exec.capture"
)

type rpcRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// transportFailure marks responses synthesized locally when the
	// control connection drops, as opposed to errors the worker returned.
	transportFailure bool
}

// CapturePolicy mirrors the per-session capture settings carried on
// session.create.
type CapturePolicy struct {
	IntervalSecs    int  `json:"interval_secs"`
	OnCommand       bool `json:"on_command"`
	EmbedScrollback bool `json:"embed_scrollback"`
}

// CreateSessionRequest carries the target plus geometry and capture policy
// for session.create. Secret is the decrypted credential payload, sent
// only over the worker channel, never stored.
type CreateSessionRequest struct {
	ConnectionID string            `json:"connection_id"`
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port,omitempty"`
	Username     string            `json:"username,omitempty"`
	AuthMethod   string            `json:"auth_method"`
	Secret       string            `json:"secret,omitempty"`
	IsLocal      bool              `json:"is_local"`
	Env          map[string]string `json:"env,omitempty"`
	Cols         int               `json:"cols"`
	Rows         int               `json:"rows"`
	Capture      CapturePolicy     `json:"capture"`
}

// CreateSessionResult is the worker's session identity for a new session.
type CreateSessionResult struct {
	SessionName string `json:"session_name"`
	WorkerID    string `json:"worker_id"`
}

// PingRequest probes connectivity to a target without creating a session.
type PingRequest struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	AuthMethod string `json:"auth_method"`
	IsLocal    bool   `json:"is_local"`
}

// TopologyWindow and TopologyPane are the worker's flat view of a
// session's window/pane tree. Panes reference windows by index.
type TopologyWindow struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type TopologyPane struct {
	WindowIndex int    `json:"window_index"`
	Index       int    `json:"index"`
	Active      bool   `json:"active"`
	PID         int    `json:"pid"`
	Command     string `json:"command"`
}

type Topology struct {
	Windows []TopologyWindow `json:"windows"`
	Panes   []TopologyPane   `json:"panes"`
}

// CommandResult is the outcome of exec.command. TimedOut is set by the
// worker when the command hit its own timeout; the RPC deadline is padded
// so this result can still be returned.
type CommandResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

// Attach stream frames. The first frame on every attach stream must be an
// attachFrame naming the backing session. After that, binary frames are
// raw bytes in both directions and text frames are JSON control/events.
type attachFrame struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

type inputFrame struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    string `json:"data"`
}

type resizeFrame struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}
