// Package models defines the shared data types for the opsgate hub:
// the Operation journal record, chat sessions, and the JSON-RPC wire
// types spoken by the tool gateway.
package models

import (
	"encoding/json"
	"time"
)

// MaxResultExcerpt bounds the serialized result preview stored on a
// completed Operation.
const MaxResultExcerpt = 220

// ── Operation ────────────────────────────────────────────────

// OperationStatus is the lifecycle state of an Operation.
//
// queued → {pending_approval | running} → {completed | failed}.
// pending_approval → running is the only exit from pending_approval and
// is triggered by an explicit approval call. Exactly one terminal
// transition happens per Operation.
type OperationStatus string

const (
	StatusQueued          OperationStatus = "queued"
	StatusPendingApproval OperationStatus = "pending_approval"
	StatusRunning         OperationStatus = "running"
	StatusCompleted       OperationStatus = "completed"
	StatusFailed          OperationStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidTransition reports whether from → to is a legal status change.
// Store implementations enforce this on every transition so that two
// racing writers can never record conflicting terminal states.
func ValidTransition(from, to OperationStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusPendingApproval || to == StatusRunning
	case StatusPendingApproval:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// OperationSource records how an Operation was initiated.
type OperationSource string

const (
	SourceAPI      OperationSource = "api"
	SourceChat     OperationSource = "chat"
	SourceApproval OperationSource = "approval"
)

// RiskLevel classifies a command's blast radius. High-risk commands are
// gated behind explicit human approval.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// Operation is the unit of record: one requested mutating action and its
// lifecycle. Identity, invocation shape, risk, and gating decision are
// immutable after creation; only status and the execution outcome fields
// change, and every change bumps UpdatedAt.
type Operation struct {
	ID               int64                  `json:"id" db:"id"`
	Source           OperationSource        `json:"source" db:"source"`
	Actor            string                 `json:"actor,omitempty" db:"actor"`
	SessionID        string                 `json:"session_id,omitempty" db:"session_id"`
	Command          string                 `json:"command" db:"command"`
	Tool             string                 `json:"tool" db:"tool"`
	Arguments        map[string]interface{} `json:"arguments,omitempty"`
	ProjectID        string                 `json:"project_id,omitempty" db:"project_id"`
	Risk             RiskLevel              `json:"risk" db:"risk"`
	ApprovalRequired bool                   `json:"approval_required" db:"approval_required"`
	Status           OperationStatus        `json:"status" db:"status"`

	// CredentialScope is a provenance hint ("caller", "default", "none")
	// recording which resolver produced the credential used for the
	// external call. The credential itself is never persisted.
	CredentialScope CredentialScope `json:"credential_scope,omitempty" db:"credential_scope"`

	// ResultExcerpt holds a bounded preview of the successful result and
	// is set only when Status == completed.
	ResultExcerpt string `json:"result_excerpt,omitempty" db:"result_excerpt"`

	// Error holds the failure message and is set only when Status == failed.
	Error string `json:"error,omitempty" db:"error"`

	// RetryOf references the terminal Operation this one re-invokes, when
	// the record was created through the approval re-invocation path.
	RetryOf int64 `json:"retry_of,omitempty" db:"retry_of"`

	ApprovedBy string     `json:"approved_by,omitempty" db:"approved_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty" db:"approved_at"`
}

// ── Credential ───────────────────────────────────────────────

// CredentialScope names the provenance of a resolved credential.
type CredentialScope string

const (
	// ScopeCaller means the request carried its own credential.
	ScopeCaller CredentialScope = "caller"
	// ScopeDefault means the process-level default credential was used.
	ScopeDefault CredentialScope = "default"
	// ScopeNone means the call went out unauthenticated.
	ScopeNone CredentialScope = "none"
)

// Credential is a request-scoped authorization value threaded explicitly
// through every call boundary. It is never stored on a shared object and
// the token never serializes.
type Credential struct {
	Token string          `json:"-"`
	Scope CredentialScope `json:"scope"`
}

// Empty reports whether no usable token is present.
func (c Credential) Empty() bool { return c.Token == "" }

// ── Session ──────────────────────────────────────────────────

// Session tracks chat continuity: the last project scope and command seen
// for a session id. Losing a session only loses the project hint used by
// the intent parser.
type Session struct {
	ID          string    `json:"id" db:"id"`
	Actor       string    `json:"actor,omitempty" db:"actor"`
	ProjectID   string    `json:"project_id,omitempty" db:"project_id"`
	LastCommand string    `json:"last_command,omitempty" db:"last_command"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ── JSON-RPC / MCP wire types ────────────────────────────────

// MCPRequest is a JSON-RPC 2.0 request envelope.
type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// MCPResponse is a JSON-RPC 2.0 response envelope.
type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// MCPError is a JSON-RPC 2.0 error object.
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPToolInfo describes one invocable tool in a tools/list response.
type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// MCPToolCallParams are the params of a tools/call request. Credential is
// an optional caller-supplied token for the downstream call; it is used
// for that one invocation and never persisted.
type MCPToolCallParams struct {
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Credential string                 `json:"credential,omitempty"`
}

// MCPToolResult is the result payload of a successful tools/call.
type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent is a single content block in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
