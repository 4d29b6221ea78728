package event

import "time"

// Event is one typed occurrence on a backend's push stream. The session
// id is used purely for routing; no ordering is promised across
// different sessions.
type Event interface {
	Kind() string
	Session() string
	Timestamp() time.Time
}

const (
	KindTextDelta         = "text_delta"
	KindReasoningDelta    = "reasoning_delta"
	KindToolStatus        = "tool_status"
	KindPermissionRequest = "permission_request"
	KindTurnIdle          = "turn_idle"
	KindModeChanged       = "mode_changed"
	KindSessionChanged    = "session_changed"
)

// Tool call statuses as delivered by the backend.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Turn outcomes reported by a TurnIdle event.
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
	OutcomeAborted  = "aborted"
)

// TextDelta carries assistant output text for one part. Text may be an
// incremental delta or a full resend of the part; the consumer's merge
// policy tolerates both.
type TextDelta struct {
	SessionID  string    `json:"session_id"`
	PartID     string    `json:"part_id"`
	Text       string    `json:"text"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e TextDelta) Kind() string         { return KindTextDelta }
func (e TextDelta) Session() string      { return e.SessionID }
func (e TextDelta) Timestamp() time.Time { return e.OccurredAt }

// ReasoningDelta carries reasoning text for one block. A non-nil
// EndedAt finalizes the block.
type ReasoningDelta struct {
	SessionID  string     `json:"session_id"`
	BlockID    string     `json:"block_id"`
	Text       string     `json:"text"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func (e ReasoningDelta) Kind() string         { return KindReasoningDelta }
func (e ReasoningDelta) Session() string      { return e.SessionID }
func (e ReasoningDelta) Timestamp() time.Time { return e.OccurredAt }

// ToolStatus reports one transition of a tool call, keyed by call id.
// The backend may redeliver a status; consumers dedupe.
type ToolStatus struct {
	SessionID   string    `json:"session_id"`
	CallID      string    `json:"call_id"`
	ToolName    string    `json:"tool_name"`
	Status      string    `json:"status"`
	Input       string    `json:"input,omitempty"`
	Output      string    `json:"output,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e ToolStatus) Kind() string         { return KindToolStatus }
func (e ToolStatus) Session() string      { return e.SessionID }
func (e ToolStatus) Timestamp() time.Time { return e.OccurredAt }

// PermissionRequest asks for approval of one tool call. It blocks only
// that call, never the whole turn.
type PermissionRequest struct {
	SessionID   string    `json:"session_id"`
	RequestID   string    `json:"request_id"`
	CallID      string    `json:"call_id"`
	ToolName    string    `json:"tool_name"`
	Description string    `json:"description,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e PermissionRequest) Kind() string         { return KindPermissionRequest }
func (e PermissionRequest) Session() string      { return e.SessionID }
func (e PermissionRequest) Timestamp() time.Time { return e.OccurredAt }

// TurnIdle signals the backend finished a turn. Event delivery is
// best-effort, so consumers reconcile against the durable transcript
// before trusting the outcome.
type TurnIdle struct {
	SessionID    string    `json:"session_id"`
	Outcome      string    `json:"outcome"`
	Message      string    `json:"message,omitempty"`
	InputTokens  int64     `json:"input_tokens,omitempty"`
	OutputTokens int64     `json:"output_tokens,omitempty"`
	CostUSD      float64   `json:"cost_usd,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (e TurnIdle) Kind() string         { return KindTurnIdle }
func (e TurnIdle) Session() string      { return e.SessionID }
func (e TurnIdle) Timestamp() time.Time { return e.OccurredAt }

// ModeChanged reports a permission-mode switch made backend-side.
type ModeChanged struct {
	SessionID  string    `json:"session_id"`
	Mode       string    `json:"mode"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e ModeChanged) Kind() string         { return KindModeChanged }
func (e ModeChanged) Session() string      { return e.SessionID }
func (e ModeChanged) Timestamp() time.Time { return e.OccurredAt }

// SessionChanged reports that the backend rolled the durable session id
// (compaction, resume). Consumers re-key their session records.
type SessionChanged struct {
	SessionID    string    `json:"session_id"`
	NewSessionID string    `json:"new_session_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (e SessionChanged) Kind() string         { return KindSessionChanged }
func (e SessionChanged) Session() string      { return e.SessionID }
func (e SessionChanged) Timestamp() time.Time { return e.OccurredAt }
