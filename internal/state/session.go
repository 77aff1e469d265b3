package state

import (
	"time"
)

// Status is the lifecycle state of a workflow session.
type Status string

const (
	StatusPending                Status = "pending"
	StatusRunning                Status = "running"
	StatusSuspendedAuth          Status = "suspended_auth"
	StatusSuspendedClarification Status = "suspended_clarification"
	StatusCompleted              Status = "completed"
	StatusFailed                 Status = "failed"
)

// Terminal reports whether the status is final. Terminal sessions are
// retained for history and never mutated again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Suspended reports whether the session is waiting for external input.
func (s Status) Suspended() bool {
	return s == StatusSuspendedAuth || s == StatusSuspendedClarification
}

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a conversation transcript. Immutable once appended.
// Step references the workflow step that produced the message, if any.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Step      *Step     `json:"step,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an append-only message transcript owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// InteractionKind distinguishes the two suspension types.
type InteractionKind string

const (
	InteractionOAuth         InteractionKind = "oauth"
	InteractionClarification InteractionKind = "clarification"
)

// Interaction is the pending external input a suspended session waits on.
// It exists only while the owning session is suspended; the broker entry
// under the same ID is the resumption correlation point.
type Interaction struct {
	ID      string          `json:"id"`
	Kind    InteractionKind `json:"kind"`
	App     string          `json:"app,omitempty"`      // oauth: target application
	AuthURL string          `json:"auth_url,omitempty"` // oauth: authorization link
	Missing []string        `json:"missing,omitempty"`  // clarification: unresolved parameter names

	// Known holds parameter values already resolved when the clarification
	// was raised. Empty Missing with kind clarification means "refine the
	// request": the next user message is merged into the query.
	Known map[string]string `json:"known,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// WorkflowSession is the stateful record of one query's progress through
// the pipeline. At most one non-terminal session exists per conversation.
type WorkflowSession struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`

	// Query is the original natural-language request, possibly extended by
	// refinement answers after an ambiguous selection.
	Query string `json:"query"`

	CurrentStep Step   `json:"current_step"`
	Status      Status `json:"status"`

	// Steps holds one result per executed step, in execution order.
	Steps []StepResult `json:"steps"`

	// Params are the parameters collected so far: extracted from the query
	// plus any clarification answers.
	Params map[string]string `json:"params,omitempty"`

	Pending    *Interaction `json:"pending,omitempty"`
	FailReason string       `json:"fail_reason,omitempty"`

	// Version is the optimistic-concurrency token managed by the store.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result returns the recorded result for a step, or nil if the step has
// not executed.
func (s *WorkflowSession) Result(step Step) *StepResult {
	for i := range s.Steps {
		if s.Steps[i].Step == step {
			return &s.Steps[i]
		}
	}
	return nil
}

// Record appends or replaces the result for a step. Replacement happens
// when a suspended step re-runs after resumption.
func (s *WorkflowSession) Record(r StepResult) {
	for i := range s.Steps {
		if s.Steps[i].Step == r.Step {
			s.Steps[i] = r
			return
		}
	}
	s.Steps = append(s.Steps, r)
}
