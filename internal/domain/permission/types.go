// Package permission contains the domain types for one tool-permission
// negotiation: the request descriptor, the lock key identifying the
// operator, and the terminal outcome returned to the caller.
package permission

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// SessionIDEnvVar is consulted when the caller supplies no session id.
const SessionIDEnvVar = "CHATWARDEN_SESSION_ID"

// ReasonSource tags the provenance of a rejection reason.
type ReasonSource string

const (
	// ReasonSourceUserInput means the operator typed a non-empty reason.
	ReasonSourceUserInput ReasonSource = "user_input"
	// ReasonSourceExplicitSkip means the operator affirmatively chose "no reason".
	ReasonSourceExplicitSkip ReasonSource = "explicit_skip"
	// ReasonSourceTimeout means the reason sub-dialog expired with no input.
	ReasonSourceTimeout ReasonSource = "timeout"
)

// Request describes one in-flight approval negotiation. It lives only for
// the duration of the negotiation and is never persisted in full.
type Request struct {
	// RequestID identifies the request across the chat message trail and
	// the rejection log. Callers should supply the tool-invocation id.
	RequestID string
	// ToolName is the name of the tool the agent wants to run.
	ToolName string
	// ToolInput holds the tool arguments, rendered into the operator prompt.
	ToolInput map[string]interface{}
	// Cwd is the working directory of the agent process.
	Cwd string
	// SessionID groups requests from one agent run. See DeriveSessionID.
	SessionID string
	// Deadline is the absolute wall-clock time by which the negotiation
	// must resolve. Lock-wait, decision-wait, and reason-wait are all
	// carved out of the remaining time to this deadline.
	Deadline time.Time
}

// Remaining returns the time left until the request deadline, never negative.
func (r *Request) Remaining(now time.Time) time.Duration {
	d := r.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// NewRequestID generates a request id for callers that did not supply one.
func NewRequestID() string {
	return fmt.Sprintf("request-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// DeriveSessionID resolves the session id for a request: the explicit id if
// supplied, else the environment-level id, else a stable hash of the working
// directory so repeated requests from the same directory share a session.
func DeriveSessionID(explicit, cwd string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(SessionIDEnvVar); env != "" {
		return env
	}
	return fmt.Sprintf("cwd-%x", xxhash.Sum64String(cwd))
}

// LockKey identifies the operator who must serialize decisions.
// Negotiations for the same key are totally ordered; different keys are
// fully independent.
type LockKey struct {
	// Provider is the chat platform name (e.g. "telegram").
	Provider string
	// ChatID is the chat or channel the prompts are sent to.
	ChatID string
	// UserID optionally narrows the key to one operator in a shared chat.
	UserID string
}

// String renders the key as "<provider>:<chat>[:<user>]".
func (k LockKey) String() string {
	parts := []string{k.Provider, k.ChatID}
	if k.UserID != "" {
		parts = append(parts, k.UserID)
	}
	return strings.Join(parts, ":")
}

// DecisionKind enumerates the terminal decisions a negotiation can return.
type DecisionKind string

const (
	// DecisionApprove allows this one tool call.
	DecisionApprove DecisionKind = "approve"
	// DecisionApproveSession allows the tool for the rest of the session.
	DecisionApproveSession DecisionKind = "approve_session"
	// DecisionReject denies the tool call.
	DecisionReject DecisionKind = "reject"
)

// Outcome is the terminal result of a negotiation. For DecisionReject the
// Reason carries the operator's text unmasked (masking applies only to the
// persisted log, not to what is forwarded to the agent).
type Outcome struct {
	Kind         DecisionKind
	Reason       string
	ReasonSource ReasonSource
	// Cascaded is true when the outcome was reproduced from cascade state
	// without prompting the operator.
	Cascaded bool
}
