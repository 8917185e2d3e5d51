// Package outbound defines the outbound port interfaces for reaching the
// operator's chat platform.
package outbound

import (
	"context"

	"github.com/chat-warden/chatwarden/internal/domain/permission"
)

// Decision is one polling result from the decision prompt.
type Decision string

const (
	// DecisionNone means no decision-bearing signal arrived this tick.
	DecisionNone Decision = ""
	// DecisionApprove allows the single tool call.
	DecisionApprove Decision = "approve"
	// DecisionApproveSession allows the tool for the rest of the session.
	DecisionApproveSession Decision = "approve_session"
	// DecisionReject denies the tool call.
	DecisionReject Decision = "reject"
)

// ReasonReply is one polling result from the reason prompt.
type ReasonReply struct {
	// Received is false when nothing arrived this tick.
	Received bool
	// ExplicitSkip is true when the operator used the "no reason" affordance.
	ExplicitSkip bool
	// Text is the free-text reason (meaningful when Received && !ExplicitSkip).
	Text string
}

// PromptHandle identifies one sent prompt message. Decision signals are
// only honored for the handle they address: a button press on a stale
// prompt, or a signal the bot produced itself, must read as none.
type PromptHandle interface {
	// MessageID is the platform identifier of the prompt message.
	MessageID() string
}

// ChatProvider is the outbound port to one chat platform. Poll methods
// return DecisionNone / an empty ReasonReply on transient platform errors;
// the negotiator keeps polling within the remaining deadline.
type ChatProvider interface {
	// Name is the provider tag used in lock keys and log entries.
	Name() string

	// SendDecisionPrompt posts the approve / approve-for-session / reject
	// prompt for a request and returns its handle.
	SendDecisionPrompt(ctx context.Context, req *permission.Request) (PromptHandle, error)

	// PollDecision waits up to one timeout slice for a decision addressed
	// to the given prompt. Transient errors read as DecisionNone.
	PollDecision(ctx context.Context, h PromptHandle) (Decision, error)

	// SendReasonPrompt asks for a free-text rejection reason with an
	// explicit "no reason" affordance.
	SendReasonPrompt(ctx context.Context, h PromptHandle) (PromptHandle, error)

	// PollReason waits up to one timeout slice for a reason reply
	// addressed to the given reason prompt.
	PollReason(ctx context.Context, h PromptHandle) (ReasonReply, error)

	// MarkExpired annotates the prompt as expired. Best-effort: errors are
	// for logging only and must not affect the outcome.
	MarkExpired(ctx context.Context, h PromptHandle, req *permission.Request) error

	// MarkResolved annotates the prompt with the terminal outcome.
	// Best-effort, like MarkExpired.
	MarkResolved(ctx context.Context, h PromptHandle, summary string) error
}
