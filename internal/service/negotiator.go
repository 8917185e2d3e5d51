// Package service orchestrates one permission negotiation end-to-end:
// session allow-list short-circuit, operator lock, cascade auto-reject,
// the decision round trip, the nested reason dialog, rejection logging,
// and guaranteed lock release.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chat-warden/chatwarden/internal/adapter/outbound/rejectlog"
	"github.com/chat-warden/chatwarden/internal/domain/cascade"
	"github.com/chat-warden/chatwarden/internal/domain/permission"
	"github.com/chat-warden/chatwarden/internal/domain/reason"
	"github.com/chat-warden/chatwarden/internal/domain/session"
	"github.com/chat-warden/chatwarden/internal/domain/userlock"
	"github.com/chat-warden/chatwarden/internal/port/outbound"
)

const (
	// DefaultReasonTimeout bounds the reason sub-dialog. The effective
	// bound is always carved out of the remaining request deadline.
	DefaultReasonTimeout = 60 * time.Second

	// DefaultPollInterval paces decision/reason polling when the provider
	// returns immediately (error or empty tick).
	DefaultPollInterval = 1 * time.Second

	// lockHoldGrace extends the lock token beyond the request deadline so
	// post-decision cleanup (log, cascade) finishes under the lock.
	lockHoldGrace = 2 * time.Second
)

// NegotiatorConfig carries the tunables for one operator's negotiations.
type NegotiatorConfig struct {
	// LockKey identifies the operator whose decisions are serialized.
	LockKey permission.LockKey
	// ReasonTimeout is the configured reason-dialog budget.
	ReasonTimeout time.Duration
	// PollInterval paces polling ticks.
	PollInterval time.Duration
}

// Negotiator runs permission negotiations for a single operator key.
type Negotiator struct {
	provider   outbound.ChatProvider
	locker     *userlock.Locker
	cascades   *cascade.Store
	sessions   *session.Cache
	rejects    *rejectlog.Log
	normalizer *reason.Normalizer

	key           permission.LockKey
	reasonTimeout time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger
}

// NewNegotiator wires a Negotiator. Zero config durations select defaults.
func NewNegotiator(
	provider outbound.ChatProvider,
	locker *userlock.Locker,
	cascades *cascade.Store,
	sessions *session.Cache,
	rejects *rejectlog.Log,
	normalizer *reason.Normalizer,
	cfg NegotiatorConfig,
	logger *slog.Logger,
) *Negotiator {
	if cfg.ReasonTimeout <= 0 {
		cfg.ReasonTimeout = DefaultReasonTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Negotiator{
		provider:      provider,
		locker:        locker,
		cascades:      cascades,
		sessions:      sessions,
		rejects:       rejects,
		normalizer:    normalizer,
		key:           cfg.LockKey,
		reasonTimeout: cfg.ReasonTimeout,
		pollInterval:  cfg.PollInterval,
		logger:        logger,
	}
}

// Negotiate resolves one request by its deadline. It returns a terminal
// Outcome, or permission.ErrLockTimeout / permission.ErrExpired when no
// decision was obtained; callers must not read those as approval or
// denial.
func (n *Negotiator) Negotiate(ctx context.Context, req *permission.Request) (*permission.Outcome, error) {
	if req.RequestID == "" {
		req.RequestID = permission.NewRequestID()
	}
	if req.SessionID == "" {
		req.SessionID = permission.DeriveSessionID("", req.Cwd)
	}

	// Session allow-list short-circuit: a tool already approved for this
	// session resolves without the operator. Cache failures fall through
	// to prompting.
	if n.sessions.IsAllowed(ctx, req.SessionID, req.ToolName) {
		n.logger.Info("tool allowed by session cache",
			"request_id", req.RequestID, "tool", req.ToolName, "session_id", req.SessionID)
		return &permission.Outcome{Kind: permission.DecisionApprove}, nil
	}

	// Serialize with other negotiations for the same operator. The wait
	// budget is whatever remains of the request deadline.
	remaining := req.Remaining(time.Now())
	release, err := n.locker.Acquire(ctx, n.key.String(), remaining, remaining+lockHoldGrace)
	if err != nil {
		if errors.Is(err, userlock.ErrTimeout) {
			n.logger.Warn("lock wait exhausted deadline",
				"request_id", req.RequestID, "key", n.key.String())
			return nil, permission.ErrLockTimeout
		}
		return nil, fmt.Errorf("acquire operator lock: %w", err)
	}
	// Release last, after log append and cascade write, whatever happened.
	defer release()

	// Cascade auto-reject: a rejection moments ago for this operator
	// resolves repeat requests without re-prompting.
	if st, ok := n.cascades.Get(ctx, n.key); ok {
		n.logger.Info("cascade auto-reject",
			"request_id", req.RequestID, "tool", req.ToolName,
			"origin_request_id", st.RequestID)
		return n.finishReject(ctx, req, st.Reason, st.ReasonSource, true), nil
	}

	handle, err := n.provider.SendDecisionPrompt(ctx, req)
	if err != nil {
		// Prompt-send failure folds into an immediate no-reason rejection:
		// fail toward a terminal decision, not toward hanging.
		n.logger.Error("decision prompt send failed",
			"request_id", req.RequestID, "error", err)
		return n.finishReject(ctx, req, "", permission.ReasonSourceExplicitSkip, false), nil
	}

	decision := n.pollDecision(ctx, req, handle)
	switch decision {
	case outbound.DecisionApprove:
		n.cascades.Clear(ctx, n.key)
		n.markResolved(ctx, handle, "approved")
		n.logger.Info("tool approved", "request_id", req.RequestID, "tool", req.ToolName)
		return &permission.Outcome{Kind: permission.DecisionApprove}, nil

	case outbound.DecisionApproveSession:
		if err := n.sessions.RecordAllowed(ctx, req.SessionID, req.ToolName); err != nil {
			// Cache is an optimization; a failed write only means the
			// operator gets asked again next time.
			n.logger.Warn("session cache write failed",
				"request_id", req.RequestID, "error", err)
		}
		n.cascades.Clear(ctx, n.key)
		n.markResolved(ctx, handle, "approved for session")
		n.logger.Info("tool approved for session",
			"request_id", req.RequestID, "tool", req.ToolName, "session_id", req.SessionID)
		return &permission.Outcome{Kind: permission.DecisionApproveSession}, nil

	case outbound.DecisionReject:
		text, source := n.collectReason(ctx, req, handle)
		n.markResolved(ctx, handle, "rejected")
		return n.finishReject(ctx, req, text, source, false), nil

	default:
		// Deadline elapsed with no decision. Annotate best-effort and
		// report a non-decision, distinct from an explicit rejection.
		if err := n.provider.MarkExpired(ctx, handle, req); err != nil {
			n.logger.Warn("expiry annotation failed",
				"request_id", req.RequestID, "error", err)
		}
		n.logger.Warn("decision prompt expired",
			"request_id", req.RequestID, "tool", req.ToolName)
		return nil, permission.ErrExpired
	}
}

// pollDecision runs the WaitingDecision state: bounded polling until a
// decision-bearing signal for this prompt arrives or the request deadline
// passes. Transient provider errors read as empty ticks.
func (n *Negotiator) pollDecision(ctx context.Context, req *permission.Request, h outbound.PromptHandle) outbound.Decision {
	for {
		remaining := req.Remaining(time.Now())
		if remaining <= 0 {
			return outbound.DecisionNone
		}

		pollCtx, cancel := context.WithTimeout(ctx, remaining)
		d, err := n.provider.PollDecision(pollCtx, h)
		cancel()
		if err != nil {
			n.logger.Debug("decision poll error",
				"request_id", req.RequestID, "error", err)
			d = outbound.DecisionNone
		}
		if d != outbound.DecisionNone {
			return d
		}
		if !n.pause(ctx, req.Deadline) {
			return outbound.DecisionNone
		}
	}
}

// collectReason runs the WaitingReason state. The budget is the configured
// reason timeout or the remaining request deadline, whichever is smaller.
func (n *Negotiator) collectReason(ctx context.Context, req *permission.Request, decisionPrompt outbound.PromptHandle) (string, permission.ReasonSource) {
	budget := n.reasonTimeout
	if remaining := req.Remaining(time.Now()); remaining < budget {
		budget = remaining
	}
	deadline := time.Now().Add(budget)

	h, err := n.provider.SendReasonPrompt(ctx, decisionPrompt)
	if err != nil {
		// Reason prompt could not even be sent: resolve immediately
		// rather than hang the rejection.
		n.logger.Warn("reason prompt send failed",
			"request_id", req.RequestID, "error", err)
		return "", permission.ReasonSourceExplicitSkip
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", permission.ReasonSourceTimeout
		}

		pollCtx, cancel := context.WithTimeout(ctx, remaining)
		reply, err := n.provider.PollReason(pollCtx, h)
		cancel()
		if err != nil {
			n.logger.Debug("reason poll error",
				"request_id", req.RequestID, "error", err)
			reply = outbound.ReasonReply{}
		}

		if reply.Received {
			if reply.ExplicitSkip || n.normalizer.IsNoReason(reply.Text) {
				return "", permission.ReasonSourceExplicitSkip
			}
			if text := n.normalizer.Normalize(reply.Text); text != "" {
				return text, permission.ReasonSourceUserInput
			}
			// Whitespace-only reply: keep waiting for something usable.
		}
		if !n.pause(ctx, deadline) {
			return "", permission.ReasonSourceTimeout
		}
	}
}

// finishReject seals any rejection outcome: log append happens before the
// cascade write, and a failed log write never changes the decision.
func (n *Negotiator) finishReject(ctx context.Context, req *permission.Request, text string, source permission.ReasonSource, cascaded bool) *permission.Outcome {
	entry := rejectlog.Entry{
		Provider:     n.key.Provider,
		RequestID:    req.RequestID,
		ToolName:     req.ToolName,
		Cwd:          req.Cwd,
		Reason:       text,
		ReasonSource: source,
	}
	if err := n.rejects.Append(ctx, entry); err != nil {
		n.logger.Error("reject log append failed",
			"request_id", req.RequestID, "error", err)
	}

	err := n.cascades.Set(ctx, n.key, cascade.State{
		Reason:       text,
		ReasonSource: source,
		RequestID:    req.RequestID,
		ToolName:     req.ToolName,
	})
	if err != nil {
		n.logger.Warn("cascade write failed",
			"request_id", req.RequestID, "error", err)
	}

	n.logger.Info("tool rejected",
		"request_id", req.RequestID, "tool", req.ToolName,
		"reason_source", source, "cascaded", cascaded)

	return &permission.Outcome{
		Kind:         permission.DecisionReject,
		Reason:       text,
		ReasonSource: source,
		Cascaded:     cascaded,
	}
}

// markResolved annotates a prompt with its terminal outcome, best-effort.
func (n *Negotiator) markResolved(ctx context.Context, h outbound.PromptHandle, summary string) {
	if err := n.provider.MarkResolved(ctx, h, summary); err != nil {
		n.logger.Debug("resolution annotation failed", "error", err)
	}
}

// pause sleeps one poll interval, clipped to the deadline. It reports
// false when the deadline or context cut the wait short.
func (n *Negotiator) pause(ctx context.Context, deadline time.Time) bool {
	sleep := n.pollInterval
	if remaining := time.Until(deadline); remaining < sleep {
		sleep = remaining
	}
	if sleep <= 0 {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}
