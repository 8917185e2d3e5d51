package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chat-warden/chatwarden/internal/adapter/outbound/kvstore"
	"github.com/chat-warden/chatwarden/internal/adapter/outbound/rejectlog"
	"github.com/chat-warden/chatwarden/internal/domain/cascade"
	"github.com/chat-warden/chatwarden/internal/domain/permission"
	"github.com/chat-warden/chatwarden/internal/domain/reason"
	"github.com/chat-warden/chatwarden/internal/domain/session"
	"github.com/chat-warden/chatwarden/internal/domain/userlock"
	"github.com/chat-warden/chatwarden/internal/port/outbound"
)

// fakeHandle is a prompt handle with a synthetic message id.
type fakeHandle string

func (h fakeHandle) MessageID() string { return string(h) }

// fakeProvider scripts the chat platform: tests push decisions and reason
// replies into channels; polls block on the channel or the context.
type fakeProvider struct {
	mu            sync.Mutex
	decisionCh    chan outbound.Decision
	reasonCh      chan outbound.ReasonReply
	sendErr       error
	reasonSendErr error
	promptTimes   []time.Time
	reasonPrompts int
	expired       []string
	resolved      []string
	nextID        int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		decisionCh: make(chan outbound.Decision, 8),
		reasonCh:   make(chan outbound.ReasonReply, 8),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) SendDecisionPrompt(_ context.Context, _ *permission.Request) (outbound.PromptHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	p.nextID++
	p.promptTimes = append(p.promptTimes, time.Now())
	return fakeHandle(fmt.Sprintf("msg-%d", p.nextID)), nil
}

func (p *fakeProvider) PollDecision(ctx context.Context, _ outbound.PromptHandle) (outbound.Decision, error) {
	select {
	case d := <-p.decisionCh:
		return d, nil
	case <-ctx.Done():
		return outbound.DecisionNone, nil
	}
}

func (p *fakeProvider) SendReasonPrompt(_ context.Context, h outbound.PromptHandle) (outbound.PromptHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reasonSendErr != nil {
		return nil, p.reasonSendErr
	}
	p.reasonPrompts++
	return fakeHandle("reason-" + h.MessageID()), nil
}

func (p *fakeProvider) PollReason(ctx context.Context, _ outbound.PromptHandle) (outbound.ReasonReply, error) {
	select {
	case r := <-p.reasonCh:
		return r, nil
	case <-ctx.Done():
		return outbound.ReasonReply{}, nil
	}
}

func (p *fakeProvider) MarkExpired(_ context.Context, h outbound.PromptHandle, _ *permission.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired = append(p.expired, h.MessageID())
	return nil
}

func (p *fakeProvider) MarkResolved(_ context.Context, _ outbound.PromptHandle, summary string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, summary)
	return nil
}

func (p *fakeProvider) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.promptTimes)
}

var _ outbound.ChatProvider = (*fakeProvider)(nil)

// testEnv wires a Negotiator over real stores in a temp directory.
type testEnv struct {
	provider *fakeProvider
	neg      *Negotiator
	logPath  string
	sessions *session.Cache
	cascades *cascade.Store
}

func newTestEnv(t *testing.T, cfg NegotiatorConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	kv, err := kvstore.Open(filepath.Join(dir, "chatwarden.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	if cfg.LockKey == (permission.LockKey{}) {
		cfg.LockKey = permission.LockKey{Provider: "fake", ChatID: "42"}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}

	env := &testEnv{
		provider: newFakeProvider(),
		logPath:  filepath.Join(dir, "logs", "rejections.log"),
		sessions: session.NewCache(kv, time.Hour, logger),
		cascades: cascade.NewStore(kv, 2*time.Second, logger),
	}
	env.neg = NewNegotiator(
		env.provider,
		userlock.New(kv, 5*time.Millisecond, logger),
		env.cascades,
		env.sessions,
		rejectlog.New(rejectlog.Config{Path: env.logPath}, logger),
		reason.NewNormalizer(500, []string{"skip", "no"}),
		cfg,
		logger,
	)
	return env
}

func testRequest(deadline time.Duration) *permission.Request {
	return &permission.Request{
		RequestID: "toolu_" + fmt.Sprint(time.Now().UnixNano()),
		ToolName:  "Bash",
		ToolInput: map[string]interface{}{"command": "rm -rf build"},
		Cwd:       "/work/repo",
		SessionID: "sess-1",
		Deadline:  time.Now().Add(deadline),
	}
}

func (e *testEnv) readLog(t *testing.T) []rejectlog.Entry {
	t.Helper()
	f, err := os.Open(e.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var entries []rejectlog.Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry rejectlog.Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("bad log line: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestApprove(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionApprove

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.Kind != permission.DecisionApprove {
		t.Errorf("Kind = %q", outcome.Kind)
	}
	if entries := env.readLog(t); len(entries) != 0 {
		t.Errorf("approval must not log rejections, got %d", len(entries))
	}
	if len(env.provider.resolved) != 1 || env.provider.resolved[0] != "approved" {
		t.Errorf("resolved = %v", env.provider.resolved)
	}
}

func TestRejectWithTypedReason(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonCh <- outbound.ReasonReply{Received: true, Text: "  wrong branch, use main  "}

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.Kind != permission.DecisionReject {
		t.Fatalf("Kind = %q", outcome.Kind)
	}
	if outcome.Reason != "wrong branch, use main" {
		t.Errorf("Reason = %q", outcome.Reason)
	}
	if outcome.ReasonSource != permission.ReasonSourceUserInput {
		t.Errorf("ReasonSource = %q", outcome.ReasonSource)
	}

	entries := env.readLog(t)
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Reason != "wrong branch, use main" || entries[0].Decision != "deny" {
		t.Errorf("log entry = %+v", entries[0])
	}
}

func TestRejectReasonStaysUnmaskedForCaller(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	secret := "leaks token=abcdef1234567890abcdef1234567890"
	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonCh <- outbound.ReasonReply{Received: true, Text: secret}

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	// The agent sees the raw reason; only the persisted line is masked.
	if outcome.Reason != secret {
		t.Errorf("caller-facing reason was altered: %q", outcome.Reason)
	}
	entries := env.readLog(t)
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Reason == secret {
		t.Error("persisted reason was not masked")
	}
	if want := "leaks token=abcd***7890"; entries[0].Reason != want {
		t.Errorf("persisted reason = %q, want %q", entries[0].Reason, want)
	}
}

func TestRejectNoReasonKeyword(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonCh <- outbound.ReasonReply{Received: true, Text: "  SKIP \n"}

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.ReasonSource != permission.ReasonSourceExplicitSkip {
		t.Errorf("ReasonSource = %q, want explicit_skip", outcome.ReasonSource)
	}
	if outcome.Reason != "" {
		t.Errorf("Reason = %q, want empty", outcome.Reason)
	}
	if entries := env.readLog(t); len(entries) != 1 || entries[0].Reason != "" {
		t.Errorf("log entries = %+v", entries)
	}
}

func TestRejectExplicitSkipAffordance(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonCh <- outbound.ReasonReply{Received: true, ExplicitSkip: true}

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.ReasonSource != permission.ReasonSourceExplicitSkip {
		t.Errorf("ReasonSource = %q", outcome.ReasonSource)
	}
}

func TestReasonTimeoutBoundedByRequestDeadline(t *testing.T) {
	// Reason budget of 1s inside a request with only ~500ms left must wait
	// at most the 500ms and classify the rejection as timeout.
	env := newTestEnv(t, NegotiatorConfig{ReasonTimeout: time.Second})
	env.provider.decisionCh <- outbound.DecisionReject
	// No reason reply ever arrives.

	start := time.Now()
	outcome, err := env.neg.Negotiate(context.Background(), testRequest(500*time.Millisecond))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.Kind != permission.DecisionReject {
		t.Fatalf("Kind = %q", outcome.Kind)
	}
	if outcome.ReasonSource != permission.ReasonSourceTimeout {
		t.Errorf("ReasonSource = %q, want timeout", outcome.ReasonSource)
	}
	if elapsed > 900*time.Millisecond {
		t.Errorf("reason wait was not bounded by the request deadline: %v", elapsed)
	}
}

func TestExpiredIsNotADecision(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	// Operator never answers.

	start := time.Now()
	_, err := env.neg.Negotiate(context.Background(), testRequest(300*time.Millisecond))
	elapsed := time.Since(start)

	if !errors.Is(err, permission.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if !permission.IsNonDecision(err) {
		t.Error("Expired must read as a non-decision")
	}
	if elapsed > 800*time.Millisecond {
		t.Errorf("negotiation overran its deadline: %v", elapsed)
	}
	if entries := env.readLog(t); len(entries) != 0 {
		t.Error("expiry must not produce a rejection log line")
	}
	if len(env.provider.expired) != 1 {
		t.Errorf("expired annotations = %v, want one", env.provider.expired)
	}
}

func TestCascadeAutoRejectsWithoutPrompt(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonCh <- outbound.ReasonReply{Received: true, Text: "not on this host"}

	first, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("first Negotiate failed: %v", err)
	}
	if first.Kind != permission.DecisionReject {
		t.Fatalf("first Kind = %q", first.Kind)
	}

	// Immediate retry: resolved from cascade state, no second prompt.
	second, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("second Negotiate failed: %v", err)
	}
	if second.Kind != permission.DecisionReject || !second.Cascaded {
		t.Errorf("second outcome = %+v, want cascaded reject", second)
	}
	if second.Reason != "not on this host" || second.ReasonSource != permission.ReasonSourceUserInput {
		t.Errorf("cascade did not reproduce reason: %+v", second)
	}
	if got := env.provider.promptCount(); got != 1 {
		t.Errorf("prompts sent = %d, want 1", got)
	}
	// Each rejection outcome appends exactly one line.
	if entries := env.readLog(t); len(entries) != 2 {
		t.Errorf("log entries = %d, want 2", len(entries))
	}
}

func TestApprovalClearsCascade(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonCh <- outbound.ReasonReply{Received: true, ExplicitSkip: true}

	if _, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second)); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	// Clear cascade manually (as an approval would) and verify the next
	// negotiation prompts again.
	env.cascades.Clear(context.Background(), permission.LockKey{Provider: "fake", ChatID: "42"})
	env.provider.decisionCh <- outbound.DecisionApprove

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.Kind != permission.DecisionApprove {
		t.Errorf("Kind = %q", outcome.Kind)
	}
	if got := env.provider.promptCount(); got != 2 {
		t.Errorf("prompts sent = %d, want 2", got)
	}
}

func TestApproveSessionShortCircuitsLaterRequests(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionApproveSession

	first, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if first.Kind != permission.DecisionApproveSession {
		t.Fatalf("Kind = %q", first.Kind)
	}

	// Same session, same tool: approved with no prompt.
	second, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("second Negotiate failed: %v", err)
	}
	if second.Kind != permission.DecisionApprove {
		t.Errorf("second Kind = %q", second.Kind)
	}
	if got := env.provider.promptCount(); got != 1 {
		t.Errorf("prompts sent = %d, want 1", got)
	}

	// A different tool still prompts.
	env.provider.decisionCh <- outbound.DecisionApprove
	req := testRequest(2 * time.Second)
	req.ToolName = "Write"
	if _, err := env.neg.Negotiate(context.Background(), req); err != nil {
		t.Fatalf("third Negotiate failed: %v", err)
	}
	if got := env.provider.promptCount(); got != 2 {
		t.Errorf("prompts sent = %d, want 2", got)
	}
}

func TestPromptSendFailureFoldsIntoSkipReject(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.sendErr = errors.New("bot api unreachable")

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.Kind != permission.DecisionReject || outcome.ReasonSource != permission.ReasonSourceExplicitSkip {
		t.Errorf("outcome = %+v, want explicit_skip reject", outcome)
	}
}

func TestReasonPromptSendFailureIsExplicitSkip(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonSendErr = errors.New("bot api unreachable")

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.ReasonSource != permission.ReasonSourceExplicitSkip {
		t.Errorf("ReasonSource = %q", outcome.ReasonSource)
	}
}

func TestLogFailureDoesNotChangeDecision(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})

	// Make the log path unusable: its parent is a regular file.
	blocker := filepath.Dir(env.logPath)
	if err := os.WriteFile(blocker, []byte("in the way"), 0600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	env.provider.decisionCh <- outbound.DecisionReject
	env.provider.reasonCh <- outbound.ReasonReply{Received: true, Text: "still a reject"}

	outcome, err := env.neg.Negotiate(context.Background(), testRequest(2*time.Second))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if outcome.Kind != permission.DecisionReject || outcome.Reason != "still a reject" {
		t.Errorf("outcome = %+v", outcome)
	}

	// Cascade state was still written despite the failed log append.
	if _, ok := env.cascades.Get(context.Background(), permission.LockKey{Provider: "fake", ChatID: "42"}); !ok {
		t.Error("cascade state missing after log failure")
	}
}

func TestSameKeyNegotiationsAreSerialized(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})

	done := make(chan error, 2)

	go func() {
		_, err := env.neg.Negotiate(context.Background(), testRequest(3*time.Second))
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)

	go func() {
		_, err := env.neg.Negotiate(context.Background(), testRequest(3*time.Second))
		done <- err
	}()

	// Resolve the first negotiation ~300ms in; the second gets its answer
	// as soon as it is allowed to prompt.
	time.Sleep(200 * time.Millisecond)
	env.provider.decisionCh <- outbound.DecisionApprove
	env.provider.decisionCh <- outbound.DecisionApprove

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("negotiation %d failed: %v", i, err)
		}
	}

	env.provider.mu.Lock()
	times := append([]time.Time(nil), env.provider.promptTimes...)
	env.provider.mu.Unlock()

	if len(times) != 2 {
		t.Fatalf("prompts sent = %d, want 2", len(times))
	}
	// The first negotiation holds the lock until its approval ~300ms in,
	// so the second prompt cannot appear before then.
	if gap := times[1].Sub(times[0]); gap < 200*time.Millisecond {
		t.Errorf("second prompt after %v, want the lock to hold it back", gap)
	}
}

func TestGeneratedIdentifiers(t *testing.T) {
	env := newTestEnv(t, NegotiatorConfig{})
	env.provider.decisionCh <- outbound.DecisionApprove

	req := testRequest(2 * time.Second)
	req.RequestID = ""
	req.SessionID = ""

	if _, err := env.neg.Negotiate(context.Background(), req); err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if req.RequestID == "" {
		t.Error("RequestID not generated")
	}
	if req.SessionID == "" {
		t.Error("SessionID not derived")
	}
}
