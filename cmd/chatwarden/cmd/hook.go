package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chat-warden/chatwarden/internal/adapter/outbound/kvstore"
	"github.com/chat-warden/chatwarden/internal/adapter/outbound/rejectlog"
	"github.com/chat-warden/chatwarden/internal/adapter/outbound/telegram"
	"github.com/chat-warden/chatwarden/internal/config"
	"github.com/chat-warden/chatwarden/internal/domain/cascade"
	"github.com/chat-warden/chatwarden/internal/domain/permission"
	"github.com/chat-warden/chatwarden/internal/domain/reason"
	"github.com/chat-warden/chatwarden/internal/domain/session"
	"github.com/chat-warden/chatwarden/internal/domain/userlock"
	"github.com/chat-warden/chatwarden/internal/service"
)

var hookCmd = &cobra.Command{
	Use:           "hook",
	Short:         "Internal: PreToolUse hook handler",
	Hidden:        true,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

// hookInput matches the JSON the agent sends to PreToolUse hooks on stdin.
type hookInput struct {
	SessionID string                 `json:"session_id"`
	Cwd       string                 `json:"cwd"`
	ToolName  string                 `json:"tool_name"`
	ToolUseID string                 `json:"tool_use_id"`
	ToolInput map[string]interface{} `json:"tool_input"`
}

// hookOutput is the PreToolUse decision JSON written to stdout.
type hookOutput struct {
	HookSpecificOutput struct {
		HookEventName            string `json:"hookEventName"`
		PermissionDecision       string `json:"permissionDecision"`
		PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	} `json:"hookSpecificOutput"`
}

func runHook(cmd *cobra.Command, args []string) error {
	// Fail mode must be known before config parsing can fail, so the env
	// override is consulted directly here.
	failMode := os.Getenv("CHATWARDEN_FAIL_MODE")
	if failMode == "" {
		failMode = "closed"
	}

	inputBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return hookError(failMode, "read stdin: "+err.Error())
	}

	// Only PreToolUse events carry a tool name. Anything else
	// (SessionStart, Stop, unparseable input) is silently allowed.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(inputBytes, &raw); err != nil {
		return nil
	}
	if _, hasToolName := raw["tool_name"]; !hasToolName {
		return nil
	}

	var input hookInput
	if err := json.Unmarshal(inputBytes, &input); err != nil {
		return hookError(failMode, "parse input: "+err.Error())
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return hookError(failMode, "load config: "+err.Error())
	}
	failMode = cfg.FailMode

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Debug("loaded config", "file", configFile)
	}

	outcome, err := negotiate(cfg, &input, logger)
	if err != nil {
		if permission.IsNonDecision(err) {
			return hookNoDecision(failMode, err, logger)
		}
		return hookError(failMode, err.Error())
	}

	return writeHookOutput(os.Stdout, outcome)
}

// negotiate wires the full stack from config and runs one negotiation.
func negotiate(cfg *config.Config, input *hookInput, logger *slog.Logger) (*permission.Outcome, error) {
	requestTimeout, err := time.ParseDuration(cfg.Negotiation.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid request_timeout: %w", err)
	}
	reasonTimeout, err := time.ParseDuration(cfg.Negotiation.ReasonTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid reason_timeout: %w", err)
	}
	cascadeWindow, err := time.ParseDuration(cfg.Negotiation.CascadeWindow)
	if err != nil {
		return nil, fmt.Errorf("invalid cascade_window: %w", err)
	}
	lockPoll, err := time.ParseDuration(cfg.Negotiation.LockPollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid lock_poll_interval: %w", err)
	}
	decisionPoll, err := time.ParseDuration(cfg.Negotiation.DecisionPollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid decision_poll_interval: %w", err)
	}
	cacheTTL, err := time.ParseDuration(cfg.Session.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid session cache_ttl: %w", err)
	}

	kv, err := kvstore.Open(cfg.StatePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("state store close failed", "error", err)
		}
	}()

	provider, err := telegram.New(telegram.Config{
		Token:  cfg.Telegram.Token,
		ChatID: cfg.Telegram.ChatID,
	}, logger)
	if err != nil {
		return nil, err
	}

	neg := service.NewNegotiator(
		provider,
		userlock.New(kv, lockPoll, logger),
		cascade.NewStore(kv, cascadeWindow, logger),
		session.NewCache(kv, cacheTTL, logger),
		rejectlog.New(rejectlog.Config{
			Path:        cfg.RejectLog.Path,
			RotateBytes: cfg.RejectLog.RotateBytes,
			MaxFiles:    cfg.RejectLog.MaxFiles,
		}, logger),
		reason.NewNormalizer(cfg.Negotiation.ReasonMaxLength, cfg.Negotiation.NoReasonKeywords),
		service.NegotiatorConfig{
			LockKey: permission.LockKey{
				Provider: provider.Name(),
				ChatID:   strconv.FormatInt(cfg.Telegram.ChatID, 10),
				UserID:   cfg.Telegram.UserID,
			},
			ReasonTimeout: reasonTimeout,
			PollInterval:  decisionPoll,
		},
		logger,
	)

	req := &permission.Request{
		RequestID: input.ToolUseID,
		ToolName:  input.ToolName,
		ToolInput: input.ToolInput,
		Cwd:       input.Cwd,
		SessionID: permission.DeriveSessionID(input.SessionID, input.Cwd),
		Deadline:  time.Now().Add(requestTimeout),
	}

	// The context outlives the deadline slightly so post-deadline cleanup
	// (expiry annotation, lock release) still runs.
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+10*time.Second)
	defer cancel()

	return neg.Negotiate(ctx, req)
}

// writeHookOutput renders a terminal outcome as PreToolUse JSON.
func writeHookOutput(w io.Writer, outcome *permission.Outcome) error {
	var out hookOutput
	out.HookSpecificOutput.HookEventName = "PreToolUse"

	switch outcome.Kind {
	case permission.DecisionApprove, permission.DecisionApproveSession:
		out.HookSpecificOutput.PermissionDecision = "allow"
		out.HookSpecificOutput.PermissionDecisionReason = "Approved by operator"
	default:
		out.HookSpecificOutput.PermissionDecision = "deny"
		out.HookSpecificOutput.PermissionDecisionReason = denyReason(outcome)
	}
	return json.NewEncoder(w).Encode(out)
}

// denyReason renders the operator's rejection for the agent.
func denyReason(outcome *permission.Outcome) string {
	if outcome.Reason != "" {
		return "Rejected by operator: " + outcome.Reason
	}
	switch outcome.ReasonSource {
	case permission.ReasonSourceTimeout:
		return "Rejected by operator (no reason provided in time)"
	default:
		return "Rejected by operator (no reason given)"
	}
}

// hookNoDecision handles expiry and lock starvation per fail mode. These
// are non-decisions: fail-closed denies, fail-open lets the agent's own
// permission flow take over.
func hookNoDecision(failMode string, err error, logger *slog.Logger) error {
	if failMode == "closed" {
		return hookDeny("chatwarden: no operator decision (" + err.Error() + ")")
	}
	logger.Warn("no operator decision, falling through", "error", err)
	return nil
}

// hookDeny outputs a deny response to stdout.
func hookDeny(reason string) error {
	var out hookOutput
	out.HookSpecificOutput.HookEventName = "PreToolUse"
	out.HookSpecificOutput.PermissionDecision = "deny"
	out.HookSpecificOutput.PermissionDecisionReason = reason
	return json.NewEncoder(os.Stdout).Encode(out)
}

// hookError handles setup errors based on fail mode.
// Fail-closed: deny with error message. Fail-open: log warning, allow.
func hookError(failMode, msg string) error {
	if failMode == "closed" {
		return hookDeny("chatwarden error: " + msg)
	}
	fmt.Fprintf(os.Stderr, "[chatwarden] hook warning: %s (fail-open, allowing)\n", msg)
	return nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
