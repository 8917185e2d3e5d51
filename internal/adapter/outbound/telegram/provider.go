// Package telegram implements the chat provider port on the Telegram Bot
// API: decision prompts as inline-keyboard messages, reason prompts as
// reply-to messages with a skip button, and getUpdates long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chat-warden/chatwarden/internal/domain/permission"
	"github.com/chat-warden/chatwarden/internal/port/outbound"
)

const (
	// DefaultBaseURL is the production Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"

	// maxLongPoll caps the getUpdates timeout so every poll call returns
	// well inside the HTTP client timeout.
	maxLongPoll = 8 * time.Second

	// maxResponseBodySize bounds Bot API response bodies.
	maxResponseBodySize = 1 * 1024 * 1024 // 1MB

	// maxPromptTextLen keeps rendered prompts inside Telegram's 4096-char
	// message limit with room for annotations.
	maxPromptTextLen = 3800

	// maxInputValueLen truncates individual tool-input values in the prompt.
	maxInputValueLen = 300
)

// Callback data carried by the inline keyboard buttons.
const (
	callbackApprove        = "approve"
	callbackApproveSession = "approve_session"
	callbackReject         = "reject"
	callbackSkipReason     = "skip_reason"
)

// ErrMissingToken is returned when the bot token is empty.
var ErrMissingToken = errors.New("telegram: bot token is required")

// ErrMissingChatID is returned when the operator chat id is zero.
var ErrMissingChatID = errors.New("telegram: chat id is required")

// Config holds the Bot API settings for one operator chat.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string
	// ChatID is the chat where prompts are posted and answered.
	ChatID int64
	// BaseURL overrides the Bot API endpoint. Empty selects DefaultBaseURL.
	BaseURL string
}

// Provider is a ChatProvider backed by the Telegram Bot API. A single
// Provider serves one operator chat; the getUpdates offset is tracked
// per instance.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu            sync.Mutex
	offset        int64
	staleNotified map[int64]struct{}
}

// Option is a functional option for configuring Provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// New creates a Provider for the configured bot and chat.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	if cfg.ChatID == 0 {
		return nil, ErrMissingChatID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	p := &Provider{
		cfg:           cfg,
		logger:        logger,
		staleNotified: make(map[int64]struct{}),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ outbound.ChatProvider = (*Provider)(nil)

// Name implements outbound.ChatProvider.
func (p *Provider) Name() string { return "telegram" }

// promptHandle carries the message id plus the rendered text, so
// resolution annotations can edit the original prompt in place.
type promptHandle struct {
	id   int64
	text string
}

func (h promptHandle) MessageID() string { return strconv.FormatInt(h.id, 10) }

// handleID recovers the numeric message id from any PromptHandle.
func handleID(h outbound.PromptHandle) int64 {
	if ph, ok := h.(promptHandle); ok {
		return ph.id
	}
	id, _ := strconv.ParseInt(h.MessageID(), 10, 64)
	return id
}

func handleText(h outbound.PromptHandle) string {
	if ph, ok := h.(promptHandle); ok {
		return ph.text
	}
	return ""
}

// SendDecisionPrompt posts the approve / approve-for-session / reject
// keyboard for one request.
func (p *Provider) SendDecisionPrompt(ctx context.Context, req *permission.Request) (outbound.PromptHandle, error) {
	text := renderRequest(req)
	var msg message
	err := p.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": p.cfg.ChatID,
		"text":    text,
		"reply_markup": inlineKeyboardMarkup{
			InlineKeyboard: [][]inlineKeyboardButton{
				{
					{Text: "Approve", CallbackData: callbackApprove},
					{Text: "Approve for session", CallbackData: callbackApproveSession},
				},
				{
					{Text: "Reject", CallbackData: callbackReject},
				},
			},
		},
	}, &msg)
	if err != nil {
		return nil, fmt.Errorf("send decision prompt: %w", err)
	}
	return promptHandle{id: msg.MessageID, text: text}, nil
}

// PollDecision drains one getUpdates batch looking for a button press on
// the given prompt. Button presses on any other message are answered once
// with an expiry notice and otherwise ignored.
func (p *Provider) PollDecision(ctx context.Context, h outbound.PromptHandle) (outbound.Decision, error) {
	updates, err := p.getUpdates(ctx)
	if err != nil {
		return outbound.DecisionNone, err
	}
	want := handleID(h)
	for _, u := range updates {
		cb := u.CallbackQuery
		if cb == nil || cb.Message == nil || cb.Message.Chat.ID != p.cfg.ChatID {
			continue
		}
		if cb.Message.MessageID != want {
			p.answerStale(ctx, cb)
			continue
		}
		switch cb.Data {
		case callbackApprove:
			p.answerCallback(ctx, cb.ID, "Approved.")
			return outbound.DecisionApprove, nil
		case callbackApproveSession:
			p.answerCallback(ctx, cb.ID, "Approved for this session.")
			return outbound.DecisionApproveSession, nil
		case callbackReject:
			p.answerCallback(ctx, cb.ID, "Rejected.")
			return outbound.DecisionReject, nil
		default:
			p.answerCallback(ctx, cb.ID, "")
		}
	}
	return outbound.DecisionNone, nil
}

// SendReasonPrompt asks for a free-text rejection reason under the
// decision prompt, with a button for skipping the reason outright.
func (p *Provider) SendReasonPrompt(ctx context.Context, h outbound.PromptHandle) (outbound.PromptHandle, error) {
	text := "Why was this rejected? Reply with a short reason, or skip."
	var msg message
	err := p.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":             p.cfg.ChatID,
		"text":                text,
		"reply_to_message_id": handleID(h),
		"reply_markup": inlineKeyboardMarkup{
			InlineKeyboard: [][]inlineKeyboardButton{
				{{Text: "Skip reason", CallbackData: callbackSkipReason}},
			},
		},
	}, &msg)
	if err != nil {
		return nil, fmt.Errorf("send reason prompt: %w", err)
	}
	return promptHandle{id: msg.MessageID, text: text}, nil
}

// PollReason drains one getUpdates batch looking for either the skip
// button on the reason prompt or a text message from the operator.
func (p *Provider) PollReason(ctx context.Context, h outbound.PromptHandle) (outbound.ReasonReply, error) {
	updates, err := p.getUpdates(ctx)
	if err != nil {
		return outbound.ReasonReply{}, err
	}
	want := handleID(h)
	for _, u := range updates {
		if cb := u.CallbackQuery; cb != nil && cb.Message != nil {
			if cb.Message.MessageID == want && cb.Data == callbackSkipReason {
				p.answerCallback(ctx, cb.ID, "Skipped.")
				return outbound.ReasonReply{Received: true, ExplicitSkip: true}, nil
			}
			p.answerStale(ctx, cb)
			continue
		}
		msg := u.Message
		if msg == nil || msg.Chat.ID != p.cfg.ChatID || msg.Text == "" {
			continue
		}
		if msg.From != nil && msg.From.IsBot {
			continue
		}
		return outbound.ReasonReply{Received: true, Text: msg.Text}, nil
	}
	return outbound.ReasonReply{}, nil
}

// MarkExpired rewrites the prompt so the dead keyboard disappears and the
// chat shows the request resolved itself.
func (p *Provider) MarkExpired(ctx context.Context, h outbound.PromptHandle, req *permission.Request) error {
	text := handleText(h)
	if text == "" {
		text = fmt.Sprintf("Permission request for %s", req.ToolName)
	}
	notice := fmt.Sprintf("\n\nExpired without a decision (request %s).", req.RequestID)
	return p.editText(ctx, handleID(h), text+notice)
}

// MarkResolved rewrites the prompt with its terminal outcome.
func (p *Provider) MarkResolved(ctx context.Context, h outbound.PromptHandle, summary string) error {
	text := handleText(h)
	if text == "" {
		return p.editText(ctx, handleID(h), "Resolved: "+summary)
	}
	return p.editText(ctx, handleID(h), text+"\n\nResolved: "+summary)
}

func (p *Provider) editText(ctx context.Context, messageID int64, text string) error {
	return p.call(ctx, "editMessageText", map[string]interface{}{
		"chat_id":    p.cfg.ChatID,
		"message_id": messageID,
		"text":       text,
	}, nil)
}

// answerStale acknowledges a button press on a long-gone prompt. The
// first stray press per message gets an expiry notice; later presses are
// only acknowledged so the spinner clears.
func (p *Provider) answerStale(ctx context.Context, cb *callbackQuery) {
	p.mu.Lock()
	_, seen := p.staleNotified[cb.Message.MessageID]
	if !seen {
		p.staleNotified[cb.Message.MessageID] = struct{}{}
	}
	p.mu.Unlock()

	text := ""
	if !seen {
		text = "This prompt has already expired."
	}
	p.answerCallback(ctx, cb.ID, text)
}

// answerCallback acknowledges a button press, best-effort.
func (p *Provider) answerCallback(ctx context.Context, callbackID, text string) {
	params := map[string]interface{}{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	if err := p.call(ctx, "answerCallbackQuery", params, nil); err != nil {
		p.logger.Debug("answerCallbackQuery failed", "error", err)
	}
}

// getUpdates long-polls the Bot API and advances the offset past every
// update it saw, read or not.
func (p *Provider) getUpdates(ctx context.Context) ([]update, error) {
	timeout := maxLongPoll
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	seconds := int(timeout / time.Second)
	if seconds < 0 {
		seconds = 0
	}

	p.mu.Lock()
	offset := p.offset
	p.mu.Unlock()

	var updates []update
	err := p.call(ctx, "getUpdates", map[string]interface{}{
		"offset":          offset,
		"timeout":         seconds,
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	if err != nil {
		return nil, fmt.Errorf("getUpdates: %w", err)
	}

	p.mu.Lock()
	for _, u := range updates {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
	}
	p.mu.Unlock()
	return updates, nil
}

// call performs one Bot API method call and decodes the result envelope.
func (p *Provider) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	url := p.cfg.BaseURL + "/bot" + p.cfg.Token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s failed: %s (code %d)", method, envelope.Description, envelope.ErrorCode)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// renderRequest formats one permission request as the prompt text: tool
// name, working directory, and the tool input in stable key order.
func renderRequest(req *permission.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Permission request: %s\n", req.ToolName)
	if req.Cwd != "" {
		fmt.Fprintf(&b, "cwd: %s\n", req.Cwd)
	}

	keys := make([]string, 0, len(req.ToolInput))
	for k := range req.ToolInput {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprintf("%v", req.ToolInput[k])
		if len(v) > maxInputValueLen {
			v = v[:maxInputValueLen] + "…"
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}

	if !req.Deadline.IsZero() {
		fmt.Fprintf(&b, "\nExpires %s", req.Deadline.Format(time.Kitchen))
	}

	text := b.String()
	if len(text) > maxPromptTextLen {
		text = text[:maxPromptTextLen] + "…"
	}
	return text
}
