// Package cascade tracks the short-lived auto-reject marker written after a
// rejection. A request arriving for the same operator within the window is
// rejected with the recorded reason without re-prompting, which keeps a
// retrying agent from spamming the operator.
package cascade

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chat-warden/chatwarden/internal/adapter/outbound/kvstore"
	"github.com/chat-warden/chatwarden/internal/domain/permission"
)

// DefaultWindow is how long a rejection cascades. Kept a small constant
// independent of the request timeout; configurable, not derived.
const DefaultWindow = 5 * time.Second

// State is the marker left behind by a rejection.
type State struct {
	CreatedAt    time.Time               `json:"created_at"`
	Reason       string                  `json:"reason"`
	ReasonSource permission.ReasonSource `json:"reason_source"`
	RequestID    string                  `json:"request_id"`
	ToolName     string                  `json:"tool_name"`
}

// Store reads and writes cascade state keyed by operator lock key. Only the
// lock-holding negotiation may touch the state for its key.
type Store struct {
	kv     *kvstore.Store
	window time.Duration
	logger *slog.Logger
}

// NewStore creates a Store with the given cascade window.
// window <= 0 selects DefaultWindow.
func NewStore(kv *kvstore.Store, window time.Duration, logger *slog.Logger) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{kv: kv, window: window, logger: logger}
}

// Get returns the unexpired cascade state for key, if any. Store errors and
// malformed entries are misses: a broken marker degrades to re-prompting.
func (s *Store) Get(ctx context.Context, key permission.LockKey) (*State, bool) {
	value, _, ok, err := s.kv.Get(ctx, kvstore.BucketCascade, key.String())
	if err != nil {
		s.logger.Warn("cascade read failed", "key", key.String(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var st State
	if err := json.Unmarshal(value, &st); err != nil {
		s.logger.Warn("malformed cascade state", "key", key.String(), "error", err)
		return nil, false
	}
	return &st, true
}

// Set writes fresh cascade state for key, valid for the configured window.
func (s *Store) Set(ctx context.Context, key permission.LockKey, st State) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, kvstore.BucketCascade, key.String(), value, s.window)
}

// Clear removes cascade state for key. Called on every approval so a fresh
// grant immediately stops the auto-reject cascade.
func (s *Store) Clear(ctx context.Context, key permission.LockKey) {
	if err := s.kv.Delete(ctx, kvstore.BucketCascade, key.String()); err != nil {
		s.logger.Warn("cascade clear failed", "key", key.String(), "error", err)
	}
}
