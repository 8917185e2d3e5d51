// Package session caches per-session tool approvals. An "approve for
// session" decision adds the tool to the session's allow-list; later
// requests for the same session and tool skip the operator entirely. The
// cache is an optimization, not a security boundary: every failure mode is
// a miss, which re-prompts the operator.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chat-warden/chatwarden/internal/adapter/outbound/kvstore"
)

// DefaultTTL is how long a session record stays valid after creation.
const DefaultTTL = 24 * time.Hour

// record is the persisted per-session allow-list.
type record struct {
	SessionID    string    `json:"session_id"`
	AllowedTools []string  `json:"allowed_tools"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *record) has(toolName string) bool {
	for _, t := range r.AllowedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

// Cache is the session allow-list cache backed by the shared state store.
type Cache struct {
	kv     *kvstore.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache creates a Cache. ttl <= 0 selects DefaultTTL.
func NewCache(kv *kvstore.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kv, ttl: ttl, logger: logger}
}

// IsAllowed reports whether toolName was approved for the session. Store
// errors, malformed records, and expired records all read as false.
func (c *Cache) IsAllowed(ctx context.Context, sessionID, toolName string) bool {
	rec, ok := c.load(ctx, sessionID)
	return ok && rec.has(toolName)
}

// RecordAllowed adds toolName to the session's allow-list, creating the
// record on first approval. Validity runs from the record's creation, not
// from the latest addition: adding a tool never extends the 24h window.
func (c *Cache) RecordAllowed(ctx context.Context, sessionID, toolName string) error {
	rec, ok := c.load(ctx, sessionID)
	ttl := c.ttl
	if !ok {
		rec = &record{SessionID: sessionID, CreatedAt: time.Now().UTC()}
	} else {
		ttl = c.ttl - time.Since(rec.CreatedAt)
		if ttl <= 0 {
			// Window just closed between load and write; start fresh.
			rec = &record{SessionID: sessionID, CreatedAt: time.Now().UTC()}
			ttl = c.ttl
		}
	}

	if !rec.has(toolName) {
		rec.AllowedTools = append(rec.AllowedTools, toolName)
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, kvstore.BucketSession, sessionID, value, ttl)
}

// load fetches and decodes the session record. Any failure is a miss.
func (c *Cache) load(ctx context.Context, sessionID string) (*record, bool) {
	value, _, ok, err := c.kv.Get(ctx, kvstore.BucketSession, sessionID)
	if err != nil {
		c.logger.Warn("session cache read failed", "session_id", sessionID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		c.logger.Warn("malformed session record", "session_id", sessionID, "error", err)
		return nil, false
	}
	return &rec, true
}
