// Package rejectlog persists one JSON line per rejection. The file rotates
// by size with a bounded number of retained generations, and the
// rotate-then-append sequence runs under a sibling file lock so concurrent
// negotiations on the same host never interleave or tear lines.
package rejectlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/chat-warden/chatwarden/internal/domain/permission"
	"github.com/chat-warden/chatwarden/internal/domain/reason"
)

// Defaults applied when the config leaves a field zero.
const (
	DefaultRotateBytes = 1 << 20 // 1 MiB
	DefaultMaxFiles    = 3

	lockRetryInterval = 50 * time.Millisecond
	lockMaxRetries    = 40
)

// errLockBusy signals the lock is held by another appender; retried with
// backoff up to the bounded retry budget.
var errLockBusy = errors.New("reject log lock busy")

// Entry is one immutable rejection record. Reason is masked before it is
// written; callers pass the raw operator text.
type Entry struct {
	Timestamp    time.Time               `json:"timestamp"`
	Provider     string                  `json:"provider"`
	Decision     string                  `json:"decision"`
	RequestID    string                  `json:"request_id"`
	ToolName     string                  `json:"tool_name"`
	Cwd          string                  `json:"cwd"`
	Reason       string                  `json:"reason"`
	ReasonSource permission.ReasonSource `json:"reason_source"`
}

// Config holds the rejection log settings.
type Config struct {
	// Path is the active log file. Parent directories are created on demand.
	Path string
	// RotateBytes is the size threshold that triggers rotation before an
	// append. Default 1 MiB.
	RotateBytes int64
	// MaxFiles is the number of rotated generations to retain. Zero or
	// negative means no generations: the active file is truncated instead.
	MaxFiles int
}

// Log is the append-only rejection log.
type Log struct {
	path        string
	rotateBytes int64
	maxFiles    int
	logger      *slog.Logger
}

// New creates a Log with defaults applied. MaxFiles is taken as configured,
// including zero (truncate-on-rotate).
func New(cfg Config, logger *slog.Logger) *Log {
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = DefaultRotateBytes
	}
	return &Log{
		path:        cfg.Path,
		rotateBytes: cfg.RotateBytes,
		maxFiles:    cfg.MaxFiles,
		logger:      logger,
	}
}

// Append durably adds one line, rotating first if the active file exceeds
// the size threshold. The whole sequence runs under the sibling lock; the
// lock is released unconditionally even when the write fails.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.Decision == "" {
		e.Decision = "deny"
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Reason = reason.Mask(e.Reason)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal reject entry: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	unlock, err := l.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}
	return l.write(line)
}

// lock claims the sibling lock file with bounded retry and returns the
// release function.
func (l *Log) lock(ctx context.Context) (func(), error) {
	fl := flock.New(l.path + ".lock")

	attempt := func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(lockRetryInterval), lockMaxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, fmt.Errorf("acquire reject log lock: %w", err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			l.logger.Warn("reject log unlock failed", "error", err)
		}
	}, nil
}

// rotateIfNeeded rotates when the active file exceeds the threshold. With
// no retained generations the active file is simply truncated; otherwise
// existing generations shift up by one, the oldest beyond the retention
// count is deleted, and the active file becomes generation 1.
func (l *Log) rotateIfNeeded() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat reject log: %w", err)
	}
	if info.Size() <= l.rotateBytes {
		return nil
	}

	if l.maxFiles <= 0 {
		if err := os.Truncate(l.path, 0); err != nil {
			return fmt.Errorf("truncate reject log: %w", err)
		}
		return nil
	}

	// Shift generations up, dropping the one past the retention count.
	if err := os.Remove(l.generation(l.maxFiles)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop oldest generation: %w", err)
	}
	for i := l.maxFiles - 1; i >= 1; i-- {
		if err := os.Rename(l.generation(i), l.generation(i+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift generation %d: %w", i, err)
		}
	}
	if err := os.Rename(l.path, l.generation(1)); err != nil {
		return fmt.Errorf("rotate active log: %w", err)
	}
	return nil
}

// generation returns the path of rotated generation n (path.1 is newest).
func (l *Log) generation(n int) string {
	return fmt.Sprintf("%s.%d", l.path, n)
}

// write appends the line to the active file and syncs it.
func (l *Log) write(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open reject log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write reject entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync reject log: %w", err)
	}
	return nil
}
