package archive

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/antony-hash512/zero-kelvin/internal/cleanup"
	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// CreateTransaction exclusively owns a plain (non-LUKS) output file path
// until success is signaled; its scoped release deletes the file unless
// MarkSuccess was called.
type CreateTransaction struct {
	path      string
	id        string
	succeeded bool
	registry  *cleanup.Registry
}

// BeginCreateTransaction registers path with the cleanup registry (for
// signal-driven teardown) and returns a transaction owning it.
func BeginCreateTransaction(registry *cleanup.Registry, path string) *CreateTransaction {
	id := "create:" + path
	registry.Register(id, cleanup.Entry{OutputPath: path})
	return &CreateTransaction{path: path, id: id, registry: registry}
}

// MarkSuccess records that path now holds a complete, usable archive.
func (t *CreateTransaction) MarkSuccess() { t.succeeded = true }

// Release deletes the output file unless MarkSuccess was called. It
// atomically takes the registry entry first, so a concurrent signal
// handler can never double-delete the same file.
func (t *CreateTransaction) Release() {
	entry, ok := t.registry.Take(t.id)
	if !ok {
		return // the signal handler already took and released this entry
	}
	if t.succeeded {
		return
	}
	t.registry.Release(entry)
}

// LuksTransaction exclusively owns an output container file path and, once
// opened, at most one mapper name. Its scoped release closes the mapper
// (idempotently, with retry) and, unless MarkSuccess was called, deletes
// the container file.
type LuksTransaction struct {
	path      string
	mapper    string
	id        string
	succeeded bool
	registry  *cleanup.Registry
	exec      executor.CommandExecutor
	logger    *slog.Logger
}

// BeginLuksTransaction registers path for signal-driven cleanup.
func BeginLuksTransaction(registry *cleanup.Registry, exec executor.CommandExecutor, logger *slog.Logger, path string) *LuksTransaction {
	if logger == nil {
		logger = slog.Default()
	}
	id := "luks:" + path
	registry.Register(id, cleanup.Entry{OutputPath: path})
	return &LuksTransaction{path: path, id: id, registry: registry, exec: exec, logger: logger}
}

// SetMapper records the opened mapper device name and updates the registry
// entry so a signal arriving after open also closes it.
func (t *LuksTransaction) SetMapper(name string) {
	t.mapper = name
	t.registry.Register(t.id, cleanup.Entry{OutputPath: t.path, MapperName: name})
}

// MarkSuccess records that the container now holds a complete, usable
// archive; Release will then keep the file but still close the mapper.
func (t *LuksTransaction) MarkSuccess() { t.succeeded = true }

// Release performs sync + udevadm settle, closes the mapper with bounded
// retry, and deletes the container file unless MarkSuccess was called.
// Cleanup failures here are logged and swallowed, never propagated, since a
// failure in cleanup must not mask the original operation's outcome.
func (t *LuksTransaction) Release(ctx context.Context) {
	entry, ok := t.registry.Take(t.id)
	if !ok {
		return
	}

	if entry.MapperName != "" {
		syncAndSettle(ctx, t.exec)
		if err := closeMapperWithRetry(ctx, t.exec, entry.MapperName); err != nil {
			t.logger.Warn("archive: failed to close mapper after retries", "mapper", entry.MapperName, "error", err)
		}
	}
	if !t.succeeded {
		if err := os.Remove(entry.OutputPath); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("archive: failed to remove incomplete output", "path", entry.OutputPath, "error", err)
		}
	}
}

func syncAndSettle(ctx context.Context, exec executor.CommandExecutor) {
	_, _ = exec.Run(ctx, "sync")
	_, _ = exec.Run(ctx, "udevadm", "settle")
}

// linearBackoff implements backoff.BackOff as "100ms * attempt, capped at
// 500ms" — the retry policy the mapper-close step uses, per the ordering
// guarantees around EBUSY during device teardown.
type linearBackoff struct{ attempt int }

func (b *linearBackoff) NextBackOff() time.Duration {
	b.attempt++
	d := time.Duration(b.attempt) * 100 * time.Millisecond
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

func (b *linearBackoff) Reset() { b.attempt = 0 }

// closeMapperWithRetry calls "cryptsetup close <mapper>", retrying on
// failure up to 10 attempts total with the linearBackoff policy above.
func closeMapperWithRetry(ctx context.Context, exec executor.CommandExecutor, mapper string) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackoff{}, 9), ctx)

	return backoff.Retry(func() error {
		res, err := exec.Run(ctx, "cryptsetup", "close", mapper)
		if err != nil {
			return err
		}
		if !res.Success() {
			return zkerrors.New(zkerrors.LUKS, "archive.closeMapperWithRetry", "cryptsetup close failed: "+string(res.Stderr))
		}
		return nil
	}, policy)
}
