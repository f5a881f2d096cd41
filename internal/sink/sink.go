// Package sink durably records probe results as append-only text files in a
// shard's output directory. available.txt holds one identifier per line;
// failed.txt holds "<identifier>\t<kind>[:<detail>]" for every other outcome.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/clock/system"
	"github.com/JakeFAU/availability-prober/internal/metrics"
	"github.com/JakeFAU/availability-prober/internal/probe"
)

// Result file names inside a shard output directory.
const (
	AvailableFile = "available.txt"
	FailedFile    = "failed.txt"
)

const (
	defaultSyncEvery    = 1
	defaultWriteRetries = 3
	defaultRetryBackoff = 200 * time.Millisecond
)

// Config controls a FileSink.
//   - Dir: shard output directory, created if missing.
//   - SyncEvery: fsync after this many writes (default 1).
//   - WriteRetries: extra attempts for a failed append (default 3).
//   - RetryBackoff: base delay between attempts, multiplied by the attempt.
//   - Mirror: optional callback invoked after every durable write.
type Config struct {
	Dir          string
	SyncEvery    int
	WriteRetries int
	RetryBackoff time.Duration
	Mirror       func(probe.Result)
	Clock        probe.Clock
	Logger       *zap.Logger
}

// FileSink implements probe.ResultWriter. Writes are serialized; each record
// is appended as one complete line.
type FileSink struct {
	cfg    Config
	clock  probe.Clock
	logger *zap.Logger

	mu        sync.Mutex
	available *resultFile
	failed    *resultFile
	unsynced  int
	written   int
	closed    bool
}

type resultFile struct {
	f    *os.File
	size int64
}

// Open prepares the output directory and opens both result files for append.
// A trailing partial line left by an interrupted run is truncated first.
func Open(cfg Config) (*FileSink, error) {
	if cfg.Dir == "" {
		return nil, errors.New("sink dir is required")
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = defaultSyncEvery
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = 0
	} else if cfg.WriteRetries == 0 {
		cfg.WriteRetries = defaultWriteRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir %s: %w", cfg.Dir, err)
	}
	s := &FileSink{cfg: cfg, clock: clk, logger: logger.Named("sink")}
	var err error
	if s.available, err = s.openFile(AvailableFile); err != nil {
		return nil, err
	}
	if s.failed, err = s.openFile(FailedFile); err != nil {
		return nil, multierr.Append(err, s.available.f.Close())
	}
	return s, nil
}

func (s *FileSink) openFile(name string) (*resultFile, error) {
	path := filepath.Join(s.cfg.Dir, name)
	trimmed, err := repairTail(path)
	if err != nil {
		return nil, err
	}
	if trimmed > 0 {
		s.logger.Warn("truncated partial record", zap.String("file", path), zap.Int("bytes", trimmed))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- path built from configured output dir.
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("stat %s: %w", path, err), f.Close())
	}
	return &resultFile{f: f, size: info.Size()}, nil
}

// repairTail drops bytes after the final newline and returns how many.
func repairTail(path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from configured output dir.
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return 0, nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(keep)); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", path, err)
	}
	return len(data) - keep, nil
}

// Write appends the result and, every SyncEvery writes, fsyncs both files.
// Failures are retried; an unrecoverable failure wraps probe.ErrPersistence.
// Identifiers rejected by probe.CheckIdentifier are never written.
func (s *FileSink) Write(ctx context.Context, result probe.Result) error {
	if err := probe.CheckIdentifier(result.Identifier); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	line := []byte(result.Outcome.Line(result.Identifier) + "\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("write %s: sink closed: %w", result.Identifier, probe.ErrPersistence)
	}
	target := s.failed
	if result.Outcome.Kind == probe.KindAvailable {
		target = s.available
	}

	if err := s.retryLocked(ctx, result.Identifier, func() error { return appendLine(target, line) }); err != nil {
		return err
	}
	s.unsynced++
	if s.unsynced >= s.cfg.SyncEvery {
		if err := s.retryLocked(ctx, result.Identifier, s.syncLocked); err != nil {
			return err
		}
	}
	s.written++
	if s.cfg.Mirror != nil {
		s.cfg.Mirror(result)
	}
	return nil
}

func (s *FileSink) retryLocked(ctx context.Context, identifier string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			metrics.ObservePersistenceError()
			s.logger.Warn("result write failed, retrying",
				zap.String("identifier", identifier),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			if err := s.clock.Sleep(ctx, s.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				break
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	metrics.ObservePersistenceError()
	return fmt.Errorf("write %s: %w: %w", identifier, probe.ErrPersistence, lastErr)
}

func appendLine(target *resultFile, line []byte) error {
	n, err := target.f.Write(line)
	if err != nil {
		if n > 0 {
			// Roll back a short write so the retry does not leave a torn line.
			if terr := target.f.Truncate(target.size); terr != nil {
				return multierr.Append(err, terr)
			}
		}
		return fmt.Errorf("append: %w", err)
	}
	target.size += int64(n)
	return nil
}

func (s *FileSink) syncLocked() error {
	if s.unsynced == 0 {
		return nil
	}
	if err := multierr.Append(s.available.f.Sync(), s.failed.f.Sync()); err != nil {
		return fmt.Errorf("fsync results: %w", err)
	}
	s.unsynced = 0
	return nil
}

// Flush forces an fsync of any unsynced writes.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.syncLocked()
}

// Written returns the number of records written since Open.
func (s *FileSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes and closes both files. It is safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.syncLocked()
	err = multierr.Append(err, s.available.f.Close())
	err = multierr.Append(err, s.failed.f.Close())
	if err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	return nil
}
