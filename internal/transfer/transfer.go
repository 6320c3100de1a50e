// Package transfer copies single files between the controller and the
// device with verification and bounded retries.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/projectdiscovery/gologger"

	"github.com/Jacob10383/printerup/internal/session"
)

// Defaults for the retry and verification policy.
const (
	DefaultMaxAttempts      = 3
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultProgressInterval = 10 * time.Second

	// spaceFactor is the required headroom over the source size at a
	// local destination.
	spaceFactor = 1.5
)

// Direction of a copy relative to the controller host.
type Direction int

const (
	// Upload copies local → device.
	Upload Direction = iota

	// Download copies device → local.
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Task describes one file copy.
type Task struct {
	Direction Direction
	Source    string
	Dest      string

	// Progress, when set, receives cumulative bytes transferred at a
	// bounded rate, and once more at completion.
	Progress func(transferred, total int64)
}

// Config tunes the engine. Zero values take the package defaults.
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	return c
}

// InsufficientSpaceError reports a failed pre-flight capacity check. It
// is never retried.
type InsufficientSpaceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space at %s: need %d bytes (1.5x source), have %d", e.Path, e.Required, e.Available)
}

// TransferError reports a copy that could not be completed within the
// retry budget.
type TransferError struct {
	Source   string
	Dest     string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s to %s failed after %d attempts: %v", e.Source, e.Dest, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Engine copies files with integrity guarantees: a destination is either
// fully and correctly written or not present at all.
type Engine struct {
	remote Opener
	local  Endpoint
	cfg    Config
}

// NewEngine creates an engine that reaches the device through the given
// opener.
func NewEngine(remote Opener, cfg Config) *Engine {
	return &Engine{
		remote: remote,
		local:  localEndpoint{},
		cfg:    cfg.withDefaults(),
	}
}

// Copy runs one task to completion, retrying transient failures with
// exponential backoff. Capacity and authentication failures surface
// immediately; a missing source fails fast.
func (e *Engine) Copy(ctx context.Context, task Task) error {
	attempts := 0

	operation := func() error {
		attempts++
		if attempts > 1 {
			gologger.Debug().Msgf("retrying %s of %s (attempt %d/%d)", task.Direction, task.Source, attempts, e.cfg.MaxAttempts)
		}
		return e.attempt(ctx, task)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxAttempts-1)), ctx))
	if err == nil {
		return nil
	}

	// Permanent failures keep their own identity.
	var spaceErr *InsufficientSpaceError
	var authErr *session.AuthError
	if errors.As(err, &spaceErr) || errors.As(err, &authErr) || errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return &TransferError{Source: task.Source, Dest: task.Dest, Attempts: attempts, Err: err}
}

// attempt performs one copy into a temporary sibling, verifies it, and
// moves it over the destination.
func (e *Engine) attempt(ctx context.Context, task Task) error {
	src, dst, release, err := e.endpoints(ctx, task.Direction)
	if err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			return backoff.Permanent(err)
		}
		return err
	}
	defer release()

	info, err := src.Stat(task.Source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(fmt.Errorf("source file not found: %s: %w", task.Source, err))
		}
		return fmt.Errorf("failed to stat source %s: %w", task.Source, err)
	}
	size := info.Size()

	destDir := dst.Dir(task.Dest)
	if avail, ok := dst.Free(destDir); ok {
		required := int64(float64(size) * spaceFactor)
		if avail < required {
			return backoff.Permanent(&InsufficientSpaceError{Path: destDir, Required: required, Available: avail})
		}
	}

	if err := dst.MkdirAll(destDir); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", destDir, err)
	}

	tmp := fmt.Sprintf("%s.partial.%d", task.Dest, time.Now().UnixNano())
	if err := e.writeTemp(src, dst, task, tmp, size); err != nil {
		_ = dst.Remove(tmp)
		return err
	}

	// Never trust the write alone: the temp file must exist with the
	// exact source size, and a non-empty source never yields an empty
	// destination.
	written, err := dst.Stat(tmp)
	if err != nil {
		_ = dst.Remove(tmp)
		return fmt.Errorf("verification failed, destination missing: %w", err)
	}
	if written.Size() != size || (size > 0 && written.Size() == 0) {
		_ = dst.Remove(tmp)
		return fmt.Errorf("verification failed for %s: wrote %d bytes, want %d", task.Dest, written.Size(), size)
	}

	if err := dst.Chmod(tmp, info.Mode().Perm()); err != nil {
		gologger.Debug().Msgf("could not preserve mode on %s: %v", tmp, err)
	}

	if err := dst.Rename(tmp, task.Dest); err != nil {
		_ = dst.Remove(tmp)
		return fmt.Errorf("failed to move verified file into place: %w", err)
	}

	if task.Progress != nil {
		task.Progress(size, size)
	}
	gologger.Debug().Msgf("%s complete: %s -> %s (%d bytes)", task.Direction, task.Source, task.Dest, size)
	return nil
}

// writeTemp streams the source into the temporary destination and forces
// it to durable storage.
func (e *Engine) writeTemp(src, dst Endpoint, task Task, tmp string, size int64) error {
	reader, err := src.Open(task.Source)
	if err != nil {
		return fmt.Errorf("failed to open source %s: %w", task.Source, err)
	}
	defer reader.Close()

	writer, err := dst.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temporary file %s: %w", tmp, err)
	}

	var in io.Reader = reader
	if task.Progress != nil {
		in = io.TeeReader(reader, &progressWriter{
			fn:       task.Progress,
			total:    size,
			interval: e.cfg.ProgressInterval,
			last:     time.Now(),
		})
	}

	if _, err := io.Copy(writer, in); err != nil {
		_ = writer.Close()
		return fmt.Errorf("copy failed: %w", err)
	}
	if err := writer.Sync(); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to flush destination: %w", err)
	}
	return writer.Close()
}

// endpoints resolves the source/destination pair for a direction. The
// release func closes the remote view opened for this attempt.
func (e *Engine) endpoints(ctx context.Context, d Direction) (src, dst Endpoint, release func(), err error) {
	remote, err := e.remote.OpenEndpoint(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	release = func() { _ = remote.Close() }

	if d == Upload {
		return e.local, remote, release, nil
	}
	return remote, e.local, release, nil
}

// ListRemoteDir returns the names of regular files in a device
// directory. A missing directory reports fs.ErrNotExist.
func (e *Engine) ListRemoteDir(ctx context.Context, dir string) ([]string, error) {
	remote, err := e.remote.OpenEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	infos, err := remote.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, info := range infos {
		if info.Mode().IsRegular() {
			names = append(names, info.Name())
		}
	}
	return names, nil
}

// RemoteFileExists reports whether a device path exists.
func (e *Engine) RemoteFileExists(ctx context.Context, path string) (bool, error) {
	remote, err := e.remote.OpenEndpoint(ctx)
	if err != nil {
		return false, err
	}
	defer remote.Close()

	if _, err := remote.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// progressWriter reports cumulative progress at a bounded rate so a UI
// or log is not flooded on every chunk.
type progressWriter struct {
	fn       func(done, total int64)
	total    int64
	done     int64
	interval time.Duration
	last     time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if time.Since(p.last) >= p.interval {
		p.fn(p.done, p.total)
		p.last = time.Now()
	}
	return len(b), nil
}
