// Package mountmap persists the active endpoint-to-address mappings shared
// by the mount helper and the watchdog.
//
// The file is one entry per line. Every mutation runs under an exclusive
// flock on the file; inside the lock the immutable attribute is lifted, the
// file is changed, and the attribute is restored, so the unprotected window
// never escapes the lock. Membership is whole-line equality.
package mountmap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when the exclusive lock cannot be acquired in
// time.
var ErrLockTimeout = errors.New("timed out waiting for mountmap lock")

const (
	lockPollMin = 2 * time.Millisecond
	lockPollMax = 50 * time.Millisecond
)

// Options configures a Store.
type Options struct {
	Path        string
	Immutable   bool
	LockTimeout time.Duration
}

// Store is the mountmap file. It holds no state besides the path: every
// operation opens, locks and closes the file, so several processes (and
// goroutines) may use the same file concurrently.
type Store struct {
	path        string
	attrs       Attributes
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewStore creates a Store for opts.Path. The file must already exist.
func NewStore(opts Options, logger *zap.Logger) *Store {
	var attrs Attributes = noAttributes{}
	if opts.Immutable {
		attrs = platformAttributes()
	}
	return newStoreWithAttributes(opts, attrs, logger)
}

// newStoreWithAttributes creates a Store with a specific Attributes
// implementation. Tests use it to observe the immutable window.
func newStoreWithAttributes(opts Options, attrs Attributes, logger *zap.Logger) *Store {
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Store{
		path:        opts.Path,
		attrs:       attrs,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Path returns the mountmap file path.
func (s *Store) Path() string {
	return s.path
}

// Add appends line unless an identical line is already present.
func (s *Store) Add(ctx context.Context, line string) error {
	if err := checkLine(line); err != nil {
		return err
	}
	return s.add(ctx, line, func(existing string) bool { return existing == line })
}

// Delete removes every line equal to line. Deleting an absent line is a
// no-op and succeeds.
func (s *Store) Delete(ctx context.Context, line string) error {
	if err := checkLine(line); err != nil {
		return err
	}
	return s.delete(ctx, line, func(existing string) bool { return existing == line })
}

// add appends line unless a line satisfying same is already present. The
// check and the append share one critical section.
func (s *Store) add(ctx context.Context, line string, same func(string) bool) error {
	added := false
	err := s.mutate(ctx, func(w *os.File) error {
		lines, tail, err := readLines(w)
		if err != nil {
			return err
		}
		for _, existing := range lines {
			if same(existing) {
				return nil
			}
		}

		record := line + "\n"
		if tail {
			record = "\n" + record
		}
		if _, err := w.Seek(0, io.SeekEnd); err != nil {
			return err
		}
		if _, err := w.WriteString(record); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		s.logger.Error("failed to add mountmap entry", zap.String("entry", line), zap.Error(err))
		return fmt.Errorf("add %q to %s: %w", line, s.path, err)
	}

	if added {
		s.logger.Info("added mountmap entry", zap.String("entry", line))
	} else {
		s.logger.Info("mountmap entry already present", zap.String("entry", line))
	}
	return nil
}

// delete removes every line satisfying match.
func (s *Store) delete(ctx context.Context, line string, match func(string) bool) error {
	removed := 0
	err := s.mutate(ctx, func(w *os.File) error {
		lines, _, err := readLines(w)
		if err != nil {
			return err
		}

		kept := lines[:0]
		for _, existing := range lines {
			if match(existing) {
				removed++
				continue
			}
			kept = append(kept, existing)
		}
		if removed == 0 {
			return nil
		}

		// Rewrite in place: replacing the file would drop the attribute and
		// the lock other processes are waiting on.
		var content strings.Builder
		for _, existing := range kept {
			content.WriteString(existing)
			content.WriteByte('\n')
		}
		if err := w.Truncate(0); err != nil {
			return err
		}
		_, err = w.WriteAt([]byte(content.String()), 0)
		return err
	})
	if err != nil {
		s.logger.Error("failed to delete mountmap entry", zap.String("entry", line), zap.Error(err))
		return fmt.Errorf("delete %q from %s: %w", line, s.path, err)
	}

	if removed > 0 {
		s.logger.Info("deleted mountmap entry", zap.String("entry", line), zap.Int("lines", removed))
	} else {
		s.logger.Debug("mountmap entry not present", zap.String("entry", line))
	}
	return nil
}

// Contains reports whether an identical line is present.
func (s *Store) Contains(ctx context.Context, line string) (bool, error) {
	lines, err := s.Lines(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range lines {
		if existing == line {
			return true, nil
		}
	}
	return false, nil
}

// Lines returns every non-empty line, read under a shared lock.
func (s *Store) Lines(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	unlock, err := s.lock(ctx, f, unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	lines, _, err := readLines(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return lines, nil
}

// AddEntry stores e.String() unless a line parsing to e is present, however
// its name is spelled.
func (s *Store) AddEntry(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.add(ctx, e.String(), matchEntry(e))
}

// DeleteEntry removes every line that parses to e.
func (s *Store) DeleteEntry(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.delete(ctx, e.String(), matchEntry(e))
}

// Protect sets the immutable attribute on the file, under the exclusive
// lock. Files created at startup start out unprotected until this runs.
func (s *Store) Protect(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	unlock, err := s.lock(ctx, f, unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.attrs.SetImmutable(f, true); err != nil {
		if errors.Is(err, errAttributesUnsupported) {
			s.logger.Debug("immutable attribute unavailable, relying on lock only", zap.Error(err))
			return nil
		}
		return fmt.Errorf("set immutable attribute on %s: %w", s.path, err)
	}
	return nil
}

// Entries returns the parsed entries and the raw lines that failed to parse.
func (s *Store) Entries(ctx context.Context) ([]Entry, []string, error) {
	lines, err := s.Lines(ctx)
	if err != nil {
		return nil, nil, err
	}

	var entries []Entry
	var invalid []string
	for _, line := range lines {
		entry, err := ParseEntry(line)
		if err != nil {
			invalid = append(invalid, line)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, invalid, nil
}

// Lookup returns the entries recorded for fqdn.
func (s *Store) Lookup(ctx context.Context, fqdn string) ([]Entry, error) {
	entries, _, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Entry
	for _, entry := range entries {
		if entry.FQDN == NormalizeFQDN(fqdn) {
			matches = append(matches, entry)
		}
	}
	return matches, nil
}

// mutate runs fn on a writable descriptor while holding the exclusive lock
// with the immutable attribute lifted.
func (s *Store) mutate(ctx context.Context, fn func(w *os.File) error) error {
	// Read-only so that open succeeds while the file is immutable.
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	unlock, err := s.lock(ctx, f, unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	guarded := true
	if err := s.attrs.SetImmutable(f, false); err != nil {
		if !errors.Is(err, errAttributesUnsupported) {
			return fmt.Errorf("lift immutable attribute: %w", err)
		}
		s.logger.Debug("immutable attribute unavailable, relying on lock only", zap.Error(err))
		guarded = false
	}
	if guarded {
		defer func() {
			if err := s.attrs.SetImmutable(f, true); err != nil {
				s.logger.Warn("failed to restore immutable attribute", zap.String("path", s.path), zap.Error(err))
			}
		}()
	}

	w, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open for writing: %w", err)
	}
	defer w.Close()

	if err := fn(w); err != nil {
		return err
	}
	return w.Sync()
}

// lock acquires a flock of the given kind, polling until the lock timeout or
// ctx expires.
func (s *Store) lock(ctx context.Context, f *os.File, how int) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fd := int(f.Fd())
	wait := lockPollMin
	for {
		err := unix.Flock(fd, how|unix.LOCK_NB)
		if err == nil {
			return func() { _ = unix.Flock(fd, unix.LOCK_UN) }, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return nil, fmt.Errorf("flock %s: %w", s.path, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, s.path, ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, lockPollMax)
	}
}

// readLines reads the whole file from the start. tail reports whether the
// last line is missing its newline.
func readLines(f *os.File) ([]string, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, false, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, err
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	tail := len(data) > 0 && data[len(data)-1] != '\n'
	return lines, tail, nil
}

func matchEntry(e Entry) func(string) bool {
	return func(line string) bool {
		parsed, err := ParseEntry(line)
		return err == nil && parsed == e
	}
}

func checkLine(line string) error {
	if strings.TrimSpace(line) == "" {
		return fmt.Errorf("%w: empty line", ErrInvalidEntry)
	}
	if strings.ContainsAny(line, "\n\r") {
		return fmt.Errorf("%w: line contains a newline", ErrInvalidEntry)
	}
	return nil
}
