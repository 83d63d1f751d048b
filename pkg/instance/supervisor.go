// Package instance guarantees that at most one proxy process runs per lock
// file. A newcomer asks the recorded owner to terminate and takes over.
package instance

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FatalInstanceConflict is returned when the lock stays held after the
// previous owner was asked to terminate. The process should exit non-zero.
type FatalInstanceConflict struct {
	Path string
	PID  int
	Err  error
}

func (e *FatalInstanceConflict) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("instance: lock %s still held by pid %d: %v", e.Path, e.PID, e.Err)
	}
	return fmt.Sprintf("instance: lock %s still held: %v", e.Path, e.Err)
}

func (e *FatalInstanceConflict) Unwrap() error { return e.Err }

// Options tune a Supervisor.
type Options struct {
	// Grace is how long to wait after asking the owner to terminate.
	Grace time.Duration
	// Terminate asks pid to exit. Defaults to SIGTERM.
	Terminate func(pid int) error
	// Sleep waits between termination and the retry.
	Sleep  func(time.Duration)
	PID    int
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Grace <= 0 {
		o.Grace = 100 * time.Millisecond
	}
	if o.Terminate == nil {
		o.Terminate = terminate
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	if o.PID <= 0 {
		o.PID = os.Getpid()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func terminate(pid int) error {
	err := unix.Kill(pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Supervisor holds the instance lock for the life of the process.
type Supervisor struct {
	path   string
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
}

// New returns a supervisor for the lock file at path.
func New(path string, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		path:   path,
		opts:   opts,
		logger: opts.Logger.With(zap.String("lock", path)),
	}
}

// Acquire takes the lock, displacing a previous owner if necessary, and
// records the current PID in the lock file.
func (s *Supervisor) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("instance: create lock dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("instance: open lock: %w", err)
	}

	err = tryLock(f)
	if errors.Is(err, unix.EWOULDBLOCK) {
		owner := readPID(f)
		s.logger.Warn("instance lock held, terminating previous owner", zap.Int("pid", owner))
		if owner > 0 && owner != s.opts.PID {
			if terr := s.opts.Terminate(owner); terr != nil {
				s.logger.Warn("terminate previous owner", zap.Int("pid", owner), zap.Error(terr))
			}
		}
		s.opts.Sleep(s.opts.Grace)
		err = tryLock(f)
		if err != nil {
			_ = f.Close()
			return &FatalInstanceConflict{Path: s.path, PID: owner, Err: err}
		}
	} else if err != nil {
		_ = f.Close()
		return fmt.Errorf("instance: lock: %w", err)
	}

	if err := writePID(f, s.opts.PID); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return fmt.Errorf("instance: record pid: %w", err)
	}
	s.file = f
	s.logger.Info("instance lock acquired", zap.Int("pid", s.opts.PID))
	return nil
}

// Release drops the lock. The lock is also released when the process exits.
func (s *Supervisor) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return errors.Join(unlockErr, f.Close())
}

func tryLock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func readPID(f *os.File) int {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0
	}
	data, err := io.ReadAll(io.LimitReader(f, 64))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

// ReadOwner returns the PID recorded in the lock file at path.
func ReadOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
