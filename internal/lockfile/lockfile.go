// Package lockfile guards a state directory against a second IntakeLine
// process. Two processes writing one SQLite file would interleave intakes and
// double-send notifications, because the ledger is only consistent within a
// single writer.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is created inside the state directory.
const LockFileName = "intakeline.lock"

// Lock is a held state directory lock. The kernel drops it if the process dies.
type Lock struct {
	file *os.File
	path string
}

// HeldError reports that another process owns the lock.
type HeldError struct {
	Path string
	PID  int
	err  error
}

func (e *HeldError) Error() string {
	owner := "unknown process"
	if e.PID > 0 {
		owner = "pid " + strconv.Itoa(e.PID)
		if !processAlive(e.PID) {
			owner += " (not running, lock is stale)"
		}
	}
	return fmt.Sprintf("state directory is in use by %s; lock file %s", owner, e.Path)
}

func (e *HeldError) Unwrap() error { return e.err }

// Acquire takes an exclusive, non-blocking lock on dir, creating it if needed.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		held := &HeldError{Path: path, PID: ownerPID(path), err: err}
		slog.Error("lockfile.Acquire: state directory locked", "path", path, "ownerPID", held.PID)
		return nil, held
	}

	if err := f.Truncate(0); err != nil {
		unlock(f)
		return nil, fmt.Errorf("truncate lock file %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		unlock(f)
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}
	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Calling it twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	unlock(l.file)
	l.file = nil
	slog.Debug("lockfile.Release: released", "path", l.path)
	return err
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

func unlock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

func ownerPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, "pid=") {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimPrefix(s, "pid="))
	if err != nil {
		return 0
	}
	return pid
}

// processAlive sends signal 0, which only checks that pid exists.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
