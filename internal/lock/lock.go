// Package lock keeps a single daemon per data directory and lets clients
// find the running one.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Holder is what the running daemon records in its lock file.
type Holder struct {
	PID   int
	Since time.Time
	// Addr is the HTTP address, empty until Advertise is called.
	Addr string
}

// LockHeldError is returned when another process holds the daemon lock.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	if e.Holder.Addr != "" {
		return fmt.Sprintf("daemon already running: pid %d serving %s (%s)", e.Holder.PID, e.Holder.Addr, e.Path)
	}
	return fmt.Sprintf("daemon already running: pid %d (%s)", e.Holder.PID, e.Path)
}

// Lock is an acquired flock on the lock file.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Acquire takes an exclusive, non-blocking flock on lockPath, creating its
// directory. Returns *LockHeldError if another process already holds it.
func Acquire(lockPath string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		h, _ := ReadHolder(lockPath)
		return nil, &LockHeldError{Holder: h, Path: lockPath}
	}

	l := &Lock{file: f, path: lockPath, holder: Holder{PID: os.Getpid(), Since: time.Now().UTC()}}
	if err := l.write(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Advertise records the address clients should dial.
func (l *Lock) Advertise(addr string) error {
	l.holder.Addr = addr
	return l.write()
}

func (l *Lock) write() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", l.holder.PID, l.holder.Since.Format(time.RFC3339))
	if l.holder.Addr != "" {
		content += "addr=" + l.holder.Addr + "\n"
	}
	_, err := l.file.WriteString(content)
	return err
}

// Release removes the lock file and drops the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove first so a stale file never outlives the lock.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadHolder parses the lock file at lockPath. A missing file is an error;
// unknown lines are ignored.
func ReadHolder(lockPath string) (Holder, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, value)
		case "addr":
			h.Addr = value
		}
	}
	return h, nil
}
