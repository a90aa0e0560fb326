package orchestrator

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"kiln/internal/kilnerr"
)

// WorkspaceLock is an advisory exclusive lock on a cargo workspace's
// target directory, held for the duration of one build so a concurrent
// kiln invocation against the same workspace doesn't restore and save
// the same units at once.
type WorkspaceLock struct {
	f *os.File
}

// LockWorkspace takes an exclusive, non-blocking flock on
// <targetDir>/.kiln-lock, creating the file if needed.
func LockWorkspace(targetDir string) (*WorkspaceLock, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "orchestrator.LockWorkspace", err)
	}
	path := filepath.Join(targetDir, ".kiln-lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "orchestrator.LockWorkspace", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, kilnerr.New(kilnerr.Conflict, "orchestrator.LockWorkspace", err)
	}
	return &WorkspaceLock{f: f}, nil
}

// Unlock releases the flock and closes the underlying file.
func (l *WorkspaceLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return kilnerr.New(kilnerr.Internal, "orchestrator.WorkspaceLock.Unlock", err)
	}
	return l.f.Close()
}
