//go:build linux || darwin

package probe

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// fileLimitMu serializes RLIMIT_NOFILE updates from concurrent preflights.
var fileLimitMu sync.Mutex

var (
	getFileLimit = func(lim *unix.Rlimit) error { return unix.Getrlimit(unix.RLIMIT_NOFILE, lim) }
	setFileLimit = func(lim *unix.Rlimit) error { return unix.Setrlimit(unix.RLIMIT_NOFILE, lim) }
)

// ensureFileLimit raises RLIMIT_NOFILE to at least need, failing with
// ErrUnavailable when the hard limit is lower. The soft limit is never
// lowered.
func ensureFileLimit(need uint64) error {
	fileLimitMu.Lock()
	defer fileLimitMu.Unlock()

	var lim unix.Rlimit
	if err := getFileLimit(&lim); err != nil {
		return fmt.Errorf("%w: read file limit: %v", ErrUnavailable, err)
	}
	if uint64(lim.Cur) >= need {
		return nil
	}
	if uint64(lim.Max) < need {
		return fmt.Errorf("%w: need %d file descriptors, hard limit is %d", ErrUnavailable, need, lim.Max)
	}
	lim.Cur = need
	if err := setFileLimit(&lim); err != nil {
		return fmt.Errorf("%w: raise file limit to %d: %v", ErrUnavailable, need, err)
	}
	return nil
}
