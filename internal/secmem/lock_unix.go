//go:build unix

package secmem

import "golang.org/x/sys/unix"

// lockPages pins the slice's pages so they are never swapped to disk.
// Failure is tolerated: unprivileged processes may exceed RLIMIT_MEMLOCK.
func lockPages(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Mlock(b)
}

func unlockPages(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
