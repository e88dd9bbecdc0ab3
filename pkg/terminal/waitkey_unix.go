//go:build unix

package terminal

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// waitForKey waits up to timeout for stdin to become readable and drains
// the pending input. A zero timeout waits forever.
func waitForKey(timeout time.Duration) bool {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(os.Stdin.Fd()), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return false
		}
		break
	}
	var buf [64]byte
	os.Stdin.Read(buf[:])
	return true
}
