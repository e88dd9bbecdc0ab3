package terminal

import (
	"bufio"
	"os"
	"time"
)

// waitForKey blocks for a line of input; the timeout is only honored on
// platforms with pollable standard input.
func waitForKey(timeout time.Duration) bool {
	r := bufio.NewReader(os.Stdin)
	_, err := r.ReadString('\n')
	return err == nil
}
