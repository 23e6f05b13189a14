package app

import (
	"fmt"
	"os"
	"time"
)

// TouchSignal rewrites the notify file with a fresh revision so sibling
// processes watching it wake up. Failures are non-fatal; the interval
// sweep covers for a missing signal.
func TouchSignal(path string) error {
	rev := fmt.Sprintf("%d\n", time.Now().UnixNano())
	return os.WriteFile(path, []byte(rev), 0o644)
}
