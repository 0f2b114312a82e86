//go:build !unix

package pipeline

import (
	"os"
	"os/exec"
)

// configureProcessGroup keeps exec's default cancellation, which kills the
// process directly.
func configureProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {}

func exitSignal(state *os.ProcessState) string {
	return ""
}
