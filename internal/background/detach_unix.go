//go:build unix

package background

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own session so the host's signals to the
// filter's process group do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
