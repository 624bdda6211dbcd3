//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the shell as a group leader so cancellation
// kills the commands it spawned too.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
