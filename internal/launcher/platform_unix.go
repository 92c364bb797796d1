//go:build !windows

package launcher

import (
	"os"
	"os/exec"
	"syscall"
)

func setupSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcess sends SIGKILL. The sidecar server owns no state that needs
// a graceful shutdown window; its config is rewritten on every launch.
func killProcess(proc *os.Process) error {
	return syscall.Kill(proc.Pid, syscall.SIGKILL)
}
