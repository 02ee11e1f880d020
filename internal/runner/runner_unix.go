//go:build linux || darwin

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so a stop signal
// can be delivered to the whole tree, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the negative pid, i.e. the process group
// rooted at pid.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal type %T", sig)
	}
	if err := syscall.Kill(-pid, s); err != nil {
		return syscall.Kill(pid, s)
	}
	return nil
}
