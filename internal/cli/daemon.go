package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/s3bba/pm3/internal/paths"
)

// configPathFlag is shared by every subcommand that may need to autostart
// the daemon — it's set once by start/save/resurrect and otherwise defaults
// to pm3.toml in the working directory.
var configPathFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "pm3.toml", "path to pm3.toml")
}

// autostartDaemon spawns pm3d detached from the current terminal, pointed
// at configPathFlag, and returns once the process has been launched (not
// once it's ready — callers poll separately).
func autostartDaemon() error {
	if pid, ok := runningDaemonPID(); ok {
		return fmt.Errorf("pm3d is already running (pid %d) but is not responding on its socket; check its logs", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate pm3 executable: %w", err)
	}
	daemonExe := daemonExecutablePath(exe)

	cmd := exec.Command(daemonExe, "-config", configPathFlag, "-env", envProfile)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pm3d: %w", err)
	}
	return cmd.Process.Release()
}

// daemonExecutablePath assumes pm3d is installed alongside pm3 — the
// convention this module's install docs follow.
func daemonExecutablePath(pm3Exe string) string {
	return filepath.Join(filepath.Dir(pm3Exe), "pm3d")
}

// runningDaemonPID reports the PID in the daemon's PID file if it still
// names a live process.
func runningDaemonPID() (int, bool) {
	pidPath, err := paths.PIDPath()
	if err != nil {
		return 0, false
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}
