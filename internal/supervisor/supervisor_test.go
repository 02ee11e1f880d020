package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/s3bba/pm3/internal/events"
	"github.com/s3bba/pm3/internal/pm3config"
)

// scriptCommand writes body as an executable shell script in a fresh temp
// dir and returns the "sh <path>" command to invoke it. This keeps tests
// that need semicolons, traps, or loops readable without leaning on
// shellsplit's quoting rules for anything beyond the inline cases those
// rules are actually meant to cover (see TestInlineQuotedCommandTokenizes).
func scriptCommand(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmd.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return "sh " + path
}

func newTestConfig(t *testing.T, name, command string) *pm3config.ProcessConfig {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	return &pm3config.ProcessConfig{
		Name:          name,
		Command:       command,
		RestartPolicy: pm3config.RestartOnFailure,
		MaxRestarts:   3,
		MinUptimeMs:   50,
		KillSignal:    "SIGTERM",
		KillTimeoutMs: 500,
	}
}

func runSupervisor(t *testing.T, cfg *pm3config.ProcessConfig) (*Supervisor, context.CancelFunc) {
	t.Helper()
	sup, err := New(cfg, "", nil, events.NewEventBus(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sup, cancel
}

func waitForStatus(t *testing.T, sup *Supervisor, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sup.Status().Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %q, last was %q", want, sup.Status().Status)
}

func TestStartReachesOnlineWithoutHealthCheck(t *testing.T) {
	cfg := newTestConfig(t, "web", "sleep 30")
	sup, _ := runSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sup, "Online", time.Second)
}

func TestStopTransitionsToStopped(t *testing.T) {
	cfg := newTestConfig(t, "web", "sleep 30")
	sup, _ := runSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sup, "Online", time.Second)

	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForStatus(t, sup, "Stopped", time.Second)
}

func TestInlineQuotedCommandTokenizes(t *testing.T) {
	// spec.md §8 scenario 2/3: command="sh -c 'exit N'" must tokenize to
	// exactly ["sh", "-c", "exit N"], not be mangled by whitespace splitting.
	cfg := newTestConfig(t, "web", `sh -c 'exit 7'`)
	cfg.MaxRestarts = 0
	cfg.MinUptimeMs = 10_000
	sup, _ := runSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sup, "Errored", time.Second)
	st := sup.Status()
	if st.LastExitCode == nil || *st.LastExitCode != 7 {
		t.Errorf("LastExitCode = %v, want 7", st.LastExitCode)
	}
}

func TestStopExitCodeIsNotRestarted(t *testing.T) {
	cfg := newTestConfig(t, "web", scriptCommand(t, "exit 0"))
	cfg.StopExitCodes = []int{0}
	sup, _ := runSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sup, "Stopped", time.Second)

	time.Sleep(200 * time.Millisecond)
	if st := sup.Status().RestartCount; st != 0 {
		t.Errorf("RestartCount = %d, want 0 (exit code 0 is in stop_exit_codes)", st)
	}
}

func TestCrashingChildIsRestartedUntilExhausted(t *testing.T) {
	cfg := newTestConfig(t, "web", scriptCommand(t, "exit 1"))
	cfg.MaxRestarts = 2
	cfg.MinUptimeMs = 10_000 // never "stable", so every exit counts
	sup, _ := runSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sup, "Errored", time.Second)

	// restartpolicy.Evaluate bumps the count on the exit that finally
	// exceeds max_restarts too, so the terminal count is one more than
	// the configured cap.
	if got, want := sup.Status().RestartCount, cfg.MaxRestarts+1; got != want {
		t.Errorf("RestartCount = %d, want %d", got, want)
	}
}

func TestForceKillBypassesGraceTimeout(t *testing.T) {
	cfg := newTestConfig(t, "web", scriptCommand(t, "trap '' TERM\nsleep 30"))
	cfg.KillTimeoutMs = 5000
	sup, _ := runSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, sup, "Online", time.Second)

	start := time.Now()
	if err := sup.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForStatus(t, sup, "Stopped", time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Kill took %v, want well under the 5s kill_timeout_ms (SIGKILL should bypass it)", elapsed)
	}
}
