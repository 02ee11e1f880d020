package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/s3bba/pm3/internal/events"
	"github.com/s3bba/pm3/internal/pm3config"
)

// scriptCommand writes body as an executable shell script and returns the
// "sh <path>" command to invoke it, matching the supervisor package's own
// test helper (ProcessConfig.Command is tokenized by shellsplit, not run
// through a shell).
func scriptCommand(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmd.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return "sh " + path
}

func newTestScheduler(t *testing.T, processes map[string]*pm3config.ProcessConfig) *Scheduler {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg := &pm3config.Config{Processes: processes}
	sched, err := New(cfg, "pm3.toml", "", events.NewEventBus(4), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sched.Launch(ctx)
	t.Cleanup(cancel)
	return sched
}

func proc(name, command string, dependsOn ...string) *pm3config.ProcessConfig {
	return &pm3config.ProcessConfig{
		Name:          name,
		Command:       command,
		RestartPolicy: pm3config.RestartOnFailure,
		MaxRestarts:   1,
		KillSignal:    "SIGTERM",
		KillTimeoutMs: 500,
		DependsOn:     dependsOn,
	}
}

func TestStartSelectedRespectsDependencyOrder(t *testing.T) {
	sched := newTestScheduler(t, map[string]*pm3config.ProcessConfig{
		"db":  proc("db", scriptCommand(t, "sleep 30")),
		"api": proc("api", scriptCommand(t, "sleep 30"), "db"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := sched.StartSelected(ctx, nil)
	if err != nil {
		t.Fatalf("StartSelected: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("%s: %v", r.Name, r.Err)
		}
	}

	for _, name := range []string{"db", "api"} {
		st, err := sched.StatusOne(name)
		if err != nil {
			t.Fatalf("StatusOne(%s): %v", name, err)
		}
		if st.Status != "Online" {
			t.Errorf("%s status = %q, want Online", name, st.Status)
		}
	}
}

func TestStartSelectedIndependentBranchSurvivesSiblingFailure(t *testing.T) {
	// An empty command fails to spawn at all (no binary to exec), landing
	// directly in Errored; "fine" has no relationship to it and must still
	// come up.
	sched := newTestScheduler(t, map[string]*pm3config.ProcessConfig{
		"broken": proc("broken", ""),
		"fine":   proc("fine", scriptCommand(t, "sleep 30")),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sched.StartSelected(ctx, nil); err != nil {
		t.Fatalf("StartSelected: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := sched.StatusOne("fine")
		if st.Status == "Online" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	st, err := sched.StatusOne("fine")
	if err != nil {
		t.Fatalf("StatusOne: %v", err)
	}
	if st.Status != "Online" {
		t.Errorf("fine status = %q, want Online (must not be blocked by an unrelated failure)", st.Status)
	}
}

func TestResolveSelectorUnknownTokenIsError(t *testing.T) {
	sched := newTestScheduler(t, map[string]*pm3config.ProcessConfig{
		"web": proc("web", scriptCommand(t, "sleep 30")),
	})
	if _, err := sched.resolveSelector([]string{"does-not-exist"}); err == nil {
		t.Fatal("expected an error for an unknown selector token")
	}
}

func TestResolveSelectorGroupExpandsToMembers(t *testing.T) {
	webCfg := proc("web", scriptCommand(t, "sleep 30"))
	webCfg.Group = "backend"
	workerCfg := proc("worker", scriptCommand(t, "sleep 30"))
	workerCfg.Group = "backend"

	sched := newTestScheduler(t, map[string]*pm3config.ProcessConfig{
		"web":    webCfg,
		"worker": workerCfg,
	})

	selected, err := sched.resolveSelector([]string{"backend"})
	if err != nil {
		t.Fatalf("resolveSelector: %v", err)
	}
	if !selected["web"] || !selected["worker"] {
		t.Errorf("selected = %v, want both web and worker", selected)
	}
}

func TestSaveSnapshotThenLoadRoundTrips(t *testing.T) {
	sched := newTestScheduler(t, map[string]*pm3config.ProcessConfig{
		"web": proc("web", scriptCommand(t, "sleep 30")),
	})

	if err := sched.SaveSnapshot(); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	snap, err := LoadSnapshot(sched.snapshotPath)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Version != SnapshotVersion {
		t.Errorf("Version = %d, want %d", snap.Version, SnapshotVersion)
	}
	if len(snap.Processes) != 1 || snap.Processes[0].Name != "web" {
		t.Errorf("Processes = %+v, want one entry named web", snap.Processes)
	}
}

func TestCyclicDependencyRejectedAtConstruction(t *testing.T) {
	cfg := &pm3config.Config{Processes: map[string]*pm3config.ProcessConfig{
		"a": proc("a", scriptCommand(t, "sleep 30"), "b"),
		"b": proc("b", scriptCommand(t, "sleep 30"), "a"),
	}}
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	if _, err := New(cfg, "pm3.toml", "", events.NewEventBus(4), nil, nil); err == nil {
		t.Fatal("expected a cyclic dependency to be rejected")
	}
}
