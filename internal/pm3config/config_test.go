package pm3config

import (
	"strings"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[web]
command = "node server.js"
`), "pm3.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	proc := cfg.Processes["web"]
	if proc == nil {
		t.Fatal("process \"web\" missing")
	}
	if proc.RestartPolicy != RestartOnFailure {
		t.Errorf("RestartPolicy = %q, want %q", proc.RestartPolicy, RestartOnFailure)
	}
	if proc.KillSignal == "" {
		t.Error("KillSignal default not applied")
	}
}

func TestParseDefaultsCwdToConfigDir(t *testing.T) {
	cfg, err := Parse([]byte(`
[web]
command = "node server.js"
`), "/etc/pm3/pm3.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := cfg.Processes["web"].Cwd, "/etc/pm3"; got != want {
		t.Errorf("Cwd = %q, want %q", got, want)
	}
}

func TestParseRespectsExplicitCwd(t *testing.T) {
	cfg, err := Parse([]byte(`
[web]
command = "node server.js"
cwd = "/srv/web"
`), "/etc/pm3/pm3.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := cfg.Processes["web"].Cwd, "/srv/web"; got != want {
		t.Errorf("Cwd = %q, want %q", got, want)
	}
}

func TestParseAcceptsHyphenatedRestartPolicy(t *testing.T) {
	cfg, err := Parse([]byte(`
[web]
command = "node server.js"
restart_policy = "on-failure"
`), "pm3.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Processes["web"].RestartPolicy != RestartOnFailure {
		t.Errorf("RestartPolicy = %q, want %q", cfg.Processes["web"].RestartPolicy, RestartOnFailure)
	}
}

func TestParseRejectsUnknownRestartPolicy(t *testing.T) {
	_, err := Parse([]byte(`
[web]
command = "node server.js"
restart_policy = "whenever"
`), "pm3.toml")
	if err == nil {
		t.Fatal("expected an error for an unknown restart policy")
	}
}

func TestParseRejectsForbiddenProcessName(t *testing.T) {
	_, err := Parse([]byte(`
["../escape"]
command = "node server.js"
`), "pm3.toml")
	if err == nil {
		t.Fatal("expected an error for a process name containing \"..\"")
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	_, err := Parse([]byte(`
[web]
command = "node server.js"
depends_on = ["db"]
`), "pm3.toml")
	if err == nil || !strings.Contains(err.Error(), "db") {
		t.Fatalf("expected an unknown-dependency error mentioning %q, got %v", "db", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	_, err := Parse([]byte(`
[a]
command = "sleep 1"
depends_on = ["b"]

[b]
command = "sleep 1"
depends_on = ["a"]
`), "pm3.toml")
	if err == nil {
		t.Fatal("expected a cyclic dependency error")
	}
}

func TestParseMemoryBytes(t *testing.T) {
	cases := map[string]int64{
		"512M": 512 * 1024 * 1024,
		"2G":   2 * 1024 * 1024 * 1024,
		"100K": 100 * 1024,
	}
	for raw, want := range cases {
		got, err := ParseMemoryBytes(raw)
		if err != nil {
			t.Fatalf("ParseMemoryBytes(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("ParseMemoryBytes(%q) = %d, want %d", raw, got, want)
		}
	}
}
