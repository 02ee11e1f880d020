package envresolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/s3bba/pm3/internal/pm3config"
	"github.com/s3bba/pm3/internal/pm3err"
)

func writeEnvFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestResolvePrecedence(t *testing.T) {
	dir := t.TempDir()
	fileA := writeEnvFile(t, dir, "a.env", "FOO=from_file\nSHARED=file\n")

	proc := &pm3config.ProcessConfig{
		Name:     "web",
		EnvFiles: []string{fileA},
		Env: map[string]string{
			"SHARED": "inline",
			"BAR":    "from_inline",
		},
		EnvProfiles: map[string]map[string]string{
			"prod": {"SHARED": "profile", "BAZ": "from_profile"},
		},
	}

	vars, err := Resolve(proc, "prod", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := map[string]string{
		"FOO":    "from_file",
		"SHARED": "profile",
		"BAR":    "from_inline",
		"BAZ":    "from_profile",
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}
}

func TestResolveEnvFilesEarlierFileWins(t *testing.T) {
	dir := t.TempDir()
	fileA := writeEnvFile(t, dir, "a.env", "SHARED=from_a\nONLY_A=a\n")
	fileB := writeEnvFile(t, dir, "b.env", "SHARED=from_b\nONLY_B=b\n")

	proc := &pm3config.ProcessConfig{
		Name:     "web",
		EnvFiles: []string{fileA, fileB},
	}

	vars, err := Resolve(proc, "", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if vars["SHARED"] != "from_a" {
		t.Errorf(`SHARED = %q, want "from_a" (earlier env_files entry should win)`, vars["SHARED"])
	}
	if vars["ONLY_A"] != "a" || vars["ONLY_B"] != "b" {
		t.Errorf("vars = %+v, want both files' unique keys present", vars)
	}
}

func TestResolveUnknownProfile(t *testing.T) {
	proc := &pm3config.ProcessConfig{Name: "web"}
	_, err := Resolve(proc, "missing", nil)
	if !errors.Is(err, pm3err.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestResolveMissingEnvFile(t *testing.T) {
	proc := &pm3config.ProcessConfig{Name: "web", EnvFiles: []string{"/nonexistent/path.env"}}
	_, err := Resolve(proc, "", nil)
	if !errors.Is(err, pm3err.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestResolveClusterInjectsInstanceVars(t *testing.T) {
	proc := &pm3config.ProcessConfig{Name: "worker"}
	vars, err := Resolve(proc, "", &ClusterInfo{InstanceID: 2, InstanceCount: 4})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if vars["PM3_INSTANCE_ID"] != "2" || vars["PM3_INSTANCE_COUNT"] != "4" {
		t.Errorf("cluster vars = %+v", vars)
	}
}

func TestParseEnvFileQuotingAndComments(t *testing.T) {
	dir := t.TempDir()
	path := writeEnvFile(t, dir, "quoted.env", `
# a comment
FOO="bar baz" # trailing comment
SINGLE='quoted value'
EMPTY=

NOSPACE=value
`)
	vars, err := parseEnvFile(path)
	if err != nil {
		t.Fatalf("parseEnvFile: %v", err)
	}
	if vars["FOO"] != "bar baz" {
		t.Errorf("FOO = %q", vars["FOO"])
	}
	if vars["SINGLE"] != "quoted value" {
		t.Errorf("SINGLE = %q", vars["SINGLE"])
	}
	if vars["EMPTY"] != "" {
		t.Errorf("EMPTY = %q", vars["EMPTY"])
	}
	if vars["NOSPACE"] != "value" {
		t.Errorf("NOSPACE = %q", vars["NOSPACE"])
	}
}

func TestParseEnvFileMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := writeEnvFile(t, dir, "bad.env", "this is not valid\n")
	_, err := parseEnvFile(path)
	if !errors.Is(err, pm3err.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestToEnvironSorted(t *testing.T) {
	got := ToEnviron(map[string]string{"B": "2", "A": "1"})
	want := []string{"A=1", "B=2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ToEnviron = %v, want %v", got, want)
	}
}
