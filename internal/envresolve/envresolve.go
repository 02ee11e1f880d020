// Package envresolve merges env-file contents, inline env maps, and
// environment-profile overlays into the final variable set handed to a
// spawned child (spec.md §4.c).
package envresolve

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/s3bba/pm3/internal/pm3config"
	"github.com/s3bba/pm3/internal/pm3err"
)

// ClusterInfo carries the instance identity a cluster member should see in
// its environment.
type ClusterInfo struct {
	InstanceID    int
	InstanceCount int
}

// Resolve computes the final environment for spawning proc. profile, if
// non-empty, must name a key in proc.EnvProfiles or Resolve returns
// ErrConfigInvalid. cluster is optional (nil for non-cluster processes).
func Resolve(proc *pm3config.ProcessConfig, profile string, cluster *ClusterInfo) (map[string]string, error) {
	result := make(map[string]string)

	// Precedence: among env_files, earlier entries win (spec.md §3), so a
	// key already set by an earlier file is left alone; inline env and the
	// active profile overlay both override every env file regardless of
	// order.
	for _, path := range proc.EnvFiles {
		vars, err := parseEnvFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			if _, set := result[k]; !set {
				result[k] = v
			}
		}
	}

	for k, v := range proc.Env {
		result[k] = v
	}

	if profile != "" {
		overlay, ok := proc.EnvProfiles[profile]
		if !ok {
			return nil, fmt.Errorf("%w: unknown environment profile %q for process %q", pm3err.ErrConfigInvalid, profile, proc.Name)
		}
		for k, v := range overlay {
			result[k] = v
		}
	}

	if cluster != nil {
		result["PM3_INSTANCE_ID"] = strconv.Itoa(cluster.InstanceID)
		result["PM3_INSTANCE_COUNT"] = strconv.Itoa(cluster.InstanceCount)
	}

	return result, nil
}

// parseEnvFile reads a KEY=VALUE file: `#` starts a comment to end of line,
// blank lines are skipped, and surrounding single/double quotes are
// stripped from values. Any other malformed line fails loudly.
func parseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: env file %q does not exist", pm3err.ErrConfigInvalid, path)
		}
		return nil, fmt.Errorf("%w: opening env file %q: %v", pm3err.ErrIO, path, err)
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: %s:%d: expected KEY=VALUE, got %q", pm3err.ErrConfigInvalid, path, lineNo, line)
		}

		key := strings.TrimSpace(line[:eq])
		if !isValidKey(key) {
			return nil, fmt.Errorf("%w: %s:%d: invalid variable name %q", pm3err.ErrConfigInvalid, path, lineNo, key)
		}

		value := strings.TrimSpace(line[eq+1:])
		result[key] = unquote(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading env file %q: %v", pm3err.ErrIO, path, err)
	}

	return result, nil
}

// stripComment removes a `#` to end-of-line comment, respecting quoted
// values so a `#` inside "..." or '...' is not treated as a comment start.
func stripComment(line string) string {
	inSingle, inDouble := false, false
	for i, r := range line {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && isDigit {
			return false
		}
		if !isLetter && !isDigit {
			return false
		}
	}
	return true
}

// ToEnviron converts a resolved env map into an os/exec-ready []string,
// sorted for deterministic output. It does not merge in the daemon's own
// environment: a process's effective environment is exactly what env_files,
// env, and the active profile resolve to, per spec.md §4.c.
func ToEnviron(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
