// Package pm3config decodes and validates pm3.toml into the closed record
// types the supervision engine operates on. The TOML surface itself — field
// name discovery, comment preservation, editor tooling — is an external
// collaborator's concern (spec §1); this package only turns validated bytes
// into ProcessConfig values with every default applied, or returns a single
// ConfigInvalid-flavored error naming exactly what's wrong.
package pm3config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/s3bba/pm3/internal/notify"
	"github.com/s3bba/pm3/internal/pm3err"
)

// RestartPolicy selects when a process is eligible for an automatic restart.
type RestartPolicy string

const (
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
	RestartNever     RestartPolicy = "never"
)

// normalizeRestartPolicy accepts the spellings the config surface has used
// across revisions ("on-failure", "onFailure", "ON_FAILURE", ...) and folds
// them to the canonical snake_case value. This resolves the Open Question
// in spec.md §9 in favor of accepting both spellings at parse time rather
// than rejecting the hyphenated form.
func normalizeRestartPolicy(raw string) (RestartPolicy, error) {
	if raw == "" {
		return RestartOnFailure, nil
	}
	norm := strings.ToLower(strings.ReplaceAll(raw, "-", "_"))
	switch norm {
	case "on_failure", "onfailure":
		return RestartOnFailure, nil
	case "always":
		return RestartAlways, nil
	case "never":
		return RestartNever, nil
	default:
		return "", fmt.Errorf("%w: unknown restart policy %q", pm3err.ErrConfigInvalid, raw)
	}
}

// HealthScheme selects the transport a health probe uses.
type HealthScheme string

const (
	HealthHTTP  HealthScheme = "http"
	HealthHTTPS HealthScheme = "https"
	HealthTCP   HealthScheme = "tcp"
)

// HealthCheck is the probe descriptor attached to a ProcessConfig.
type HealthCheck struct {
	Scheme HealthScheme `toml:"scheme"`
	Target string       `toml:"target"`
}

// WatchMode selects whether and where a process's filesystem watch fires.
type WatchMode int

const (
	WatchDisabled WatchMode = iota
	WatchOnCwd
	WatchOnPath
)

// WatchConfig describes the watch trigger for a process.
type WatchConfig struct {
	Mode WatchMode
	Path string // only meaningful when Mode == WatchOnPath
}

var nameForbidden = regexp.MustCompile(`[/\\]|\.\.`)

// ProcessConfig is the declarative, immutable-per-run record for one
// managed service (spec.md §3).
type ProcessConfig struct {
	Name           string            `toml:"-"` // set from the TOML table key, not a field
	Command        string            `toml:"command"`
	Cwd            string            `toml:"cwd"`
	Env            map[string]string `toml:"env"`
	EnvFiles       []string          `toml:"env_files"`
	EnvProfiles    map[string]map[string]string `toml:"-"` // collected from [name.env_<profile>]
	RestartPolicy  RestartPolicy     `toml:"restart_policy"`
	MaxRestarts    int               `toml:"max_restarts"`
	MinUptimeMs    int               `toml:"min_uptime_ms"`
	StopExitCodes  []int             `toml:"stop_exit_codes"`
	HealthCheck    *HealthCheck      `toml:"health_check"`
	KillSignal     string            `toml:"kill_signal"`
	KillTimeoutMs  int               `toml:"kill_timeout_ms"`
	MaxMemoryBytes int64             `toml:"-"` // parsed from MaxMemoryRaw
	MaxMemoryRaw   string            `toml:"max_memory"`
	Watch          WatchConfig       `toml:"-"`
	WatchIgnore    []string          `toml:"watch_ignore"`
	DependsOn      []string          `toml:"depends_on"`
	Group          string            `toml:"group"`
	PreStart       string            `toml:"pre_start"`
	PostStop       string            `toml:"post_stop"`
	CronRestart    string            `toml:"cron_restart"`
	LogDateFormat  string            `toml:"log_date_format"`

	// raw watch value before WatchConfig resolution; "false"/""=disabled,
	// "true"=cwd, any other string=explicit path.
	WatchRaw rawWatch `toml:"watch"`
}

// rawWatch accepts a TOML bool or string for the `watch` key.
type rawWatch struct {
	set    bool
	bool   bool
	string string
}

func (w *rawWatch) UnmarshalText(text []byte) error {
	w.set = true
	w.string = string(text)
	return nil
}

// applyDefaults fills in every field's default value per spec.md §3, except
// Cwd: decodeProcess sets that one first, since its default depends on the
// config file's own path rather than a fixed constant.
func (p *ProcessConfig) applyDefaults() {
	if p.RestartPolicy == "" {
		p.RestartPolicy = RestartOnFailure
	}
	if p.MaxRestarts == 0 {
		p.MaxRestarts = 15
	}
	if p.MinUptimeMs == 0 {
		p.MinUptimeMs = 1000
	}
	if p.KillSignal == "" {
		p.KillSignal = "SIGTERM"
	}
	if p.KillTimeoutMs == 0 {
		p.KillTimeoutMs = 5000
	}
}

// ParseMemoryBytes parses a suffixed size string (K/KB/M/MB/G/GB, case
// insensitive, optional trailing B) into bytes. An empty string yields 0
// (no cap).
func ParseMemoryBytes(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	upper := strings.ToUpper(raw)
	units := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30}, {"G", 1 << 30},
		{"MB", 1 << 20}, {"M", 1 << 20},
		{"KB", 1 << 10}, {"K", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			numPart := strings.TrimSpace(upper[:len(upper)-len(u.suffix)])
			if numPart == "" {
				continue
			}
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: invalid memory size %q", pm3err.ErrConfigInvalid, raw)
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseInt(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid memory size %q", pm3err.ErrConfigInvalid, raw)
	}
	return n, nil
}

// Config is the top-level decode target for pm3.toml. Process tables are
// collected separately since TOML decodes them as a dynamic map keyed by
// process name (see Load).
type Config struct {
	Notifications notify.Config `toml:"notify"`
	// Deploy is parsed and ignored by the core, per spec.md §6; retained as
	// a raw map so round-tripping a config file never drops it.
	Deploy map[string]interface{} `toml:"deploy"`

	Processes map[string]*ProcessConfig `toml:"-"`
}

// Load reads, decodes, and validates path as a pm3.toml configuration file,
// resolving every ProcessConfig's defaults and watch/memory derived fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", pm3err.ErrIO, path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML bytes into a Config. The directory of configPath is
// used as a process's default cwd.
func Parse(data []byte, configPath string) (*Config, error) {
	var raw map[string]toml.Primitive
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", pm3err.ErrConfigInvalid, configPath, err)
	}

	cfg := &Config{Processes: make(map[string]*ProcessConfig)}
	configDir := filepath.Dir(configPath)

	for key, prim := range raw {
		switch key {
		case "notify":
			if err := md.PrimitiveDecode(prim, &cfg.Notifications); err != nil {
				return nil, fmt.Errorf("%w: decoding [notify]: %v", pm3err.ErrConfigInvalid, err)
			}
			continue
		case "deploy":
			var deploy map[string]interface{}
			if err := md.PrimitiveDecode(prim, &deploy); err != nil {
				return nil, fmt.Errorf("%w: decoding [deploy]: %v", pm3err.ErrConfigInvalid, err)
			}
			cfg.Deploy = deploy
			continue
		}

		if nameForbidden.MatchString(key) {
			return nil, fmt.Errorf("%w: process name %q contains a path separator or \"..\"", pm3err.ErrConfigInvalid, key)
		}

		proc, err := decodeProcess(md, prim, key, configDir)
		if err != nil {
			return nil, err
		}
		cfg.Processes[key] = proc
	}

	if err := cfg.resolveEnvProfiles(raw, md); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var knownProcessFields = map[string]bool{
	"command": true, "cwd": true, "env": true, "env_files": true,
	"restart_policy": true, "max_restarts": true, "min_uptime_ms": true,
	"stop_exit_codes": true, "health_check": true, "kill_signal": true,
	"kill_timeout_ms": true, "max_memory": true, "watch": true,
	"watch_ignore": true, "depends_on": true, "group": true,
	"pre_start": true, "post_stop": true, "cron_restart": true,
	"log_date_format": true,
}

func decodeProcess(md toml.MetaData, prim toml.Primitive, name, configDir string) (*ProcessConfig, error) {
	var generic map[string]interface{}
	if err := md.PrimitiveDecode(prim, &generic); err != nil {
		return nil, fmt.Errorf("%w: decoding process %q: %v", pm3err.ErrConfigInvalid, name, err)
	}
	for key := range generic {
		if knownProcessFields[key] || strings.HasPrefix(key, "env_") {
			continue
		}
		return nil, fmt.Errorf("%w: process %q has unknown field %q", pm3err.ErrConfigInvalid, name, key)
	}

	var p ProcessConfig
	if err := md.PrimitiveDecode(prim, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding process %q: %v", pm3err.ErrConfigInvalid, name, err)
	}
	p.Name = name
	if p.Cwd == "" {
		p.Cwd = configDir
	}
	p.applyDefaults()

	memBytes, err := ParseMemoryBytes(p.MaxMemoryRaw)
	if err != nil {
		return nil, fmt.Errorf("process %q: %w", name, err)
	}
	p.MaxMemoryBytes = memBytes

	pol, err := normalizeRestartPolicy(string(p.RestartPolicy))
	if err != nil {
		return nil, fmt.Errorf("process %q: %w", name, err)
	}
	p.RestartPolicy = pol

	p.Watch = resolveWatch(p.WatchRaw)

	if p.HealthCheck != nil {
		switch p.HealthCheck.Scheme {
		case HealthHTTP, HealthHTTPS, HealthTCP:
		case "":
			p.HealthCheck.Scheme = HealthHTTP
		default:
			return nil, fmt.Errorf("process %q: %w: unknown health_check scheme %q", name, pm3err.ErrConfigInvalid, p.HealthCheck.Scheme)
		}
	}

	for _, code := range p.StopExitCodes {
		if code < 0 || code > 255 {
			return nil, fmt.Errorf("process %q: %w: stop_exit_codes entry %d out of range [0,255]", name, pm3err.ErrConfigInvalid, code)
		}
	}
	if p.MaxRestarts < 0 {
		return nil, fmt.Errorf("process %q: %w: max_restarts must be >= 0", name, pm3err.ErrConfigInvalid)
	}

	return &p, nil
}

func resolveWatch(raw rawWatch) WatchConfig {
	if !raw.set {
		return WatchConfig{Mode: WatchDisabled}
	}
	switch strings.ToLower(raw.string) {
	case "", "false", "0":
		return WatchConfig{Mode: WatchDisabled}
	case "true", "1":
		return WatchConfig{Mode: WatchOnCwd}
	default:
		return WatchConfig{Mode: WatchOnPath, Path: raw.string}
	}
}

// resolveEnvProfiles collects [name.env_<profile>] subtables into
// ProcessConfig.EnvProfiles. TOML decodes these as nested tables under each
// process's primitive, so PrimitiveDecode above already captured them as
// long as ProcessConfig declared the field; since profile names are
// arbitrary, we re-walk the raw primitive tree through an untyped map.
func (c *Config) resolveEnvProfiles(raw map[string]toml.Primitive, md toml.MetaData) error {
	for name, prim := range raw {
		proc, ok := c.Processes[name]
		if !ok {
			continue
		}
		var generic map[string]interface{}
		if err := md.PrimitiveDecode(prim, &generic); err != nil {
			continue
		}
		for key, val := range generic {
			if !strings.HasPrefix(key, "env_") {
				continue
			}
			profileName := strings.TrimPrefix(key, "env_")
			overlay, ok := val.(map[string]interface{})
			if !ok {
				continue
			}
			if proc.EnvProfiles == nil {
				proc.EnvProfiles = make(map[string]map[string]string)
			}
			vars := make(map[string]string, len(overlay))
			for k, v := range overlay {
				vars[k] = fmt.Sprintf("%v", v)
			}
			proc.EnvProfiles[profileName] = vars
		}
	}
	return nil
}

// Validate checks the cross-process invariants spec.md §3 requires: every
// depends_on name exists, and the dependency graph is acyclic. Per-process
// field invariants are checked during decode.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Processes))
	for name := range c.Processes {
		names[name] = true
	}

	sortedNames := make([]string, 0, len(c.Processes))
	for name := range c.Processes {
		sortedNames = append(sortedNames, name)
	}
	sort.Strings(sortedNames)

	for _, name := range sortedNames {
		proc := c.Processes[name]
		for _, dep := range proc.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: process %q depends_on unknown process %q", pm3err.ErrConfigInvalid, name, dep)
			}
		}
	}

	if cycle := findCycle(c.Processes); cycle != nil {
		return fmt.Errorf("%w: cyclic dependency %s", pm3err.ErrConfigInvalid, strings.Join(cycle, " -> "))
	}

	return nil
}

// findCycle returns one complete cycle (as a slice of names ending back at
// the start) if the dependency graph has one, or nil.
func findCycle(procs map[string]*ProcessConfig) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(procs))
	var stack []string

	names := make([]string, 0, len(procs))
	for name := range procs {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(string) []string
	visit = func(name string) []string {
		color[name] = gray
		stack = append(stack, name)

		deps := append([]string(nil), procs[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				start := -1
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cyc := append([]string(nil), stack[start:]...)
				cyc = append(cyc, dep)
				return cyc
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range names {
		if color[name] == white {
			if cyc := visit(name); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
