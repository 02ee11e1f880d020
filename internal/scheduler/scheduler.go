// Package scheduler implements the top-level orchestrator (spec.md §4.i):
// it owns every process's Supervisor, sequences start/stop in dependency
// order using the dep graph, resolves client selectors, and persists the
// on-disk snapshot used for save/resurrect and daemon crash recovery.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/s3bba/pm3/internal/depgraph"
	"github.com/s3bba/pm3/internal/events"
	"github.com/s3bba/pm3/internal/notify"
	"github.com/s3bba/pm3/internal/paths"
	"github.com/s3bba/pm3/internal/pm3config"
	"github.com/s3bba/pm3/internal/pm3err"
	"github.com/s3bba/pm3/internal/supervisor"
	"github.com/s3bba/pm3/internal/util"
)

// SnapshotVersion is the schema version stamped into every persisted
// snapshot file.
const SnapshotVersion = 1

// Snapshot is the on-disk crash-recovery record (spec.md §3, §6).
type Snapshot struct {
	Version    int                `json:"version"`
	ConfigPath string             `json:"config_path"`
	Processes  []SnapshotProcess  `json:"processes"`
}

// SnapshotProcess is one process's persisted state.
type SnapshotProcess struct {
	Name             string `json:"name"`
	Status           string `json:"status"`
	SpawnEpoch       int64  `json:"spawn_epoch"`
	RestartCount     int    `json:"restart_count"`
	LastExitCode     *int   `json:"last_exit_code,omitempty"`
	ActiveConfigHash string `json:"active_config_hash"`
}

// OpResult is one process's outcome within a (possibly multi-process)
// lifecycle operation.
type OpResult struct {
	Name string
	Err  error
}

// Scheduler orchestrates every Supervisor admitted from a parsed
// configuration. It holds a name -> supervisor map; supervisors are shared
// for read-only status but are never mutated from outside (spec.md §3
// Ownership).
type Scheduler struct {
	mu sync.RWMutex

	configPath string
	profile    string
	logger     *slog.Logger
	bus        *events.EventBus
	notifier   *notify.Notifier

	dependsOn map[string][]string
	groups    map[string][]string

	supervisors map[string]*supervisor.Supervisor
	cancels     map[string]context.CancelFunc
	notifyBridge *notify.BusBridge

	snapshotPath string
	snapshotStop chan struct{}
	snapshotDone chan struct{}
}

// New builds a Scheduler (and every process's Supervisor) from cfg, but
// spawns nothing until Launch and a Start* call are made.
func New(cfg *pm3config.Config, configPath, profile string, bus *events.EventBus, notifier *notify.Notifier, logger *slog.Logger) (*Scheduler, error) {
	if bus == nil {
		bus = events.DefaultBus
	}
	if logger == nil {
		logger = slog.Default()
	}

	snapPath, err := paths.SnapshotPath()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve snapshot path: %v", pm3err.ErrIO, err)
	}

	s := &Scheduler{
		configPath:   configPath,
		profile:      profile,
		logger:       logger,
		bus:          bus,
		notifier:     notifier,
		dependsOn:    make(map[string][]string, len(cfg.Processes)),
		groups:       make(map[string][]string),
		supervisors:  make(map[string]*supervisor.Supervisor, len(cfg.Processes)),
		cancels:      make(map[string]context.CancelFunc, len(cfg.Processes)),
		snapshotPath: snapPath,
	}

	for name, proc := range cfg.Processes {
		s.dependsOn[name] = append([]string(nil), proc.DependsOn...)
		if proc.Group != "" {
			s.groups[proc.Group] = append(s.groups[proc.Group], name)
		}

		sup, err := supervisor.New(proc, profile, nil, bus)
		if err != nil {
			return nil, fmt.Errorf("admit process %q: %w", name, err)
		}
		s.supervisors[name] = sup
	}

	if errs := s.newGraph().Validate(); len(errs) > 0 {
		return nil, graphErrsToConfigInvalid(errs)
	}

	if notifier != nil {
		s.notifyBridge = notify.StartBusBridge(bus, notifier, logger)
	}

	return s, nil
}

func graphErrsToConfigInvalid(errs []depgraph.GraphError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return fmt.Errorf("%w: %v", pm3err.ErrConfigInvalid, msgs)
}

// newGraph builds a fresh dep graph from the static configuration. A fresh
// instance is built per operation since depgraph.Graph carries per-pass
// executed/failed bookkeeping that must not leak between calls.
func (s *Scheduler) newGraph() *depgraph.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return depgraph.New(s.dependsOn)
}

// reverseGraph builds a graph whose edges run from each process to its
// dependents, so the same ready-step bookkeeping depgraph.Graph offers for
// start order also drives stop order (leaves-of-dependents first).
func (s *Scheduler) reverseGraph() *depgraph.Graph {
	base := s.newGraph()
	rev := make(map[string][]string, len(s.supervisors))
	s.mu.RLock()
	for name := range s.supervisors {
		rev[name] = base.GetDependents(name)
	}
	s.mu.RUnlock()
	return depgraph.New(rev)
}

// Launch starts every admitted Supervisor's long-lived control loop. Each
// supervisor sits Idle until a Start call reaches it. ctx governs the
// lifetime of every supervisor goroutine; cancelling it is the last resort
// shutdown path, used after Shutdown's ordered stop sequence has already
// run.
func (s *Scheduler) Launch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, sup := range s.supervisors {
		supCtx, cancel := context.WithCancel(ctx)
		s.cancels[name] = cancel
		go sup.Run(supCtx)
	}
}

// Names returns every admitted process name, sorted.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.supervisors))
	for name := range s.supervisors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveSelector turns a client selector into a concrete set of names.
// []  -> every process. Otherwise each token is tried first as a process
// name, then as a group tag (name takes precedence over group on
// collision, per spec.md §4.i).
func (s *Scheduler) resolveSelector(selector []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(selector) == 0 {
		all := make(map[string]bool, len(s.supervisors))
		for name := range s.supervisors {
			all[name] = true
		}
		return all, nil
	}

	out := make(map[string]bool)
	for _, token := range selector {
		if _, ok := s.supervisors[token]; ok {
			out[token] = true
			continue
		}
		members, ok := s.groups[token]
		if !ok {
			return nil, fmt.Errorf("%w: unknown process or group %q", pm3err.ErrConfigInvalid, token)
		}
		for _, m := range members {
			out[m] = true
		}
	}
	return out, nil
}

// supervisorFor returns the named supervisor, or ErrConfigInvalid if it
// doesn't exist (callers only reach this after resolveSelector, so this is
// defensive).
func (s *Scheduler) supervisorFor(name string) (*supervisor.Supervisor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.supervisors[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown process %q", pm3err.ErrConfigInvalid, name)
	}
	return sup, nil
}

// runGraphLoop drains g's ready-step frontier, running action concurrently
// (via errgroup) for every ready, selected name, until nothing more becomes
// ready. Names outside selected are treated as already satisfied so their
// dependents can still proceed (the common case: starting a subset whose
// unselected dependencies are assumed already managed). When abortOnFailure
// is set, a name whose action fails is marked failed so depgraph.Graph's
// own bookkeeping naturally keeps its dependents out of the ready set —
// siblings in independent branches are unaffected.
func (s *Scheduler) runGraphLoop(ctx context.Context, g *depgraph.Graph, selected map[string]bool, action func(context.Context, string) error, abortOnFailure bool) []OpResult {
	var (
		results   []OpResult
		resultsMu sync.Mutex
	)

	for {
		ready := g.GetReadySteps()
		if len(ready) == 0 {
			break
		}

		var toRun []string
		for _, name := range ready {
			if !selected[name] {
				g.MarkExecuted(name)
				continue
			}
			toRun = append(toRun, name)
		}
		if len(toRun) == 0 {
			continue
		}

		grp, gctx := errgroup.WithContext(ctx)
		for _, name := range toRun {
			name := name
			grp.Go(func() error {
				err := action(gctx, name)
				resultsMu.Lock()
				results = append(results, OpResult{Name: name, Err: err})
				resultsMu.Unlock()
				if err != nil && abortOnFailure {
					// Only a start-sequence failure should keep this
					// name's dependents out of the ready set; a stop
					// failure still counts as terminal so the reverse
					// chain isn't stuck forever on one misbehaving stop.
					g.MarkFailed(name)
					return nil // never cancel gctx: independent siblings keep running
				}
				g.MarkExecuted(name)
				return nil
			})
		}
		_ = grp.Wait()
	}

	return results
}

// StartSelected starts every process the selector resolves to, in
// dependency order: a dependent only starts once every dependency in the
// selected set has reached a terminal gate decision (Online/Unhealthy); a
// process that errors aborts its dependents while independent siblings
// continue (spec.md §4.i, §8 scenario 1).
func (s *Scheduler) StartSelected(ctx context.Context, selector []string) ([]OpResult, error) {
	selected, err := s.resolveSelector(selector)
	if err != nil {
		return nil, err
	}

	results := s.runGraphLoop(ctx, s.newGraph(), selected, func(ctx context.Context, name string) error {
		sup, err := s.supervisorFor(name)
		if err != nil {
			return err
		}
		if err := sup.Start(ctx); err != nil {
			return err
		}
		return s.awaitGate(ctx, sup)
	}, true)

	s.SaveSnapshot()
	return results, nil
}

// gateTimeout bounds how long StartSelected waits for a process to clear
// its health gate: the prober's own 30s budget plus slack for pre_start and
// spawn.
const gateTimeout = 35 * time.Second

// awaitGate polls sup's status until it reaches Online, Unhealthy, or
// Errored. Unhealthy still counts as a resolved gate (the child is running;
// spec.md §4.h keeps it running rather than treating the timeout as fatal)
// so dependents are not blocked forever by one flaky health check — see
// DESIGN.md for this Open Question resolution.
func (s *Scheduler) awaitGate(ctx context.Context, sup *supervisor.Supervisor) error {
	ctx, cancel := context.WithTimeout(ctx, gateTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch sup.Status().Status {
		case "Online", "Unhealthy":
			return nil
		case "Errored":
			return fmt.Errorf("%w: %s failed to start", pm3err.ErrSpawnFailed, sup.Name())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s did not reach a running state", pm3err.ErrHealthTimedOut, sup.Name())
		case <-ticker.C:
		}
	}
}

// StopSelected stops every process the selector resolves to, in reverse
// dependency order: a process stops only once every process that depends
// on it has reached a terminal state (spec.md §4.i).
func (s *Scheduler) StopSelected(ctx context.Context, selector []string) ([]OpResult, error) {
	selected, err := s.resolveSelector(selector)
	if err != nil {
		return nil, err
	}

	results := s.runGraphLoop(ctx, s.reverseGraph(), selected, func(ctx context.Context, name string) error {
		sup, err := s.supervisorFor(name)
		if err != nil {
			return err
		}
		return sup.Stop(ctx)
	}, false)

	s.SaveSnapshot()
	return results, nil
}

// KillSelected force-kills (SIGKILL, no grace period) every process the
// selector resolves to. Order doesn't matter for a forceful kill.
func (s *Scheduler) KillSelected(ctx context.Context, selector []string) ([]OpResult, error) {
	return s.forEachSelected(ctx, selector, func(ctx context.Context, sup *supervisor.Supervisor) error {
		return sup.Kill(ctx)
	})
}

// RestartSelected synthesizes a stop-then-start for every process the
// selector resolves to. Dependency ordering does not apply to an explicit
// restart request (spec.md does not require it for this verb).
func (s *Scheduler) RestartSelected(ctx context.Context, selector []string) ([]OpResult, error) {
	results, err := s.forEachSelected(ctx, selector, func(ctx context.Context, sup *supervisor.Supervisor) error {
		return sup.Restart(ctx)
	})
	s.SaveSnapshot()
	return results, err
}

// ReloadSelected zero-downtime reloads every process the selector resolves
// to (spec.md §4.i).
func (s *Scheduler) ReloadSelected(ctx context.Context, selector []string) ([]OpResult, error) {
	return s.forEachSelected(ctx, selector, func(ctx context.Context, sup *supervisor.Supervisor) error {
		return sup.Reload(ctx)
	})
}

// SignalSelected delivers sig to every process the selector resolves to.
func (s *Scheduler) SignalSelected(ctx context.Context, selector []string, sig os.Signal) ([]OpResult, error) {
	return s.forEachSelected(ctx, selector, func(ctx context.Context, sup *supervisor.Supervisor) error {
		return sup.Signal(ctx, sig)
	})
}

// forEachSelected runs fn concurrently over every process the selector
// resolves to, with no ordering guarantee between them.
func (s *Scheduler) forEachSelected(ctx context.Context, selector []string, fn func(context.Context, *supervisor.Supervisor) error) ([]OpResult, error) {
	selected, err := s.resolveSelector(selector)
	if err != nil {
		return nil, err
	}

	var (
		results   []OpResult
		resultsMu sync.Mutex
		grp       errgroup.Group
	)
	for name := range selected {
		name := name
		grp.Go(func() error {
			sup, err := s.supervisorFor(name)
			if err == nil {
				err = fn(ctx, sup)
			}
			resultsMu.Lock()
			results = append(results, OpResult{Name: name, Err: err})
			resultsMu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

// Status returns the externally observable snapshot of every admitted
// process, sorted by name.
func (s *Scheduler) Status() []supervisor.ProcessState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]supervisor.ProcessState, 0, len(s.supervisors))
	for _, name := range s.sortedNamesLocked() {
		out = append(out, s.supervisors[name].Status())
	}
	return out
}

// StatusOne returns a single process's state, or ErrConfigInvalid if name
// is not managed.
func (s *Scheduler) StatusOne(name string) (supervisor.ProcessState, error) {
	sup, err := s.supervisorFor(name)
	if err != nil {
		return supervisor.ProcessState{}, err
	}
	return sup.Status(), nil
}

func (s *Scheduler) sortedNamesLocked() []string {
	names := make([]string, 0, len(s.supervisors))
	for name := range s.supervisors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveSnapshot writes the current state of every process to the snapshot
// file, atomically (spec.md §4.i, §8: "the snapshot file, after atomic
// write, always parses").
func (s *Scheduler) SaveSnapshot() error {
	s.mu.RLock()
	names := s.sortedNamesLocked()
	snap := Snapshot{Version: SnapshotVersion, ConfigPath: s.configPath}
	for _, name := range names {
		sup := s.supervisors[name]
		st := sup.Status()
		snap.Processes = append(snap.Processes, SnapshotProcess{
			Name:             st.Name,
			Status:           st.Status,
			SpawnEpoch:       st.SpawnEpoch.UnixMilli(),
			RestartCount:     st.RestartCount,
			LastExitCode:     st.LastExitCode,
			ActiveConfigHash: configHash(sup.Config()),
		})
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", pm3err.ErrIO, err)
	}
	if err := util.AtomicWriteFile(s.snapshotPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", pm3err.ErrIO, err)
	}
	return nil
}

// StartSnapshotLoop periodically persists the snapshot until ctx is
// cancelled or StopSnapshotLoop is called.
func (s *Scheduler) StartSnapshotLoop(ctx context.Context, interval time.Duration) {
	s.snapshotStop = make(chan struct{})
	s.snapshotDone = make(chan struct{})
	go func() {
		defer close(s.snapshotDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.snapshotStop:
				return
			case <-ticker.C:
				if err := s.SaveSnapshot(); err != nil {
					s.logger.Warn("periodic snapshot failed", "error", err)
				}
			}
		}
	}()
}

// StopSnapshotLoop stops the periodic snapshot goroutine started by
// StartSnapshotLoop, if any, and waits for it to exit.
func (s *Scheduler) StopSnapshotLoop() {
	if s.snapshotStop == nil {
		return
	}
	close(s.snapshotStop)
	<-s.snapshotDone
}

// LoadSnapshot reads and parses the snapshot file at path.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot %s: %v", pm3err.ErrIO, path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: parsing snapshot %s: %v", pm3err.ErrIO, path, err)
	}
	return &snap, nil
}

// nonTerminalStatuses are the ProcessState.Status values Resurrect treats
// as worth respawning.
var nonTerminalStatuses = map[string]bool{
	"Starting": true, "Online": true, "Unhealthy": true,
}

// Resurrect starts every process the snapshot recorded in a non-terminal
// state, by name, through StartSelected on this scheduler's already-loaded
// configuration. It does not read snap.ConfigPath and loads no config from
// it.
func (s *Scheduler) Resurrect(ctx context.Context, snap *Snapshot) ([]OpResult, error) {
	var names []string
	for _, p := range snap.Processes {
		if nonTerminalStatuses[p.Status] {
			names = append(names, p.Name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return s.StartSelected(ctx, names)
}

// Flush truncates the log files of every process the selector resolves to.
func (s *Scheduler) Flush(selector []string) ([]OpResult, error) {
	selected, err := s.resolveSelector(selector)
	if err != nil {
		return nil, err
	}

	var results []OpResult
	for name := range selected {
		sup, err := s.supervisorFor(name)
		if err != nil {
			results = append(results, OpResult{Name: name, Err: err})
			continue
		}
		st := sup.Status()
		err = truncateFiles(st.OutLogPath, st.ErrLogPath)
		results = append(results, OpResult{Name: name, Err: err})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

// Shutdown stops every managed process in reverse dependency order, then
// cancels each supervisor's control loop and waits for it to exit. Call
// this before the process exits (spec.md §4.j daemon lifetime).
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.StopSnapshotLoop()

	if _, err := s.StopSelected(ctx, nil); err != nil {
		s.logger.Warn("ordered shutdown stop failed", "error", err)
	}

	s.mu.Lock()
	for name, sup := range s.supervisors {
		if cancel, ok := s.cancels[name]; ok {
			cancel()
		}
		sup.Shutdown()
	}
	s.mu.Unlock()

	s.notifyBridge.Close()
}

// truncateFiles resets each non-empty path to zero length, creating
// nothing (a process that has never logged has no file to flush yet).
func truncateFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Truncate(p, 0); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: truncate %s: %v", pm3err.ErrIO, p, err)
		}
	}
	return nil
}

func configHash(cfg *pm3config.ProcessConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
