// Package supervisor manages the lifecycle of a single configured process
// (spec.md §4.h): a state machine wrapping the child runner, health
// prober, and restart policy, plus watch/cron/memory-cap triggers that all
// funnel into the same machine as synthesized stop-then-start events.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/s3bba/pm3/internal/cronexpr"
	"github.com/s3bba/pm3/internal/envresolve"
	"github.com/s3bba/pm3/internal/events"
	"github.com/s3bba/pm3/internal/health"
	"github.com/s3bba/pm3/internal/logpipe"
	"github.com/s3bba/pm3/internal/paths"
	"github.com/s3bba/pm3/internal/pm3config"
	"github.com/s3bba/pm3/internal/pm3err"
	"github.com/s3bba/pm3/internal/restartpolicy"
	"github.com/s3bba/pm3/internal/runner"
	"github.com/s3bba/pm3/internal/shellsplit"
	"github.com/s3bba/pm3/internal/watch"
)

// State is one node of the per-process state machine.
type State int

const (
	Idle State = iota
	PreStart
	Spawning
	HealthGate
	Online
	Unhealthy
	Evaluate
	Backoff
	Stopping
	PostStop
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case PreStart:
		return "PreStart"
	case Spawning:
		return "Spawning"
	case HealthGate:
		return "HealthGate"
	case Online:
		return "Online"
	case Unhealthy:
		return "Unhealthy"
	case Evaluate:
		return "Evaluate"
	case Backoff:
		return "Backoff"
	case Stopping:
		return "Stopping"
	case PostStop:
		return "PostStop"
	case Stopped:
		return "Stopped"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// ExternalStatus collapses the internal state machine down to the five
// externally visible statuses spec.md §3 defines for ProcessState.
func (s State) ExternalStatus() string {
	switch s {
	case Online:
		return "Online"
	case Unhealthy:
		return "Unhealthy"
	case Errored:
		return "Errored"
	case Idle, Stopped, Stopping, PostStop:
		return "Stopped"
	default:
		return "Starting"
	}
}

// ProcessState is the externally observable snapshot of one supervisor,
// per spec.md §3. Readers only ever see a copy.
type ProcessState struct {
	Name         string
	Status       string
	PID          int
	SpawnEpoch   time.Time
	RestartCount int
	LastExitCode *int
	RSSBytes     int64
	OutLogPath   string
	ErrLogPath   string
}

// MemorySampleInterval is how often a running child's RSS is sampled
// against max_memory_bytes.
const MemorySampleInterval = 2 * time.Second

// Supervisor owns one ProcessConfig's entire runtime lifecycle.
type Supervisor struct {
	cfg     *pm3config.ProcessConfig
	profile string
	cluster *envresolve.ClusterInfo
	emitter *events.EventEmitter

	mu           sync.Mutex
	state        State
	handle       *runner.Handle
	restartCount int
	lastExit     *int
	spawnEpoch   time.Time
	rssBytes     int64
	outPath      string
	errPath      string

	cmds   chan command
	cancel context.CancelFunc
	done   chan struct{}
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdRestart
	cmdSignal
	cmdReload
)

type command struct {
	kind  commandKind
	sig   os.Signal
	force bool
	reply chan error
}

// New creates a Supervisor for cfg. It does not spawn anything until Start
// is called. Events are routed through an EventEmitter rather than
// published on bus directly, so a slow notify subscriber can never stall
// this process's own state-machine goroutine (spec.md §4.h runs one
// select-loop per process; a blocked Publish would wedge it).
func New(cfg *pm3config.ProcessConfig, profile string, cluster *envresolve.ClusterInfo, bus *events.EventBus) (*Supervisor, error) {
	out, errPath, err := paths.LogPaths(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve log paths for %q: %w", cfg.Name, err)
	}
	return &Supervisor{
		cfg:     cfg,
		profile: profile,
		cluster: cluster,
		emitter: events.NewEventEmitter(bus, 64),
		state:   Idle,
		outPath: out,
		errPath: errPath,
		cmds:    make(chan command, 4),
	}, nil
}

// Status returns a point-in-time copy of this supervisor's ProcessState.
func (s *Supervisor) Status() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ProcessState{
		Name:         s.cfg.Name,
		Status:       s.state.ExternalStatus(),
		PID:          s.pidLocked(),
		SpawnEpoch:   s.spawnEpoch,
		RestartCount: s.restartCount,
		LastExitCode: s.lastExit,
		RSSBytes:     s.rssBytes,
		OutLogPath:   s.outPath,
		ErrLogPath:   s.errPath,
	}
}

func (s *Supervisor) pidLocked() int {
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run starts the supervisor's long-lived control loop; it returns once ctx
// is cancelled and the managed child (if any) has been fully stopped. Run
// is intended to be launched in its own goroutine by the scheduler.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	defer close(s.done)

	var watchEvents <-chan struct{}
	if s.cfg.Watch.Mode != pm3config.WatchDisabled {
		root := s.cfg.Watch.Path
		if s.cfg.Watch.Mode == pm3config.WatchOnCwd || root == "" {
			root = s.cfg.Cwd
		}
		if w, err := watch.New(root, watch.WithIgnore(s.cfg.WatchIgnore)); err == nil {
			watchEvents = w.Events()
			go w.Run(ctx)
			defer w.Close()
		}
	}

	var cronExpr *cronexpr.Expr
	if s.cfg.CronRestart != "" {
		if e, err := cronexpr.Parse(s.cfg.CronRestart); err == nil {
			cronExpr = e
		}
	}

	memTicker := time.NewTicker(MemorySampleInterval)
	defer memTicker.Stop()

	var cronTimer *time.Timer
	var cronC <-chan time.Time
	resetCronTimer := func() {
		if cronExpr == nil {
			return
		}
		next, err := cronExpr.Next(time.Now())
		if err != nil {
			return
		}
		d := time.Until(next)
		if cronTimer == nil {
			cronTimer = time.NewTimer(d)
		} else {
			cronTimer.Reset(d)
		}
		cronC = cronTimer.C
	}
	resetCronTimer()

	var childExit chan *runner.ExitResult
	var backoffTimer *time.Timer
	var backoffC <-chan time.Time

	transitionToStart := func() {
		s.setState(PreStart)
		if err := s.runPreStart(ctx); err != nil {
			s.setState(Errored)
			s.publish(events.TypeProcessErrored, err.Error())
			return
		}

		s.setState(Spawning)
		h, err := s.spawn()
		if err != nil {
			s.setState(Errored)
			s.publish(events.TypeProcessErrored, err.Error())
			return
		}

		s.mu.Lock()
		s.handle = h
		s.spawnEpoch = time.Now()
		s.mu.Unlock()
		s.publish(events.TypeProcessStarting, "")

		s.setState(HealthGate)
		if s.cfg.HealthCheck == nil {
			s.setState(Online)
			s.publish(events.TypeProcessOnline, "")
		} else {
			result := health.Probe(ctx, *s.cfg.HealthCheck)
			switch result {
			case health.Healthy:
				s.setState(Online)
				s.publish(events.TypeProcessOnline, "")
			default:
				s.setState(Unhealthy)
				s.publish(events.TypeProcessUnhealthy, result.String())
			}
		}

		childExit = make(chan *runner.ExitResult, 1)
		go func(h *runner.Handle, ch chan *runner.ExitResult) {
			res, err := h.Wait(context.Background())
			if err != nil {
				return
			}
			ch <- res
		}(h, childExit)
	}

	restartWithDelay := func(delay time.Duration) {
		s.setState(Backoff)
		if backoffTimer == nil {
			backoffTimer = time.NewTimer(delay)
		} else {
			backoffTimer.Reset(delay)
		}
		backoffC = backoffTimer.C
	}

	synthesizeRestart := func() {
		if s.getState() != Online && s.getState() != Unhealthy {
			return
		}
		if s.handle != nil {
			s.stopChild(ctx, false)
		}
		transitionToStart()
	}

	// reloadShadow implements the zero-downtime reload handshake (spec.md
	// §4.i): spawn a second child under the same name, wait for it to pass
	// the health gate, then promote it and retire the old one. Without a
	// health check there is nothing to gate on, so it degrades to a plain
	// restart, per spec.
	reloadShadow := func(ctx context.Context) error {
		st := s.getState()
		if st != Online && st != Unhealthy {
			return pm3err.ErrNotRunning
		}
		if s.cfg.HealthCheck == nil {
			synthesizeRestart()
			return nil
		}

		shadow, err := s.spawn()
		if err != nil {
			return fmt.Errorf("%w: shadow spawn failed: %v", pm3err.ErrSpawnFailed, err)
		}

		result := health.Probe(ctx, *s.cfg.HealthCheck)
		if result != health.Healthy {
			shadow.Stop(ctx, killSignal(s.cfg.KillSignal), time.Duration(s.cfg.KillTimeoutMs)*time.Millisecond)
			return fmt.Errorf("%w: shadow did not become healthy", pm3err.ErrHealthTimedOut)
		}

		s.mu.Lock()
		old := s.handle
		s.handle = shadow
		s.spawnEpoch = time.Now()
		s.mu.Unlock()

		childExit = make(chan *runner.ExitResult, 1)
		go func(h *runner.Handle, ch chan *runner.ExitResult) {
			res, err := h.Wait(context.Background())
			if err != nil {
				return
			}
			ch <- res
		}(shadow, childExit)

		if old != nil {
			old.Stop(ctx, killSignal(s.cfg.KillSignal), time.Duration(s.cfg.KillTimeoutMs)*time.Millisecond)
		}

		// Status stays Online throughout: it was Online on entry and never
		// transitions away during the swap, satisfying "no instant at
		// which status != Online" (spec.md §8 scenario 5).
		s.setState(Online)
		s.publish(events.TypeReloadPromoted, "")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			s.stopChild(context.Background(), false)
			s.setState(Stopped)
			return

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdStart:
				if s.getState() == Idle || s.getState() == Stopped {
					transitionToStart()
				}
				cmd.reply <- nil
			case cmdStop:
				s.setState(Stopping)
				s.stopChild(ctx, cmd.force)
				s.runPostStop(ctx)
				s.setState(Stopped)
				s.publish(events.TypeProcessStopped, "")
				cmd.reply <- nil
			case cmdRestart:
				synthesizeRestart()
				cmd.reply <- nil
			case cmdReload:
				cmd.reply <- reloadShadow(ctx)
			case cmdSignal:
				s.mu.Lock()
				h := s.handle
				s.mu.Unlock()
				if h == nil {
					cmd.reply <- pm3err.ErrNotRunning
				} else {
					cmd.reply <- h.SendSignal(cmd.sig)
				}
			}

		case res := <-childExit:
			s.mu.Lock()
			s.lastExit = &res.ExitCode
			s.mu.Unlock()
			s.setState(Evaluate)

			uptime := time.Since(s.spawnEpoch).Milliseconds()
			stopCodes := make(map[int]struct{}, len(s.cfg.StopExitCodes))
			for _, c := range s.cfg.StopExitCodes {
				stopCodes[c] = struct{}{}
			}
			decision := restartpolicy.Evaluate(
				s.cfg.RestartPolicy, res.ExitCode, uptime, s.restartCount,
				s.cfg.MaxRestarts, int64(s.cfg.MinUptimeMs), stopCodes,
			)
			s.mu.Lock()
			s.restartCount = decision.NewCount
			s.mu.Unlock()

			if decision.Restart {
				restartWithDelay(time.Duration(decision.DelayMs) * time.Millisecond)
			} else {
				s.runPostStop(ctx)
				if decision.NewCount > s.cfg.MaxRestarts {
					s.setState(Errored)
					s.publish(events.TypeRestartExhausted, "")
				} else {
					s.setState(Stopped)
					s.publish(events.TypeProcessStopped, "")
				}
			}

		case <-backoffC:
			transitionToStart()

		case <-watchEvents:
			synthesizeRestart()

		case <-cronC:
			synthesizeRestart()
			resetCronTimer()

		case <-memTicker.C:
			st := s.getState()
			if st != Online && st != Unhealthy {
				continue
			}
			s.mu.Lock()
			h := s.handle
			s.mu.Unlock()
			if h == nil {
				continue
			}
			rss, err := h.SampleMemory()
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.rssBytes = rss
			s.mu.Unlock()
			if s.cfg.MaxMemoryBytes > 0 && rss > s.cfg.MaxMemoryBytes {
				s.publish(events.TypeMemoryCapExceeded, fmt.Sprintf("%d bytes", rss))
				synthesizeRestart()
			}
		}
	}
}

// Start asks the control loop to transition Idle/Stopped -> running and
// waits for the request to be accepted (not for the process to reach
// Online).
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdStart})
}

// Stop asks the control loop to gracefully stop the managed child.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdStop})
}

// Kill asks the control loop to immediately SIGKILL the managed child,
// bypassing kill_signal/kill_timeout_ms escalation.
func (s *Supervisor) Kill(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdStop, force: true})
}

// Restart synthesizes a stop-then-start of a running (Online or Unhealthy)
// child; in any other state it does nothing and returns nil.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdRestart})
}

// Reload performs a zero-downtime reload: a shadow spawn that must pass the
// health gate before the old child is retired. Degrades to Restart if the
// process has no health check configured.
func (s *Supervisor) Reload(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdReload})
}

// Name returns the managed process's configured name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Group returns the managed process's configured group tag, if any.
func (s *Supervisor) Group() string { return s.cfg.Group }

// Config returns the process's immutable configuration.
func (s *Supervisor) Config() *pm3config.ProcessConfig { return s.cfg }

// Signal delivers sig to the running child, or ErrNotRunning if none.
func (s *Supervisor) Signal(ctx context.Context, sig os.Signal) error {
	return s.send(ctx, command{kind: cmdSignal, sig: sig})
}

func (s *Supervisor) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels the control loop and waits for it to exit.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Supervisor) runPreStart(ctx context.Context) error {
	if s.cfg.PreStart == "" {
		return nil
	}
	return s.runHook(ctx, s.cfg.PreStart)
}

func (s *Supervisor) runPostStop(ctx context.Context) {
	if s.cfg.PostStop == "" {
		return
	}
	_ = s.runHook(ctx, s.cfg.PostStop)
}

func (s *Supervisor) runHook(ctx context.Context, shell string) error {
	env, err := envresolve.Resolve(s.cfg, s.profile, s.cluster)
	if err != nil {
		return err
	}

	out, errW, err := s.openLogWriters()
	if err != nil {
		return err
	}
	defer out.Close()
	defer errW.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", shell)
	cmd.Dir = s.cfg.Cwd
	cmd.Env = envresolve.ToEnviron(env)
	cmd.Stdout = out
	cmd.Stderr = errW

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %q: %v", pm3err.ErrHookFailed, shell, err)
	}
	return nil
}

func (s *Supervisor) openLogWriters() (*logpipe.Writer, *logpipe.Writer, error) {
	var opts []logpipe.Option
	if s.cfg.LogDateFormat != "" {
		opts = append(opts, logpipe.WithTimestampFormat(logpipe.StrftimeToGoLayout(s.cfg.LogDateFormat)))
	}

	out, err := logpipe.New(s.outPath, opts...)
	if err != nil {
		return nil, nil, err
	}
	errW, err := logpipe.New(s.errPath, opts...)
	if err != nil {
		out.Close()
		return nil, nil, err
	}
	return out, errW, nil
}

func (s *Supervisor) spawn() (*runner.Handle, error) {
	env, err := envresolve.Resolve(s.cfg, s.profile, s.cluster)
	if err != nil {
		return nil, err
	}

	out, errW, err := s.openLogWriters()
	if err != nil {
		return nil, err
	}

	argv, err := shellsplit.Split(s.cfg.Command)
	if err != nil {
		out.Close()
		errW.Close()
		return nil, fmt.Errorf("%w: command for %q: %v", pm3err.ErrSpawnFailed, s.cfg.Name, err)
	}
	if len(argv) == 0 {
		out.Close()
		errW.Close()
		return nil, fmt.Errorf("%w: empty command for %q", pm3err.ErrSpawnFailed, s.cfg.Name)
	}

	h, err := runner.Start(runner.Spawn{
		Argv:    argv,
		Cwd:     s.cfg.Cwd,
		Environ: envresolve.ToEnviron(env),
		Stdout:  out,
		Stderr:  errW,
	})
	if err != nil {
		out.Close()
		errW.Close()
		return nil, err
	}
	return h, nil
}

func (s *Supervisor) stopChild(ctx context.Context, force bool) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}

	sig := killSignal(s.cfg.KillSignal)
	timeout := time.Duration(s.cfg.KillTimeoutMs) * time.Millisecond
	if force {
		sig = syscall.SIGKILL
		timeout = 0
	}
	h.Stop(ctx, sig, timeout)

	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
}

func (s *Supervisor) publish(kind string, detail string) {
	ev := events.NewProcessEvent(kind, s.cfg.Name, detail, nil)
	s.emitter.Emit(ev)
}

func killSignal(name string) os.Signal {
	switch strings.ToUpper(name) {
	case "SIGINT":
		return syscall.SIGINT
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGQUIT":
		return syscall.SIGQUIT
	case "SIGUSR1":
		return syscall.SIGUSR1
	case "SIGUSR2":
		return syscall.SIGUSR2
	default:
		return syscall.SIGTERM
	}
}
