// Package pm3err defines the sentinel error kinds the supervision engine
// surfaces to callers (spec.md §7). Callers match with errors.Is; the core
// never exposes a bespoke error type hierarchy beyond these sentinels plus
// the usual fmt.Errorf("...: %w", ...) wrapping.
package pm3err

import "errors"

var (
	// ErrConfigInvalid covers unknown process names, cyclic deps, unknown
	// TOML fields, forbidden characters in a name, and unknown env profiles.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrNotRunning is returned when a lifecycle verb targets a process that
	// isn't currently running.
	ErrNotRunning = errors.New("process not running")

	// ErrAlreadyRunning is returned when start targets a process that is
	// already Starting or Online.
	ErrAlreadyRunning = errors.New("process already running")

	// ErrSpawnFailed means the OS refused to launch the child.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrHookFailed means pre_start or post_stop returned non-zero.
	ErrHookFailed = errors.New("hook failed")

	// ErrHealthTimedOut means the health probe's 30-second budget expired
	// without a successful check.
	ErrHealthTimedOut = errors.New("health check timed out")

	// ErrRestartExhausted means max_restarts was reached without a stable
	// uptime window.
	ErrRestartExhausted = errors.New("restart attempts exhausted")

	// ErrIO covers filesystem or socket operation failures.
	ErrIO = errors.New("io error")

	// ErrProtocolMismatch covers malformed JSON or an unknown RPC request tag.
	ErrProtocolMismatch = errors.New("protocol mismatch")
)
