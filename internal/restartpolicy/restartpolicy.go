// Package restartpolicy implements the pure restart decision function
// (spec.md §4.f): given an exit and the supervisor's restart bookkeeping,
// decide whether to restart and after how long.
package restartpolicy

import "github.com/s3bba/pm3/internal/pm3config"

// Base is the initial backoff delay.
const Base = 100

// Cap is the maximum backoff delay, in milliseconds.
const Cap = 30_000

// Decision is the outcome of evaluating a single exit.
type Decision struct {
	Restart  bool
	NewCount int
	DelayMs  int
}

// Evaluate decides whether a process should restart. policy, maxRestarts,
// minUptimeMs and stopExitCodes come from the static ProcessConfig;
// exitCode, uptimeMs and restartCount come from the current runtime state.
func Evaluate(
	policy pm3config.RestartPolicy,
	exitCode int,
	uptimeMs int64,
	restartCount int,
	maxRestarts int,
	minUptimeMs int64,
	stopExitCodes map[int]struct{},
) Decision {
	if policy == pm3config.RestartNever {
		return Decision{Restart: false, NewCount: restartCount}
	}

	if _, stop := stopExitCodes[exitCode]; stop {
		return Decision{Restart: false, NewCount: restartCount}
	}

	if policy == pm3config.RestartOnFailure && exitCode == 0 {
		return Decision{Restart: false, NewCount: restartCount}
	}

	newCount := restartCount + 1
	if uptimeMs >= minUptimeMs {
		newCount = 1
	}

	if newCount > maxRestarts {
		return Decision{Restart: false, NewCount: newCount}
	}

	return Decision{Restart: true, NewCount: newCount, DelayMs: backoff(newCount)}
}

func backoff(count int) int {
	delay := Base
	for i := 1; i < count; i++ {
		delay *= 2
		if delay >= Cap {
			return Cap
		}
	}
	if delay > Cap {
		return Cap
	}
	return delay
}
