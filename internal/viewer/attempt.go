package viewer

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/promptcalc/artifacthost/internal/host"
)

// attempt is one lifecycle of hosting one artifact revision. It is owned by
// the viewer's event loop and replaced wholesale on every artifact change or
// retry; staleness checks are value comparisons on loadID/token plus pointer
// identity on the execution instance.
type attempt struct {
	loadID  string
	token   string
	traceID string

	instance *host.Instance
	limiter  *rate.Limiter
	watchdog *time.Timer
	timeout  time.Duration

	state     State
	errorCode ErrorCode

	createdAt time.Time
	endedAt   time.Time
	title     string
	revision  string
	fromRetry bool

	timeoutLogged bool
	staleDrops    int
	rateDrops     int
}

// stopWatchdog cancels the pending deadline, if any.
func (a *attempt) stopWatchdog() {
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
}

// outcome names how the attempt ended, for history and metrics.
func (a *attempt) outcome(superseded bool) string {
	switch {
	case a.state == StateReady:
		return "ready"
	case a.state == StateError:
		switch a.errorCode {
		case CodeWatchdogTimeout:
			return "watchdog_timeout"
		case CodeInvalidMessage:
			return "invalid_message"
		case CodeSandboxCrashed:
			return "sandbox_crashed"
		}
	}
	if superseded {
		return "superseded"
	}
	return "loading"
}
