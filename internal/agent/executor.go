package agent

import "errors"

// ErrLeaseExpired is returned by an executor when it observes, mid-run, that
// its heartbeat task has invalidated the lease it was relying on.
var ErrLeaseExpired = errors.New("lease expired during execution")

// ExecContext is what an executor needs from its surrounding agent loop:
// the journal to advance and persist against, and a way to check whether
// the lease backing its work is still current.
type ExecContext struct {
	Journal         *JournalManager
	CheckLeaseValid func() bool
	// SimulatedFailure, when non-nil, is polled on every DELAY lease-check
	// tick and at two points of an HTTP_GET_JSON run (after advancing to
	// IN_PROGRESS and after the snapshot is persisted); it is fault
	// injection for crash/recovery testing and is never set in normal
	// operation.
	SimulatedFailure func()
}

// Executor runs one command type to completion (or failure) against a
// journal entry, returning the JSON-serializable result to report.
type Executor interface {
	Execute(j *Journal, ec ExecContext) (any, error)
}

// ExecutorFor dispatches on command type.
func ExecutorFor(typ string) (Executor, bool) {
	switch typ {
	case "DELAY":
		return DelayExecutor{}, true
	case "HTTP_GET_JSON":
		return HTTPGetJSONExecutor{}, true
	default:
		return nil, false
	}
}
