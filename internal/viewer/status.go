package viewer

// State is the externally observable lifecycle state of a viewer.
type State string

const (
	// StateIdle means no artifact has been loaded yet.
	StateIdle State = "idle"
	// StateLoading means the current attempt awaits its handshake.
	StateLoading State = "loading"
	// StateReady means the artifact proved it is alive and responsive.
	StateReady State = "ready"
	// StateError is terminal for the attempt; retry creates a new one.
	StateError State = "error"
)

// ErrorCode distinguishes terminal failures.
type ErrorCode string

const (
	// CodeWatchdogTimeout: no valid readiness signal within the deadline.
	CodeWatchdogTimeout ErrorCode = "WATCHDOG_TIMEOUT"
	// CodeInvalidMessage: a structurally invalid message arrived from the
	// current attempt's context. Never auto-retried.
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	// CodeSandboxCrashed: the execution surface itself died.
	CodeSandboxCrashed ErrorCode = "SANDBOX_CRASHED"
)

// Status is the read-only projection consumed by the shell. It is recomputed
// on every state transition.
type Status struct {
	Status    State     `json:"status"`
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	LoadID    string    `json:"loadId,omitempty"`
}
