package host

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/promptcalc/artifacthost/internal/artifact"
	"github.com/promptcalc/artifacthost/internal/infrastructure/logging"
)

var (
	// ErrDetached is returned when delivering into a blanked surface.
	ErrDetached = errors.New("execution surface detached")
	// ErrNoHandler is returned when the hosted context registered no
	// message handler.
	ErrNoHandler = errors.New("hosted context has no message handler")
)

// Config defines execution host configuration.
type Config struct {
	ScriptTimeout time.Duration // total script execution bound
	EnableConsole bool          // capture console.* into the host log
	DevAudit      bool          // probe the capability invariant after load
}

// DefaultConfig returns the standard host configuration.
func DefaultConfig() Config {
	return Config{
		ScriptTimeout: 5 * time.Second,
		EnableConsole: true,
		DevAudit:      false,
	}
}

// Session carries the per-attempt identifiers the host exposes to the
// hosted context before any script runs.
type Session struct {
	LoadID  string
	Token   string
	TraceID string
}

// Events receives everything that crosses the hosted boundary. Message and
// Crashed may be invoked from the script goroutine while the VM is running;
// implementations must not call back into the Instance and must not block.
type Events interface {
	// Loaded fires after all scripts ran to completion.
	Loaded(sender *Instance)
	// Message fires for every payload the hosted context posts.
	Message(sender *Instance, raw string)
	// Crashed fires when script execution dies: throw, interrupt, or panic.
	Crashed(sender *Instance, err error)
}

// Instance hosts one normalized artifact in an isolated goja VM. The
// Instance pointer doubles as the origin handle for every message it emits.
type Instance struct {
	vm     *goja.Runtime
	cfg    Config
	log    *logging.Logger
	events Events
	sess   Session

	vmMu sync.Mutex // serializes all VM access

	contentMu sync.RWMutex
	content   string
	blanked   bool
}

// New creates an execution host instance.
func New(cfg Config, log *logging.Logger, events Events) *Instance {
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	return &Instance{
		vm:     vm,
		cfg:    cfg,
		log:    log,
		events: events,
	}
}

// Load hosts the document asynchronously. The session identifiers are
// installed as VM globals before any artifact script runs, so the injected
// bootstrap can bind its handshake messages to this exact attempt.
func (i *Instance) Load(doc artifact.Document, sess Session) {
	i.sess = sess

	i.contentMu.Lock()
	i.content = doc.HTML
	i.contentMu.Unlock()

	go i.run(doc)
}

func (i *Instance) run(doc artifact.Document) {
	defer func() {
		if r := recover(); r != nil {
			i.events.Crashed(i, fmt.Errorf("execution surface panic: %v", r))
		}
	}()

	i.vmMu.Lock()

	if err := i.setupGlobals(); err != nil {
		i.vmMu.Unlock()
		i.events.Crashed(i, err)
		return
	}

	// Interrupt guard against runaway scripts.
	timer := time.AfterFunc(i.cfg.ScriptTimeout, func() {
		i.vm.Interrupt("script execution deadline exceeded")
	})

	for _, src := range doc.Scripts {
		if _, err := i.vm.RunString(src); err != nil {
			timer.Stop()
			i.vmMu.Unlock()
			i.events.Crashed(i, err)
			return
		}
	}

	timer.Stop()
	i.vm.ClearInterrupt()

	if i.cfg.DevAudit {
		i.auditCapabilities()
	}

	i.vmMu.Unlock()
	i.events.Loaded(i)
}

// Deliver invokes the hosted context's registered message handler with a
// raw payload. Used for the host-to-artifact Ping.
func (i *Instance) Deliver(raw string) error {
	i.contentMu.RLock()
	blanked := i.blanked
	i.contentMu.RUnlock()
	if blanked {
		return ErrDetached
	}

	i.vmMu.Lock()
	defer i.vmMu.Unlock()

	bridge := i.vm.Get("promptcalc")
	if bridge == nil || goja.IsUndefined(bridge) || goja.IsNull(bridge) {
		return ErrNoHandler
	}

	handler := bridge.ToObject(i.vm).Get("onmessage")
	fn, ok := goja.AssertFunction(handler)
	if !ok {
		return ErrNoHandler
	}

	timer := time.AfterFunc(i.cfg.ScriptTimeout, func() {
		i.vm.Interrupt("message handler deadline exceeded")
	})
	defer func() {
		timer.Stop()
		i.vm.ClearInterrupt()
	}()

	if _, err := fn(goja.Undefined(), i.vm.ToValue(raw)); err != nil {
		return fmt.Errorf("deliver into hosted context: %w", err)
	}
	return nil
}

// Blank unloads the hosted surface, replacing its content with the given
// safe document. Any script still running is interrupted, and the instance
// accepts no further deliveries. Blank is idempotent.
func (i *Instance) Blank(safe string) {
	i.contentMu.Lock()
	already := i.blanked
	i.blanked = true
	i.content = safe
	i.contentMu.Unlock()

	if !already {
		i.vm.Interrupt("surface blanked")
	}
}

// Content returns the markup the surface currently displays.
func (i *Instance) Content() string {
	i.contentMu.RLock()
	defer i.contentMu.RUnlock()
	return i.content
}

// Blanked reports whether the surface has been unloaded.
func (i *Instance) Blanked() bool {
	i.contentMu.RLock()
	defer i.contentMu.RUnlock()
	return i.blanked
}

// setupGlobals strips everything but script execution from the VM and
// installs the promptcalc bridge. Called with vmMu held.
func (i *Instance) setupGlobals() error {
	// Remove module-system globals goja environments commonly leak into.
	i.vm.Set("require", goja.Undefined())
	i.vm.Set("process", goja.Undefined())
	i.vm.Set("module", goja.Undefined())
	i.vm.Set("exports", goja.Undefined())

	// Timers are inert: artifacts get run-to-completion semantics only.
	noop := func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	}
	i.vm.Set("setTimeout", noop)
	i.vm.Set("setInterval", noop)
	i.vm.Set("clearTimeout", noop)
	i.vm.Set("clearInterval", noop)

	if i.cfg.EnableConsole {
		console := i.vm.NewObject()
		console.Set("log", i.makeConsoleFunc("log"))
		console.Set("warn", i.makeConsoleFunc("warn"))
		console.Set("error", i.makeConsoleFunc("error"))
		console.Set("info", i.makeConsoleFunc("info"))
		i.vm.Set("console", console)
	}

	bridge := i.vm.NewObject()
	bridge.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		i.events.Message(i, i.exportPayload(call.Argument(0)))
		return goja.Undefined()
	})
	i.vm.Set("promptcalc", bridge)

	i.vm.Set("__promptcalcLoad", map[string]string{
		"loadId":  i.sess.LoadID,
		"token":   i.sess.Token,
		"traceId": i.sess.TraceID,
	})

	return nil
}

// exportPayload turns a bridge argument into the raw string handed to the
// state machine. Objects are JSON-encoded; anything else is stringified and
// left for shape validation to reject.
func (i *Instance) exportPayload(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	raw, err := sonic.Marshal(exported)
	if err != nil {
		return v.String()
	}
	return string(raw)
}

func (i *Instance) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for n, arg := range call.Arguments {
			if n > 0 {
				msg += " "
			}
			msg += arg.String()
		}

		i.log.Debug("artifact console",
			zap.String("level", level),
			zap.String("load_id", i.sess.LoadID),
			zap.String("message", msg),
		)
		return goja.Undefined()
	}
}
