package host

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// forbiddenGlobals are capability surfaces that must never exist inside the
// hosted context. The execution surface grants scripting only; any of these
// appearing means the isolation invariant is broken.
var forbiddenGlobals = []string{
	"fetch",
	"XMLHttpRequest",
	"WebSocket",
	"EventSource",
	"localStorage",
	"sessionStorage",
	"indexedDB",
	"navigator",
	"location",
	"open",
	"importScripts",
}

// auditCapabilities verifies the scripting-only invariant and logs a loud
// warning on violation. Dev/debug builds only. Called with vmMu held.
func (i *Instance) auditCapabilities() {
	var leaked []string
	for _, name := range forbiddenGlobals {
		v := i.vm.Get(name)
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			leaked = append(leaked, name)
		}
	}

	if len(leaked) > 0 {
		i.log.Warn("CAPABILITY INVARIANT VIOLATED: execution surface exposes more than script execution",
			zap.Strings("leaked_globals", leaked),
			zap.String("load_id", i.sess.LoadID),
		)
	}
}
