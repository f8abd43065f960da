/*
Package host runs untrusted artifact scripts in an isolated execution
context.

# Overview

Each load attempt gets its own Instance: a goja VM whose capability set is
script execution only. The VM has no module system, no process access, no
network, storage, or navigation globals, and its timers are inert. The one
way out is the promptcalc bridge object, whose postMessage forwards payloads
to the host tagged with the Instance handle so the state machine can verify
message origin.

# Lifecycle

Load runs the document's inline scripts asynchronously under an interrupt
deadline. On success the Events sink is told the surface loaded (the cue for
the host-side Ping); a script throw, panic, or interrupt is reported as a
crash instead. Blank tears the surface down to an inert safe document; after
blanking no script runs and no message is delivered again.

# Capability audit

In development builds Load probes the VM for capability globals that must
never exist (fetch, XMLHttpRequest, storage, and friends) and logs a loud
warning if the scripting-only invariant is violated.
*/
package host
