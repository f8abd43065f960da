/*
Package viewer implements the sandboxed-artifact liveness protocol.

# Overview

A Viewer hosts one artifact at a time and decides whether it is alive,
responsive, and not hung or malicious, without ever trusting its code. Each
artifact revision (or retry) becomes a load attempt with fresh unguessable
identifiers, a watchdog deadline, and its own execution surface. The
injected bootstrap inside the artifact answers the challenge/response
handshake; the state machine here validates every inbound message by origin,
rate, shape, and token before any of it can touch state.

# State machine

	Loading -> Ready                     valid READY/PONG for the current attempt
	Loading -> Error{WATCHDOG_TIMEOUT}   deadline passed with no valid signal
	Loading -> Error{INVALID_MESSAGE}    malformed message from the current context
	Loading -> Error{SANDBOX_CRASHED}    the execution surface itself died

Terminal states are only left by creating a brand-new load attempt. Messages
bound to a superseded attempt are silently dropped; that is the anti-replay
guarantee that keeps a stale artifact from faking current readiness.

# Concurrency

One event-loop goroutine owns all mutable state. Host messages, watchdog
expiry, load and retry requests, and teardown all arrive as events and are
processed to completion one at a time, so the state machine needs no locks.
The externally visible status projection is a copy behind an atomic pointer.
*/
package viewer
