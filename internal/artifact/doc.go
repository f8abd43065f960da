/*
Package artifact prepares untrusted generated markup for sandboxed hosting.

# Overview

Artifacts arrive as opaque markup blobs produced from untrusted input. Before
one is handed to the execution host it passes through Normalize, which:

 1. Replaces any content-security-policy meta declaration with the canonical
    policy (or inserts it as early as possible when none exists)
 2. Injects the handshake bootstrap script exactly once

Normalize is a pure function over strings and is idempotent: normalizing an
already-normalized artifact is a no-op. Rewriting is pattern-based with an
ordered fallback chain (existing meta, head, body, prepend) so that empty or
malformed markup still degrades to prefixing the required tags rather than
failing.

# Inspection

Inspect parses normalized markup to pull out the inline script bodies the
execution host will run and a sanitized document title for diagnostics.
Scripts with a src attribute are skipped; the policy denies external fetches
so they could never load anyway.

# Blanking

SafeBlank returns the inert document the host swaps in after any failure, so
the surface is never left showing a possibly-compromised render.
*/
package artifact
