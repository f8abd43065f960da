package artifact

import (
	"fmt"
	"regexp"
)

// BootstrapMarker tags the injected handshake script so normalization can
// detect a prior injection and leave it untouched.
const BootstrapMarker = "data-promptcalc-bootstrap"

// bootstrapScript runs first inside the hosted context. It registers the
// host-message handler, answers PING with PONG, and announces readiness.
// The load context (loadId, token, traceId) is supplied by the host as a
// global before any script runs; it is never baked into the markup, which
// keeps Normalize pure across load attempts.
const bootstrapScript = `(function () {
  "use strict";
  if (typeof promptcalc === "undefined" || !promptcalc) { return; }
  var ctx = (typeof __promptcalcLoad === "undefined") ? {} : __promptcalcLoad;
  var send = function (type) {
    promptcalc.postMessage(JSON.stringify({
      type: type,
      v: "1",
      ts: Date.now(),
      token: ctx.token,
      loadId: ctx.loadId,
      traceId: ctx.traceId
    }));
  };
  promptcalc.onmessage = function (raw) {
    var msg;
    try { msg = JSON.parse(String(raw)); } catch (err) { return; }
    if (!msg || typeof msg !== "object") { return; }
    if (msg.type === "PROMPTCALC_PING" || msg.type === "PING") {
      send("PROMPTCALC_PONG");
    }
  };
  send("PROMPTCALC_READY");
})();`

var (
	reCSPMeta   = regexp.MustCompile(`(?i)<meta[^>]*http-equiv\s*=\s*["']?content-security-policy["']?[^>]*>`)
	reHeadOpen  = regexp.MustCompile(`(?i)<head[^>]*>`)
	reBodyOpen  = regexp.MustCompile(`(?i)<body[^>]*>`)
	reBootstrap = regexp.MustCompile(`(?i)<script[^>]*` + BootstrapMarker + `[^>]*>`)
)

// MetaTag renders the CSP meta declaration for a policy string.
func MetaTag(policy string) string {
	return fmt.Sprintf(`<meta http-equiv="Content-Security-Policy" content="%s">`, policy)
}

// BootstrapTag renders the injected handshake script element.
func BootstrapTag() string {
	return fmt.Sprintf(`<script %s="1">%s</script>`, BootstrapMarker, bootstrapScript)
}

// Normalize rewrites raw artifact markup so the canonical CSP meta
// declaration and the handshake bootstrap are each present exactly once.
// Unrelated content is left byte-for-byte intact, and the function is
// idempotent: Normalize(Normalize(x, p), p) == Normalize(x, p).
func Normalize(html, policy string) string {
	out := ensureCSPMeta(html, policy)
	return ensureBootstrap(out)
}

// ensureCSPMeta replaces the first existing CSP declaration with the
// canonical one and strips any duplicates. When no declaration exists the
// canonical meta is inserted as early as possible: before the head element,
// else before the body element, else prepended.
func ensureCSPMeta(html, policy string) string {
	meta := MetaTag(policy)

	if reCSPMeta.MatchString(html) {
		replaced := false
		return reCSPMeta.ReplaceAllStringFunc(html, func(string) string {
			if replaced {
				return ""
			}
			replaced = true
			return meta
		})
	}

	if loc := reHeadOpen.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + meta + html[loc[0]:]
	}
	if loc := reBodyOpen.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + meta + html[loc[0]:]
	}
	return meta + html
}

// ensureBootstrap injects the bootstrap script once: adjacent to the CSP
// meta when present, else into head, else into body, else prepended. Markup
// already carrying the marker is left untouched.
func ensureBootstrap(html string) string {
	if reBootstrap.MatchString(html) {
		return html
	}

	tag := BootstrapTag()

	if loc := reCSPMeta.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + tag + html[loc[1]:]
	}
	if loc := reHeadOpen.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + tag + html[loc[1]:]
	}
	if loc := reBodyOpen.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + tag + html[loc[1]:]
	}
	return tag + html
}

// SafeBlank returns the inert replacement document shown after a failed or
// superseded load. It carries the canonical policy and no script.
func SafeBlank(policy string) string {
	return "<!DOCTYPE html><html><head>" + MetaTag(policy) +
		`<title></title></head><body></body></html>`
}
