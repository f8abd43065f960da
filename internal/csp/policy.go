// Package csp supplies the canonical content-security-policy enforced on
// every hosted artifact.
//
// The policy is the capability contract of the sandbox: deny-all by default,
// explicit denials for every fetch/embed/navigation surface, and inline
// script and style execution as the only grants. Artifacts never get network,
// storage, or navigation no matter what markup they ship.
package csp

import (
	"fmt"
	"strings"
)

// canonical is the single source-of-truth policy string.
const canonical = "default-src 'none'; " +
	"script-src 'unsafe-inline'; " +
	"style-src 'unsafe-inline'; " +
	"img-src 'none'; " +
	"connect-src 'none'; " +
	"font-src 'none'; " +
	"frame-src 'none'; " +
	"object-src 'none'; " +
	"base-uri 'none'; " +
	"form-action 'none'"

// requiredDenials are directives every acceptable policy must pin to 'none'.
var requiredDenials = []string{
	"default-src",
	"img-src",
	"connect-src",
	"font-src",
	"frame-src",
	"object-src",
	"base-uri",
	"form-action",
}

// requiredGrants are the only capabilities the policy may allow, and only
// as inline.
var requiredGrants = []string{
	"script-src",
	"style-src",
}

// Canonical returns the policy string the host must inject into every
// artifact. Callers treat the value as immutable.
func Canonical() string {
	return canonical
}

// Validate checks that a policy string carries the mandatory capability
// restrictions. Used by the dev-mode invariant audit and by tests; the
// canonical policy always passes.
func Validate(policy string) error {
	directives := parse(policy)

	for _, name := range requiredDenials {
		val, ok := directives[name]
		if !ok {
			return fmt.Errorf("policy missing directive %q", name)
		}
		if val != "'none'" {
			return fmt.Errorf("directive %q must be 'none', got %q", name, val)
		}
	}

	for _, name := range requiredGrants {
		val, ok := directives[name]
		if !ok {
			return fmt.Errorf("policy missing directive %q", name)
		}
		if val != "'unsafe-inline'" {
			return fmt.Errorf("directive %q must be 'unsafe-inline' only, got %q", name, val)
		}
	}

	return nil
}

// parse splits a policy string into directive name -> value.
func parse(policy string) map[string]string {
	directives := make(map[string]string)
	for _, part := range strings.Split(policy, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, " ")
		directives[strings.ToLower(name)] = strings.TrimSpace(value)
	}
	return directives
}
