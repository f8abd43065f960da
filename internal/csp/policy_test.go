package csp

import (
	"strings"
	"testing"
)

func TestCanonicalValidates(t *testing.T) {
	if err := Validate(Canonical()); err != nil {
		t.Errorf("Canonical policy should validate: %v", err)
	}
}

func TestCanonicalDeniesCapabilities(t *testing.T) {
	policy := Canonical()

	denied := []string{
		"default-src 'none'",
		"connect-src 'none'",
		"img-src 'none'",
		"font-src 'none'",
		"frame-src 'none'",
		"object-src 'none'",
		"base-uri 'none'",
		"form-action 'none'",
	}

	for _, directive := range denied {
		if !strings.Contains(policy, directive) {
			t.Errorf("Canonical policy missing %q", directive)
		}
	}
}

func TestValidateRejectsWeakPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy string
	}{
		{
			name:   "empty policy",
			policy: "",
		},
		{
			name:   "network allowed",
			policy: strings.Replace(Canonical(), "connect-src 'none'", "connect-src *", 1),
		},
		{
			name:   "missing frame denial",
			policy: strings.Replace(Canonical(), "frame-src 'none'; ", "", 1),
		},
		{
			name:   "script from anywhere",
			policy: strings.Replace(Canonical(), "script-src 'unsafe-inline'", "script-src *", 1),
		},
		{
			name:   "permissive default",
			policy: strings.Replace(Canonical(), "default-src 'none'", "default-src *", 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.policy); err == nil {
				t.Errorf("Validate(%q) should fail", tt.policy)
			}
		})
	}
}

func TestCanonicalIsStable(t *testing.T) {
	if Canonical() != Canonical() {
		t.Error("Canonical() must return the same string every call")
	}
}
