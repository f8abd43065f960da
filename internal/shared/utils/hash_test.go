package utils

import "testing"

func TestDigestIsDeterministic(t *testing.T) {
	a := DigestString("<html><body>calc</body></html>")
	b := DigestString("<html><body>calc</body></html>")
	if a != b {
		t.Error("same markup must produce the same digest")
	}
	if c := DigestString("<html><body>calc2</body></html>"); c == a {
		t.Error("different markup must produce a different digest")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestShortDigest(t *testing.T) {
	full := DigestString("artifact")
	short := ShortDigest(full)
	if len(short) != 12 || full[:12] != short {
		t.Errorf("ShortDigest(%q) = %q", full, short)
	}
	if got := ShortDigest("abc"); got != "abc" {
		t.Errorf("ShortDigest of short input = %q", got)
	}
}
