package artifact

import (
	"strings"
	"testing"

	"github.com/promptcalc/artifacthost/internal/csp"
)

func TestInspectExtractsScripts(t *testing.T) {
	html := `<html><head><title>calc</title><script>var a = 1;</script></head>` +
		`<body><script>var b = 2;</script><script src="https://evil.example/x.js"></script></body></html>`

	doc, err := Inspect(html)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	if doc.Title != "calc" {
		t.Errorf("Title = %q, want %q", doc.Title, "calc")
	}
	if len(doc.Scripts) != 2 {
		t.Fatalf("got %d scripts, want 2 (external src skipped)", len(doc.Scripts))
	}
	if !strings.Contains(doc.Scripts[0], "var a") || !strings.Contains(doc.Scripts[1], "var b") {
		t.Errorf("scripts out of document order: %v", doc.Scripts)
	}
}

func TestInspectSanitizesTitle(t *testing.T) {
	html := `<html><head><title>hello <b>world</b></title></head><body></body></html>`

	doc, err := Inspect(html)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	if strings.Contains(doc.Title, "<") {
		t.Errorf("title should be markup-free, got %q", doc.Title)
	}
}

func TestInspectMalformedMarkup(t *testing.T) {
	doc, err := Inspect(`<div><script>var x = "unclosed`)
	if err != nil {
		t.Fatalf("Inspect() should tolerate malformed markup, got %v", err)
	}
	if len(doc.Scripts) != 1 {
		t.Errorf("got %d scripts, want 1", len(doc.Scripts))
	}
}

func TestInspectNormalizedArtifactIncludesBootstrap(t *testing.T) {
	normalized := Normalize(`<html><head></head><body><script>var app = true;</script></body></html>`, csp.Canonical())

	doc, err := Inspect(normalized)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	if len(doc.Scripts) != 2 {
		t.Fatalf("got %d scripts, want bootstrap + artifact script", len(doc.Scripts))
	}
	if !strings.Contains(doc.Scripts[0], "PROMPTCALC_READY") {
		t.Error("bootstrap should be the first script in document order")
	}
}
