// Package id provides centralized ID generation for the artifact host.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: attempt history sorts by creation time
//   - Prefixed types: type-specific prefixes for debugging (load_*, tok_*, trace_*)
//   - Type safety: separate types prevent mixing load IDs and handshake tokens
//   - Unguessability: cryptographically secure entropy by default
//
// Handshake tokens and load IDs bind accepted messages to exactly one load
// attempt, so the entropy source matters: the default generator reads from
// crypto/rand. If the secure source fails at generation time the generator
// degrades to a time-seeded pseudo-random source and reports it via
// Degraded(); in that mode identifiers alone must not be trusted and message
// origin checks become the only spoofing defense.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// LoadID identifies one load attempt of one artifact revision.
type LoadID string

// Token is the unguessable handshake token issued per load attempt.
type Token string

// TraceID correlates diagnostics across a load attempt.
type TraceID string

// ViewerID identifies a viewer instance owning a load attempt lineage.
type ViewerID string

// ID prefixes (for debugging and type identification)
const (
	LoadPrefix   = "load"
	TokenPrefix  = "tok"
	TracePrefix  = "trace"
	ViewerPrefix = "view"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
	degraded  bool
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID, falling back to pseudo-random entropy if the
// secure source fails.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	now := ulid.Timestamp(time.Now())
	id, err := ulid.New(now, g.entropy)
	if err != nil {
		// Degraded-security fallback: pseudo-random seeded by the clock.
		// Tokens minted here are guessable; Degraded() flags the condition
		// so callers know origin verification is load-bearing.
		g.degraded = true
		g.entropy = mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
		id = ulid.MustNew(now, g.entropy)
	}
	return id
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// Degraded reports whether the generator has fallen back to the
// pseudo-random entropy source.
func (g *Generator) Degraded() bool {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return g.degraded
}

// NewLoadID generates a new load attempt ID.
func (g *Generator) NewLoadID() LoadID {
	return LoadID(g.GenerateWithPrefix(LoadPrefix))
}

// NewToken generates a new handshake token.
func (g *Generator) NewToken() Token {
	return Token(g.GenerateWithPrefix(TokenPrefix))
}

// NewTraceID generates a new trace ID.
func (g *Generator) NewTraceID() TraceID {
	return TraceID(g.GenerateWithPrefix(TracePrefix))
}

// NewViewerID generates a new viewer instance ID.
func (g *Generator) NewViewerID() ViewerID {
	return ViewerID(g.GenerateWithPrefix(ViewerPrefix))
}

// String methods for ID types
func (id LoadID) String() string   { return string(id) }
func (id Token) String() string    { return string(id) }
func (id TraceID) String() string  { return string(id) }
func (id ViewerID) String() string { return string(id) }

// IsValid checks if an ID string is a valid prefixed or bare ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(stripPrefix(id))
	return err == nil
}

func stripPrefix(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			return id[i+1:]
		}
	}
	return id
}

// Timestamp extracts the creation time from a prefixed or bare ULID string.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(stripPrefix(id))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
