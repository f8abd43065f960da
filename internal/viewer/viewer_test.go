package viewer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/promptcalc/artifacthost/internal/artifact"
	"github.com/promptcalc/artifacthost/internal/csp"
	"github.com/promptcalc/artifacthost/internal/infrastructure/logging"
	"github.com/promptcalc/artifacthost/internal/infrastructure/monitoring"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Artifacts under test. A marker script suppresses the injected bootstrap,
// which lets a test script fully control what the artifact sends.
const (
	respondingArtifact = `<html><head><title>calc</title></head><body><div id="app"></div><script>var answer = 42;</script></body></html>`

	silentArtifact = `<body><script data-promptcalc-bootstrap="1">/* never handshakes */</script></body>`

	wrongTokenArtifact = `<body><script data-promptcalc-bootstrap="1">
		promptcalc.postMessage(JSON.stringify({type: "PROMPTCALC_READY", v: "1", token: "wrong-token"}));
	</script></body>`

	malformedArtifact = `<body><script data-promptcalc-bootstrap="1">
		promptcalc.postMessage("definitely not a handshake message");
	</script></body>`

	crashingArtifact = `<body><script data-promptcalc-bootstrap="1">throw new Error("dead on arrival");</script></body>`
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 300 * time.Millisecond
	cfg.ScriptTimeout = 2 * time.Second
	cfg.RetryDebounce = 100 * time.Millisecond
	return cfg
}

func newTestViewer(t *testing.T, cfg Config) (*Viewer, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.New(prometheus.NewRegistry())
	v := New("view_test", cfg, csp.Canonical(), logging.NewNop(), metrics)
	t.Cleanup(v.Close)
	return v, metrics
}

func waitFor(t *testing.T, v *Viewer, timeout time.Duration, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s := v.Status(); pred(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v; last status %+v", timeout, v.Status())
	return Status{}
}

func readyMsg(token, loadID string) string {
	return `{"type":"PROMPTCALC_READY","v":"1","token":"` + token + `","loadId":"` + loadID + `"}`
}

func TestHandshakeReachesReady(t *testing.T) {
	v, _ := newTestViewer(t, testConfig())

	loadID, err := v.Load(context.Background(), respondingArtifact, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateReady })
	if s.LoadID != loadID {
		t.Errorf("ready status loadId = %s, want %s", s.LoadID, loadID)
	}
	if s.ErrorCode != "" {
		t.Errorf("ready status should carry no error code, got %s", s.ErrorCode)
	}
}

func TestReadySurvivesWatchdogDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 150 * time.Millisecond
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), respondingArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateReady })

	// Well past the deadline the watchdog must not override Ready.
	time.Sleep(300 * time.Millisecond)
	if s := v.Status(); s.Status != StateReady {
		t.Errorf("status after deadline = %+v, want ready", s)
	}
}

func TestWatchdogTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), silentArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })
	if s.ErrorCode != CodeWatchdogTimeout {
		t.Errorf("errorCode = %s, want %s", s.ErrorCode, CodeWatchdogTimeout)
	}

	// The hosted surface must be replaced by the safe blank document.
	if v.Content() != artifact.SafeBlank(csp.Canonical()) {
		t.Error("errored surface should display the safe blank document")
	}
}

func TestPerLoadTimeoutOverride(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 10 * time.Second
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), silentArtifact, 50*time.Millisecond); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })
	if s.ErrorCode != CodeWatchdogTimeout {
		t.Errorf("errorCode = %s, want %s", s.ErrorCode, CodeWatchdogTimeout)
	}
}

func TestWrongTokenIgnoredUntilTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), wrongTokenArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// The wrong-token READY must not transition state.
	time.Sleep(100 * time.Millisecond)
	if s := v.Status(); s.Status != StateLoading {
		t.Fatalf("status after wrong-token message = %+v, want loading", s)
	}

	s := waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })
	if s.ErrorCode != CodeWatchdogTimeout {
		t.Errorf("errorCode = %s, want %s (as if no message arrived)", s.ErrorCode, CodeWatchdogTimeout)
	}
}

func TestWrongLoadIDIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), silentArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	at := v.currentAttempt()
	// Correct token, mismatched loadId: must be dropped as stale.
	v.Message(at.instance, readyMsg(at.token, "wrong-load"))

	time.Sleep(50 * time.Millisecond)
	if s := v.Status(); s.Status != StateLoading {
		t.Fatalf("status = %+v, want loading", s)
	}

	s := waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })
	if s.ErrorCode != CodeWatchdogTimeout {
		t.Errorf("errorCode = %s, want %s", s.ErrorCode, CodeWatchdogTimeout)
	}
}

func TestInjectedReadyTransitions(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	v, _ := newTestViewer(t, cfg)

	loadID, err := v.Load(context.Background(), silentArtifact, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	at := v.currentAttempt()
	v.Message(at.instance, readyMsg(at.token, loadID))

	s := waitFor(t, v, time.Second, func(s Status) bool { return s.Status == StateReady })
	if s.LoadID != loadID {
		t.Errorf("loadId = %s, want %s", s.LoadID, loadID)
	}
}

func TestStaleAttemptCannotFakeReadiness(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	v, _ := newTestViewer(t, cfg)

	// Load artifact A and capture its attempt identity.
	if _, err := v.Load(context.Background(), silentArtifact, 0); err != nil {
		t.Fatalf("Load(A) error = %v", err)
	}
	a := v.currentAttempt()

	// Load artifact B; A is now superseded.
	loadB, err := v.Load(context.Background(), silentArtifact, 0)
	if err != nil {
		t.Fatalf("Load(B) error = %v", err)
	}
	b := v.currentAttempt()

	// A READY from A's context with A's identifiers: wrong origin.
	v.Message(a.instance, readyMsg(a.token, a.loadID))
	// A spoof through B's context carrying A's token: stale token.
	v.Message(b.instance, readyMsg(a.token, a.loadID))

	time.Sleep(100 * time.Millisecond)
	s := v.Status()
	if s.Status == StateReady {
		t.Fatal("a superseded attempt's token must never produce Ready")
	}
	if s.LoadID != loadB {
		t.Errorf("current loadId = %s, want %s", s.LoadID, loadB)
	}

	// B's own identifiers still work: supersession invalidated only A.
	v.Message(b.instance, readyMsg(b.token, b.loadID))
	waitFor(t, v, time.Second, func(s Status) bool { return s.Status == StateReady })
}

func TestInvalidMessageIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), malformedArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })
	if s.ErrorCode != CodeInvalidMessage {
		t.Errorf("errorCode = %s, want %s", s.ErrorCode, CodeInvalidMessage)
	}
	if v.Content() != artifact.SafeBlank(csp.Canonical()) {
		t.Error("hostile surface should be blanked immediately")
	}

	// A valid READY afterwards must not resurrect the attempt.
	at := v.currentAttempt()
	v.Message(at.instance, readyMsg(at.token, at.loadID))
	time.Sleep(50 * time.Millisecond)
	if s := v.Status(); s.ErrorCode != CodeInvalidMessage {
		t.Errorf("terminal error must persist, got %+v", s)
	}
}

func TestSandboxCrashSurfaced(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), crashingArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })
	if s.ErrorCode != CodeSandboxCrashed {
		t.Errorf("errorCode = %s, want %s", s.ErrorCode, CodeSandboxCrashed)
	}
}

func TestRateLimitDropsFlood(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	v, metrics := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), silentArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	at := v.currentAttempt()

	// 25 well-formed stale messages in one burst: 20 are accepted for
	// processing (and dropped as stale), the rest are rate-limited away.
	for n := 0; n < 25; n++ {
		v.Message(at.instance, readyMsg("tok_not_current", at.loadID))
	}

	time.Sleep(100 * time.Millisecond)
	if s := v.Status(); s.Status != StateLoading {
		t.Fatalf("flood must not change state, got %+v", s)
	}

	stale := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(monitoring.DropStaleToken))
	limited := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(monitoring.DropRateLimited))
	if stale != 20 {
		t.Errorf("stale drops = %v, want 20", stale)
	}
	if limited != 5 {
		t.Errorf("rate-limited drops = %v, want 5", limited)
	}

	// The attempt itself is still healthy: its own READY gets through on
	// the refilled budget after the burst window.
	time.Sleep(time.Second)
	v.Message(at.instance, readyMsg(at.token, at.loadID))
	waitFor(t, v, time.Second, func(s Status) bool { return s.Status == StateReady })
}

func TestDuplicateReadyIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	v, _ := newTestViewer(t, cfg)

	loadID, err := v.Load(context.Background(), silentArtifact, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	at := v.currentAttempt()

	for n := 0; n < 3; n++ {
		v.Message(at.instance, readyMsg(at.token, loadID))
	}

	s := waitFor(t, v, time.Second, func(s Status) bool { return s.Status == StateReady })
	if s.ErrorCode != "" {
		t.Errorf("duplicate READY must stay harmless, got %+v", s)
	}
}

func TestRetryLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.RetryDebounce = 200 * time.Millisecond
	v, _ := newTestViewer(t, cfg)

	// Retry before any load is meaningless.
	if _, err := v.Retry(context.Background()); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("Retry() before load = %v, want ErrNoArtifact", err)
	}

	first, err := v.Load(context.Background(), silentArtifact, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Retry while still loading is rejected.
	if _, err := v.Retry(context.Background()); !errors.Is(err, ErrNotErrored) {
		t.Errorf("Retry() while loading = %v, want ErrNotErrored", err)
	}

	waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })

	second, err := v.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if second == first {
		t.Error("retry must mint a brand-new load attempt")
	}
	if s := v.Status(); s.Status != StateLoading {
		t.Errorf("status after retry = %+v, want loading", s)
	}

	// A rapid second retry coalesces into the in-flight attempt.
	third, err := v.Retry(context.Background())
	if err != nil {
		t.Fatalf("coalesced Retry() error = %v", err)
	}
	if third != second {
		t.Errorf("rapid retries should coalesce: %s vs %s", third, second)
	}
}

func TestHistoryRecordsOutcomes(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 80 * time.Millisecond
	v, _ := newTestViewer(t, cfg)

	first, _ := v.Load(context.Background(), silentArtifact, 0)
	waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateError })

	if _, err := v.Load(context.Background(), respondingArtifact, time.Second); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	waitFor(t, v, 2*time.Second, func(s Status) bool { return s.Status == StateReady })

	records := v.History()
	if len(records) != 1 {
		t.Fatalf("history has %d records, want 1", len(records))
	}
	if records[0].LoadID != first || records[0].Outcome != "watchdog_timeout" {
		t.Errorf("history record = %+v", records[0])
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	v, _ := newTestViewer(t, cfg)

	updates, cancel, err := v.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	loadID, err := v.Load(context.Background(), respondingArtifact, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var seen []State
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-updates:
			seen = append(seen, s.Status)
			if s.Status == StateReady {
				if s.LoadID != loadID {
					t.Errorf("ready update loadId = %s, want %s", s.LoadID, loadID)
				}
				if seen[0] != StateLoading {
					t.Errorf("first observed transition = %s, want loading", seen[0])
				}
				return
			}
		case <-deadline:
			t.Fatalf("never observed ready; transitions seen: %v", seen)
		}
	}
}

func TestCloseDetachesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	v, _ := newTestViewer(t, cfg)

	if _, err := v.Load(context.Background(), silentArtifact, 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	v.Close()
	v.Close() // idempotent

	if _, err := v.Load(context.Background(), respondingArtifact, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() after close = %v, want ErrClosed", err)
	}
	if _, err := v.Retry(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Retry() after close = %v, want ErrClosed", err)
	}

	// The watchdog was detached with the viewer; give it a chance to
	// misbehave before checking nothing acted on the disposed instance.
	time.Sleep(150 * time.Millisecond)
	if s := v.Status(); s.Status != StateIdle {
		t.Errorf("closed viewer status = %+v, want idle", s)
	}
}

func TestViewersAreIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	metrics := monitoring.New(prometheus.NewRegistry())
	log := logging.NewNop()

	v1 := New("view_1", cfg, csp.Canonical(), log, metrics)
	defer v1.Close()
	v2 := New("view_2", cfg, csp.Canonical(), log, metrics)
	defer v2.Close()

	if _, err := v1.Load(context.Background(), silentArtifact, 0); err != nil {
		t.Fatalf("Load(v1) error = %v", err)
	}
	if _, err := v2.Load(context.Background(), silentArtifact, 0); err != nil {
		t.Fatalf("Load(v2) error = %v", err)
	}

	a1 := v1.currentAttempt()
	a2 := v2.currentAttempt()
	if a1.token == a2.token || a1.loadID == a2.loadID {
		t.Fatal("viewer instances must not share attempt identifiers")
	}

	// v1's identifiers delivered into v2 carry no weight.
	v2.Message(a2.instance, readyMsg(a1.token, a1.loadID))
	time.Sleep(50 * time.Millisecond)
	if s := v2.Status(); s.Status != StateLoading {
		t.Errorf("cross-viewer token moved v2 to %+v", s)
	}

	v1.Message(a1.instance, readyMsg(a1.token, a1.loadID))
	waitFor(t, v1, time.Second, func(s Status) bool { return s.Status == StateReady })
	if s := v2.Status(); s.Status != StateLoading {
		t.Errorf("v1 readiness leaked into v2: %+v", s)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	metrics := monitoring.New(prometheus.NewRegistry())
	reg := NewRegistry(testConfig(), csp.Canonical(), logging.NewNop(), metrics)
	defer reg.Close()

	v := reg.Create()
	if got, ok := reg.Get(v.ID()); !ok || got != v {
		t.Fatal("registry should return the created viewer")
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}

	if !reg.Remove(v.ID()) {
		t.Error("Remove() should report the viewer existed")
	}
	if _, err := v.Load(context.Background(), respondingArtifact, 0); !errors.Is(err, ErrClosed) {
		t.Error("removed viewer should be closed")
	}
	if reg.Remove(v.ID()) {
		t.Error("Remove() on unknown viewer should report false")
	}
}
