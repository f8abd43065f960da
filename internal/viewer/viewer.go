package viewer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/promptcalc/artifacthost/internal/artifact"
	"github.com/promptcalc/artifacthost/internal/host"
	"github.com/promptcalc/artifacthost/internal/infrastructure/logging"
	"github.com/promptcalc/artifacthost/internal/infrastructure/monitoring"
	"github.com/promptcalc/artifacthost/internal/shared/id"
	"github.com/promptcalc/artifacthost/internal/shared/utils"
	"github.com/promptcalc/artifacthost/internal/wire"
)

var (
	// ErrClosed is returned by operations on a torn-down viewer.
	ErrClosed = errors.New("viewer is closed")
	// ErrNotErrored is returned when retry is requested outside Error state.
	ErrNotErrored = errors.New("retry is only valid in error state")
	// ErrNoArtifact is returned when retry is requested before any load.
	ErrNoArtifact = errors.New("no artifact has been loaded")
)

// Config defines viewer behavior.
type Config struct {
	// HandshakeTimeout is the default watchdog deadline per load attempt.
	HandshakeTimeout time.Duration
	// ScriptTimeout bounds script execution inside the sandbox.
	ScriptTimeout time.Duration
	// MessageRatePerSecond caps accepted messages per attempt.
	MessageRatePerSecond int
	// RetryDebounce coalesces rapid retry requests into one attempt.
	RetryDebounce time.Duration
	// HistorySize bounds the record of past attempts.
	HistorySize int
	// DevAudit enables the capability invariant probe after load.
	DevAudit bool
}

// DefaultConfig returns production viewer configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     4000 * time.Millisecond,
		ScriptTimeout:        5 * time.Second,
		MessageRatePerSecond: 20,
		RetryDebounce:        250 * time.Millisecond,
		HistorySize:          32,
	}
}

// Viewer hosts one artifact at a time and runs the liveness protocol
// against it. All mutable state is owned by the event loop goroutine.
type Viewer struct {
	id      string
	cfg     Config
	policy  string
	log     *logging.Logger
	metrics *monitoring.Metrics
	ids     *id.Generator

	events   chan any
	done     chan struct{}
	loopDone chan struct{}
	closing  sync.Once

	status atomic.Pointer[Status]

	// Everything below is event-loop-owned.
	cur           *attempt
	artifactHTML  string
	revision      string
	doc           artifact.Document
	lastAttemptAt time.Time
	hist          *history
	subs          map[int]chan Status
	nextSub       int
}

// Event types flowing through the loop.
type (
	loadReq struct {
		html    string
		timeout time.Duration
		reply   chan loadResult
	}
	retryReq struct {
		reply chan loadResult
	}
	loadResult struct {
		loadID string
		err    error
	}
	hostMsg struct {
		sender *host.Instance
		raw    string
	}
	hostLoaded struct {
		sender *host.Instance
	}
	hostCrash struct {
		sender *host.Instance
		err    error
	}
	watchdogFired struct {
		loadID string
	}
	subscribeReq struct {
		reply chan subscription
	}
	unsubscribeReq struct {
		id int
	}
	contentReq struct {
		reply chan string
	}
	attemptReq struct {
		reply chan attemptSnapshot
	}
)

type subscription struct {
	id int
	ch chan Status
}

// attemptSnapshot exposes current-attempt identifiers for diagnostics.
type attemptSnapshot struct {
	loadID   string
	token    string
	state    State
	instance *host.Instance
}

// New creates a viewer and starts its event loop.
func New(viewerID string, cfg Config, policy string, log *logging.Logger, metrics *monitoring.Metrics) *Viewer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = DefaultConfig().ScriptTimeout
	}
	if cfg.MessageRatePerSecond <= 0 {
		cfg.MessageRatePerSecond = DefaultConfig().MessageRatePerSecond
	}

	v := &Viewer{
		id:       viewerID,
		cfg:      cfg,
		policy:   policy,
		log:      log.Named("viewer"),
		metrics:  metrics,
		ids:      id.Default(),
		events:   make(chan any, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		hist:     newHistory(cfg.HistorySize),
		subs:     make(map[int]chan Status),
	}

	idle := Status{Status: StateIdle}
	v.status.Store(&idle)

	metrics.ViewerOpened()
	go v.run()
	return v
}

// ID returns the viewer instance identifier.
func (v *Viewer) ID() string { return v.id }

// Load hands a new artifact revision to the viewer. A fresh load attempt
// with new identifiers supersedes any current one. timeout <= 0 uses the
// configured default deadline.
func (v *Viewer) Load(ctx context.Context, artifactHTML string, timeout time.Duration) (string, error) {
	req := loadReq{html: artifactHTML, timeout: timeout, reply: make(chan loadResult, 1)}
	if err := v.post(ctx, req); err != nil {
		return "", err
	}
	return v.await(ctx, req.reply)
}

// Retry creates a brand-new load attempt for the same artifact content.
// Only meaningful in Error state; rapid repeated calls within the debounce
// window coalesce into the attempt the first call created.
func (v *Viewer) Retry(ctx context.Context) (string, error) {
	req := retryReq{reply: make(chan loadResult, 1)}
	if err := v.post(ctx, req); err != nil {
		return "", err
	}
	return v.await(ctx, req.reply)
}

// Status returns the current status projection.
func (v *Viewer) Status() Status {
	return *v.status.Load()
}

// Subscribe returns a channel receiving the status projection on every
// transition, plus a cancel function. The channel closes on teardown.
func (v *Viewer) Subscribe() (<-chan Status, func(), error) {
	req := subscribeReq{reply: make(chan subscription, 1)}
	if err := v.post(context.Background(), req); err != nil {
		return nil, nil, err
	}
	var sub subscription
	select {
	case sub = <-req.reply:
	case <-v.done:
		return nil, nil, ErrClosed
	}
	cancel := func() {
		select {
		case v.events <- unsubscribeReq{id: sub.id}:
		case <-v.done:
		}
	}
	return sub.ch, cancel, nil
}

// Content returns the markup the hosted surface currently displays. After
// any error this is the safe blank document, never a compromised render.
func (v *Viewer) Content() string {
	req := contentReq{reply: make(chan string, 1)}
	if err := v.post(context.Background(), req); err != nil {
		return artifact.SafeBlank(v.policy)
	}
	select {
	case c := <-req.reply:
		return c
	case <-v.done:
		return artifact.SafeBlank(v.policy)
	}
}

// History returns diagnostic records of past attempts, oldest first.
func (v *Viewer) History() []Record {
	return v.hist.list()
}

// Close tears the viewer down: the watchdog and message listener are
// detached, the current surface is blanked, and pending operations fail
// with ErrClosed. Safe to call more than once.
func (v *Viewer) Close() {
	v.closing.Do(func() {
		close(v.done)
		<-v.loopDone
		v.metrics.ViewerClosed()
	})
}

func (v *Viewer) post(ctx context.Context, ev any) error {
	select {
	case v.events <- ev:
		return nil
	case <-v.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *Viewer) await(ctx context.Context, reply chan loadResult) (string, error) {
	select {
	case res := <-reply:
		return res.loadID, res.err
	case <-v.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// host.Events implementation. These run on host goroutines; they only post
// events and never touch loop-owned state.

// Message relays an artifact-to-host payload tagged with its origin.
func (v *Viewer) Message(sender *host.Instance, raw string) {
	select {
	case v.events <- hostMsg{sender: sender, raw: raw}:
	case <-v.done:
	default:
		// Queue full means the artifact is flooding; shedding here keeps
		// the loop responsive and the rate limiter honest.
		v.metrics.RecordMessageDropped(monitoring.DropBackpressure)
	}
}

// Loaded signals the surface finished executing its document.
func (v *Viewer) Loaded(sender *host.Instance) {
	select {
	case v.events <- hostLoaded{sender: sender}:
	case <-v.done:
	}
}

// Crashed signals the execution surface died.
func (v *Viewer) Crashed(sender *host.Instance, err error) {
	select {
	case v.events <- hostCrash{sender: sender, err: err}:
	case <-v.done:
	}
}

// run is the single consumer of all viewer events.
func (v *Viewer) run() {
	defer close(v.loopDone)
	for {
		select {
		case <-v.done:
			v.teardown()
			return
		case ev := <-v.events:
			v.dispatch(ev)
		}
	}
}

func (v *Viewer) dispatch(ev any) {
	switch e := ev.(type) {
	case loadReq:
		e.reply <- v.handleLoad(e)
	case retryReq:
		e.reply <- v.handleRetry()
	case hostMsg:
		v.handleMessage(e)
	case hostLoaded:
		v.handleLoaded(e)
	case hostCrash:
		v.handleCrash(e)
	case watchdogFired:
		v.handleWatchdog(e)
	case subscribeReq:
		ch := make(chan Status, 8)
		subID := v.nextSub
		v.nextSub++
		v.subs[subID] = ch
		e.reply <- subscription{id: subID, ch: ch}
	case unsubscribeReq:
		if ch, ok := v.subs[e.id]; ok {
			delete(v.subs, e.id)
			close(ch)
		}
	case contentReq:
		if v.cur != nil {
			e.reply <- v.cur.instance.Content()
		} else {
			e.reply <- artifact.SafeBlank(v.policy)
		}
	case attemptReq:
		e.reply <- v.snapshotAttempt()
	}
}

// handleLoad supersedes the current attempt and starts a new one for new
// artifact content. The new attempt is installed before the document is
// handed to the execution host, so a message bound to the old attempt can
// never transition state once this returns.
func (v *Viewer) handleLoad(req loadReq) loadResult {
	v.supersede()

	v.artifactHTML = req.html
	v.revision = utils.ShortDigest(utils.DigestString(req.html))
	normalized := artifact.Normalize(req.html, v.policy)
	doc, err := artifact.Inspect(normalized)
	if err != nil {
		// The normalizer tolerates malformed markup; parse failure here
		// still leaves a hostable document with no scripts.
		v.log.Warn("artifact inspection failed", zap.Error(err))
		doc = artifact.Document{HTML: normalized}
	}
	v.doc = doc

	at := v.newAttempt(req.timeout, false)
	return loadResult{loadID: at.loadID}
}

// handleRetry creates a new attempt for the same artifact content.
func (v *Viewer) handleRetry() loadResult {
	if v.cur == nil {
		return loadResult{err: ErrNoArtifact}
	}

	// Coalesce a retry burst: the first call created the in-flight
	// attempt, later calls inside the window join it.
	if v.cur.fromRetry && v.cur.state == StateLoading &&
		time.Since(v.lastAttemptAt) < v.cfg.RetryDebounce {
		return loadResult{loadID: v.cur.loadID}
	}

	if v.cur.state != StateError {
		return loadResult{err: ErrNotErrored}
	}

	v.supersede()
	v.metrics.RecordRetry()
	at := v.newAttempt(0, true)
	return loadResult{loadID: at.loadID}
}

// newAttempt atomically issues fresh identifiers, resets state to Loading,
// arms the watchdog, and hands the document to a new execution instance.
func (v *Viewer) newAttempt(timeout time.Duration, fromRetry bool) *attempt {
	if timeout <= 0 {
		timeout = v.cfg.HandshakeTimeout
	}

	perSec := v.cfg.MessageRatePerSecond
	at := &attempt{
		loadID:    v.ids.NewLoadID().String(),
		token:     v.ids.NewToken().String(),
		traceID:   v.ids.NewTraceID().String(),
		timeout:   timeout,
		state:     StateLoading,
		createdAt: time.Now(),
		title:     v.doc.Title,
		revision:  v.revision,
		fromRetry: fromRetry,
		limiter:   rate.NewLimiter(rate.Limit(perSec), perSec),
	}

	hostCfg := host.Config{
		ScriptTimeout: v.cfg.ScriptTimeout,
		EnableConsole: true,
		DevAudit:      v.cfg.DevAudit,
	}
	at.instance = host.New(hostCfg, v.log, v)

	v.cur = at
	v.lastAttemptAt = at.createdAt
	v.metrics.RecordLoadStarted()
	v.publish()

	loadID := at.loadID
	at.watchdog = time.AfterFunc(timeout, func() {
		select {
		case v.events <- watchdogFired{loadID: loadID}:
		case <-v.done:
		}
	})

	at.instance.Load(v.doc, host.Session{
		LoadID:  at.loadID,
		Token:   at.token,
		TraceID: at.traceID,
	})

	v.log.Info("load attempt started",
		zap.String("viewer_id", v.id),
		zap.String("load_id", at.loadID),
		zap.String("revision", at.revision),
		zap.Duration("timeout", timeout),
	)
	return at
}

// supersede retires the current attempt: its watchdog is cancelled, its
// surface discarded, and its identifiers become permanently invalid for
// acceptance.
func (v *Viewer) supersede() {
	at := v.cur
	if at == nil {
		return
	}

	at.stopWatchdog()
	superseded := at.state == StateLoading
	if superseded {
		v.metrics.RecordOutcome("superseded")
	}
	at.instance.Blank(artifact.SafeBlank(v.policy))
	if at.endedAt.IsZero() {
		at.endedAt = time.Now()
	}

	v.hist.add(Record{
		LoadID:     at.loadID,
		Title:      at.title,
		Revision:   at.revision,
		Outcome:    at.outcome(superseded),
		ErrorCode:  at.errorCode,
		TraceID:    at.traceID,
		CreatedAt:  at.createdAt,
		EndedAt:    at.endedAt,
		StaleDrops: at.staleDrops,
		RateDrops:  at.rateDrops,
	})
	v.cur = nil
}

// handleMessage validates one inbound handshake message against the current
// attempt: origin, terminal-state, rate, shape, then token binding.
func (v *Viewer) handleMessage(ev hostMsg) {
	at := v.cur
	if at == nil || ev.sender != at.instance {
		v.metrics.RecordMessageDropped(monitoring.DropWrongSender)
		v.log.Debug("dropped message from non-current context",
			zap.String("viewer_id", v.id))
		return
	}

	if at.state != StateLoading {
		// Duplicate valid handshakes after Ready are expected; acceptance
		// is idempotent and terminal states never transition on messages.
		v.metrics.RecordMessageDropped(monitoring.DropTerminal)
		return
	}

	if !at.limiter.Allow() {
		at.rateDrops++
		v.metrics.RecordMessageDropped(monitoring.DropRateLimited)
		return
	}

	v.metrics.RecordMessageAccepted()

	m, err := wire.Decode(ev.raw)
	if err != nil {
		// A malformed message from the current context marks the artifact
		// hostile or non-conforming. Terminal, never auto-retried.
		v.log.Warn("invalid handshake message",
			zap.String("viewer_id", v.id),
			zap.String("load_id", at.loadID),
			zap.Error(err),
		)
		v.fail(at, CodeInvalidMessage)
		return
	}

	if m.Token != at.token || (m.LoadID != "" && m.LoadID != at.loadID) {
		// Stale or spoofed: bound to a superseded attempt or guessing.
		// Silently dropped; the watchdog keeps running.
		at.staleDrops++
		v.metrics.RecordMessageDropped(monitoring.DropStaleToken)
		return
	}

	if !m.IsReadiness() {
		// A well-formed PING echo from the artifact; nothing to do.
		return
	}

	at.stopWatchdog()
	at.state = StateReady
	at.endedAt = time.Now()
	if m.TraceID != "" {
		at.traceID = m.TraceID
	}
	v.metrics.RecordReady(at.endedAt.Sub(at.createdAt))
	v.publish()

	v.log.Info("artifact ready",
		zap.String("viewer_id", v.id),
		zap.String("load_id", at.loadID),
		zap.String("trace_id", at.traceID),
		zap.Duration("latency", at.endedAt.Sub(at.createdAt)),
	)
}

// handleLoaded sends the Ping challenge once the surface finished loading,
// if the handshake is still pending.
func (v *Viewer) handleLoaded(ev hostLoaded) {
	at := v.cur
	if at == nil || ev.sender != at.instance || at.state != StateLoading {
		return
	}

	ping, err := wire.Encode(wire.NewPing(at.token))
	if err != nil {
		return
	}
	if err := at.instance.Deliver(ping); err != nil {
		// No handler just means the bootstrap never ran; the watchdog
		// will decide the outcome.
		v.log.Debug("ping delivery failed",
			zap.String("load_id", at.loadID),
			zap.Error(err),
		)
	}
}

// handleCrash fails the attempt when its own execution surface died.
func (v *Viewer) handleCrash(ev hostCrash) {
	at := v.cur
	if at == nil || ev.sender != at.instance {
		return
	}
	if at.state != StateLoading {
		v.log.Debug("surface crashed after terminal state",
			zap.String("load_id", at.loadID),
			zap.Error(ev.err),
		)
		return
	}

	v.log.Warn("execution surface crashed",
		zap.String("viewer_id", v.id),
		zap.String("load_id", at.loadID),
		zap.Error(ev.err),
	)
	v.fail(at, CodeSandboxCrashed)
}

// handleWatchdog fails the attempt on deadline expiry while still Loading.
func (v *Viewer) handleWatchdog(ev watchdogFired) {
	at := v.cur
	if at == nil || at.loadID != ev.loadID || at.state != StateLoading {
		return
	}

	if !at.timeoutLogged {
		at.timeoutLogged = true
		v.log.Warn("watchdog timeout: artifact never confirmed readiness",
			zap.String("viewer_id", v.id),
			zap.String("load_id", at.loadID),
			zap.Duration("deadline", at.timeout),
		)
	}
	v.fail(at, CodeWatchdogTimeout)
}

// fail moves the attempt to terminal Error and blanks the hosted surface so
// it is never left displaying a possibly-compromised render.
func (v *Viewer) fail(at *attempt, code ErrorCode) {
	at.stopWatchdog()
	at.state = StateError
	at.errorCode = code
	at.endedAt = time.Now()
	at.instance.Blank(artifact.SafeBlank(v.policy))

	switch code {
	case CodeWatchdogTimeout:
		v.metrics.RecordOutcome("watchdog_timeout")
	case CodeInvalidMessage:
		v.metrics.RecordOutcome("invalid_message")
	case CodeSandboxCrashed:
		v.metrics.RecordOutcome("sandbox_crashed")
	}
	v.publish()
}

// publish recomputes the status projection and notifies subscribers.
func (v *Viewer) publish() {
	status := v.computeStatus()
	v.status.Store(&status)

	for _, ch := range v.subs {
		select {
		case ch <- status:
		default:
			// Slow subscriber; it will catch up on the next transition.
		}
	}
}

func (v *Viewer) computeStatus() Status {
	at := v.cur
	if at == nil {
		return Status{Status: StateIdle}
	}
	s := Status{
		Status: at.state,
		LoadID: at.loadID,
	}
	if at.state == StateError {
		s.ErrorCode = at.errorCode
	}
	if at.state != StateLoading {
		s.TraceID = at.traceID
	}
	return s
}

// currentAttempt fetches current-attempt identifiers through the loop, so
// readers never race with attempt replacement.
func (v *Viewer) currentAttempt() attemptSnapshot {
	req := attemptReq{reply: make(chan attemptSnapshot, 1)}
	if err := v.post(context.Background(), req); err != nil {
		return attemptSnapshot{}
	}
	select {
	case s := <-req.reply:
		return s
	case <-v.done:
		return attemptSnapshot{}
	}
}

func (v *Viewer) snapshotAttempt() attemptSnapshot {
	at := v.cur
	if at == nil {
		return attemptSnapshot{}
	}
	return attemptSnapshot{
		loadID:   at.loadID,
		token:    at.token,
		state:    at.state,
		instance: at.instance,
	}
}

// teardown detaches the watchdog and listener and blanks the surface, so
// nothing acts on a disposed instance.
func (v *Viewer) teardown() {
	v.supersede()
	closed := Status{Status: StateIdle}
	v.status.Store(&closed)
	for subID, ch := range v.subs {
		delete(v.subs, subID)
		close(ch)
	}
}
