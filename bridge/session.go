package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/audio"
	"github.com/natejonesbaby/PropertyCall-Local-sub002/tools"
)

var (
	ErrSessionClosed  = errors.New("bridge: session closed")
	ErrAlreadyStarted = errors.New("bridge: session already started")
)

// Leg names one side of the bridge.
type Leg int

const (
	LegProvider Leg = iota
	LegAgent
)

func (l Leg) String() string {
	if l == LegAgent {
		return "agent"
	}
	return "provider"
}

// CallInfo is the per-call configuration handed over by the owning service.
// The bridge passes these values through to the agent without
// interpreting them.
type CallInfo struct {
	CallID       string
	Provider     string
	VoiceID      string
	SystemPrompt string
	Greeting     string
	Lead         map[string]string
}

// Config holds the tuning and collaborators of a session.
type Config struct {
	Agent       AgentSettings
	AgentFormat audio.Format

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ConnectTimeout       time.Duration
	// CloseGrace is how long Close waits for the agent to finish after the
	// polite termination message.
	CloseGrace time.Duration
	// EndCallDelay is how long after an end_call request the session
	// closes itself. Zero leaves closing to the owner.
	EndCallDelay time.Duration
	// IdleTimeout is how long without forwarded audio before STREAMING
	// falls back to CONNECTED. Zero keeps a session STREAMING once audio
	// has flowed.
	IdleTimeout time.Duration
	// MaxSendFailures is the number of consecutive failed sends on a leg
	// after which the leg is treated as lost. Zero only drops the frames.
	MaxSendFailures   int
	ConnectionLogSize int

	Logger  *log.Logger
	Metrics *Metrics
	// OnEvent is called on the session goroutine and must not block.
	OnEvent func(Event)
}

func DefaultConfig() Config {
	return Config{
		AgentFormat:          audio.AgentFormat,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Second,
		ConnectTimeout:       10 * time.Second,
		CloseGrace:           500 * time.Millisecond,
		EndCallDelay:         3 * time.Second,
		IdleTimeout:          2 * time.Second,
		MaxSendFailures:      50,
		ConnectionLogSize:    50,
	}
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	SessionID         string               `json:"session_id"`
	CallID            string               `json:"call_id"`
	Provider          string               `json:"provider"`
	StreamID          string               `json:"stream_id,omitempty"`
	AgentSessionID    string               `json:"agent_session_id,omitempty"`
	State             State                `json:"state"`
	ProviderConnected bool                 `json:"provider_connected"`
	AgentConnected    bool                 `json:"agent_connected"`
	Active            bool                 `json:"active"`
	ProviderAttempts  int                  `json:"provider_reconnect_attempts"`
	AgentAttempts     int                  `json:"agent_reconnect_attempts"`
	Monitors          int                  `json:"monitors"`
	AudioPassthrough  bool                 `json:"audio_passthrough"`
	Stats             Stats                `json:"stats"`
	Transcript        []TranscriptLine     `json:"transcript"`
	Qualification     *tools.Qualification `json:"qualification,omitempty"`
	ConnectionLog     []ConnectionEvent    `json:"connection_log"`
}

type leg struct {
	kind       Leg
	connector  Connector
	transport  Transport
	gen        int
	up         bool
	connecting bool
	attempts   int
	sendFails  int
	cancel     context.CancelFunc
	timer      *time.Timer
}

// inbox messages
type (
	legMessage struct {
		leg Leg
		gen int
		msg Message
	}
	legClosed struct {
		leg Leg
		gen int
		err error
	}
	connectResult struct {
		leg Leg
		gen int
		t   Transport
		err error
	}
	retryDue struct {
		leg Leg
		gen int
	}
	closeRequest  struct{ reason string }
	graceExpired  struct{}
	idleCheck     struct{}
	monitorAttach struct {
		id string
		t  Transport
	}
	monitorDetached struct{ id string }
	snapshotRequest struct{ reply chan Snapshot }
)

// Session bridges one call between the carrier and the voice agent. All
// mutable state is owned by a single goroutine; connection attempts,
// transport readers and timers hand their results to it through the inbox.
type Session struct {
	id     string
	call   CallInfo
	cfg    Config
	logger *log.Logger

	adapter  ProviderAdapter
	pipeline *audio.Pipeline

	legs          [2]*leg
	sm            *stateMachine
	active        bool
	lastAudio     time.Time
	idleTimer     *time.Timer
	streamID      string
	agentID       string
	transcript    []TranscriptLine
	qualification *tools.Qualification
	stats         Stats
	conlog        *ConnectionLog
	monitors      map[string]Transport
	closeReason   string
	graceTimer    *time.Timer
	endTimer      *time.Timer
	finished      bool

	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan any
	done    chan struct{}
	started atomic.Bool
	final   atomic.Pointer[Snapshot]
}

// NewSession prepares a session for call. provider and agent establish the
// two legs; nothing is dialed until Start.
func NewSession(call CallInfo, cfg Config, provider, agent Connector) (*Session, error) {
	if call.CallID == "" {
		return nil, errors.New("bridge: call id is required")
	}
	if provider == nil || agent == nil {
		return nil, errors.New("bridge: both leg connectors are required")
	}
	adapter, err := AdapterFor(call.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.AgentFormat == (audio.Format{}) {
		cfg.AgentFormat = audio.AgentFormat
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		call:     call,
		cfg:      cfg,
		logger:   logger,
		adapter:  adapter,
		pipeline: audio.NewPipeline(),
		legs: [2]*leg{
			LegProvider: {kind: LegProvider, connector: provider},
			LegAgent:    {kind: LegAgent, connector: agent},
		},
		sm:       newStateMachine(),
		conlog:   NewConnectionLog(cfg.ConnectionLogSize),
		monitors: make(map[string]Transport),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan any, 256),
		done:     make(chan struct{}),
	}
	s.pipeline.Agent = cfg.AgentFormat
	s.pipeline.Logger = logger
	s.pipeline.OnFallback = func(dir audio.Direction, err error) {
		s.stats.ConversionFallbacks++
		s.cfg.Metrics.fallback(string(dir))
	}
	return s, nil
}

func (s *Session) ID() string     { return s.id }
func (s *Session) CallID() string { return s.call.CallID }
func (s *Session) Call() CallInfo { return s.call }

// Done is closed once the session has emitted its terminal event.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start dials both legs and runs the session until it closes or fails.
// Cancelling ctx closes the session.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.stats.StartedAt = time.Now()
	s.cfg.Metrics.sessionStarted()
	s.conlog.Add("session_started", map[string]any{"provider": s.adapter.Name()})
	s.logf("starting (provider=%s, agent format %s)", s.adapter.Name(), s.pipeline.Agent)

	go s.run(ctx)
	return nil
}

// Close shuts the session down gracefully and waits until the closed event
// has been emitted or ctx ends. Calling it again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.started.CompareAndSwap(false, true) {
		// never started: nothing to tear down, finish inline
		s.stats.StartedAt = time.Now()
		s.cfg.Metrics.sessionStarted()
		s.beginClose("closed before start")
		return nil
	}
	s.post(closeRequest{reason: "closed by owner"})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddMonitor attaches a listener that receives a copy of both audio
// directions. It returns the listener id.
func (s *Session) AddMonitor(t Transport) (string, error) {
	id := uuid.NewString()
	if !s.post(monitorAttach{id: id, t: t}) {
		t.Close()
		return "", ErrSessionClosed
	}
	return id, nil
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	if snap := s.final.Load(); snap != nil {
		return *snap
	}
	if !s.started.Load() {
		return s.snapshot()
	}
	reply := make(chan Snapshot, 1)
	if s.post(snapshotRequest{reply: reply}) {
		select {
		case snap := <-reply:
			return snap
		case <-s.done:
		}
	}
	if snap := s.final.Load(); snap != nil {
		return *snap
	}
	return Snapshot{SessionID: s.id, CallID: s.call.CallID, State: StateError}
}

func (s *Session) snapshot() Snapshot {
	p, a := s.legs[LegProvider], s.legs[LegAgent]
	snap := Snapshot{
		SessionID:         s.id,
		CallID:            s.call.CallID,
		Provider:          s.adapter.Name(),
		StreamID:          s.streamID,
		AgentSessionID:    s.agentID,
		State:             s.sm.Current(),
		ProviderConnected: p.up,
		AgentConnected:    a.up,
		Active:            s.active,
		ProviderAttempts:  p.attempts,
		AgentAttempts:     a.attempts,
		Monitors:          len(s.monitors),
		AudioPassthrough:  s.pipeline.Passthrough(),
		Stats:             s.stats,
		Transcript:        append([]TranscriptLine(nil), s.transcript...),
		ConnectionLog:     s.conlog.Entries(),
	}
	if s.qualification != nil {
		q := *s.qualification
		snap.Qualification = &q
	}
	return snap
}

// post hands m to the session goroutine. It reports false once the
// session has finished.
func (s *Session) post(m any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run(ctx context.Context) {
	s.connect(LegAgent)
	s.connect(LegProvider)

	cancelled := ctx.Done()
	for !s.finished {
		select {
		case m := <-s.inbox:
			s.handle(m)
		case <-cancelled:
			cancelled = nil
			s.beginClose("context cancelled")
		}
	}
}

func (s *Session) handle(m any) {
	switch m := m.(type) {
	case legMessage:
		if m.gen != s.legs[m.leg].gen {
			return
		}
		if m.leg == LegProvider {
			s.handleProviderMessage(m.msg)
		} else {
			s.handleAgentMessage(m.msg)
		}

	case legClosed:
		s.onLegClosed(m)

	case connectResult:
		s.onConnectResult(m)

	case retryDue:
		l := s.legs[m.leg]
		if m.gen != l.gen || s.closingOrFailed() {
			return
		}
		l.timer = nil
		s.connect(m.leg)

	case closeRequest:
		s.beginClose(m.reason)

	case graceExpired:
		s.logf("close grace period expired")
		s.finishClose()

	case idleCheck:
		s.onIdleCheck()

	case monitorAttach:
		s.attachMonitor(m.id, m.t)

	case monitorDetached:
		s.dropMonitor(m.id, "listener disconnected")

	case snapshotRequest:
		m.reply <- s.snapshot()
	}
}

func (s *Session) closingOrFailed() bool {
	st := s.sm.Current()
	return st == StateClosing || st == StateError || s.finished
}

func (s *Session) connect(kind Leg) {
	l := s.legs[kind]
	l.gen++
	l.connecting = true
	gen := l.gen

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	l.cancel = cancel
	s.conlog.Add("connect_attempt", map[string]any{"leg": kind.String(), "attempt": l.attempts})

	connector := l.connector
	go func() {
		t, err := connector.Connect(ctx)
		cancel()
		if err == nil && t == nil {
			err = errors.New("connector returned no transport")
		}
		if !s.post(connectResult{leg: kind, gen: gen, t: t, err: err}) && t != nil {
			t.Close()
		}
	}()
}

func (s *Session) onConnectResult(m connectResult) {
	l := s.legs[m.leg]
	if m.gen != l.gen || s.closingOrFailed() {
		if m.t != nil {
			m.t.Close()
		}
		return
	}
	l.connecting = false
	l.cancel = nil

	if m.err != nil {
		s.logf("%s connect failed: %v", m.leg, m.err)
		s.conlog.Add("connect_failed", map[string]any{"leg": m.leg.String(), "error": m.err.Error()})
		s.legFailed(m.leg, fmt.Errorf("connect %s: %w", m.leg, m.err), false)
		return
	}

	l.transport = m.t
	l.up = true
	l.sendFails = 0
	if l.attempts > 0 {
		s.logf("%s reconnected after %d attempt(s)", m.leg, l.attempts)
		if m.leg == LegProvider {
			s.stats.ProviderReconnects++
		} else {
			s.stats.AgentReconnects++
		}
	}
	l.attempts = 0
	s.conlog.Add("connected", map[string]any{"leg": m.leg.String()})

	go s.read(m.leg, l.gen, m.t)

	if m.leg == LegAgent {
		s.sendSettings()
	}
	s.derive(m.leg)
}

func (s *Session) read(kind Leg, gen int, t Transport) {
	for msg := range t.Messages() {
		if !s.post(legMessage{leg: kind, gen: gen, msg: msg}) {
			return
		}
	}
	s.post(legClosed{leg: kind, gen: gen, err: t.Err()})
}

func (s *Session) onLegClosed(m legClosed) {
	l := s.legs[m.leg]
	if m.gen != l.gen || !l.up {
		return
	}
	l.up = false
	l.transport = nil
	s.active = false
	s.conlog.Add("disconnected", map[string]any{"leg": m.leg.String(), "clean": m.err == nil})

	if s.sm.Current() == StateClosing {
		if m.err != nil {
			s.fail(fmt.Errorf("%s failed while closing: %w", m.leg, m.err))
			return
		}
		if !s.legs[LegProvider].up && !s.legs[LegAgent].up {
			s.finishClose()
		}
		return
	}

	reason := m.err
	if reason == nil {
		reason = fmt.Errorf("%s closed by peer", m.leg)
	}
	s.logf("%s disconnected: %v", m.leg, reason)
	s.legFailed(m.leg, reason, true)
}

// legFailed applies the reconnection policy after a leg is lost or fails
// to connect.
func (s *Session) legFailed(kind Leg, reason error, disconnected bool) {
	if s.closingOrFailed() {
		return
	}
	l := s.legs[kind]
	l.up = false
	l.transport = nil
	s.active = false

	if disconnected {
		if kind == LegProvider {
			s.stats.ProviderDisconnects++
		} else {
			s.stats.AgentDisconnects++
		}
	}

	if l.attempts >= s.cfg.MaxReconnectAttempts {
		s.fail(fmt.Errorf("%s: giving up after %d reconnect attempts: %w", kind, l.attempts, reason))
		return
	}

	l.attempts++
	delay := s.backoff(l.attempts)
	s.cfg.Metrics.reconnect(kind)
	s.logf("%s reconnect %d/%d in %v", kind, l.attempts, s.cfg.MaxReconnectAttempts, delay)
	s.conlog.Add("reconnect_scheduled", map[string]any{
		"leg": kind.String(), "attempt": l.attempts, "delay_ms": delay.Milliseconds(),
	})
	s.setState(StateReconnecting, kind, l.attempts)

	gen := l.gen
	l.timer = time.AfterFunc(delay, func() { s.post(retryDue{leg: kind, gen: gen}) })
}

// backoff is base * 2^(attempt-1).
func (s *Session) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.cfg.ReconnectBaseDelay << (attempt - 1)
}

func (s *Session) reconnecting() bool {
	for _, l := range s.legs {
		if l.attempts > 0 && !l.up {
			return true
		}
	}
	return false
}

// derive recomputes the composite state from leg connectivity.
func (s *Session) derive(kind Leg) {
	if s.closingOrFailed() {
		return
	}
	to := deriveState(s.legs[LegProvider].up, s.legs[LegAgent].up, s.active, s.reconnecting())
	if to == StateReconnecting {
		return
	}
	s.setState(to, kind, 0)
}

// setState moves the machine and reports the change. Re-entering
// RECONNECTING is reported too since each entry is a new attempt.
func (s *Session) setState(to State, kind Leg, attempt int) {
	from := s.sm.Current()
	changed, err := s.sm.To(to)
	if err != nil {
		s.logf("state: %v", err)
		return
	}
	if !changed && to != StateReconnecting {
		return
	}
	s.announce(from, to, kind, attempt)
}

func (s *Session) announce(from, to State, kind Leg, attempt int) {
	s.cfg.Metrics.transition(to)
	s.conlog.Add("state", map[string]any{"from": string(from), "to": string(to)})
	s.emit(Event{Type: EventStateChanged, From: from, To: to, Leg: kind, Attempt: attempt})
}

// markActive records forwarded audio. The first frame with both legs up
// moves the session to STREAMING.
func (s *Session) markActive() {
	s.lastAudio = time.Now()
	if s.active || !s.legs[LegProvider].up || !s.legs[LegAgent].up {
		return
	}
	s.active = true
	s.derive(LegProvider)
	s.armIdle(s.cfg.IdleTimeout)
}

func (s *Session) armIdle(after time.Duration) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(after, func() { s.post(idleCheck{}) })
}

// onIdleCheck drops back to CONNECTED when no audio has been forwarded
// for IdleTimeout.
func (s *Session) onIdleCheck() {
	if !s.active || s.closingOrFailed() {
		return
	}
	if quiet := time.Since(s.lastAudio); quiet < s.cfg.IdleTimeout {
		s.armIdle(s.cfg.IdleTimeout - quiet)
		return
	}
	s.idleTimer = nil
	s.active = false
	s.derive(LegProvider)
}

// sendFailed counts a failed send on a primary leg. Once MaxSendFailures
// sends in a row have failed the leg is dropped and reconnected.
func (s *Session) sendFailed(kind Leg, err error) {
	l := s.legs[kind]
	l.sendFails++
	if s.cfg.MaxSendFailures <= 0 || l.sendFails < s.cfg.MaxSendFailures || s.closingOrFailed() {
		return
	}
	s.logf("%s: %d sends in a row failed, dropping leg", kind, l.sendFails)
	s.conlog.Add("send_failures", map[string]any{"leg": kind.String(), "count": l.sendFails})

	// the reader's close notice carries the old generation and is ignored
	l.gen++
	if l.transport != nil {
		l.transport.Close()
	}
	l.sendFails = 0
	s.legFailed(kind, fmt.Errorf("%s: %d consecutive sends failed: %w", kind, s.cfg.MaxSendFailures, err), true)
}

// beginClose starts the graceful shutdown. Only the first call has effect.
func (s *Session) beginClose(reason string) {
	if s.closingOrFailed() {
		return
	}
	s.closeReason = reason
	s.logf("closing: %s", reason)
	s.setState(StateClosing, LegProvider, 0)

	for _, l := range s.legs {
		s.stopLeg(l)
	}

	agent := s.legs[LegAgent]
	if agent.up {
		if err := agent.transport.Send(Message{Data: closeStreamMsg}); err != nil {
			s.logf("agent close message not sent: %v", err)
		}
	}
	if !agent.up || s.cfg.CloseGrace <= 0 {
		s.finishClose()
		return
	}
	s.graceTimer = time.AfterFunc(s.cfg.CloseGrace, func() { s.post(graceExpired{}) })
}

// stopLeg cancels any pending retry or connect attempt of l.
func (s *Session) stopLeg(l *leg) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.connecting {
		l.connecting = false
		l.gen++
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
	}
}

func (s *Session) finishClose() {
	if s.finished {
		return
	}
	s.teardown()
	if err := s.sm.Finish(); err != nil {
		s.logf("state: %v", err)
	} else {
		s.announce(StateClosing, StateDisconnected, LegProvider, 0)
	}

	stats := s.stats
	s.logf("closed after %v (%d packets in, %d packets out)",
		stats.Duration().Round(time.Second), stats.PacketsFromProvider, stats.PacketsToProvider)
	s.emit(Event{
		Type:       EventClosed,
		Reason:     s.closeReason,
		Stats:      &stats,
		Transcript: append([]TranscriptLine(nil), s.transcript...),
	})
	s.cfg.Metrics.sessionEnded("closed", stats)
	s.finish()
}

// fail moves the session to ERROR and emits the terminal error event.
func (s *Session) fail(reason error) {
	if s.finished || s.sm.Current() == StateError {
		return
	}
	s.logf("failed: %v", reason)
	s.setState(StateError, LegProvider, 0)
	s.teardown()

	attempts := 0
	for _, l := range s.legs {
		attempts = max(attempts, l.attempts)
	}
	stats := s.stats
	s.emit(Event{
		Type:              EventError,
		Reason:            reason.Error(),
		Err:               reason,
		ReconnectAttempts: attempts,
		Stats:             &stats,
		Transcript:        append([]TranscriptLine(nil), s.transcript...),
	})
	s.cfg.Metrics.sessionEnded("error", stats)
	s.finish()
}

// teardown hard-closes both legs and every monitor.
func (s *Session) teardown() {
	for _, t := range []*time.Timer{s.graceTimer, s.endTimer, s.idleTimer} {
		if t != nil {
			t.Stop()
		}
	}
	for _, l := range s.legs {
		s.stopLeg(l)
		l.gen++
		if l.transport != nil {
			l.transport.Close()
			l.transport = nil
		}
		l.up = false
	}
	s.active = false
	for id := range s.monitors {
		s.dropMonitor(id, "session ended")
	}
	s.stats.EndedAt = time.Now()
}

func (s *Session) finish() {
	s.finished = true
	snap := s.snapshot()
	s.final.Store(&snap)
	s.cancel()
	close(s.done)
}

func (s *Session) emit(ev Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	ev.CallID = s.call.CallID
	ev.Time = time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logf("event handler panicked on %s: %v", ev.Type, r)
		}
	}()
	s.cfg.OnEvent(ev)
}

func (s *Session) logf(format string, args ...any) {
	s.logger.Printf("[Bridge] call=%s "+format, append([]any{s.call.CallID}, args...)...)
}
