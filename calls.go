package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/bridge"
	"github.com/natejonesbaby/PropertyCall-Local-sub002/tools"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"

	startTimeout = 10 * time.Second
	postCallWait = time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are checked by wsAuthMiddleware where they matter; carriers send none.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var (
	errNoStart      = errors.New("media stream ended before start event")
	errCallFinished = errors.New("call already finished")
)

// activeCall is the service-side bookkeeping for one live session
type activeCall struct {
	session    *bridge.Session
	rendezvous *bridge.Rendezvous
	lead       map[string]string

	mu            sync.Mutex
	terminal      *bridge.Event
	qualification *tools.Qualification

	// serializes qualification writes so the newest one lands last
	saveMu sync.Mutex
}

func (c *activeCall) setTerminal(ev bridge.Event) {
	c.mu.Lock()
	c.terminal = &ev
	c.mu.Unlock()
}

// reattach hands a new carrier socket to a running session.
func (c *activeCall) reattach(t bridge.Transport) error {
	select {
	case <-c.session.Done():
		return errCallFinished
	default:
	}
	return c.rendezvous.Attach(t)
}

func (c *activeCall) setQualification(q tools.Qualification) {
	c.mu.Lock()
	c.qualification = &q
	c.mu.Unlock()
}

func (c *activeCall) latestQualification() *tools.Qualification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qualification
}

func (c *activeCall) terminalEvent() *bridge.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// CallManager owns the bridge sessions of this process: it accepts carrier
// media streams, dials the agent and runs the post-call pipeline.
type CallManager struct {
	config     *Config
	db         *DB
	registry   *bridge.Registry
	metrics    *bridge.Metrics
	notifier   *Notifier
	summarizer *Summarizer
	agent      bridge.Connector

	calls sync.Map // callID -> *activeCall
	wg    sync.WaitGroup
}

// NewCallManager creates a call manager. notifier and summarizer may be nil.
func NewCallManager(config *Config, db *DB, metrics *bridge.Metrics, notifier *Notifier, summarizer *Summarizer) *CallManager {
	return &CallManager{
		config:     config,
		db:         db,
		registry:   bridge.NewRegistry(),
		metrics:    metrics,
		notifier:   notifier,
		summarizer: summarizer,
		agent:      bridge.DialAgent(config.AgentURL, config.AgentAPIKey),
	}
}

// HandleMediaStream accepts a carrier media-stream WebSocket, waits for its
// start event and hands it to the session for the call.
func (m *CallManager) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		providerName = m.config.Provider
	}
	adapter, err := bridge.AdapterFor(providerName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Media] WebSocket upgrade failed: %v", err)
		return
	}
	t := bridge.NewWSTransport(conn, bridge.WSOptions{})

	start, prelude, err := awaitStart(r.Context(), adapter, t)
	if err != nil {
		log.Printf("[Media] %s stream rejected: %v", adapter.Name(), err)
		t.Close()
		return
	}

	callID := start.Parameters["callId"]
	if callID == "" {
		callID = start.CallID
	}
	if callID == "" {
		callID = start.StreamID
	}
	log.Printf("[Media] %s stream started: call=%s stream=%s format=%s", adapter.Name(), callID, start.StreamID, start.Format)

	if err := m.attach(callID, adapter.Name(), start.Parameters, bridge.WithPrelude(t, prelude...)); err != nil {
		log.Printf("[Media] call=%s: %v", callID, err)
		t.Close()
	}
}

// awaitStart reads carrier messages until the start event. The messages
// read so far are returned so the session sees them too.
func awaitStart(ctx context.Context, adapter bridge.ProviderAdapter, t bridge.Transport) (bridge.ProviderEvent, []bridge.Message, error) {
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	var prelude []bridge.Message
	for {
		select {
		case msg, ok := <-t.Messages():
			if !ok {
				return bridge.ProviderEvent{}, nil, errNoStart
			}
			prelude = append(prelude, msg)
			ev, err := adapter.Decode(msg.Data)
			if err != nil {
				log.Printf("[Media] Ignoring undecodable %s message: %v", adapter.Name(), err)
				continue
			}
			if ev.Kind == bridge.ProviderStart {
				return ev, prelude, nil
			}
		case <-timer.C:
			return bridge.ProviderEvent{}, nil, fmt.Errorf("no start event within %s", startTimeout)
		case <-ctx.Done():
			return bridge.ProviderEvent{}, nil, ctx.Err()
		}
	}
}

// attach routes a carrier stream to the call's session, creating and
// starting the session on first contact.
func (m *CallManager) attach(callID, providerName string, lead map[string]string, t bridge.Transport) error {
	if v, ok := m.calls.Load(callID); ok {
		log.Printf("[Media] call=%s: carrier stream reattached", callID)
		return v.(*activeCall).reattach(t)
	}

	call, err := m.newCall(callID, providerName, lead)
	if err != nil {
		return err
	}
	if v, loaded := m.calls.LoadOrStore(callID, call); loaded {
		// lost a race with a concurrent stream for the same call
		return v.(*activeCall).reattach(t)
	}
	if err := m.registry.Insert(call.session); err != nil {
		m.calls.CompareAndDelete(callID, call)
		return err
	}

	if err := call.rendezvous.Attach(t); err != nil {
		return err
	}
	if err := call.session.Start(context.Background()); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.finalize(call)
	return nil
}

func (m *CallManager) newCall(callID, providerName string, lead map[string]string) (*activeCall, error) {
	ctx := context.Background()
	prompt, err := RenderPrompt(ctx, m.config.PromptTemplate, lead)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	greeting, err := RenderPrompt(ctx, m.config.GreetingTemplate, lead)
	if err != nil {
		return nil, fmt.Errorf("render greeting: %w", err)
	}

	call := &activeCall{
		rendezvous: bridge.NewRendezvous(),
		lead:       lead,
	}

	cfg := m.config.BridgeConfig()
	cfg.Metrics = m.metrics
	cfg.OnEvent = func(ev bridge.Event) { m.onEvent(call, ev) }

	info := bridge.CallInfo{
		CallID:       callID,
		Provider:     providerName,
		VoiceID:      m.config.VoiceID,
		SystemPrompt: prompt,
		Greeting:     greeting,
		Lead:         lead,
	}
	session, err := bridge.NewSession(info, cfg, call.rendezvous, m.agent)
	if err != nil {
		return nil, err
	}
	call.session = session
	return call, nil
}

// onEvent runs on the session goroutine and must not block.
func (m *CallManager) onEvent(call *activeCall, ev bridge.Event) {
	switch ev.Type {
	case bridge.EventTranscript:
		log.Printf("[Media] call=%s %s: %s", ev.CallID, ev.Speaker, ev.Text)
	case bridge.EventQualification:
		if q := ev.Qualification; q != nil {
			log.Printf("[Media] call=%s qualification: %s/%s/%s", ev.CallID, q.QualificationStatus, q.Disposition, q.Sentiment)
			if m.db != nil {
				call.setQualification(*q)
				m.wg.Add(1)
				go m.persistQualification(ev.CallID, call)
			}
		}
	case bridge.EventEndCallRequested:
		log.Printf("[Media] call=%s agent requested hangup: %s", ev.CallID, ev.Reason)
	case bridge.EventAgentError:
		log.Printf("[Media] call=%s agent error: %s", ev.CallID, ev.Reason)
	case bridge.EventClosed, bridge.EventError:
		call.setTerminal(ev)
	}
}

// finalize waits for the session to end, then persists, summarizes and
// notifies.
func (m *CallManager) finalize(call *activeCall) {
	defer m.wg.Done()
	<-call.session.Done()

	callID := call.session.CallID()
	m.registry.Remove(call.session)
	m.calls.CompareAndDelete(callID, call)
	call.rendezvous.Discard()

	rec := buildCallRecord(call.session.Snapshot(), call.terminalEvent(), call.lead)

	ctx, cancel := context.WithTimeout(context.Background(), postCallWait)
	defer cancel()
	m.processFinishedCall(ctx, rec)
}

// persistQualification stores the call's newest qualification right away
// so it survives a crash before the call ends.
func (m *CallManager) persistQualification(callID string, call *activeCall) {
	defer m.wg.Done()
	call.saveMu.Lock()
	defer call.saveMu.Unlock()
	if err := m.db.SaveQualification(callID, call.latestQualification()); err != nil {
		log.Printf("[DB] call=%s: %v", callID, err)
	}
}

func buildCallRecord(snap bridge.Snapshot, terminal *bridge.Event, lead map[string]string) *CallRecord {
	rec := &CallRecord{
		CallID:        snap.CallID,
		SessionID:     snap.SessionID,
		Provider:      snap.Provider,
		StreamID:      snap.StreamID,
		Outcome:       outcomeCompleted,
		Lead:          lead,
		Stats:         snap.Stats,
		StartedAt:     snap.Stats.StartedAt,
		EndedAt:       snap.Stats.EndedAt,
		Transcript:    snap.Transcript,
		Qualification: snap.Qualification,
	}
	if snap.State == bridge.StateError {
		rec.Outcome = outcomeFailed
	}
	if terminal != nil {
		rec.Reason = terminal.Reason
		rec.ReconnectAttempts = terminal.ReconnectAttempts
		if terminal.Type == bridge.EventError {
			rec.Outcome = outcomeFailed
		}
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}
	return rec
}

func (m *CallManager) processFinishedCall(ctx context.Context, rec *CallRecord) {
	log.Printf("[Media] call=%s finished: %s (%s), %d transcript lines", rec.CallID, rec.Outcome, rec.Duration().Round(time.Second), len(rec.Transcript))

	if m.db != nil {
		if err := m.db.SaveCall(rec); err != nil {
			log.Printf("[DB] Failed to save call %s: %v", rec.CallID, err)
		}
	}

	if m.summarizer != nil {
		summary, err := m.summarizer.Summarize(ctx, rec)
		if err != nil {
			log.Printf("[Media] call=%s summary failed: %v", rec.CallID, err)
		}
		rec.Summary = summary
		if summary != "" && m.db != nil {
			if err := m.db.UpdateSummary(rec.CallID, summary); err != nil {
				log.Printf("[DB] Failed to save summary for %s: %v", rec.CallID, err)
			}
		}
	}

	if rec.Summary == "" {
		rec.Summary = fallbackSummary(rec.Transcript)
	}
	if err := m.notifier.CallFinished(rec); err != nil {
		log.Printf("[Notify] Failed to send call %s: %v", rec.CallID, err)
	}
}

// Lookup returns the live session for callID
func (m *CallManager) Lookup(callID string) (*bridge.Session, bool) {
	return m.registry.Lookup(callID)
}

// Active lists snapshots of all live sessions
func (m *CallManager) Active() []bridge.Snapshot {
	sessions := m.registry.List()
	snaps := make([]bridge.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// Shutdown closes every live session and waits for the post-call work.
func (m *CallManager) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.registry.List() {
		wg.Add(1)
		go func(s *bridge.Session) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				log.Printf("[Media] call=%s close: %v", s.CallID(), err)
			}
		}(s)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[Media] Shutdown: post-call work still running")
	}
}
