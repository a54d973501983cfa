package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	in     chan Message
	sent   []Message
	err    error
	closed bool
	full   bool
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan Message, 64)}
}

func (f *fakeTransport) Send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.full {
		return ErrBackpressure
	}
	f.sent = append(f.sent, Message{Binary: m.Binary, Data: append([]byte(nil), m.Data...)})
	return nil
}

func (f *fakeTransport) Messages() <-chan Message { return f.in }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.hangup(nil)
	return nil
}

// hangup simulates the peer going away.
func (f *fakeTransport) hangup(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.err = err
		f.mu.Unlock()
		close(f.in)
	})
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) setFull(full bool) {
	f.mu.Lock()
	f.full = full
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(m Message) { f.in <- m }

func (f *fakeTransport) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *fakeTransport) binary() [][]byte {
	var out [][]byte
	for _, m := range f.messages() {
		if m.Binary {
			out = append(out, m.Data)
		}
	}
	return out
}

// jsonOfType returns sent text frames whose type (or event) field matches.
func (f *fakeTransport) jsonOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range f.messages() {
		if m.Binary {
			continue
		}
		var v map[string]any
		if json.Unmarshal(m.Data, &v) != nil {
			continue
		}
		if v["type"] == typ || v["event"] == typ {
			out = append(out, v)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.ofType(EventStateChanged) {
		out = append(out, ev.To)
	}
	return out
}

func testConfig(rec *recorder) Config {
	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.CloseGrace = 20 * time.Millisecond
	cfg.EndCallDelay = 0
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.OnEvent = rec.record
	return cfg
}

type harness struct {
	s        *Session
	rec      *recorder
	provider *fakeTransport
	agent    *fakeTransport
	provRdv  *Rendezvous
	agentRdv *Rendezvous
}

// startConnected starts a twilio session with both legs attached.
func startConnected(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		rec:      &recorder{},
		provider: newFakeTransport(),
		agent:    newFakeTransport(),
		provRdv:  NewRendezvous(),
		agentRdv: NewRendezvous(),
	}
	cfg := testConfig(h.rec)
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(CallInfo{CallID: "call-1", Provider: "twilio", Greeting: "Hi there"}, cfg, h.provRdv, h.agentRdv)
	require.NoError(t, err)
	h.s = s

	require.NoError(t, h.agentRdv.Attach(h.agent))
	require.NoError(t, h.provRdv.Attach(h.provider))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.ProviderConnected && snap.AgentConnected
	}, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return h
}

// startStream sends the carrier start message and waits for it to land.
func (h *harness) startStream(t *testing.T) {
	t.Helper()
	h.provider.deliver(twilioStartMsg("MZ123"))
	require.Eventually(t, func() bool {
		return len(h.rec.ofType(EventStarted)) == 1
	}, time.Second, 5*time.Millisecond)
}

func twilioStartMsg(streamSid string) Message {
	return Message{Data: []byte(`{"event":"start","streamSid":"` + streamSid + `","start":{"streamSid":"` + streamSid +
		`","callSid":"CA1","tracks":["inbound"],"customParameters":{"leadId":"42"},` +
		`"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`)}
}

func twilioMediaMsg(payload []byte) Message {
	return Message{Data: []byte(`{"event":"media","streamSid":"MZ123","media":{"track":"inbound","chunk":"1","timestamp":"20","payload":"` +
		base64.StdEncoding.EncodeToString(payload) + `"}}`)}
}

func silenceMulaw(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}
