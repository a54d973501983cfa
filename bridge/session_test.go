package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/audio"
)

func TestProviderConnectFailuresExhaustRetries(t *testing.T) {
	rec := &recorder{}
	agentRdv := NewRendezvous()
	agent := newFakeTransport()
	require.NoError(t, agentRdv.Attach(agent))

	var dials atomic.Int32
	provider := ConnectorFunc(func(ctx context.Context) (Transport, error) {
		dials.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil, errors.New("carrier unreachable")
	})

	s, err := NewSession(CallInfo{CallID: "call-retry", Provider: "twilio"}, testConfig(rec), provider, agentRdv)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s)

	assert.Equal(t, []State{
		StateConnectingProvider,
		StateReconnecting,
		StateReconnecting,
		StateReconnecting,
		StateError,
	}, rec.states())

	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, 3, errs[0].ReconnectAttempts)
	assert.Contains(t, errs[0].Reason, "carrier unreachable")
	require.NotNil(t, errs[0].Stats)
	assert.Empty(t, rec.ofType(EventClosed))

	assert.EqualValues(t, 4, dials.Load())
	assert.Equal(t, StateError, s.Snapshot().State)
	assert.True(t, agent.isClosed())
}

func TestHungConnectTimesOut(t *testing.T) {
	rec := &recorder{}
	agentRdv := NewRendezvous()
	require.NoError(t, agentRdv.Attach(newFakeTransport()))

	cfg := testConfig(rec)
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 1

	// the carrier never attaches a media stream
	s, err := NewSession(CallInfo{CallID: "call-hung", Provider: "twilio"}, cfg, NewRendezvous(), agentRdv)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s)

	assert.Equal(t, []State{StateConnectingProvider, StateReconnecting, StateError}, rec.states())

	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].ReconnectAttempts)
	assert.ErrorIs(t, errs[0].Err, context.DeadlineExceeded)
	assert.Contains(t, errs[0].Reason, "connect provider")
}

func TestReconnectsDroppedLeg(t *testing.T) {
	h := startConnected(t, nil)

	h.provider.hangup(errors.New("connection reset"))
	replacement := newFakeTransport()
	require.NoError(t, h.provRdv.Attach(replacement))

	require.Eventually(t, func() bool {
		return h.s.Snapshot().Stats.ProviderReconnects == 1
	}, time.Second, 5*time.Millisecond)

	snap := h.s.Snapshot()
	assert.True(t, snap.ProviderConnected)
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, 1, snap.Stats.ProviderDisconnects)
	assert.Equal(t, 1, snap.Stats.ProviderReconnects)
	assert.Equal(t, 0, snap.ProviderAttempts)

	states := h.rec.states()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []State{StateReconnecting, StateConnected}, states[len(states)-2:])
}

func TestPeerCloseCountsAsDisconnect(t *testing.T) {
	h := startConnected(t, nil)

	h.agent.hangup(nil)
	require.Eventually(t, func() bool {
		return h.s.Snapshot().State == StateReconnecting
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.s.Snapshot().Stats.AgentDisconnects)
}

func TestCallerAudioReachesAgent(t *testing.T) {
	h := startConnected(t, nil)
	h.startStream(t)

	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))

	require.Eventually(t, func() bool { return len(h.agent.binary()) == 1 }, time.Second, 5*time.Millisecond)
	frame := h.agent.binary()[0]
	assert.Len(t, frame, 640)
	assert.Equal(t, make([]byte, 640), frame)

	snap := h.s.Snapshot()
	assert.Equal(t, StateStreaming, snap.State)
	assert.True(t, snap.Active)
	assert.False(t, snap.AudioPassthrough)
	assert.EqualValues(t, 1, snap.Stats.PacketsFromProvider)
	assert.EqualValues(t, 1, snap.Stats.PacketsToAgent)
	assert.EqualValues(t, 160, snap.Stats.BytesFromProvider)

	started := h.rec.ofType(EventStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "MZ123", started[0].StreamID)
	assert.Equal(t, "42", started[0].Parameters["leadId"])
}

func TestMulawAgentPassesAudioThrough(t *testing.T) {
	h := startConnected(t, func(c *Config) { c.AgentFormat = audio.CarrierFormat })
	h.startStream(t)

	frame := silenceMulaw(160)
	frame[0] = 0x80
	h.provider.deliver(twilioMediaMsg(frame))

	require.Eventually(t, func() bool { return len(h.agent.binary()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, frame, h.agent.binary()[0])

	snap := h.s.Snapshot()
	assert.True(t, snap.AudioPassthrough)
	assert.Zero(t, snap.Stats.ConversionFallbacks)
}

func TestAgentAudioReachesCaller(t *testing.T) {
	h := startConnected(t, nil)
	h.startStream(t)

	h.agent.deliver(Message{Binary: true, Data: make([]byte, 640)})

	require.Eventually(t, func() bool { return len(h.provider.jsonOfType("media")) == 1 }, time.Second, 5*time.Millisecond)
	media := h.provider.jsonOfType("media")[0]
	assert.Equal(t, "MZ123", media["streamSid"])
	payload, err := base64.StdEncoding.DecodeString(media["media"].(map[string]any)["payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, silenceMulaw(160), payload)

	snap := h.s.Snapshot()
	assert.EqualValues(t, 1, snap.Stats.PacketsFromAgent)
	assert.EqualValues(t, 1, snap.Stats.PacketsToProvider)
}

func TestUnparseableAgentTextIsAudio(t *testing.T) {
	h := startConnected(t, nil)
	h.startStream(t)

	h.agent.deliver(Message{Data: make([]byte, 320)})

	require.Eventually(t, func() bool { return len(h.provider.jsonOfType("media")) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, h.s.Snapshot().Stats.ProtocolErrors)
}

func TestAgentReceivesSettingsOnConnect(t *testing.T) {
	h := startConnected(t, func(cfg *Config) {
		cfg.Agent = AgentSettings{ListenModel: "nova-3", ThinkProvider: "open_ai", ThinkModel: "gpt-4o-mini", SpeakModel: "aura-2-thalia-en"}
	})

	settings := h.agent.jsonOfType("Settings")
	require.Len(t, settings, 1)
	agent := settings[0]["agent"].(map[string]any)
	assert.Equal(t, "Hi there", agent["greeting"])
	input := settings[0]["audio"].(map[string]any)["input"].(map[string]any)
	assert.Equal(t, "linear16", input["encoding"])
	assert.EqualValues(t, 16000, input["sample_rate"])
}

func TestStreamingFallsBackToConnectedWhenIdle(t *testing.T) {
	h := startConnected(t, func(c *Config) { c.IdleTimeout = 30 * time.Millisecond })
	h.startStream(t)

	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool {
		snap := h.s.Snapshot()
		return snap.State == StateConnected && !snap.Active && snap.Stats.PacketsToAgent == 1
	}, time.Second, 5*time.Millisecond)

	states := h.rec.states()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []State{StateStreaming, StateConnected}, states[len(states)-2:])

	// audio resumes
	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool { return h.s.Snapshot().Stats.PacketsToAgent == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.rec.states()[len(states):], StateStreaming)
}

func TestSustainedBackpressureDropsLeg(t *testing.T) {
	h := startConnected(t, func(c *Config) { c.MaxSendFailures = 3 })
	h.startStream(t)
	h.agent.setFull(true)

	for i := 0; i < 3; i++ {
		h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	}

	require.Eventually(t, func() bool { return h.s.Snapshot().AgentAttempts == 1 }, time.Second, 5*time.Millisecond)
	snap := h.s.Snapshot()
	assert.Equal(t, StateReconnecting, snap.State)
	assert.False(t, snap.AgentConnected)
	assert.EqualValues(t, 3, snap.Stats.AgentSendFailures)
	assert.EqualValues(t, 1, snap.Stats.AgentDisconnects)
	assert.True(t, h.agent.isClosed())

	replacement := newFakeTransport()
	require.NoError(t, h.agentRdv.Attach(replacement))
	require.Eventually(t, func() bool {
		snap := h.s.Snapshot()
		return snap.AgentConnected && snap.Stats.AgentReconnects == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, replacement.jsonOfType("Settings"), 1)
}

func TestSendFailuresBelowLimitOnlyDropFrames(t *testing.T) {
	h := startConnected(t, func(c *Config) { c.MaxSendFailures = 3 })
	h.startStream(t)

	h.agent.setFull(true)
	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool { return h.s.Snapshot().Stats.DroppedToAgent == 2 }, time.Second, 5*time.Millisecond)

	// a successful send resets the run
	h.agent.setFull(false)
	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool { return h.s.Snapshot().Stats.PacketsToAgent == 1 }, time.Second, 5*time.Millisecond)
	h.agent.setFull(true)
	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool { return h.s.Snapshot().Stats.DroppedToAgent == 4 }, time.Second, 5*time.Millisecond)

	snap := h.s.Snapshot()
	assert.True(t, snap.AgentConnected)
	assert.Equal(t, 0, snap.AgentAttempts)
	assert.False(t, h.agent.isClosed())
}

func TestDropsCallerAudioWhileAgentDown(t *testing.T) {
	rec := &recorder{}
	provRdv := NewRendezvous()
	provider := newFakeTransport()
	require.NoError(t, provRdv.Attach(provider))

	s, err := NewSession(CallInfo{CallID: "call-drop", Provider: "twilio"}, testConfig(rec), provRdv, NewRendezvous())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	require.Eventually(t, func() bool { return s.Snapshot().ProviderConnected }, time.Second, 5*time.Millisecond)
	provider.deliver(twilioStartMsg("MZ9"))
	provider.deliver(twilioMediaMsg(silenceMulaw(160)))

	require.Eventually(t, func() bool { return s.Snapshot().Stats.DroppedToAgent == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, s.Snapshot().Stats.PacketsToAgent)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := startConnected(t, nil)

	require.NoError(t, h.s.Close(context.Background()))
	require.NoError(t, h.s.Close(context.Background()))

	assert.Len(t, h.agent.jsonOfType("CloseStream"), 1)
	closed := h.rec.ofType(EventClosed)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].Stats)
	assert.False(t, closed[0].Stats.EndedAt.IsZero())
	assert.Empty(t, h.rec.ofType(EventError))

	assert.True(t, h.provider.isClosed())
	assert.True(t, h.agent.isClosed())
	assert.Equal(t, StateDisconnected, h.s.Snapshot().State)

	states := h.rec.states()
	assert.Equal(t, []State{StateClosing, StateDisconnected}, states[len(states)-2:])
}

func TestCloseBeforeStart(t *testing.T) {
	rec := &recorder{}
	s, err := NewSession(CallInfo{CallID: "call-idle"}, testConfig(rec), NewRendezvous(), NewRendezvous())
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	waitDone(t, s)
	assert.Len(t, rec.ofType(EventClosed), 1)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestLegFailureWhileClosingIsTerminalError(t *testing.T) {
	h := startConnected(t, func(cfg *Config) { cfg.CloseGrace = time.Second })

	closeErr := make(chan error, 1)
	go func() { closeErr <- h.s.Close(context.Background()) }()

	require.Eventually(t, func() bool { return h.s.Snapshot().State == StateClosing }, time.Second, 5*time.Millisecond)
	h.agent.hangup(errors.New("agent crashed"))

	require.NoError(t, <-closeErr)
	assert.Len(t, h.rec.ofType(EventError), 1)
	assert.Empty(t, h.rec.ofType(EventClosed))
	assert.Equal(t, StateError, h.s.Snapshot().State)
}

func TestCarrierStopClosesSession(t *testing.T) {
	h := startConnected(t, nil)
	h.startStream(t)

	h.provider.deliver(Message{Data: []byte(`{"event":"stop","streamSid":"MZ123","stop":{"callSid":"CA1"}}`)})
	waitDone(t, h.s)

	closed := h.rec.ofType(EventClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "carrier stream stopped", closed[0].Reason)
}

func TestContextCancelClosesSession(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewSession(CallInfo{CallID: "call-ctx"}, testConfig(rec), NewRendezvous(), NewRendezvous())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	cancel()
	waitDone(t, s)
	closed := rec.ofType(EventClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "context cancelled", closed[0].Reason)
}

func TestToolCallsAnsweredOnce(t *testing.T) {
	h := startConnected(t, nil)

	h.agent.deliver(Message{Data: []byte(`{"type":"FunctionCallRequest","function_name":"extract_qualification_data","function_call_id":"fc-1",` +
		`"input":{"qualification_status":"qualified","sentiment":"positive","disposition":"interested","timeline":"3 months"}}`)})
	h.agent.deliver(Message{Data: []byte(`{"type":"FunctionCallRequest","functions":[{"id":"fc-2","name":"book_flight","arguments":"{}","client_side":true}]}`)})
	h.agent.deliver(Message{Data: []byte(`{"type":"FunctionCallRequest","functions":[{"id":"fc-3","name":"end_call","arguments":"{\"reason\":\"not interested\"}","client_side":true}]}`)})

	require.Eventually(t, func() bool {
		return len(h.agent.jsonOfType("FunctionCallResponse")) == 3
	}, time.Second, 5*time.Millisecond)
	responses := h.agent.jsonOfType("FunctionCallResponse")

	assert.Equal(t, "fc-1", responses[0]["function_call_id"])
	var ok map[string]any
	require.NoError(t, json.Unmarshal([]byte(responses[0]["output"].(string)), &ok))
	assert.Equal(t, true, ok["success"])

	assert.Equal(t, "fc-2", responses[1]["id"])
	assert.Equal(t, "book_flight", responses[1]["name"])
	var failed map[string]any
	require.NoError(t, json.Unmarshal([]byte(responses[1]["content"].(string)), &failed))
	assert.Equal(t, false, failed["success"])
	assert.Contains(t, failed["error"], "unknown function")

	assert.Equal(t, "fc-3", responses[2]["id"])

	quals := h.rec.ofType(EventQualification)
	require.Len(t, quals, 1)
	assert.Equal(t, "qualified", quals[0].Qualification.QualificationStatus)
	assert.Equal(t, "3 months", quals[0].Qualification.Timeline)

	ends := h.rec.ofType(EventEndCallRequested)
	require.Len(t, ends, 1)
	assert.Equal(t, "not interested", ends[0].Reason)

	snap := h.s.Snapshot()
	require.NotNil(t, snap.Qualification)
	assert.Equal(t, 3, snap.Stats.ToolCalls)
	assert.EqualValues(t, 1, snap.Stats.ProtocolErrors)
	assert.Equal(t, StateConnected, snap.State)
}

func TestEndCallClosesAfterDelay(t *testing.T) {
	h := startConnected(t, func(cfg *Config) { cfg.EndCallDelay = 10 * time.Millisecond })

	h.agent.deliver(Message{Data: []byte(`{"type":"FunctionCallRequest","function_name":"end_call","function_call_id":"fc-1","input":{"reason":"done"}}`)})
	waitDone(t, h.s)

	closed := h.rec.ofType(EventClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "agent ended the call: done", closed[0].Reason)
}

func TestTranscriptAndBargeIn(t *testing.T) {
	h := startConnected(t, nil)
	h.startStream(t)

	h.agent.deliver(Message{Data: []byte(`{"type":"ConversationText","role":"assistant","content":"Hi, is this Dana?"}`)})
	h.agent.deliver(Message{Data: []byte(`{"type":"UserStartedSpeaking"}`)})
	h.agent.deliver(Message{Data: []byte(`{"type":"ConversationText","role":"user","content":"Speaking."}`)})

	require.Eventually(t, func() bool { return len(h.s.Snapshot().Transcript) == 2 }, time.Second, 5*time.Millisecond)
	transcript := h.s.Snapshot().Transcript
	assert.Equal(t, SpeakerAgent, transcript[0].Speaker)
	assert.Equal(t, SpeakerCaller, transcript[1].Speaker)
	assert.Equal(t, "Speaking.", transcript[1].Text)

	clears := h.provider.jsonOfType("clear")
	require.Len(t, clears, 1)
	assert.Equal(t, "MZ123", clears[0]["streamSid"])

	speech := h.rec.ofType(EventSpeechStarted)
	require.Len(t, speech, 1)
	assert.Equal(t, SpeakerCaller, speech[0].Speaker)
}

func TestMonitorsReceiveBothListeners(t *testing.T) {
	h := startConnected(t, nil)
	h.startStream(t)

	m1, m2 := newFakeTransport(), newFakeTransport()
	_, err := h.s.AddMonitor(m1)
	require.NoError(t, err)
	_, err = h.s.AddMonitor(m2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.s.Snapshot().Monitors == 2 }, time.Second, 5*time.Millisecond)

	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool {
		return len(m1.messages()) == 1 && len(m2.messages()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, m1.messages()[0].Data, m2.messages()[0].Data)

	var env MonitorEnvelope
	require.NoError(t, json.Unmarshal(m1.messages()[0].Data, &env))
	assert.Equal(t, "audio", env.Type)
	assert.Equal(t, audio.SourceCaller, env.Source)
	assert.Equal(t, 8000, env.SampleRate)
	assert.Equal(t, base64.StdEncoding.EncodeToString(silenceMulaw(160)), env.Audio)

	m1.hangup(nil)
	require.Eventually(t, func() bool { return h.s.Snapshot().Monitors == 1 }, time.Second, 5*time.Millisecond)

	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool { return len(m2.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, m1.messages(), 1)
	assert.Len(t, h.agent.binary(), 2)
}

func TestBusyMonitorIsSkipped(t *testing.T) {
	h := startConnected(t, nil)
	h.startStream(t)

	m := newFakeTransport()
	m.setFull(true)
	_, err := h.s.AddMonitor(m)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.s.Snapshot().Monitors == 1 }, time.Second, 5*time.Millisecond)

	h.provider.deliver(twilioMediaMsg(silenceMulaw(160)))
	require.Eventually(t, func() bool { return len(h.agent.binary()) == 1 }, time.Second, 5*time.Millisecond)

	snap := h.s.Snapshot()
	assert.EqualValues(t, 1, snap.Stats.MonitorFramesSkipped)
	assert.Equal(t, 1, snap.Monitors)
}

func TestMonitorsClearedOnClose(t *testing.T) {
	h := startConnected(t, nil)
	m := newFakeTransport()
	_, err := h.s.AddMonitor(m)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.s.Snapshot().Monitors == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.s.Close(context.Background()))
	assert.True(t, m.isClosed())
	assert.Equal(t, 0, h.s.Snapshot().Monitors)

	late := newFakeTransport()
	_, err = h.s.AddMonitor(late)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, late.isClosed())
}

func TestEventHandlerPanicDoesNotKillSession(t *testing.T) {
	h := startConnected(t, func(cfg *Config) {
		rec := cfg.OnEvent
		cfg.OnEvent = func(ev Event) {
			rec(ev)
			if ev.Type == EventTranscript {
				panic("boom")
			}
		}
	})

	h.agent.deliver(Message{Data: []byte(`{"type":"ConversationText","role":"user","content":"hello"}`)})
	h.agent.deliver(Message{Data: []byte(`{"type":"ConversationText","role":"user","content":"again"}`)})
	require.Eventually(t, func() bool { return len(h.s.Snapshot().Transcript) == 2 }, time.Second, 5*time.Millisecond)
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(CallInfo{}, DefaultConfig(), NewRendezvous(), NewRendezvous())
	assert.Error(t, err)

	_, err = NewSession(CallInfo{CallID: "x", Provider: "vonage"}, DefaultConfig(), NewRendezvous(), NewRendezvous())
	assert.Error(t, err)
}

func TestBackoffDoubles(t *testing.T) {
	s, err := NewSession(CallInfo{CallID: "x"}, DefaultConfig(), NewRendezvous(), NewRendezvous())
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 4*time.Second, s.backoff(3))
}
