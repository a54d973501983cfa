package bridge

import (
	"fmt"
	"time"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/audio"
	"github.com/natejonesbaby/PropertyCall-Local-sub002/tools"
)

func (s *Session) handleProviderMessage(m Message) {
	ev, err := s.adapter.Decode(m.Data)
	if err != nil {
		s.stats.ProtocolErrors++
		s.logf("ignoring %s message: %v", s.adapter.Name(), err)
		return
	}

	switch ev.Kind {
	case ProviderConnected:
		s.conlog.Add("provider_handshake", nil)

	case ProviderStart:
		s.streamID = ev.StreamID
		if ev.Format.SampleRate > 0 {
			s.pipeline.Carrier = ev.Format
		}
		if s.pipeline.Passthrough() {
			s.logf("carrier stream %s started (%s, passed through unconverted)", ev.StreamID, s.pipeline.Carrier)
		} else {
			s.logf("carrier stream %s started (%s, agent %s)", ev.StreamID, s.pipeline.Carrier, s.pipeline.Agent)
		}
		s.conlog.Add("stream_started", map[string]any{"stream_id": ev.StreamID, "format": s.pipeline.Carrier.String()})
		s.emit(Event{Type: EventStarted, StreamID: ev.StreamID, Parameters: ev.Parameters})

	case ProviderMedia:
		if !ev.Inbound() || len(ev.Payload) == 0 {
			return
		}
		s.forwardToAgent(ev.Payload)

	case ProviderStop:
		s.beginClose("carrier stream stopped")

	case ProviderMark:
		s.conlog.Add("mark", map[string]any{"name": ev.Mark})

	case ProviderDTMF:
		s.logf("dtmf %s", ev.Digit)
		s.conlog.Add("dtmf", map[string]any{"digit": ev.Digit})

	default:
		s.logf("unhandled %s event %q", s.adapter.Name(), ev.Name)
	}
}

// forwardToAgent routes one caller frame: monitors first, then the agent.
func (s *Session) forwardToAgent(payload []byte) {
	frame := audio.NewFrame(payload, s.pipeline.Carrier, audio.SourceCaller, time.Now())
	s.stats.PacketsFromProvider++
	s.stats.BytesFromProvider += uint64(frame.Len())
	s.fanout(frame)

	agent := s.legs[LegAgent]
	if !agent.up {
		s.stats.DroppedToAgent++
		s.cfg.Metrics.drop(string(audio.ProviderToAgent))
		return
	}

	out := s.pipeline.ProviderToAgent(frame)
	if err := agent.transport.Send(Message{Binary: true, Data: out.Bytes()}); err != nil {
		s.stats.DroppedToAgent++
		s.stats.AgentSendFailures++
		s.cfg.Metrics.drop(string(audio.ProviderToAgent))
		s.sendFailed(LegAgent, err)
		return
	}
	agent.sendFails = 0
	s.stats.PacketsToAgent++
	s.cfg.Metrics.frame(string(audio.ProviderToAgent))
	s.markActive()
}

// forwardToProvider routes one agent frame: monitors first, then the carrier.
func (s *Session) forwardToProvider(payload []byte) {
	frame := audio.NewFrame(payload, s.pipeline.Agent, audio.SourceAgent, time.Now())
	s.stats.PacketsFromAgent++
	s.stats.BytesFromAgent += uint64(frame.Len())
	s.fanout(frame)

	provider := s.legs[LegProvider]
	if !provider.up || s.streamID == "" {
		s.stats.DroppedToProvider++
		s.cfg.Metrics.drop(string(audio.AgentToProvider))
		return
	}

	out := s.pipeline.AgentToProvider(frame)
	data, err := s.adapter.EncodeMedia(s.streamID, out.Bytes())
	if err == nil {
		err = provider.transport.Send(Message{Data: data})
	}
	if err != nil {
		s.stats.DroppedToProvider++
		s.stats.ProviderSendFailures++
		s.cfg.Metrics.drop(string(audio.AgentToProvider))
		s.sendFailed(LegProvider, err)
		return
	}
	provider.sendFails = 0
	s.stats.PacketsToProvider++
	s.cfg.Metrics.frame(string(audio.AgentToProvider))
	s.markActive()
}

func (s *Session) handleAgentMessage(m Message) {
	msg, control := parseAgentMessage(m)
	if !control {
		s.forwardToProvider(m.Data)
		return
	}

	switch msg.Type {
	case agentWelcome:
		s.agentID = msg.SessionID
		if s.agentID == "" {
			s.agentID = msg.RequestID
		}
		s.conlog.Add("agent_welcome", map[string]any{"agent_session_id": s.agentID})

	case agentSettingsApplied:
		s.conlog.Add("agent_settings_applied", nil)

	case agentConversationText:
		line := TranscriptLine{Speaker: speakerForRole(msg.Role), Text: msg.Content, At: time.Now()}
		s.transcript = append(s.transcript, line)
		s.emit(Event{Type: EventTranscript, Speaker: line.Speaker, Text: line.Text})

	case agentUserStartedSpeaking:
		s.emit(Event{Type: EventSpeechStarted, Speaker: SpeakerCaller})
		s.clearProviderAudio()

	case agentAgentStartedSpeaking:
		s.emit(Event{Type: EventSpeechStarted, Speaker: SpeakerAgent})

	case agentAudioDone:
		s.emit(Event{Type: EventSpeechStopped, Speaker: SpeakerAgent})

	case agentAgentThinking:

	case agentFunctionCallRequest:
		calls := msg.toolCalls()
		if len(calls) == 0 {
			s.stats.ProtocolErrors++
			s.logf("function call request without a client-side call")
		}
		for _, call := range calls {
			s.handleToolCall(call)
		}

	case agentError:
		s.logf("agent error: %s", msg.errorText())
		s.conlog.Add("agent_error", map[string]any{"error": msg.errorText()})
		s.emit(Event{Type: EventAgentError, Reason: msg.errorText()})

	case agentWarning:
		s.logf("agent warning: %s", msg.errorText())

	case agentCloseStream, agentClose:
		s.beginClose("agent ended the conversation")

	default:
		s.logf("unhandled agent message %q", msg.Type)
	}
}

// clearProviderAudio drops agent speech the carrier has queued, so the
// caller can interrupt.
func (s *Session) clearProviderAudio() {
	provider := s.legs[LegProvider]
	if !provider.up || s.streamID == "" {
		return
	}
	data, err := s.adapter.EncodeClear(s.streamID)
	if err == nil {
		err = provider.transport.Send(Message{Data: data})
	}
	if err != nil {
		s.logf("clear not sent: %v", err)
	}
}

func (s *Session) sendSettings() {
	data, err := buildSettings(s.agentSettings(), s.pipeline.Agent)
	if err == nil {
		err = s.legs[LegAgent].transport.Send(Message{Data: data})
	}
	if err != nil {
		s.logf("agent settings not sent: %v", err)
	}
}

// agentSettings overlays the per-call voice, prompt and greeting on the
// configured defaults.
func (s *Session) agentSettings() AgentSettings {
	settings := s.cfg.Agent
	if s.call.VoiceID != "" {
		settings.SpeakModel = s.call.VoiceID
	}
	if s.call.SystemPrompt != "" {
		settings.Prompt = s.call.SystemPrompt
	}
	if s.call.Greeting != "" {
		settings.Greeting = s.call.Greeting
	}
	return settings
}

// handleToolCall runs one function call and answers it exactly once.
func (s *Session) handleToolCall(call ToolCall) {
	s.stats.ToolCalls++
	result := s.runTool(call)
	s.cfg.Metrics.toolCall(call.Name, result.Success)
	s.conlog.Add("tool_call", map[string]any{"name": call.Name, "success": result.Success})

	data, err := functionCallResponse(call, result)
	if err != nil {
		s.logf("encode %s response: %v", call.Name, err)
		return
	}
	agent := s.legs[LegAgent]
	if !agent.up {
		s.logf("agent gone before %s response", call.Name)
		return
	}
	if err := agent.transport.Send(Message{Data: data}); err != nil {
		s.logf("%s response not sent: %v", call.Name, err)
	}
}

func (s *Session) runTool(call ToolCall) (result tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("%s panicked: %v", call.Name, r)
			result = tools.Result{Error: fmt.Sprintf("internal error handling %s", call.Name)}
		}
	}()

	switch call.Name {
	case tools.ExtractQualificationData:
		q, err := tools.ParseQualification(call.Arguments)
		if err != nil {
			s.stats.ProtocolErrors++
			s.logf("bad %s arguments: %v", call.Name, err)
			return tools.Result{Error: err.Error()}
		}
		s.qualification = &q
		s.emit(Event{Type: EventQualification, Qualification: &q})
		return tools.Result{Success: true, Message: "Qualification data recorded."}

	case tools.EndCall:
		args, err := tools.ParseEndCall(call.Arguments)
		if err != nil {
			s.stats.ProtocolErrors++
			return tools.Result{Error: err.Error()}
		}
		s.emit(Event{Type: EventEndCallRequested, Reason: args.Reason})
		s.scheduleEndCall(args.Reason)
		return tools.Result{Success: true, Message: "Ending the call."}

	default:
		s.stats.ProtocolErrors++
		s.logf("agent called unknown function %q", call.Name)
		return tools.Result{Error: fmt.Sprintf("unknown function %q", call.Name)}
	}
}

func (s *Session) scheduleEndCall(reason string) {
	if s.cfg.EndCallDelay <= 0 || s.endTimer != nil {
		return
	}
	s.endTimer = time.AfterFunc(s.cfg.EndCallDelay, func() {
		s.post(closeRequest{reason: "agent ended the call: " + reason})
	})
}
