package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/audio"
	"github.com/natejonesbaby/PropertyCall-Local-sub002/tools"
)

// Agent protocol message types.
const (
	agentSettings             = "Settings"
	agentSettingsApplied      = "SettingsApplied"
	agentWelcome              = "Welcome"
	agentConversationText     = "ConversationText"
	agentUserStartedSpeaking  = "UserStartedSpeaking"
	agentAgentStartedSpeaking = "AgentStartedSpeaking"
	agentAgentThinking        = "AgentThinking"
	agentAudioDone            = "AgentAudioDone"
	agentFunctionCallRequest  = "FunctionCallRequest"
	agentFunctionCallResponse = "FunctionCallResponse"
	agentError                = "Error"
	agentWarning              = "Warning"
	agentCloseStream          = "CloseStream"
	agentClose                = "Close"
)

// AgentSettings configure the voice agent at the start of every agent
// connection.
type AgentSettings struct {
	Language      string
	ListenModel   string
	ThinkProvider string
	ThinkModel    string
	SpeakModel    string
	Prompt        string
	Greeting      string
}

type audioSpec struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type providerSpec struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type settingsMsg struct {
	Type  string `json:"type"`
	Audio struct {
		Input  audioSpec `json:"input"`
		Output audioSpec `json:"output"`
	} `json:"audio"`
	Agent struct {
		Language string `json:"language,omitempty"`
		Listen   struct {
			Provider providerSpec `json:"provider"`
		} `json:"listen"`
		Think struct {
			Provider  providerSpec       `json:"provider"`
			Prompt    string             `json:"prompt,omitempty"`
			Functions []tools.Definition `json:"functions,omitempty"`
		} `json:"think"`
		Speak struct {
			Provider providerSpec `json:"provider"`
		} `json:"speak"`
		Greeting string `json:"greeting,omitempty"`
	} `json:"agent"`
}

// buildSettings renders the Settings message for an agent speaking format f.
func buildSettings(s AgentSettings, f audio.Format) ([]byte, error) {
	var msg settingsMsg
	msg.Type = agentSettings
	msg.Audio.Input = audioSpec{Encoding: string(f.Encoding), SampleRate: f.SampleRate}
	msg.Audio.Output = audioSpec{Encoding: string(f.Encoding), SampleRate: f.SampleRate, Container: "none"}

	msg.Agent.Language = s.Language
	msg.Agent.Listen.Provider = providerSpec{Type: "deepgram", Model: s.ListenModel}
	msg.Agent.Think.Provider = providerSpec{Type: s.ThinkProvider, Model: s.ThinkModel}
	msg.Agent.Think.Prompt = s.Prompt
	msg.Agent.Think.Functions = tools.Definitions()
	msg.Agent.Speak.Provider = providerSpec{Type: "deepgram", Model: s.SpeakModel}
	msg.Agent.Greeting = s.Greeting

	return json.Marshal(msg)
}

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// agentMessage is the union of every control message the agent sends.
type agentMessage struct {
	Type string `json:"type"`

	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
	Code        string `json:"code,omitempty"`

	// single-call form
	FunctionName   string          `json:"function_name,omitempty"`
	FunctionCallID string          `json:"function_call_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`

	// batched form
	Functions []struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		ClientSide *bool           `json:"client_side,omitempty"`
	} `json:"functions,omitempty"`
}

// parseAgentMessage splits agent traffic into control messages and audio.
// Text that does not parse as JSON is treated as audio.
func parseAgentMessage(m Message) (agentMessage, bool) {
	if m.Binary {
		return agentMessage{}, false
	}
	var msg agentMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return agentMessage{}, false
	}
	return msg, true
}

func (m agentMessage) errorText() string {
	text := m.Description
	if text == "" {
		text = m.Message
	}
	if m.Code != "" {
		text = fmt.Sprintf("%s (%s)", text, m.Code)
	}
	return text
}

// speaker maps a conversation role to who said it.
func speakerForRole(role string) Speaker {
	switch strings.ToLower(role) {
	case "user", "caller", "human":
		return SpeakerCaller
	default:
		return SpeakerAgent
	}
}

// ToolCall is one function invocation requested by the agent.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	// batched records which request form the call arrived in so the
	// response uses the matching form.
	batched bool
}

func (m agentMessage) toolCalls() []ToolCall {
	if len(m.Functions) > 0 {
		calls := make([]ToolCall, 0, len(m.Functions))
		for _, f := range m.Functions {
			if f.ClientSide != nil && !*f.ClientSide {
				continue
			}
			calls = append(calls, ToolCall{ID: f.ID, Name: f.Name, Arguments: f.Arguments, batched: true})
		}
		return calls
	}
	if m.FunctionName == "" {
		return nil
	}
	return []ToolCall{{ID: m.FunctionCallID, Name: m.FunctionName, Arguments: m.Input}}
}

type functionCallResponseMsg struct {
	Type string `json:"type"`

	FunctionCallID string `json:"function_call_id,omitempty"`
	Output         string `json:"output,omitempty"`

	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

func functionCallResponse(call ToolCall, result tools.Result) ([]byte, error) {
	msg := functionCallResponseMsg{Type: agentFunctionCallResponse}
	if call.batched {
		msg.ID = call.ID
		msg.Name = call.Name
		msg.Content = result.JSON()
	} else {
		msg.FunctionCallID = call.ID
		msg.Output = result.JSON()
	}
	return json.Marshal(msg)
}
