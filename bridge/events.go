package bridge

import (
	"time"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/tools"
)

// EventType names a lifecycle notification emitted by a session.
type EventType string

const (
	EventStarted          EventType = "started"
	EventStateChanged     EventType = "state_changed"
	EventSpeechStarted    EventType = "speech_started"
	EventSpeechStopped    EventType = "speech_stopped"
	EventTranscript       EventType = "transcript"
	EventQualification    EventType = "qualification_extracted"
	EventEndCallRequested EventType = "end_call_requested"
	EventAgentError       EventType = "agent_error"
	// EventError and EventClosed are terminal. Exactly one of them is
	// emitted per session.
	EventError  EventType = "error"
	EventClosed EventType = "closed"
)

// Speaker identifies who produced a transcript line or speech marker.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// TranscriptLine is one utterance reported by the agent.
type TranscriptLine struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Event is delivered to Config.OnEvent on the session goroutine. Only the
// fields relevant to Type are set.
type Event struct {
	Type   EventType
	CallID string
	Time   time.Time

	// state_changed
	From    State
	To      State
	Leg     Leg
	Attempt int

	// started
	StreamID   string
	Parameters map[string]string

	// speech_*, transcript
	Speaker Speaker
	Text    string

	Qualification *tools.Qualification

	// end_call_requested, agent_error, error, closed
	Reason string

	// error
	Err error

	// error, closed
	ReconnectAttempts int
	Stats             *Stats
	Transcript        []TranscriptLine
}
