package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/audio"
)

// MonitorEnvelope is the JSON frame sent to monitor listeners.
type MonitorEnvelope struct {
	Type       string         `json:"type"`
	Source     audio.Source   `json:"source"`
	Encoding   audio.Encoding `json:"encoding"`
	Audio      string         `json:"audio"`
	Timestamp  int64          `json:"timestamp"`
	SampleRate int            `json:"sampleRate"`
}

func (s *Session) attachMonitor(id string, t Transport) {
	if s.closingOrFailed() {
		t.Close()
		return
	}
	s.monitors[id] = t
	s.cfg.Metrics.monitors(1)
	s.logf("monitor %s attached (%d listening)", id, len(s.monitors))
	s.conlog.Add("monitor_attached", map[string]any{"id": id})

	go func() {
		for range t.Messages() {
		}
		s.post(monitorDetached{id: id})
	}()
}

func (s *Session) dropMonitor(id, reason string) {
	t, ok := s.monitors[id]
	if !ok {
		return
	}
	delete(s.monitors, id)
	t.Close()
	s.cfg.Metrics.monitors(-1)
	s.logf("monitor %s removed: %s", id, reason)
	s.conlog.Add("monitor_removed", map[string]any{"id": id, "reason": reason})
}

// fanout copies f to every monitor. Listeners that cannot take the frame
// right now miss it; closed listeners are removed.
func (s *Session) fanout(f audio.Frame) {
	if len(s.monitors) == 0 {
		return
	}
	data, err := json.Marshal(MonitorEnvelope{
		Type:       "audio",
		Source:     f.Source(),
		Encoding:   f.Format().Encoding,
		Audio:      base64.StdEncoding.EncodeToString(f.Bytes()),
		Timestamp:  f.Timestamp().UnixMilli(),
		SampleRate: f.Format().SampleRate,
	})
	if err != nil {
		return
	}
	for id, t := range s.monitors {
		switch err := t.Send(Message{Data: data}); {
		case err == nil:
			s.stats.MonitorFramesSent++
		case errors.Is(err, ErrTransportClosed):
			s.dropMonitor(id, "listener closed")
		default:
			s.stats.MonitorFramesSkipped++
		}
	}
}
