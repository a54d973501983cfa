package bridge

import "time"

// Stats are the per-session counters reported with the terminal event.
type Stats struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	PacketsFromProvider uint64 `json:"packets_from_provider"`
	PacketsToAgent      uint64 `json:"packets_to_agent"`
	PacketsFromAgent    uint64 `json:"packets_from_agent"`
	PacketsToProvider   uint64 `json:"packets_to_provider"`
	BytesFromProvider   uint64 `json:"bytes_from_provider"`
	BytesFromAgent      uint64 `json:"bytes_from_agent"`

	DroppedToAgent       uint64 `json:"dropped_to_agent"`
	DroppedToProvider    uint64 `json:"dropped_to_provider"`
	AgentSendFailures    uint64 `json:"agent_send_failures"`
	ProviderSendFailures uint64 `json:"provider_send_failures"`
	ConversionFallbacks  uint64 `json:"conversion_fallbacks"`
	ProtocolErrors       uint64 `json:"protocol_errors"`

	ProviderDisconnects int `json:"provider_disconnects"`
	AgentDisconnects    int `json:"agent_disconnects"`
	ProviderReconnects  int `json:"provider_reconnects"`
	AgentReconnects     int `json:"agent_reconnects"`

	MonitorFramesSent    uint64 `json:"monitor_frames_sent"`
	MonitorFramesSkipped uint64 `json:"monitor_frames_skipped"`

	ToolCalls int `json:"tool_calls"`
}

// Duration is the session length, or the time so far while it is live.
func (s Stats) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}
