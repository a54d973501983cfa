package bridge

import "time"

// ConnectionEvent is one entry of a session's connection log.
type ConnectionEvent struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// ConnectionLog keeps the most recent connection events in a fixed-size
// ring. It is owned by the session goroutine and not safe for concurrent use.
type ConnectionLog struct {
	buf  []ConnectionEvent
	next int
	full bool
}

func NewConnectionLog(size int) *ConnectionLog {
	if size <= 0 {
		size = 50
	}
	return &ConnectionLog{buf: make([]ConnectionEvent, size)}
}

func (l *ConnectionLog) Add(typ string, data map[string]any) {
	l.buf[l.next] = ConnectionEvent{Type: typ, At: time.Now(), Data: data}
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

func (l *ConnectionLog) Len() int {
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Entries returns a copy of the log, oldest first.
func (l *ConnectionLog) Entries() []ConnectionEvent {
	if !l.full {
		return append([]ConnectionEvent(nil), l.buf[:l.next]...)
	}
	out := make([]ConnectionEvent, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}
