package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSOptions tunes a WebSocket transport. Zero values fall back to defaults.
type WSOptions struct {
	SendBuffer   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o WSOptions) withDefaults() WSOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// WSTransport is a Transport over a gorilla/websocket connection. One
// goroutine reads, one writes; Send only enqueues.
type WSTransport struct {
	conn *websocket.Conn
	opts WSOptions

	send chan Message
	in   chan Message
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	closed    bool
}

// NewWSTransport takes ownership of conn and starts its pumps.
func NewWSTransport(conn *websocket.Conn, opts WSOptions) *WSTransport {
	opts = opts.withDefaults()
	t := &WSTransport{
		conn: conn,
		opts: opts,
		send: make(chan Message, opts.SendBuffer),
		in:   make(chan Message, 64),
		done: make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t
}

func (t *WSTransport) Send(msg Message) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

func (t *WSTransport) Messages() <-chan Message { return t.in }

func (t *WSTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close sends a normal close frame and tears the connection down.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *WSTransport) fail(err error) {
	t.mu.Lock()
	if !t.closed && t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

func (t *WSTransport) readPump() {
	defer close(t.in)

	t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		return nil
	})

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			if err != nil {
				t.fail(fmt.Errorf("read: %w", err))
			} else {
				t.fail(nil)
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))

		select {
		case t.in <- Message{Binary: kind == websocket.BinaryMessage, Data: data}:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-t.send:
			kind := websocket.TextMessage
			if msg.Binary {
				kind = websocket.BinaryMessage
			}
			t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			if err := t.conn.WriteMessage(kind, msg.Data); err != nil {
				t.fail(fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.fail(fmt.Errorf("ping: %w", err))
				return
			}

		case <-t.done:
			return
		}
	}
}

// AgentDialer connects the agent leg to a voice-agent WebSocket endpoint.
type AgentDialer struct {
	URL     string
	APIKey  string
	Dialer  *websocket.Dialer
	Options WSOptions
}

// DialAgent returns a connector for the agent endpoint at url.
func DialAgent(url, apiKey string) *AgentDialer {
	return &AgentDialer{
		URL:    url,
		APIKey: apiKey,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

var errAgentURL = errors.New("bridge: agent url not configured")

func (d *AgentDialer) Connect(ctx context.Context) (Transport, error) {
	if d.URL == "" {
		return nil, errAgentURL
	}
	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Token "+d.APIKey)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return NewWSTransport(conn, d.Options), nil
}
