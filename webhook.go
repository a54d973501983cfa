package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twilio/twilio-go/twiml"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/bridge"
)

const maxWebhookBody = 64 << 10

// WebhookServer serves the carrier, monitor and status endpoints
type WebhookServer struct {
	config   *Config
	calls    *CallManager
	db       *DB
	gatherer prometheus.Gatherer
	limiter  *RateLimiter
	server   *http.Server
}

// NewWebhookServer creates a new webhook server
func NewWebhookServer(config *Config, calls *CallManager, db *DB, gatherer prometheus.Gatherer) *WebhookServer {
	return &WebhookServer{
		config:   config,
		calls:    calls,
		db:       db,
		gatherer: gatherer,
		limiter:  NewRateLimiter(5, 20),
	}
}

// Handler builds the route table
func (w *WebhookServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", w.handleHealth)

	// Carrier answer document and media stream
	mux.HandleFunc("/twiml/stream", maxBodyMiddleware(maxWebhookBody,
		twilioWebhookAuth(w.config.TwilioAuthToken, w.config.BaseURL, w.handleTwiML)))
	mux.HandleFunc("/media/ws", w.limiter.Middleware(w.calls.HandleMediaStream))

	// Live listeners
	mux.HandleFunc("/monitor/ws", chainMiddleware(w.handleMonitor,
		w.limiter.Middleware,
		func(next http.HandlerFunc) http.HandlerFunc {
			return wsAuthMiddleware(w.config.MonitorToken, w.config.AllowedOrigins, next)
		},
	))

	// Status API
	mux.HandleFunc("GET /calls/active", w.handleActiveCalls)
	mux.HandleFunc("GET /calls/{id}", w.handleGetCall)

	if w.gatherer != nil {
		mux.HandleFunc("/metrics", localhostOnly(promhttp.HandlerFor(w.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}

	return mux
}

// Start starts the webhook server and blocks until it stops
func (w *WebhookServer) Start() error {
	addr := fmt.Sprintf(":%d", w.config.HTTPPort)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("Webhook server starting on %s", addr)
	log.Printf("Carrier endpoints: /twiml/stream, /media/ws (stream URL %s)", w.config.StreamURL())
	err := w.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests
func (w *WebhookServer) Shutdown(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	return w.server.Shutdown(ctx)
}

func (w *WebhookServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("OK"))
}

// handleTwiML answers an outbound call with <Connect><Stream>. Query
// parameters (callId and lead fields) become stream parameters, which the
// carrier echoes back in the start event.
func (w *WebhookServer) handleTwiML(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := streamParameters(r)
	if params["callId"] == "" {
		http.Error(rw, "callId or CallSid is required", http.StatusBadRequest)
		return
	}

	doc, err := buildStreamTwiML(w.config.StreamURL(), params)
	if err != nil {
		log.Printf("[Media] Failed to build TwiML: %v", err)
		http.Error(rw, "Internal error", http.StatusInternalServerError)
		return
	}

	log.Printf("[Media] Answering call %s with media stream", params["callId"])
	rw.Header().Set("Content-Type", "text/xml")
	rw.Write([]byte(doc))
}

func streamParameters(r *http.Request) map[string]string {
	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if key == "token" || len(values) == 0 {
			continue
		}
		params[key] = values[0]
	}
	if params["callId"] == "" {
		if err := r.ParseForm(); err == nil {
			params["callId"] = r.PostForm.Get("CallSid")
		}
	}
	return params
}

func buildStreamTwiML(streamURL string, params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inner := make([]twiml.Element, 0, len(keys))
	for _, k := range keys {
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}

	stream := &twiml.VoiceStream{
		Url:           streamURL,
		InnerElements: inner,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}

// handleMonitor attaches a listener to a live call
func (w *WebhookServer) handleMonitor(rw http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	session, ok := w.calls.Lookup(callID)
	if !ok {
		http.Error(rw, `{"error": "call not active"}`, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Printf("[Monitor] WebSocket upgrade failed: %v", err)
		return
	}
	t := bridge.NewWSTransport(conn, bridge.WSOptions{SendBuffer: 64})

	id, err := session.AddMonitor(t)
	if err != nil {
		log.Printf("[Monitor] call=%s: %v", callID, err)
		return
	}
	log.Printf("[Monitor] Listener %s attached to call %s from %s", id, callID, clientIP(r))
}

func (w *WebhookServer) handleActiveCalls(rw http.ResponseWriter, r *http.Request) {
	snaps := w.calls.Active()
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Stats.StartedAt.Before(snaps[j].Stats.StartedAt)
	})
	writeJSON(rw, http.StatusOK, map[string]any{
		"count": len(snaps),
		"calls": snaps,
	})
}

// handleGetCall returns the live snapshot of an active call, or the stored
// record of a finished one.
func (w *WebhookServer) handleGetCall(rw http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if session, ok := w.calls.Lookup(callID); ok {
		writeJSON(rw, http.StatusOK, map[string]any{
			"active": true,
			"call":   session.Snapshot(),
		})
		return
	}

	if w.db == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}
	rec, err := w.db.GetCall(callID)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}
	if err != nil {
		log.Printf("[DB] Failed to load call %s: %v", callID, err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"active": false,
		"call":   rec,
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}
