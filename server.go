package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/bridge"
)

const shutdownTimeout = 15 * time.Second

// ServerState holds the running server components
type ServerState struct {
	db      *DB
	calls   *CallManager
	webhook *WebhookServer
	running bool
}

var serverState *ServerState
var serverMu sync.Mutex

// StartServer starts the PropertyCall bridge with the given configuration
func StartServer(config *Config) error {
	serverMu.Lock()
	defer serverMu.Unlock()

	if serverState != nil && serverState.running {
		return fmt.Errorf("server already running")
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting PropertyCall audio bridge")

	// Initialize database
	db, err := InitDB(config.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Println("Database initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := bridge.NewMetrics(reg)

	notifier, err := NewNotifier(config.TelegramBotToken, config.AdminID)
	if err != nil {
		log.Printf("[Notify] Telegram disabled: %v", err)
	} else if notifier == nil {
		log.Println("[Notify] Telegram not configured")
	}

	summarizer := NewSummarizer(config.OpenRouterAPIKey, config.SummaryBaseURL, config.SummaryModel)
	if summarizer != nil {
		log.Printf("Post-call summaries enabled (%s)", config.SummaryModel)
	}

	if config.AgentAPIKey == "" {
		log.Println("WARNING: AGENT_API_KEY not set - agent connections will likely be rejected")
	}
	if config.TwilioAuthToken == "" {
		log.Println("WARNING: TWILIO_AUTH_TOKEN not set - /twiml/stream accepts unsigned requests")
	}
	if config.MonitorToken == "" {
		log.Println("WARNING: MONITOR_TOKEN not set - /monitor/ws is open")
	}

	calls := NewCallManager(config, db, metrics, notifier, summarizer)

	state := &ServerState{
		db:      db,
		calls:   calls,
		webhook: NewWebhookServer(config, calls, db, reg),
		running: true,
	}

	go func() {
		if err := state.webhook.Start(); err != nil {
			log.Printf("Webhook server error: %v", err)
		}
	}()

	serverState = state
	return nil
}

// StopServer closes live calls, waits for their post-call work and stops
// the server
func StopServer() {
	serverMu.Lock()
	defer serverMu.Unlock()

	if serverState == nil || !serverState.running {
		return
	}

	log.Println("Stopping PropertyCall...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := serverState.webhook.Shutdown(ctx); err != nil {
		log.Printf("Webhook server shutdown: %v", err)
	}
	serverState.calls.Shutdown(ctx)

	if serverState.db != nil {
		serverState.db.Close()
	}

	serverState.running = false
	serverState = nil

	log.Println("PropertyCall shutdown complete")
}

// WaitForShutdown blocks until a shutdown signal is received
func WaitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down...", sig)
}
