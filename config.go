package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/audio"
	"github.com/natejonesbaby/PropertyCall-Local-sub002/bridge"
)

const (
	defaultPromptTemplate = "You are a friendly assistant calling ${lead.firstName || 'the owner'} " +
		"about the property at ${lead.address || 'their address'}. Find out whether they would consider " +
		"selling, their timeline, motivation and price expectation. Record what you learn with " +
		"extract_qualification_data and call end_call when the conversation is over."
	defaultGreetingTemplate = "Hi${lead.firstName ? ' ' + lead.firstName : ''}, do you have a quick minute " +
		"to talk about ${lead.address || 'your property'}?"
)

// Config holds all configuration for the PropertyCall bridge service
type Config struct {
	HTTPPort     int
	BaseURL      string // Public base URL the carrier reaches us on
	DatabasePath string
	Provider     string // Default carrier: twilio or telnyx

	TwilioAuthToken string // Used to verify webhook signatures

	AgentURL           string
	AgentAPIKey        string
	AgentAudio         string // linear16 or mulaw
	AgentListenModel   string
	AgentThinkProvider string
	AgentThinkModel    string
	VoiceID            string
	PromptTemplate     string
	GreetingTemplate   string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ConnectTimeout       time.Duration
	CloseGrace           time.Duration
	ConnectionLogSize    int

	MonitorToken   string // Bearer token for /monitor/ws
	AllowedOrigins []string

	TelegramBotToken string
	AdminID          int64 // Telegram chat that receives call notifications

	OpenRouterAPIKey string
	SummaryModel     string
	SummaryBaseURL   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (overrides existing env vars)
	_ = godotenv.Overload()

	config := &Config{
		HTTPPort:             getEnvAsIntOrDefault("HTTP_PORT", 8080),
		BaseURL:              strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		DatabasePath:         getEnvOrDefault("DATABASE_PATH", "./propertycall.db"),
		Provider:             strings.ToLower(getEnvOrDefault("PROVIDER", "twilio")),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		AgentURL:             getEnvOrDefault("AGENT_URL", "wss://agent.deepgram.com/agent"),
		AgentAPIKey:          os.Getenv("AGENT_API_KEY"),
		AgentAudio:           strings.ToLower(getEnvOrDefault("AGENT_AUDIO", string(audio.EncodingLinear16))),
		AgentListenModel:     getEnvOrDefault("AGENT_LISTEN_MODEL", "nova-3"),
		AgentThinkProvider:   getEnvOrDefault("AGENT_THINK_PROVIDER", "open_ai"),
		AgentThinkModel:      getEnvOrDefault("AGENT_THINK_MODEL", "gpt-4o-mini"),
		VoiceID:              getEnvOrDefault("VOICE_ID", "aura-2-thalia-en"),
		PromptTemplate:       getEnvOrDefault("PROMPT_TEMPLATE", defaultPromptTemplate),
		GreetingTemplate:     getEnvOrDefault("GREETING_TEMPLATE", defaultGreetingTemplate),
		MaxReconnectAttempts: getEnvAsIntOrDefault("MAX_RECONNECT_ATTEMPTS", 3),
		ReconnectBaseDelay:   getEnvAsDurationOrDefault("RECONNECT_BASE_DELAY", time.Second),
		ConnectTimeout:       getEnvAsDurationOrDefault("CONNECT_TIMEOUT", 10*time.Second),
		CloseGrace:           getEnvAsDurationOrDefault("CLOSE_GRACE", 500*time.Millisecond),
		ConnectionLogSize:    getEnvAsIntOrDefault("CONNECTION_LOG_SIZE", 50),
		MonitorToken:         os.Getenv("MONITOR_TOKEN"),
		AllowedOrigins:       parseAllowedOrigins(os.Getenv("ALLOWED_ORIGINS")),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		AdminID:              int64(getEnvAsIntOrDefault("ADMIN_ID", 0)),
		OpenRouterAPIKey:     os.Getenv("OPENROUTER_API_KEY"),
		SummaryModel:         getEnvOrDefault("SUMMARY_MODEL", "google/gemini-2.5-flash"),
		SummaryBaseURL:       getEnvOrDefault("SUMMARY_BASE_URL", "https://openrouter.ai/api/v1"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigForCLI loads configuration without validating the serving keys
func LoadConfigForCLI() *Config {
	_ = godotenv.Overload()

	return &Config{
		DatabasePath: getEnvOrDefault("DATABASE_PATH", "./propertycall.db"),
		HTTPPort:     getEnvAsIntOrDefault("HTTP_PORT", 8080),
	}
}

// Validate checks the values a running server cannot do without.
func (c *Config) Validate() error {
	if _, err := bridge.AdapterFor(c.Provider); err != nil {
		return fmt.Errorf("PROVIDER: %w", err)
	}
	switch audio.Encoding(c.AgentAudio) {
	case audio.EncodingLinear16, audio.EncodingMulaw:
	default:
		return fmt.Errorf("AGENT_AUDIO must be %s or %s, got %q", audio.EncodingLinear16, audio.EncodingMulaw, c.AgentAudio)
	}
	if c.AgentURL == "" {
		return fmt.Errorf("AGENT_URL is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	return nil
}

// BridgeConfig converts the service settings into a session config.
// Logger, Metrics and OnEvent are filled in by the caller.
func (c *Config) BridgeConfig() bridge.Config {
	cfg := bridge.DefaultConfig()
	cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	cfg.ReconnectBaseDelay = c.ReconnectBaseDelay
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.CloseGrace = c.CloseGrace
	cfg.ConnectionLogSize = c.ConnectionLogSize
	if audio.Encoding(c.AgentAudio) == audio.EncodingMulaw {
		cfg.AgentFormat = audio.CarrierFormat
	}
	cfg.Agent = bridge.AgentSettings{
		Language:      "en",
		ListenModel:   c.AgentListenModel,
		ThinkProvider: c.AgentThinkProvider,
		ThinkModel:    c.AgentThinkModel,
		SpeakModel:    c.VoiceID,
	}
	return cfg
}

// StreamURL is the WebSocket URL the carrier connects its media stream to.
func (c *Config) StreamURL() string {
	base := c.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.HTTPPort)
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media/ws"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("750ms") or plain
// milliseconds ("750").
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
