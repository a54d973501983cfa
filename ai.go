package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/bridge"
)

const (
	summaryTimeout   = 30 * time.Second
	summaryMaxTokens = 400
	fallbackLength   = 500
)

var errEmptySummary = errors.New("model returned an empty summary")

const summarySystemPrompt = "You summarize outbound real-estate acquisition calls for the operator. " +
	"Be concise. State whether the owner is open to selling, their timeline, price expectation and any " +
	"follow-up promised. If a callback was agreed, start with 'CALLBACK NEEDED'."

// Summarizer produces a short post-call summary with an OpenAI-compatible
// chat model (OpenRouter by default).
type Summarizer struct {
	client *openai.Client
	model  string
}

// NewSummarizer returns nil when no API key is configured.
func NewSummarizer(apiKey, baseURL, model string) *Summarizer {
	if apiKey == "" {
		return nil
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Summarizer{client: openai.NewClientWithConfig(cfg), model: model}
}

// Summarize asks the model for a summary of the call transcript.
func (s *Summarizer) Summarize(ctx context.Context, rec *CallRecord) (string, error) {
	if len(rec.Transcript) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: summaryMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
				"Summarize this call with %s:\n\n%s", leadLabel(rec.Lead), formatTranscript(rec.Transcript))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptySummary
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errEmptySummary
	}
	return summary, nil
}

func leadLabel(lead map[string]string) string {
	if name := leadName(lead); name != "" {
		return name
	}
	return "the property owner"
}

func formatTranscript(lines []bridge.TranscriptLine) string {
	var sb strings.Builder
	for _, line := range lines {
		speaker := "Owner"
		if line.Speaker == bridge.SpeakerAgent {
			speaker = "Agent"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, line.Text)
	}
	return sb.String()
}

// fallbackSummary is used when no model is configured or the request fails.
func fallbackSummary(lines []bridge.TranscriptLine) string {
	if len(lines) == 0 {
		return "_No transcript available_"
	}
	return "*Transcript:*\n" + truncateForTelegram(formatTranscript(lines), fallbackLength)
}

// truncateForTelegram cuts s to at most n bytes without splitting a
// UTF-8 sequence.
func truncateForTelegram(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
