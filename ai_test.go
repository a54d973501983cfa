package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/bridge"
)

func newCompletionServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSummarize(t *testing.T) {
	var req map[string]any
	srv := newCompletionServer(t, "  Owner open to selling in spring.  ", &req)

	s := NewSummarizer("test-key", srv.URL, "test-model")
	require.NotNil(t, s)

	summary, err := s.Summarize(context.Background(), sampleRecord("CA1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "Owner open to selling in spring.", summary)

	assert.Equal(t, "test-model", req["model"])
	messages := req["messages"].([]any)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)["content"].(string)
	assert.Contains(t, user, "with Ann")
	assert.Contains(t, user, "Agent: Hi Ann, is now a good time?")
	assert.Contains(t, user, "Owner: Sure, go ahead.")
}

func TestSummarizeEmptyResponse(t *testing.T) {
	srv := newCompletionServer(t, "   ", nil)
	s := NewSummarizer("test-key", srv.URL, "test-model")

	_, err := s.Summarize(context.Background(), sampleRecord("CA1", time.Now()))
	assert.ErrorIs(t, err, errEmptySummary)
}

func TestSummarizeSkipsEmptyTranscript(t *testing.T) {
	s := NewSummarizer("test-key", "http://127.0.0.1:1", "test-model")
	rec := sampleRecord("CA1", time.Now())
	rec.Transcript = nil

	summary, err := s.Summarize(context.Background(), rec)
	assert.NoError(t, err)
	assert.Empty(t, summary)
}

func TestNewSummarizerWithoutKey(t *testing.T) {
	assert.Nil(t, NewSummarizer("", "", "model"))
}

func TestFallbackSummary(t *testing.T) {
	assert.Equal(t, "_No transcript available_", fallbackSummary(nil))

	lines := []bridge.TranscriptLine{{Speaker: bridge.SpeakerCaller, Text: strings.Repeat("a", 600)}}
	got := fallbackSummary(lines)
	assert.True(t, strings.HasPrefix(got, "*Transcript:*\nOwner: aaa"))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Len(t, got, len("*Transcript:*\n")+fallbackLength+3)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := truncateForTelegram(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé...", got)
	assert.Equal(t, "ab", truncateForTelegram("ab", 5))
}
