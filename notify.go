package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender is the part of tgbotapi.BotAPI the notifier uses
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier reports finished calls to the operator over Telegram.
// A nil *Notifier is valid and sends nothing.
type Notifier struct {
	api    telegramSender
	chatID int64
}

// NewNotifier creates a Telegram notifier. It returns nil without error
// when no bot token or chat is configured.
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	log.Printf("[Notify] Authorized as @%s", api.Self.UserName)
	return &Notifier{api: api, chatID: chatID}, nil
}

// CallFinished sends the outcome of a call
func (n *Notifier) CallFinished(rec *CallRecord) error {
	if n == nil {
		return nil
	}
	return n.sendMessage(formatCallMessage(rec))
}

func formatCallMessage(rec *CallRecord) string {
	var sb strings.Builder

	icon := "📞"
	if rec.Outcome == outcomeFailed {
		icon = "⚠️"
	}
	fmt.Fprintf(&sb, "%s *Call %s* (%s)\n", icon, rec.CallID, rec.Outcome)
	if name := leadName(rec.Lead); name != "" {
		fmt.Fprintf(&sb, "Lead: %s\n", name)
	}
	if addr := rec.Lead["address"]; addr != "" {
		fmt.Fprintf(&sb, "Property: %s\n", addr)
	}
	fmt.Fprintf(&sb, "Duration: %s\n", rec.Duration().Round(time.Second))
	if rec.Outcome == outcomeFailed && rec.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s (after %d reconnect attempts)\n", rec.Reason, rec.ReconnectAttempts)
	}

	if q := rec.Qualification; q != nil {
		fmt.Fprintf(&sb, "\n*%s* · %s · %s\n", q.QualificationStatus, q.Disposition, q.Sentiment)
		if q.Timeline != "" {
			fmt.Fprintf(&sb, "Timeline: %s\n", q.Timeline)
		}
		if q.PriceExpectation != "" {
			fmt.Fprintf(&sb, "Price: %s\n", q.PriceExpectation)
		}
		if q.Motivation != "" {
			fmt.Fprintf(&sb, "Motivation: %s\n", q.Motivation)
		}
		if q.CallbackTime != "" {
			fmt.Fprintf(&sb, "Callback: %s\n", q.CallbackTime)
		}
	}

	if rec.Summary != "" {
		sb.WriteString("\n")
		sb.WriteString(rec.Summary)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func leadName(lead map[string]string) string {
	return strings.TrimSpace(lead["firstName"] + " " + lead["lastName"])
}

func (n *Notifier) sendMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chunks := splitMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tgbotapi.NewMessage(n.chatID, chunk)
		msg.ParseMode = "Markdown"
		_, err := n.api.Send(msg)
		if err != nil && strings.Contains(err.Error(), "can't parse entities") {
			msg.ParseMode = ""
			_, err = n.api.Send(msg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// splitMessage splits text into chunks of at most maxLen characters,
// preferring to break at newlines, then at spaces, to avoid cutting mid-sentence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		chunk := text[:maxLen]
		if idx := strings.LastIndex(chunk, "\n"); idx > maxLen/4 {
			chunks = append(chunks, text[:idx])
			text = text[idx+1:]
		} else if idx := strings.LastIndex(chunk, " "); idx > maxLen/4 {
			chunks = append(chunks, text[:idx])
			text = text[idx+1:]
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}
