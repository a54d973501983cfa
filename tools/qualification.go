package tools

import (
	"encoding/json"
	"strings"
)

var (
	QualificationStatuses = []string{"qualified", "not_qualified", "needs_follow_up"}
	Sentiments            = []string{"positive", "neutral", "negative"}
	Dispositions          = []string{"interested", "not_interested", "callback_requested", "wrong_number", "do_not_call", "voicemail"}
)

// Qualification is the structured outcome the agent extracts from the conversation.
type Qualification struct {
	QualificationStatus string `json:"qualification_status"`
	Sentiment           string `json:"sentiment"`
	Disposition         string `json:"disposition"`
	Motivation          string `json:"motivation,omitempty"`
	Timeline            string `json:"timeline,omitempty"`
	PriceExpectation    string `json:"price_expectation,omitempty"`
	CallbackTime        string `json:"callback_time,omitempty"`
}

// ParseQualification decodes and validates extract_qualification_data arguments.
func ParseQualification(raw json.RawMessage) (Qualification, error) {
	var q Qualification
	if err := unmarshalArgs(raw, &q); err != nil {
		return Qualification{}, err
	}

	q.QualificationStatus = strings.ToLower(strings.TrimSpace(q.QualificationStatus))
	q.Sentiment = strings.ToLower(strings.TrimSpace(q.Sentiment))
	q.Disposition = strings.ToLower(strings.TrimSpace(q.Disposition))

	if err := oneOf("qualification_status", q.QualificationStatus, QualificationStatuses); err != nil {
		return Qualification{}, err
	}
	if err := oneOf("sentiment", q.Sentiment, Sentiments); err != nil {
		return Qualification{}, err
	}
	if err := oneOf("disposition", q.Disposition, Dispositions); err != nil {
		return Qualification{}, err
	}
	return q, nil
}
