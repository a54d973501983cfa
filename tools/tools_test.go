package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQualificationObject(t *testing.T) {
	q, err := ParseQualification(json.RawMessage(`{
		"qualification_status": "Qualified",
		"sentiment": "positive",
		"disposition": "interested",
		"motivation": "relocating for work",
		"timeline": "3 months",
		"price_expectation": "around 350k"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "qualified", q.QualificationStatus)
	assert.Equal(t, "relocating for work", q.Motivation)
	assert.Empty(t, q.CallbackTime)
}

func TestParseQualificationStringEncoded(t *testing.T) {
	raw, _ := json.Marshal(`{"qualification_status":"needs_follow_up","sentiment":"neutral","disposition":"callback_requested","callback_time":"tomorrow 3pm"}`)
	q, err := ParseQualification(raw)
	require.NoError(t, err)
	assert.Equal(t, "callback_requested", q.Disposition)
	assert.Equal(t, "tomorrow 3pm", q.CallbackTime)
}

func TestParseQualificationRejectsBadValues(t *testing.T) {
	_, err := ParseQualification(json.RawMessage(`{"qualification_status":"maybe","sentiment":"positive","disposition":"interested"}`))
	assert.ErrorContains(t, err, "qualification_status")

	_, err = ParseQualification(json.RawMessage(`not json`))
	assert.Error(t, err)

	_, err = ParseQualification(nil)
	assert.Error(t, err)
}

func TestParseEndCall(t *testing.T) {
	args, err := ParseEndCall(json.RawMessage(`{"reason":" owner not interested "}`))
	require.NoError(t, err)
	assert.Equal(t, "owner not interested", args.Reason)

	args, err = ParseEndCall(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "unspecified", args.Reason)
}

func TestDefinitionsCoverKnownFunctions(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, 2)
	for _, d := range defs {
		assert.True(t, Known(d.Name))
		assert.Equal(t, "object", d.Parameters["type"])
	}
	assert.False(t, Known("transfer_call"))
}

func TestResultJSON(t *testing.T) {
	assert.JSONEq(t, `{"success":false,"error":"unknown function"}`, Result{Error: "unknown function"}.JSON())
}
