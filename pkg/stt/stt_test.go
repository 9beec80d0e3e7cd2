package stt

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVerbose(t *testing.T) {
	raw := `{"task":"transcribe","language":"english","duration":7.4,"text":"hello from a voice note"}`

	tr, err := decodeVerbose(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello from a voice note", tr.Text)
	assert.Equal(t, "english", tr.Language)
	assert.Equal(t, 8, tr.Seconds, "duration rounds up to whole seconds")
	assert.True(t, tr.Cost.GreaterThan(decimal.Zero))
}

func TestDecodeVerboseBadJSON(t *testing.T) {
	_, err := decodeVerbose(`{`)
	assert.Error(t, err)
}

func TestCost(t *testing.T) {
	assert.True(t, Cost(0).IsZero())
	assert.True(t, Cost(-5).IsZero())

	// 60s at the per-minute rate
	assert.Equal(t, "0.006", Cost(60).String())
	assert.Equal(t, "0.012", Cost(120).String())
}

func TestTranscriptRendered(t *testing.T) {
	tr, err := decodeVerbose(`{"language":"german","duration":3,"text":"guten tag"}`)
	require.NoError(t, err)
	assert.Equal(t, "[VOICE MESSAGE - 3s]: guten tag", tr.Rendered())
}
