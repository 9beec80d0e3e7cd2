// Package stt transcribes voice and video notes through the OpenAI audio API.
package stt

import (
	"bytes"
	"context"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/shopspring/decimal"

	"quill/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// whisper-1 is billed per minute, rounded up to the second.
var pricePerMinute = decimal.NewFromFloat(0.006)

// Transcriber converts raw audio bytes into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, fileName string) (*model.Transcript, error)
}

// Client implements Transcriber over the official OpenAI SDK.
type Client struct {
	api   *openai.Client
	model openai.AudioModel
}

func NewClient(api *openai.Client) *Client {
	return &Client{api: api, model: openai.AudioModelWhisper1}
}

// Transcribe runs speech-to-text with automatic language detection. The
// verbose response carries duration and detected language, which the plain
// SDK struct does not surface, so those are decoded from the raw body.
func (c *Client) Transcribe(ctx context.Context, data []byte, fileName string) (*model.Transcript, error) {
	resp, err := c.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(data), fileName, ""),
		Model:          c.model,
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("stt: transcription failed: %w", err)
	}

	return decodeVerbose(resp.RawJSON())
}

type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

func decodeVerbose(raw string) (*model.Transcript, error) {
	var v verboseTranscription
	if err := json.UnmarshalFromString(raw, &v); err != nil {
		return nil, fmt.Errorf("stt: decode verbose transcription: %w", err)
	}

	seconds := int(math.Ceil(v.Duration))
	return &model.Transcript{
		Text:     v.Text,
		Seconds:  seconds,
		Language: v.Language,
		Cost:     Cost(seconds),
	}, nil
}

// Cost prices a transcription of the given length.
func Cost(seconds int) decimal.Decimal {
	if seconds <= 0 {
		return decimal.Zero
	}
	return pricePerMinute.Mul(decimal.NewFromInt(int64(seconds))).Div(decimal.NewFromInt(60))
}
