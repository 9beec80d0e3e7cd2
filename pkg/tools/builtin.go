package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"quill/pkg/cache"
	"quill/pkg/stt"
)

// TranscribeAudio converts an audio attachment to text on demand. It reads
// the blob cache the normalizer filled, so no redownload happens; an expired
// cache entry surfaces as a tool error the model can relay.
type TranscribeAudio struct {
	blobs *cache.Blobs
	stt   stt.Transcriber
}

func NewTranscribeAudio(blobs *cache.Blobs, transcriber stt.Transcriber) *TranscribeAudio {
	return &TranscribeAudio{blobs: blobs, stt: transcriber}
}

func (t *TranscribeAudio) Name() string { return "transcribe_audio" }

func (t *TranscribeAudio) Description() string {
	return "Transcribe an audio attachment from the current conversation to text. " +
		"Use the telegram file_id noted next to the attachment."
}

func (t *TranscribeAudio) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_id": map[string]any{
				"type":        "string",
				"description": "Telegram file id of the audio attachment",
			},
		},
		"required": []string{"file_id"},
	}
}

func (t *TranscribeAudio) TurnBreak() bool { return false }

func (t *TranscribeAudio) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	fileID, _ := args["file_id"].(string)

	data, ok := t.blobs.Get(ctx, fileID)
	if !ok {
		return nil, errors.New("audio is no longer cached, ask the user to resend it")
	}

	transcript, err := t.stt.Transcribe(ctx, data, fileID+".ogg")
	if err != nil {
		return nil, err
	}
	return &Result{Text: transcript.Rendered()}, nil
}

// DeliverFile emits a model-generated file into the chat. It is a turn-break
// tool: the file must be on screen before the model keeps talking, so the
// orchestrator finalizes the current turn after it completes.
type DeliverFile struct{}

func NewDeliverFile() *DeliverFile { return &DeliverFile{} }

func (d *DeliverFile) Name() string { return "deliver_file" }

func (d *DeliverFile) Description() string {
	return "Send a generated file to the user as a document. Provide text content " +
		"directly or base64 for binary data."
}

func (d *DeliverFile) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_name": map[string]any{
				"type":        "string",
				"description": "Name of the file including extension",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Text content of the file",
			},
			"content_base64": map[string]any{
				"type":        "string",
				"description": "Base64-encoded binary content, used instead of content",
			},
			"mime_type": map[string]any{
				"type":        "string",
				"description": "MIME type of the file",
			},
		},
		"required": []string{"file_name"},
	}
}

func (d *DeliverFile) TurnBreak() bool { return true }

func (d *DeliverFile) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	name, _ := args["file_name"].(string)
	mime, _ := args["mime_type"].(string)

	var data []byte
	if b64, ok := args["content_base64"].(string); ok && b64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("content_base64 is not valid base64: %w", err)
		}
		data = decoded
	} else if content, ok := args["content"].(string); ok && content != "" {
		data = []byte(content)
	} else {
		return nil, errors.New("either content or content_base64 is required")
	}

	return &Result{
		Text:      fmt.Sprintf("file %q delivered to the user", name),
		FileName:  name,
		FileBytes: data,
		FileMime:  mime,
	}, nil
}
