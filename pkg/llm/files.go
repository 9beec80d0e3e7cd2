package llm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// Uploader pushes media bytes to the files API so message content can
// reference them by id instead of inlining base64.
type Uploader struct {
	api *anthropic.Client
}

func NewUploader(api *anthropic.Client) *Uploader {
	return &Uploader{api: api}
}

// Upload stores the bytes and returns the file id.
func (u *Uploader) Upload(ctx context.Context, data []byte, fileName, mimeType string) (string, error) {
	meta, err := u.api.Beta.Files.Upload(ctx, anthropic.BetaFileUploadParams{
		File:  anthropic.File(bytes.NewReader(data), fileName, mimeType),
		Betas: []anthropic.AnthropicBeta{anthropic.AnthropicBetaFilesAPI2025_04_14},
	})
	if err != nil {
		return "", fmt.Errorf("llm: file upload failed: %w", err)
	}
	return meta.ID, nil
}
