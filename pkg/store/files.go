package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"quill/pkg/model"
)

// FileByTelegramID returns the newest non-expired upload for a Telegram file
// handle, or nil when none exists. Lets the normalizer skip re-uploading a
// file the user sent before.
func (s *Store) FileByTelegramID(ctx context.Context, telegramID string) (*model.UploadedFile, error) {
	const q = `
		SELECT id, chat_id, message_id, telegram_id, api_file_id, kind,
		       mime_type, file_name, size_bytes, expires_at, created_at
		FROM   user_files
		WHERE  telegram_id = $1 AND expires_at > $2
		ORDER  BY created_at DESC
		LIMIT  1`

	var f model.UploadedFile
	err := s.pool.QueryRow(ctx, q, telegramID, time.Now()).Scan(
		&f.ID, &f.ChatID, &f.MessageID, &f.TelegramID, &f.APIFileID, &f.Kind,
		&f.MimeType, &f.FileName, &f.SizeBytes, &f.ExpiresAt, &f.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: file by telegram id: %w", err)
	}
	return &f, nil
}

// insertFiles appends upload bindings inside a flush transaction.
func insertFiles(ctx context.Context, tx pgx.Tx, files []model.UploadedFile) error {
	const q = `
		INSERT INTO user_files
		    (chat_id, message_id, telegram_id, api_file_id, kind,
		     mime_type, file_name, size_bytes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(q,
			f.ChatID, f.MessageID, f.TelegramID, f.APIFileID, f.Kind,
			f.MimeType, f.FileName, f.SizeBytes, f.ExpiresAt, f.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range files {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}
	return nil
}
