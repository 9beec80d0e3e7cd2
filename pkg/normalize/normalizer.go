// Package normalize turns raw Telegram events into ProcessedMessages with
// every blocking operation already done: downloads, transcription and file
// uploads happen here so downstream consumers never touch the network.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"quill/pkg/model"
	"quill/pkg/queue"
	"quill/pkg/stt"
)

var (
	ErrInvalidMessage      = errors.New("normalize: message has no sender")
	ErrDownloadFailed      = errors.New("normalize: download failed")
	ErrTranscriptionFailed = errors.New("normalize: transcription failed")
	ErrUploadFailed        = errors.New("normalize: upload failed")
)

// Downloader fetches Telegram-hosted file bytes. Satisfied by
// *telegram.Client.
type Downloader interface {
	FileBytes(ctx context.Context, fileID string) ([]byte, string, error)
}

// BlobCache mirrors downloads for later tool access. Satisfied by
// *cache.Blobs.
type BlobCache interface {
	Put(ctx context.Context, fileID string, data []byte)
}

// Uploader pushes bytes to the LLM files API. Satisfied by *llm.Uploader.
type Uploader interface {
	Upload(ctx context.Context, data []byte, fileName, mimeType string) (string, error)
}

// FileLookup finds previous uploads so a re-sent file is not re-uploaded.
// Satisfied by *store.Store.
type FileLookup interface {
	FileByTelegramID(ctx context.Context, telegramID string) (*model.UploadedFile, error)
}

// Enqueuer is the write-behind producer side for new upload records.
type Enqueuer interface {
	Queue(ctx context.Context, kind queue.Kind, payload any) bool
}

// Normalizer resolves one platform event into a ProcessedMessage. It holds
// its own client handle rather than reaching through a context registry, so
// the data flow is explicit.
type Normalizer struct {
	download    Downloader
	blobs       BlobCache
	transcriber stt.Transcriber
	uploader    Uploader
	files       FileLookup
	enqueue     Enqueuer
	fileTTL     time.Duration
}

func New(download Downloader, blobs BlobCache, transcriber stt.Transcriber, uploader Uploader, files FileLookup, enqueue Enqueuer, fileTTL time.Duration) *Normalizer {
	return &Normalizer{
		download:    download,
		blobs:       blobs,
		transcriber: transcriber,
		uploader:    uploader,
		files:       files,
		enqueue:     enqueue,
		fileTTL:     fileTTL,
	}
}

// Normalize performs all I/O for one incoming message. On failure the event
// is rejected whole; nothing partial is written.
func (n *Normalizer) Normalize(ctx context.Context, msg *tgbotapi.Message, isEdit bool) (*model.ProcessedMessage, error) {
	if msg.From == nil {
		return nil, ErrInvalidMessage
	}

	p := &model.ProcessedMessage{
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		UserID:     msg.From.ID,
		ChatKind:   msg.Chat.Type,
		Sender:     senderUser(msg.From),
		Text:       messageBody(msg),
		IsEdit:     isEdit,
		Forward:    extractForward(msg),
		ReceivedAt: time.Now(),
	}
	p.ReplySnippet, p.ReplySender = extractReply(msg)

	if err := n.resolveMedia(ctx, msg, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (n *Normalizer) resolveMedia(ctx context.Context, msg *tgbotapi.Message, p *model.ProcessedMessage) error {
	switch {
	case msg.Voice != nil:
		return n.transcribe(ctx, msg.Voice.FileID, p)

	case msg.VideoNote != nil:
		return n.transcribe(ctx, msg.VideoNote.FileID, p)

	case len(msg.Photo) > 0:
		largest := msg.Photo[0]
		for _, size := range msg.Photo[1:] {
			if size.Width*size.Height > largest.Width*largest.Height {
				largest = size
			}
		}
		return n.attach(ctx, largest.FileID, "", "", int64(largest.FileSize), model.FileKindImage, p)

	case msg.Audio != nil:
		return n.attach(ctx, msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType, int64(msg.Audio.FileSize), model.FileKindAudio, p)

	case msg.Video != nil:
		return n.attach(ctx, msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType, int64(msg.Video.FileSize), model.FileKindVideo, p)

	case msg.Document != nil:
		return n.attach(ctx, msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType, int64(msg.Document.FileSize), "", p)
	}
	return nil
}

// transcribe handles voice and video notes: download, cache, speech-to-text.
func (n *Normalizer) transcribe(ctx context.Context, fileID string, p *model.ProcessedMessage) error {
	data, _, err := n.download.FileBytes(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	n.blobs.Put(ctx, fileID, data)

	transcript, err := n.transcriber.Transcribe(ctx, data, fileID+".ogg")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	p.Transcript = transcript
	return nil
}

// attach handles uploadable media: download, cache, MIME-detect, upload.
// A file the user sent before within the retention window reuses the
// existing upload and skips the network entirely.
func (n *Normalizer) attach(ctx context.Context, fileID, fileName, declaredMime string, size int64, kind model.FileKind, p *model.ProcessedMessage) error {
	if existing, err := n.files.FileByTelegramID(ctx, fileID); err == nil && existing != nil {
		p.Files = append(p.Files, model.ProcessedFile{
			TelegramID: fileID,
			APIFileID:  existing.APIFileID,
			Kind:       existing.Kind,
			MimeType:   existing.MimeType,
			FileName:   existing.FileName,
			SizeBytes:  existing.SizeBytes,
		})
		return nil
	}

	data, remotePath, err := n.download.FileBytes(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	n.blobs.Put(ctx, fileID, data)

	mimeType := declaredMime
	ext := path.Ext(remotePath)
	if mimeType == "" {
		mimeType, ext = DetectMimeAndExt(data)
	}
	if kind == "" {
		kind = KindForMime(mimeType)
	}
	if fileName == "" {
		fileName = path.Base(remotePath)
		if fileName == "." || fileName == "/" || fileName == "" {
			fileName = fileID + ext
		}
	}
	if size == 0 {
		size = int64(len(data))
	}

	apiID, err := n.uploader.Upload(ctx, data, fileName, mimeType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	now := time.Now()
	n.enqueue.Queue(ctx, queue.KindFile, model.UploadedFile{
		ChatID:     p.ChatID,
		MessageID:  p.MessageID,
		TelegramID: fileID,
		APIFileID:  apiID,
		Kind:       kind,
		MimeType:   mimeType,
		FileName:   fileName,
		SizeBytes:  size,
		ExpiresAt:  now.Add(n.fileTTL),
		CreatedAt:  now,
	})

	p.Files = append(p.Files, model.ProcessedFile{
		TelegramID: fileID,
		APIFileID:  apiID,
		Kind:       kind,
		MimeType:   mimeType,
		FileName:   fileName,
		SizeBytes:  size,
	})
	return nil
}

func messageBody(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}
