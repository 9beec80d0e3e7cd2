package normalize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/pkg/model"
	"quill/pkg/queue"
)

type fakeDownloader struct {
	data map[string][]byte
	path string
	err  error
}

func (f *fakeDownloader) FileBytes(ctx context.Context, fileID string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data[fileID], f.path, nil
}

type fakeBlobs struct {
	stored map[string][]byte
}

func (f *fakeBlobs) Put(ctx context.Context, fileID string, data []byte) {
	if f.stored == nil {
		f.stored = map[string][]byte{}
	}
	f.stored[fileID] = data
}

type fakeTranscriber struct {
	transcript *model.Transcript
	err        error
	gotName    string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, fileName string) (*model.Transcript, error) {
	f.gotName = fileName
	return f.transcript, f.err
}

type fakeUploader struct {
	id      string
	err     error
	gotName string
	gotMime string
	calls   int
}

func (f *fakeUploader) Upload(ctx context.Context, data []byte, fileName, mimeType string) (string, error) {
	f.calls++
	f.gotName = fileName
	f.gotMime = mimeType
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

type fakeFileLookup struct {
	existing *model.UploadedFile
}

func (f *fakeFileLookup) FileByTelegramID(ctx context.Context, telegramID string) (*model.UploadedFile, error) {
	return f.existing, nil
}

type fakeEnqueuer struct {
	kinds    []queue.Kind
	payloads []any
}

func (f *fakeEnqueuer) Queue(ctx context.Context, kind queue.Kind, payload any) bool {
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
	return true
}

type fixture struct {
	download    *fakeDownloader
	blobs       *fakeBlobs
	transcriber *fakeTranscriber
	uploader    *fakeUploader
	lookup      *fakeFileLookup
	enqueue     *fakeEnqueuer
	n           *Normalizer
}

func newFixture() *fixture {
	f := &fixture{
		download:    &fakeDownloader{data: map[string][]byte{}},
		blobs:       &fakeBlobs{},
		transcriber: &fakeTranscriber{},
		uploader:    &fakeUploader{id: "file_api_1"},
		lookup:      &fakeFileLookup{},
		enqueue:     &fakeEnqueuer{},
	}
	f.n = New(f.download, f.blobs, f.transcriber, f.uploader, f.lookup, f.enqueue, 24*time.Hour)
	return f
}

func baseMessage() *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 42,
		From:      &tgbotapi.User{ID: 7, FirstName: "Ada", LastName: "Lovelace", UserName: "ada"},
		Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
		Text:      "hello",
	}
}

func TestNormalizeTextMessage(t *testing.T) {
	f := newFixture()

	p, err := f.n.Normalize(context.Background(), baseMessage(), false)
	require.NoError(t, err)

	assert.Equal(t, int64(100), p.ChatID)
	assert.Equal(t, 42, p.MessageID)
	assert.Equal(t, int64(7), p.UserID)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "Ada Lovelace", p.Sender.DisplayName())
	assert.False(t, p.IsEdit)
	assert.Empty(t, p.Files)
	assert.Nil(t, p.Transcript)
}

func TestNormalizeRejectsNoSender(t *testing.T) {
	f := newFixture()
	msg := baseMessage()
	msg.From = nil

	_, err := f.n.Normalize(context.Background(), msg, false)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNormalizeCaptionFallback(t *testing.T) {
	f := newFixture()
	msg := baseMessage()
	msg.Text = ""
	msg.Caption = "look at this"

	p, err := f.n.Normalize(context.Background(), msg, false)
	require.NoError(t, err)
	assert.Equal(t, "look at this", p.Text)
}

func TestNormalizeVoice(t *testing.T) {
	f := newFixture()
	f.download.data["voice1"] = []byte("ogg-bytes")
	f.transcriber.transcript = &model.Transcript{Text: "spoken words", Seconds: 4}

	msg := baseMessage()
	msg.Text = ""
	msg.Voice = &tgbotapi.Voice{FileID: "voice1", Duration: 4}

	p, err := f.n.Normalize(context.Background(), msg, false)
	require.NoError(t, err)

	require.NotNil(t, p.Transcript)
	assert.Equal(t, "spoken words", p.Transcript.Text)
	assert.Equal(t, "[VOICE MESSAGE - 4s]: spoken words", p.Body())
	assert.Equal(t, []byte("ogg-bytes"), f.blobs.stored["voice1"], "audio cached for tool access")
	assert.Equal(t, "voice1.ogg", f.transcriber.gotName)
	assert.Zero(t, f.uploader.calls, "voice is transcribed, not uploaded")
}

func TestNormalizeVoiceTranscriptionFailure(t *testing.T) {
	f := newFixture()
	f.download.data["voice1"] = []byte("ogg-bytes")
	f.transcriber.err = errors.New("api down")

	msg := baseMessage()
	msg.Voice = &tgbotapi.Voice{FileID: "voice1"}

	_, err := f.n.Normalize(context.Background(), msg, false)
	assert.ErrorIs(t, err, ErrTranscriptionFailed)
}

func TestNormalizeDownloadFailure(t *testing.T) {
	f := newFixture()
	f.download.err = errors.New("telegram 500")

	msg := baseMessage()
	msg.Voice = &tgbotapi.Voice{FileID: "voice1"}

	_, err := f.n.Normalize(context.Background(), msg, false)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestNormalizePhotoPicksLargest(t *testing.T) {
	f := newFixture()
	// tiny valid JPEG header so sniffing yields image/jpeg
	f.download.data["big"] = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	f.download.path = "photos/file_1.jpg"

	msg := baseMessage()
	msg.Text = ""
	msg.Photo = []tgbotapi.PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "big", Width: 800, Height: 600},
		{FileID: "mid", Width: 320, Height: 240},
	}

	p, err := f.n.Normalize(context.Background(), msg, false)
	require.NoError(t, err)

	require.Len(t, p.Files, 1)
	assert.Equal(t, "big", p.Files[0].TelegramID)
	assert.Equal(t, "file_api_1", p.Files[0].APIFileID)
	assert.Equal(t, model.FileKindImage, p.Files[0].Kind)
	assert.Equal(t, "image/jpeg", p.Files[0].MimeType)

	require.Len(t, f.enqueue.kinds, 1)
	assert.Equal(t, queue.KindFile, f.enqueue.kinds[0])
	rec := f.enqueue.payloads[0].(model.UploadedFile)
	assert.Equal(t, "big", rec.TelegramID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), rec.ExpiresAt, time.Minute)
}

func TestNormalizeDocumentUsesDeclaredMime(t *testing.T) {
	f := newFixture()
	f.download.data["doc1"] = []byte("%PDF-1.7 ...")
	f.download.path = "documents/report.pdf"

	msg := baseMessage()
	msg.Document = &tgbotapi.Document{FileID: "doc1", FileName: "report.pdf", MimeType: "application/pdf", FileSize: 12}

	p, err := f.n.Normalize(context.Background(), msg, false)
	require.NoError(t, err)

	require.Len(t, p.Files, 1)
	assert.Equal(t, model.FileKindPDF, p.Files[0].Kind)
	assert.Equal(t, "application/pdf", p.Files[0].MimeType)
	assert.Equal(t, "report.pdf", p.Files[0].FileName)
	assert.Equal(t, "application/pdf", f.uploader.gotMime)
}

func TestNormalizeReusesExistingUpload(t *testing.T) {
	f := newFixture()
	f.lookup.existing = &model.UploadedFile{
		TelegramID: "doc1",
		APIFileID:  "file_api_old",
		Kind:       model.FileKindPDF,
		MimeType:   "application/pdf",
		FileName:   "report.pdf",
		SizeBytes:  12,
		ExpiresAt:  time.Now().Add(time.Hour),
	}

	msg := baseMessage()
	msg.Document = &tgbotapi.Document{FileID: "doc1", FileName: "report.pdf", MimeType: "application/pdf"}

	p, err := f.n.Normalize(context.Background(), msg, false)
	require.NoError(t, err)

	require.Len(t, p.Files, 1)
	assert.Equal(t, "file_api_old", p.Files[0].APIFileID)
	assert.Zero(t, f.uploader.calls, "no re-upload for a known file")
	assert.Empty(t, f.enqueue.kinds, "no duplicate persistence row")
}

func TestNormalizeUploadFailure(t *testing.T) {
	f := newFixture()
	f.download.data["doc1"] = []byte("bytes")
	f.uploader.err = errors.New("files api rejected")

	msg := baseMessage()
	msg.Document = &tgbotapi.Document{FileID: "doc1", FileName: "a.bin"}

	_, err := f.n.Normalize(context.Background(), msg, false)
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Empty(t, f.enqueue.kinds, "nothing persisted on failure")
}

func TestExtractReplyTruncates(t *testing.T) {
	long := strings.Repeat("я", 300)
	msg := &tgbotapi.Message{
		ReplyToMessage: &tgbotapi.Message{
			From: &tgbotapi.User{FirstName: "Bob"},
			Text: long,
		},
	}

	snippet, sender := extractReply(msg)
	assert.Equal(t, "Bob", sender)
	assert.Equal(t, replySnippetLimit, len([]rune(snippet)))
}

func TestExtractReplyCaption(t *testing.T) {
	msg := &tgbotapi.Message{
		ReplyToMessage: &tgbotapi.Message{Caption: "photo caption"},
	}
	snippet, sender := extractReply(msg)
	assert.Equal(t, "photo caption", snippet)
	assert.Empty(t, sender)
}

func TestExtractForward(t *testing.T) {
	cases := []struct {
		name string
		msg  tgbotapi.Message
		want *model.ForwardOrigin
	}{
		{
			name: "user",
			msg:  tgbotapi.Message{ForwardFrom: &tgbotapi.User{FirstName: "Carol"}},
			want: &model.ForwardOrigin{Kind: "user", Name: "Carol"},
		},
		{
			name: "channel",
			msg:  tgbotapi.Message{ForwardFromChat: &tgbotapi.Chat{Type: "channel", Title: "News"}},
			want: &model.ForwardOrigin{Kind: "channel", Name: "News"},
		},
		{
			name: "group chat",
			msg:  tgbotapi.Message{ForwardFromChat: &tgbotapi.Chat{Type: "supergroup", Title: "Team"}},
			want: &model.ForwardOrigin{Kind: "chat", Name: "Team"},
		},
		{
			name: "hidden",
			msg:  tgbotapi.Message{ForwardSenderName: "Anonymous"},
			want: &model.ForwardOrigin{Kind: "hidden", Name: "Anonymous"},
		},
		{
			name: "not forwarded",
			msg:  tgbotapi.Message{},
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractForward(&tc.msg))
		})
	}
}

func TestKindForMime(t *testing.T) {
	assert.Equal(t, model.FileKindPDF, KindForMime("application/pdf"))
	assert.Equal(t, model.FileKindImage, KindForMime("image/png"))
	assert.Equal(t, model.FileKindAudio, KindForMime("audio/mpeg"))
	assert.Equal(t, model.FileKindVideo, KindForMime("video/mp4"))
	assert.Equal(t, model.FileKindDocument, KindForMime("text/csv"))
}

func TestDetectMimeAndExt(t *testing.T) {
	mimeType, ext := DetectMimeAndExt([]byte("%PDF-1.7 content"))
	assert.Equal(t, "application/pdf", mimeType)
	assert.Equal(t, ".pdf", ext)

	mimeType, _ = DetectMimeAndExt(nil)
	assert.Equal(t, "application/octet-stream", mimeType)
}
