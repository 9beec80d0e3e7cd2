package normalize

import (
	"mime"
	"net/http"
	"strings"

	"quill/pkg/model"
)

// DetectMimeAndExt sniffs a byte slice for its MIME type and standard
// extension. Returns ("application/octet-stream", ".bin") when the content
// is unidentifiable.
func DetectMimeAndExt(data []byte) (string, string) {
	mimeType := "application/octet-stream"
	if len(data) > 0 {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, mimeToExt(mimeType)
}

func mimeToExt(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

// KindForMime derives the file kind used for content formatting and chat
// action hints.
func KindForMime(mimeType string) model.FileKind {
	switch {
	case mimeType == "application/pdf":
		return model.FileKindPDF
	case strings.HasPrefix(mimeType, "image/"):
		return model.FileKindImage
	case strings.HasPrefix(mimeType, "audio/"):
		return model.FileKindAudio
	case strings.HasPrefix(mimeType, "video/"):
		return model.FileKindVideo
	default:
		return model.FileKindDocument
	}
}
