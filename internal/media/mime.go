package media

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var extensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"video/mp4":       "mp4",
	"video/3gpp":      "3gp",
	"video/quicktime": "mov",
	"audio/ogg":       "ogg",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"audio/aac":       "aac",
	"audio/amr":       "amr",
	"audio/wav":       "wav",
	"text/plain":      "txt",
	"text/csv":        "csv",
	"text/vcard":      "vcf",

	"application/pdf":               "pdf",
	"application/zip":               "zip",
	"application/msword":            "doc",
	"application/vnd.ms-excel":      "xls",
	"application/vnd.ms-powerpoint": "ppt",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
}

// short, regular subtypes such as "heic" or "opus" double as extensions
var plainSubtype = regexp.MustCompile(`^[a-z0-9]{2,5}$`)

// BaseType strips parameters from a MIME type: "audio/ogg; codecs=opus"
// becomes "audio/ogg".
func BaseType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// DetectType returns declared when set, otherwise the sniffed type of data.
func DetectType(declared string, data []byte) string {
	if base := BaseType(declared); base != "" && base != "application/octet-stream" {
		return base
	}
	if len(data) == 0 {
		return "application/octet-stream"
	}
	return BaseType(mimetype.Detect(data).String())
}

// Extension infers a file extension (without dot) for the given type,
// falling back to the subtype, then to content sniffing, then to "bin".
func Extension(mimeType string, data []byte) string {
	base := BaseType(mimeType)
	if ext, ok := extensions[base]; ok {
		return ext
	}
	if _, sub, ok := strings.Cut(base, "/"); ok && plainSubtype.MatchString(sub) {
		return sub
	}
	if len(data) > 0 {
		if ext := strings.TrimPrefix(mimetype.Detect(data).Extension(), "."); ext != "" {
			return ext
		}
	}
	return "bin"
}

// ObjectKey lays media out by day: YYYY/MM/DD/<unixnano>-<uuid>.<ext>.
func ObjectKey(now time.Time, ext string) string {
	now = now.UTC()
	return fmt.Sprintf("%s/%d-%s.%s", now.Format("2006/01/02"), now.UnixNano(), uuid.NewString(), ext)
}
