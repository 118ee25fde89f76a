package models

import "strings"

// Message type tags.
const (
	TypeText        = "text"
	TypeImage       = "image"
	TypeVideo       = "video"
	TypeAudio       = "audio"
	TypeDocument    = "document"
	TypeSticker     = "sticker"
	TypeContact     = "contact"
	TypeLocation    = "location"
	TypeTemplate    = "template"
	TypeButtonReply = "button_reply"
	TypeListReply   = "list_reply"
	TypeInteractive = "interactive"
)

const previewLimit = 255

// Preview renders the short chat-list line for a message.
func Preview(m *Message) string {
	var p string
	switch m.Type {
	case TypeImage:
		p = "📷 " + firstNonEmpty(m.Caption, "Photo")
	case TypeVideo:
		p = "🎥 " + firstNonEmpty(m.Caption, "Video")
	case TypeAudio:
		if m.PTT {
			p = "🎤 Voice message"
		} else {
			p = "🎵 Audio"
		}
	case TypeDocument:
		p = "📄 " + firstNonEmpty(m.FileName, m.Caption, "Document")
	case TypeSticker:
		p = "🏷️ Sticker"
	case TypeContact:
		p = "👤 " + firstNonEmpty(m.ContactName, "Contact")
	case TypeLocation:
		p = "📍 " + firstNonEmpty(m.LocationName, "Location")
	default:
		p = m.Text
	}
	return truncate(strings.TrimSpace(p), previewLimit)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
