package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreview(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{"text", Message{Type: TypeText, Text: "hello"}, "hello"},
		{"captioned photo", Message{Type: TypeImage, Caption: "menu"}, "📷 menu"},
		{"bare photo", Message{Type: TypeImage}, "📷 Photo"},
		{"video", Message{Type: TypeVideo}, "🎥 Video"},
		{"voice note", Message{Type: TypeAudio, PTT: true}, "🎤 Voice message"},
		{"audio file", Message{Type: TypeAudio}, "🎵 Audio"},
		{"document", Message{Type: TypeDocument, FileName: "invoice.pdf"}, "📄 invoice.pdf"},
		{"sticker", Message{Type: TypeSticker}, "🏷️ Sticker"},
		{"contact", Message{Type: TypeContact, ContactName: "Bob"}, "👤 Bob"},
		{"location", Message{Type: TypeLocation}, "📍 Location"},
		{"button reply", Message{Type: TypeButtonReply, Text: "Sales"}, "Sales"},
		{"template", Message{Type: TypeTemplate, Text: "Your order shipped"}, "Your order shipped"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Preview(&tc.msg))
		})
	}
}

func TestPreviewIsCapped(t *testing.T) {
	long := strings.Repeat("é", 400)
	got := Preview(&Message{Type: TypeText, Text: long})
	assert.Len(t, []rune(got), 255)
}

func TestMessageStatusOrdering(t *testing.T) {
	order := []MessageStatus{StatusError, StatusNone, StatusPending, StatusSent, StatusDelivered, StatusRead}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Weight(), order[i].Weight())
	}
}

func TestMessageStatusJSON(t *testing.T) {
	raw, err := json.Marshal(StatusDelivered)
	require.NoError(t, err)
	assert.JSONEq(t, `"delivered"`, string(raw))

	var s MessageStatus
	require.NoError(t, json.Unmarshal([]byte(`"READ"`), &s))
	assert.Equal(t, StatusRead, s)

	require.NoError(t, json.Unmarshal([]byte(`2`), &s))
	assert.Equal(t, StatusSent, s)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}

func TestSessionVarsNeverNil(t *testing.T) {
	var s AutomationSession
	vars := s.Vars()
	require.NotNil(t, vars)
	vars["x"] = "y"
}
