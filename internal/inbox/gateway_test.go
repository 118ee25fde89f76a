package inbox

import (
	"encoding/json"
	"testing"

	"whatsapp-inbox/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayEventName(t *testing.T) {
	assert.Equal(t, EventMessagesUpsert, GatewayEvent{Event: "MESSAGES_UPSERT"}.Name())
	assert.Equal(t, EventConnectionUpdate, GatewayEvent{Event: "connection.update"}.Name())
}

func TestDecodeGatewayText(t *testing.T) {
	raw := json.RawMessage(`{
		"key": {"remoteJid": "5511999990000:12@s.whatsapp.net", "fromMe": false, "id": "ABC"},
		"pushName": "Alice",
		"message": {"conversation": "hello"},
		"messageTimestamp": 1700000000
	}`)

	in, err := DecodeGatewayMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "ABC", in.ID)
	assert.Equal(t, "5511999990000@s.whatsapp.net", in.RemoteJID)
	assert.Equal(t, "Alice", in.PushName)
	assert.Equal(t, models.TypeText, in.Type)
	assert.Equal(t, "hello", in.Text)
	assert.EqualValues(t, 1700000000, in.Timestamp.Unix())
	assert.Nil(t, in.Media)
}

func TestDecodeGatewayPrefersPhoneJIDOverLID(t *testing.T) {
	raw := json.RawMessage(`{
		"key": {"remoteJid": "123456789@lid", "remoteJidAlt": "5511999990000@s.whatsapp.net", "id": "ABC"},
		"message": {"conversation": "hi"}
	}`)

	in, err := DecodeGatewayMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "5511999990000@s.whatsapp.net", in.RemoteJID)
}

func TestDecodeGatewayImageWithQuote(t *testing.T) {
	raw := json.RawMessage(`{
		"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "IMG"},
		"message": {
			"imageMessage": {
				"mimetype": "image/jpeg",
				"caption": "look",
				"fileLength": {"low": 2048, "high": 0},
				"contextInfo": {"stanzaId": "ORIG", "quotedMessage": {"conversation": "earlier"}}
			},
			"base64": "aGVsbG8="
		},
		"messageTimestamp": "1700000000"
	}`)

	in, err := DecodeGatewayMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, models.TypeImage, in.Type)
	assert.Equal(t, "look", in.Caption)
	assert.EqualValues(t, 2048, in.FileLength)
	require.NotNil(t, in.Media)
	assert.Equal(t, "aGVsbG8=", in.Media.Base64)
	assert.True(t, in.Media.FromGateway)
	require.NotNil(t, in.Quoted)
	assert.Equal(t, "ORIG", in.Quoted.ID)
	assert.Equal(t, "earlier", in.Quoted.Text)
	assert.Equal(t, models.TypeText, in.Quoted.Type)
}

func TestDecodeGatewaySelections(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		wantType  string
		wantText  string
		wantSelID string
	}{
		{"buttons", `{"buttonsResponseMessage":{"selectedButtonId":"b1","selectedDisplayText":"Yes"}}`, models.TypeButtonReply, "Yes", "b1"},
		{"list", `{"listResponseMessage":{"title":"Sales","singleSelectReply":{"selectedRowId":"r2"}}}`, models.TypeListReply, "Sales", "r2"},
		{"template button", `{"templateButtonReplyMessage":{"selectedId":"t1","selectedDisplayText":"Go"}}`, models.TypeButtonReply, "Go", "t1"},
		{"document with caption", `{"documentWithCaptionMessage":{"message":{"documentMessage":{"fileName":"a.pdf","caption":"doc"}}}}`, models.TypeDocument, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := json.RawMessage(`{"key":{"remoteJid":"5511999990000@s.whatsapp.net","id":"X"},"message":` + tt.message + `}`)
			in, err := DecodeGatewayMessage(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, in.Type)
			assert.Equal(t, tt.wantText, in.Text)
			assert.Equal(t, tt.wantSelID, in.SelectionID)
		})
	}
}

func TestDecodeGatewayIgnored(t *testing.T) {
	tests := map[string]string{
		"group":      `{"key":{"remoteJid":"1203630@g.us","id":"X"},"message":{"conversation":"hi"}}`,
		"status":     `{"key":{"remoteJid":"status@broadcast","id":"X"},"message":{"conversation":"hi"}}`,
		"newsletter": `{"key":{"remoteJid":"1203630@newsletter","id":"X"},"message":{"conversation":"hi"}}`,
		"protocol":   `{"key":{"remoteJid":"5511999990000@s.whatsapp.net","id":"X"},"message":{"protocolMessage":{"type":0}}}`,
		"reaction":   `{"key":{"remoteJid":"5511999990000@s.whatsapp.net","id":"X"},"message":{"reactionMessage":{"text":"👍"}}}`,
		"no message": `{"key":{"remoteJid":"5511999990000@s.whatsapp.net","id":"X"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeGatewayMessage(json.RawMessage(raw))
			assert.ErrorIs(t, err, ErrIgnored)
		})
	}
}

func TestDecodeGatewayReceipts(t *testing.T) {
	raw := json.RawMessage(`[
		{"keyId": "K1", "messageId": "db-1", "remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true, "status": "DELIVERY_ACK"},
		{"key": {"id": "K2", "remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true}, "update": {"status": 4}}
	]`)

	receipts, err := DecodeGatewayReceipts(raw)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, Receipt{MessageID: "K1", RemoteJID: "5511999990000@s.whatsapp.net", FromMe: true, Status: "DELIVERY_ACK"}, receipts[0])
	assert.Equal(t, "K2", receipts[1].MessageID)
	assert.Equal(t, "READ", receipts[1].Status)
	assert.True(t, receipts[1].FromMe)
}

func TestDecodeGatewayProfiles(t *testing.T) {
	raw := json.RawMessage(`[
		{"remoteJid": "5511999990000@s.whatsapp.net", "profilePicUrl": "https://pps/a.jpg"},
		{"id": "1203630@g.us", "profilePicUrl": "https://pps/g.jpg"},
		{"id": "5511888880000@s.whatsapp.net"}
	]`)

	updates, err := DecodeGatewayProfiles(raw)
	require.NoError(t, err)
	assert.Equal(t, []ProfileUpdate{{RemoteJID: "5511999990000@s.whatsapp.net", ProfilePicURL: "https://pps/a.jpg"}}, updates)
}

func TestParseProviderStatus(t *testing.T) {
	tests := map[string]models.MessageStatus{
		"SERVER_ACK":   models.StatusSent,
		"delivery_ack": models.StatusDelivered,
		"PLAYED":       models.StatusRead,
		"failed":       models.StatusError,
		"delivered":    models.StatusDelivered,
	}
	for in, want := range tests {
		got, ok := ParseProviderStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseProviderStatus("deleted")
	assert.False(t, ok)
}
