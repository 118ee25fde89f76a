package inbox

import (
	"testing"

	"whatsapp-inbox/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cloudPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550000000", "phone_number_id": "100200300"},
        "contacts": [{"wa_id": "5511999990000", "profile": {"name": "Alice"}}],
        "messages": [
          {"from": "5511999990000", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "hi"}},
          {"from": "5511999990000", "id": "wamid.2", "timestamp": "1700000001", "type": "interactive",
           "context": {"from": "15550000000", "id": "wamid.OUT"},
           "interactive": {"type": "button_reply", "button_reply": {"id": "btn-1", "title": "Sales"}}},
          {"from": "5511999990000", "id": "wamid.3", "timestamp": "1700000002", "type": "image",
           "image": {"id": "MEDIA-9", "mime_type": "image/jpeg", "caption": "pic"}},
          {"from": "5511999990000", "id": "wamid.4", "timestamp": "1700000003", "type": "reaction",
           "reaction": {"message_id": "wamid.1", "emoji": "👍"}}
        ],
        "statuses": [{"id": "wamid.OUT", "status": "read", "timestamp": "1700000004", "recipient_id": "5511999990000"}]
      }
    }]
  }]
}`

func TestDecodeCloudWebhook(t *testing.T) {
	batches, err := DecodeCloudWebhook([]byte(cloudPayload))
	require.NoError(t, err)
	require.Len(t, batches, 1)

	b := batches[0]
	assert.Equal(t, "100200300", b.PhoneNumberID)
	require.Len(t, b.Messages, 3, "reactions are skipped")

	text := b.Messages[0]
	assert.Equal(t, "5511999990000@s.whatsapp.net", text.RemoteJID)
	assert.Equal(t, "Alice", text.PushName)
	assert.Equal(t, "hi", text.Text)

	reply := b.Messages[1]
	assert.Equal(t, models.TypeButtonReply, reply.Type)
	assert.Equal(t, "btn-1", reply.SelectionID)
	assert.Equal(t, "Sales", reply.Text)
	require.NotNil(t, reply.Quoted)
	assert.Equal(t, "wamid.OUT", reply.Quoted.ID)

	img := b.Messages[2]
	require.NotNil(t, img.Media)
	assert.Equal(t, "MEDIA-9", img.Media.CloudMediaID)
	assert.Equal(t, "pic", img.Caption)

	require.Len(t, b.Receipts, 1)
	assert.Equal(t, Receipt{MessageID: "wamid.OUT", RemoteJID: "5511999990000@s.whatsapp.net", FromMe: true, Status: "read"}, b.Receipts[0])
}

func TestDecodeCloudWebhookRejectsGarbage(t *testing.T) {
	_, err := DecodeCloudWebhook([]byte("{not json"))
	assert.Error(t, err)
}
