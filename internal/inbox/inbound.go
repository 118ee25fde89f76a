// Package inbox turns provider webhook payloads into persisted chats and
// messages and applies delivery receipts.
package inbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"whatsapp-inbox/internal/models"
)

// ErrIgnored marks events the inbox deliberately drops: group, broadcast
// and newsletter peers, protocol frames, and payloads without content.
var ErrIgnored = errors.New("event ignored")

// Inbound is a provider-neutral message as decoded from a webhook.
type Inbound struct {
	ID          string
	RemoteJID   string
	FromMe      bool
	PushName    string
	Type        string
	Text        string
	Caption     string
	SelectionID string

	Media      *MediaSource
	MimeType   string
	FileName   string
	FileLength int64
	Seconds    int
	PTT        bool

	ContactName  string
	ContactVCard string
	Latitude     *float64
	Longitude    *float64
	LocationName string

	Quoted    *models.QuotedMessage
	Timestamp time.Time
}

// MediaSource says where the bytes of an inbound attachment can be had,
// in order of preference.
type MediaSource struct {
	Base64       string
	URL          string
	FromGateway  bool
	CloudMediaID string
	MimeType     string
}

// Receipt is one delivery/read acknowledgement.
type Receipt struct {
	MessageID string
	RemoteJID string
	FromMe    bool
	Status    string
}

// ProfileUpdate carries a new profile picture for a peer.
type ProfileUpdate struct {
	RemoteJID     string
	ProfilePicURL string
}

// ParseProviderStatus maps the gateway and managed-api receipt vocabulary
// onto message statuses. Unknown values report false.
func ParseProviderStatus(s string) (models.MessageStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR", "FAILED":
		return models.StatusError, true
	case "PENDING":
		return models.StatusPending, true
	case "SERVER_ACK", "SENT":
		return models.StatusSent, true
	case "DELIVERY_ACK", "DELIVERED":
		return models.StatusDelivered, true
	case "READ", "PLAYED":
		return models.StatusRead, true
	}
	return models.StatusNone, false
}

// flexInt accepts numbers, numeric strings and protobuf Long objects
// ({"low":..,"high":..}) as sent by the gateway.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexInt(n)
	case '{':
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(data, &long); err != nil {
			return err
		}
		*f = flexInt(long.High<<32 | long.Low&0xffffffff)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*f = flexInt(n)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
