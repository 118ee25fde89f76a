package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageStatus is stored as its weight so that "only advance" can be
// expressed as a single conditional UPDATE.
type MessageStatus int

const (
	StatusError     MessageStatus = -1
	StatusNone      MessageStatus = 0
	StatusPending   MessageStatus = 1
	StatusSent      MessageStatus = 2
	StatusDelivered MessageStatus = 3
	StatusRead      MessageStatus = 4
)

var statusNames = map[MessageStatus]string{
	StatusError:     "error",
	StatusNone:      "none",
	StatusPending:   "pending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s MessageStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s MessageStatus) Weight() int {
	return int(s)
}

func ParseMessageStatus(name string) (MessageStatus, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for status, n := range statusNames {
		if n == name {
			return status, true
		}
	}
	return StatusNone, false
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, ok := ParseMessageStatus(name)
		if !ok {
			return fmt.Errorf("unknown message status %q", name)
		}
		*s = parsed
		return nil
	}
	var weight int
	if err := json.Unmarshal(data, &weight); err != nil {
		return err
	}
	*s = MessageStatus(weight)
	return nil
}
