// Package jid normalizes WhatsApp peer addresses.
package jid

import (
	"strings"
)

const UserServer = "s.whatsapp.net"

// Normalize collapses device and resource qualifiers so every session of
// the same person maps to one address: "5511999:12@s.whatsapp.net/abc"
// becomes "5511999@s.whatsapp.net". Bare numbers get the user server.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}

	user, server, found := strings.Cut(raw, "@")
	if !found {
		server = UserServer
		user = strings.TrimPrefix(user, "+")
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if server == "c.us" {
		server = UserServer
	}
	return user + "@" + server
}

// User returns the part before the server, which is the phone number for
// person addresses.
func User(addr string) string {
	user, _, _ := strings.Cut(addr, "@")
	return user
}

// IsIgnored reports addresses the inbox never tracks: groups, broadcast
// lists (including status updates) and newsletters.
func IsIgnored(addr string) bool {
	_, server, _ := strings.Cut(addr, "@")
	switch server {
	case "g.us", "broadcast", "newsletter":
		return true
	}
	return false
}
