// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ParseRemoteAddress converts a chat address to a JID. Bare phone numbers
// (with or without a leading plus) are treated as user JIDs.
func ParseRemoteAddress(addr string) (types.JID, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return types.EmptyJID, fmt.Errorf("empty remote address")
	}
	if !strings.ContainsRune(addr, '@') {
		phone := strings.TrimPrefix(strings.TrimPrefix(addr, "whatsapp:"), "+")
		if phone == "" {
			return types.EmptyJID, fmt.Errorf("invalid remote address %q", addr)
		}
		return types.NewJID(phone, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(addr)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid remote address %q: %w", addr, err)
	}
	return jid, nil
}

// FormatRemoteAddress returns the address replies to jid are sent to.
func FormatRemoteAddress(jid types.JID) string {
	return jid.String()
}

// PhoneFromJID extracts the phone number part of a user JID, dropping any
// device suffix.
func PhoneFromJID(jid types.JID) string {
	return jid.ToNonAD().User
}

// FormatIdentity renders the logged-in device JID the way it is reported on
// the health endpoint, e.g. "15551234567:12@s.whatsapp.net".
func FormatIdentity(jid *types.JID) string {
	if jid == nil || jid.IsEmpty() {
		return ""
	}
	return jid.String()
}

// PhoneFromIdentity extracts the phone number from a device identity string.
func PhoneFromIdentity(identity string) string {
	user, _, _ := strings.Cut(identity, "@")
	user, _, _ = strings.Cut(user, ":")
	user, _, _ = strings.Cut(user, ".")
	return user
}
