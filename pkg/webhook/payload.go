// Copyright 2024-2026 Aiku AI

package webhook

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// Shape selects the JSON body layout sent to the webhook.
type Shape string

const (
	// ShapeTwilio mimics Twilio's WhatsApp webhook fields.
	ShapeTwilio Shape = "twilio"
	// ShapeSimple is the minimal phone/message layout.
	ShapeSimple Shape = "simple"
)

// ParseShape converts a configuration string to a Shape. An empty string
// selects ShapeTwilio.
func ParseShape(s string) (Shape, error) {
	switch Shape(strings.ToLower(strings.TrimSpace(s))) {
	case "", ShapeTwilio:
		return ShapeTwilio, nil
	case ShapeSimple:
		return ShapeSimple, nil
	default:
		return "", fmt.Errorf("unknown webhook shape %q (expected %q or %q)", s, ShapeTwilio, ShapeSimple)
	}
}

// Request is the canonical form of a message forwarded to the webhook.
// The wire layout is chosen by Shape.
type Request struct {
	// From is the sender's phone number, with or without a leading plus.
	From string
	// To is the bot's own number. Optional.
	To          string
	Body        string
	MessageID   string
	ProfileName string
	NumMedia    int
	Timestamp   time.Time
}

// TimestampLayout is the UTC millisecond ISO 8601 form most webhook
// runtimes produce for "now".
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type twilioPayload struct {
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	Body        string `json:"body"`
	MessageSid  string `json:"messageSid"`
	NumMedia    int    `json:"numMedia"`
	ProfileName string `json:"profileName,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type simplePayload struct {
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

// Encode renders req in the shape's layout and merges extra top-level
// fields into it. Keys of extra are sjson paths, so "meta.source" creates
// a nested object.
func (s Shape) Encode(req Request, extra map[string]any) ([]byte, error) {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	timestamp := ts.UTC().Format(TimestampLayout)

	var payload any
	switch s {
	case ShapeSimple:
		payload = simplePayload{
			Phone:     FormatPhone(req.From),
			Message:   req.Body,
			MessageID: req.MessageID,
			Timestamp: timestamp,
		}
	case ShapeTwilio, "":
		p := twilioPayload{
			From:        twilioAddress(req.From),
			Body:        req.Body,
			MessageSid:  req.MessageID,
			NumMedia:    req.NumMedia,
			ProfileName: req.ProfileName,
			Timestamp:   timestamp,
		}
		p.To = twilioAddress(req.To)
		payload = p
	default:
		return nil, fmt.Errorf("unknown webhook shape %q", s)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(extra) == 0 {
		return body, nil
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body, err = sjson.SetBytes(body, k, extra[k])
		if err != nil {
			return nil, fmt.Errorf("failed to set extra field %q: %w", k, err)
		}
	}
	return body, nil
}

// twilioAddress prefixes a phone number with the whatsapp: channel. An
// unknown number stays empty.
func twilioAddress(phone string) string {
	if phone = FormatPhone(phone); phone == "" {
		return ""
	}
	return "whatsapp:" + phone
}

// FormatPhone normalizes a phone number to E.164 with a leading plus.
// Empty input stays empty.
func FormatPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "whatsapp:")
	phone = strings.TrimPrefix(phone, "+")
	if phone == "" {
		return ""
	}
	return "+" + phone
}
