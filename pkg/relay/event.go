// Copyright 2024-2026 Aiku AI

package relay

import "time"

// BatchType tags a group of inbound events by how the transport delivered them.
type BatchType string

const (
	// BatchNotify holds freshly delivered messages. Only these are relayed.
	BatchNotify BatchType = "notify"
	// BatchHistory holds messages replayed by a history sync.
	BatchHistory BatchType = "history"
)

// Batch is an ordered group of inbound events delivered together.
type Batch struct {
	Type   BatchType
	Events []InboundEvent
}

// MessageBody holds the text-bearing fields of an inbound message.
type MessageBody struct {
	Conversation string
	ExtendedText string
	ImageCaption string
	// HasPayload is false when the network delivered an event without any
	// message content (receipts, protocol stubs).
	HasPayload bool
	HasImage   bool
}

// Text returns the first non-empty text field in priority order: plain
// body, then extended text, then image caption. ok is false for content
// types that carry no text (locations, voice notes, button replies).
func (b MessageBody) Text() (text string, ok bool) {
	switch {
	case b.Conversation != "":
		return b.Conversation, true
	case b.ExtendedText != "":
		return b.ExtendedText, true
	case b.ImageCaption != "":
		return b.ImageCaption, true
	default:
		return "", false
	}
}

// InboundEvent is a single message received from the messaging network.
type InboundEvent struct {
	// ID is stable across redeliveries of the same message.
	ID string
	// RemoteAddress is the chat address replies are sent to.
	RemoteAddress string
	// SenderPhone is the sender's phone number without a leading plus.
	SenderPhone string
	PushName    string
	FromMe      bool
	IsGroup     bool
	IsBroadcast bool
	Timestamp   time.Time
	Body        MessageBody
}
