// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/whatsapp-relay/pkg/relay"
)

// handleEvent translates a whatsmeow event to a TransportEvent.
func (wc *WhatsAppClient) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		inbound := convertMessage(evt)
		if inbound.SenderPhone == "" && !inbound.FromMe {
			wc.log.Warn().
				Str("message_id", inbound.ID).
				Stringer("sender", evt.Info.Sender).
				Msg("Sender phone number is hidden, forwarding without it")
		}
		wc.log.Debug().
			Str("message_id", inbound.ID).
			Str("remote_address", inbound.RemoteAddress).
			Bool("from_me", inbound.FromMe).
			Msg("Received message")
		wc.emit(TransportEvent{
			Kind:  EventMessages,
			Batch: relay.Batch{Type: relay.BatchNotify, Events: []relay.InboundEvent{inbound}},
		})
	case *events.HistorySync:
		batch := wc.convertHistory(evt)
		wc.log.Debug().
			Str("sync_type", evt.Data.GetSyncType().String()).
			Int("count", len(batch.Events)).
			Msg("Received history sync")
		wc.emit(TransportEvent{Kind: EventMessages, Batch: batch})
	case *events.PairSuccess:
		wc.cancelPairing()
		wc.log.Info().
			Str("identity", evt.ID.String()).
			Str("platform", evt.Platform).
			Msg("Pairing successful")
		wc.emit(TransportEvent{Kind: EventCredentialsUpdated})
	case *events.Connected:
		wc.emit(TransportEvent{Kind: EventConnected, Identity: FormatIdentity(wc.device.ID)})
	case *events.Disconnected:
		wc.emit(TransportEvent{Kind: EventDisconnected, Reason: "connection lost"})
	case *events.KeepAliveTimeout:
		wc.log.Warn().Int("error_count", evt.ErrorCount).Msg("Keepalive timeout")
	case *events.StreamReplaced:
		wc.emit(TransportEvent{Kind: EventDisconnected, Reason: "stream replaced by another connection"})
	case *events.LoggedOut:
		wc.emit(TransportEvent{Kind: EventDisconnected, Reason: evt.Reason.String(), LoggedOut: true})
	case *events.ConnectFailure:
		wc.emit(TransportEvent{
			Kind:      EventDisconnected,
			Reason:    fmt.Sprintf("connect failure: %s %s", evt.Reason.String(), evt.Message),
			LoggedOut: evt.Reason.IsLoggedOut(),
		})
	case *events.TemporaryBan:
		wc.emit(TransportEvent{Kind: EventDisconnected, Reason: evt.String()})
	case *events.ClientOutdated:
		wc.log.Error().Msg("Server reports the WhatsApp client version as outdated")
		wc.emit(TransportEvent{Kind: EventDisconnected, Reason: "client outdated"})
	default:
		wc.log.Trace().Type("event_type", rawEvt).Msg("Unhandled event type")
	}
}

// listenPairing forwards QR codes until pairing ends.
func (wc *WhatsAppClient) listenPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			wc.emit(TransportEvent{Kind: EventPairingCode, Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			wc.emit(TransportEvent{Kind: EventDisconnected, Reason: "pairing timed out"})
			return
		case whatsmeow.QRChannelEventError:
			wc.emit(TransportEvent{Kind: EventDisconnected, Reason: fmt.Sprintf("pairing failed: %v", item.Error)})
			return
		default:
			wc.log.Debug().Str("qr_event", item.Event).Msg("Pairing ended")
			return
		}
	}
}

// convertHistory turns the messages of a history sync into a history batch.
// Messages that fail to parse are skipped.
func (wc *WhatsAppClient) convertHistory(evt *events.HistorySync) relay.Batch {
	batch := relay.Batch{Type: relay.BatchHistory}
	for _, conv := range evt.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			wc.log.Warn().Err(err).Str("chat_id", conv.GetID()).Msg("Skipping history for unparseable chat")
			continue
		}
		for _, hmsg := range conv.GetMessages() {
			msg, err := wc.client.ParseWebMessage(chat, hmsg.GetMessage())
			if err != nil {
				wc.log.Debug().Err(err).Stringer("chat", chat).Msg("Skipping unparseable history message")
				continue
			}
			batch.Events = append(batch.Events, convertMessage(msg))
		}
	}
	return batch
}

// convertMessage flattens a whatsmeow message into an InboundEvent. Whether
// the event is answered is decided by the pipeline.
func convertMessage(evt *events.Message) relay.InboundEvent {
	info := evt.Info
	sender := info.Sender
	if sender.IsEmpty() {
		sender = info.Chat
	}
	if sender.Server == types.HiddenUserServer {
		// LID-addressed chats carry the phone number in the alternate
		// sender. Without it the number is unknown.
		sender = info.SenderAlt
	}
	inbound := relay.InboundEvent{
		ID:            string(info.ID),
		RemoteAddress: FormatRemoteAddress(info.Chat),
		SenderPhone:   phoneOrEmpty(sender),
		PushName:      info.PushName,
		FromMe:        info.IsFromMe,
		IsGroup:       info.IsGroup,
		IsBroadcast:   isBroadcast(info.Chat),
		Timestamp:     info.Timestamp,
	}
	if msg := evt.Message; msg != nil {
		inbound.Body = relay.MessageBody{
			HasPayload:   true,
			Conversation: msg.GetConversation(),
			ExtendedText: msg.GetExtendedTextMessage().GetText(),
			ImageCaption: msg.GetImageMessage().GetCaption(),
			HasImage:     msg.GetImageMessage() != nil,
		}
	}
	return inbound
}

func phoneOrEmpty(jid types.JID) string {
	if jid.IsEmpty() || jid.Server == types.HiddenUserServer {
		return ""
	}
	return PhoneFromJID(jid)
}

func isBroadcast(chat types.JID) bool {
	return chat.Server == types.BroadcastServer || chat == types.StatusBroadcastJID
}
