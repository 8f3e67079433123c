// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// eventBufferSize is the capacity of the transport event channel.
const eventBufferSize = 64

// waClient is the subset of *whatsmeow.Client used by WhatsAppClient. It
// allows tests to drive the transport without a network connection.
type waClient interface {
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	Connect() error
	Disconnect()
	IsConnected() bool
	Logout(ctx context.Context) error
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

// WhatsAppClient is the Transport backed by a whatsmeow multi-device
// session. whatsmeow events are translated to TransportEvents and delivered,
// in order, on the channel returned by Events.
type WhatsAppClient struct {
	client waClient
	device *store.Device

	events chan TransportEvent

	qrMu     sync.Mutex
	qrCancel context.CancelFunc

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ Transport = (*WhatsAppClient)(nil)

// NewWhatsAppClient creates a transport for device. Automatic reconnection
// inside whatsmeow is disabled: reconnects are scheduled by the Manager.
func NewWhatsAppClient(device *store.Device, log zerolog.Logger) *WhatsAppClient {
	log = log.With().Str("component", "wa_client").Logger()
	cli := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("component", "whatsmeow").Logger()))
	cli.EnableAutoReconnect = false
	return newWhatsAppClient(cli, device, log)
}

func newWhatsAppClient(cli waClient, device *store.Device, log zerolog.Logger) *WhatsAppClient {
	wc := &WhatsAppClient{
		client:   cli,
		device:   device,
		events:   make(chan TransportEvent, eventBufferSize),
		stopChan: make(chan struct{}),
		log:      log,
	}
	cli.AddEventHandler(wc.handleEvent)
	return wc
}

// Events implements Transport.
func (wc *WhatsAppClient) Events() <-chan TransportEvent {
	return wc.events
}

// Connect implements Transport. A device without credentials starts a QR
// pairing flow whose codes are emitted as EventPairingCode.
func (wc *WhatsAppClient) Connect(ctx context.Context) error {
	if wc.device.ID == nil {
		if err := wc.startPairing(ctx); err != nil {
			return err
		}
	}
	if err := wc.client.Connect(); err != nil {
		wc.cancelPairing()
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (wc *WhatsAppClient) startPairing(ctx context.Context) error {
	wc.cancelPairing()
	qrCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	qrChan, err := wc.client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start pairing: %w", err)
	}
	wc.qrMu.Lock()
	wc.qrCancel = cancel
	wc.qrMu.Unlock()
	go wc.listenPairing(qrChan)
	return nil
}

func (wc *WhatsAppClient) cancelPairing() {
	wc.qrMu.Lock()
	defer wc.qrMu.Unlock()
	if wc.qrCancel != nil {
		wc.qrCancel()
		wc.qrCancel = nil
	}
}

// Disconnect implements Transport.
func (wc *WhatsAppClient) Disconnect() {
	wc.cancelPairing()
	wc.client.Disconnect()
}

// Logout implements Transport. It unlinks the device and removes the stored
// credentials.
func (wc *WhatsAppClient) Logout(ctx context.Context) error {
	wc.cancelPairing()
	if err := wc.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// SendText implements Transport.
func (wc *WhatsAppClient) SendText(ctx context.Context, remoteAddress, text string) error {
	if !wc.client.IsConnected() {
		return ErrNotConnected
	}
	jid, err := ParseRemoteAddress(remoteAddress)
	if err != nil {
		return err
	}
	resp, err := wc.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return err
	}
	wc.log.Debug().
		Str("message_id", string(resp.ID)).
		Str("remote_address", remoteAddress).
		Msg("Message accepted by server")
	return nil
}

// SaveCredentials implements Transport.
func (wc *WhatsAppClient) SaveCredentials(ctx context.Context) error {
	if wc.device.ID == nil {
		return errors.New("no credentials to save")
	}
	return wc.device.Save(ctx)
}

// Close stops event delivery. The transport must not be used afterwards.
func (wc *WhatsAppClient) Close() {
	wc.stopOnce.Do(func() {
		wc.cancelPairing()
		close(wc.stopChan)
	})
}

// emit delivers evt unless the transport was closed.
func (wc *WhatsAppClient) emit(evt TransportEvent) {
	select {
	case wc.events <- evt:
	case <-wc.stopChan:
	}
}
