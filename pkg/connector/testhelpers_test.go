// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/whatsapp-relay/pkg/relay"
)

// sentText records a message handed to a transport.
type sentText struct {
	RemoteAddress string
	Text          string
}

// fakeTransport is a scriptable Transport. Connect returns the queued
// errors in order, then nil.
type fakeTransport struct {
	events chan TransportEvent

	mu          sync.Mutex
	connectErrs []error
	connects    int
	disconnects int
	logouts     int
	saves       int
	sent        []sentText
	sendErr     error
	logoutErr   error
	saveErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 16)}
}

func (f *fakeTransport) Events() <-chan TransportEvent { return f.events }

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.logoutErr
}

func (f *fakeTransport) SendText(_ context.Context, remoteAddress, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentText{RemoteAddress: remoteAddress, Text: text})
	return nil
}

func (f *fakeTransport) SaveCredentials(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return f.saveErr
}

// counts returns connects, disconnects, logouts and saves.
func (f *fakeTransport) counts() (connects, disconnects, logouts, saves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.logouts, f.saves
}

func (f *fakeTransport) Sent() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentText, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// fakeTimers replaces time.After so reconnects fire on demand.
type fakeTimers struct {
	mu     sync.Mutex
	chans  []chan time.Time
	delays []time.Duration
}

func (f *fakeTimers) after(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.chans = append(f.chans, ch)
	f.delays = append(f.delays, d)
	return ch
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chans)
}

func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	ch := f.chans[i]
	f.mu.Unlock()
	ch <- time.Now()
}

// recordingHandler collects the batches handed to it.
type recordingHandler struct {
	mu      sync.Mutex
	batches []relay.Batch
	ctxErrs []error
}

func (h *recordingHandler) HandleBatch(ctx context.Context, batch relay.Batch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, batch)
	h.ctxErrs = append(h.ctxErrs, ctx.Err())
}

func (h *recordingHandler) Batches() []relay.Batch {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]relay.Batch, len(h.batches))
	copy(cp, h.batches)
	return cp
}

// newTestManager creates a Manager over a fake transport with fake timers.
func newTestManager(opts SessionOptions) (*Manager, *fakeTransport, *fakeTimers) {
	transport := newFakeTransport()
	timers := &fakeTimers{}
	mgr := NewManager(transport, opts, zerolog.Nop())
	mgr.after = timers.after
	return mgr, transport, timers
}

// startManager runs mgr in the background. The returned function cancels it
// and returns the result of Run.
func startManager(t *testing.T, mgr *Manager) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mgr.Run(ctx)
	}()
	var once sync.Once
	var result error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// sentMessage records a SendMessage call on fakeWAClient.
type sentMessage struct {
	To      types.JID
	Message *waE2E.Message
}

// fakeWAClient stands in for *whatsmeow.Client.
type fakeWAClient struct {
	mu        sync.Mutex
	handler   whatsmeow.EventHandler
	qrChan    chan whatsmeow.QRChannelItem
	qrErr     error
	connected bool
	connects  int
	qrCalls   int
	logouts   int
	sent      []sentMessage
	sendErr   error
}

func (f *fakeWAClient) AddEventHandler(handler whatsmeow.EventHandler) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return 1
}

func (f *fakeWAClient) GetQRChannel(context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrCalls++
	if f.qrErr != nil {
		return nil, f.qrErr
	}
	f.qrChan = make(chan whatsmeow.QRChannelItem, 4)
	return f.qrChan, nil
}

func (f *fakeWAClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.connected = true
	return nil
}

func (f *fakeWAClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeWAClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeWAClient) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.connected = false
	return nil
}

func (f *fakeWAClient) SendMessage(_ context.Context, to types.JID, message *waE2E.Message, _ ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return whatsmeow.SendResponse{}, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{To: to, Message: message})
	return whatsmeow.SendResponse{ID: "3EB0TEST"}, nil
}

func (f *fakeWAClient) ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error) {
	id := webMsg.GetKey().GetID()
	if id == "" {
		return nil, errors.New("message has no key")
	}
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chatJID, Sender: chatJID},
			ID:            id,
		},
		Message: webMsg.GetMessage(),
	}, nil
}

// dispatch delivers evt to the registered event handler.
func (f *fakeWAClient) dispatch(evt any) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(evt)
}

// nextEvent receives the next transport event or fails the test.
func nextEvent(t *testing.T, ch <-chan TransportEvent) TransportEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return TransportEvent{}
	}
}
