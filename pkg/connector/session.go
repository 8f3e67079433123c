// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-relay/pkg/relay"
)

// shutdownTimeout bounds the logout performed when Run is cancelled.
const shutdownTimeout = 10 * time.Second

// SessionState is a state of the session lifecycle.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StatePairing      SessionState = "pairing"
	StateConnected    SessionState = "connected"
	StateClosed       SessionState = "closed"
	// StateLoggedOut is terminal: the device was unlinked and must be
	// paired again.
	StateLoggedOut SessionState = "logged_out"
)

// TransportEventKind identifies a TransportEvent.
type TransportEventKind int

const (
	// EventPairingCode carries a fresh code for the operator to scan.
	EventPairingCode TransportEventKind = iota
	// EventCredentialsUpdated signals that the session credentials changed.
	EventCredentialsUpdated
	// EventConnected signals an open, logged-in connection.
	EventConnected
	// EventDisconnected signals that the connection closed.
	EventDisconnected
	// EventMessages carries a batch of inbound messages.
	EventMessages
)

// TransportEvent is emitted by a Transport, in order, on its event channel.
type TransportEvent struct {
	Kind TransportEventKind
	// Code is set for EventPairingCode.
	Code string
	// Identity is set for EventConnected.
	Identity string
	// Reason and LoggedOut are set for EventDisconnected.
	Reason    string
	LoggedOut bool
	// Batch is set for EventMessages.
	Batch relay.Batch
}

// Transport is the single connection to the messaging network.
type Transport interface {
	// Events returns the channel on which the transport delivers its events.
	Events() <-chan TransportEvent
	// Connect opens the connection with the persisted credentials. When no
	// credentials exist the transport emits pairing codes instead.
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	SendText(ctx context.Context, remoteAddress, text string) error
	SaveCredentials(ctx context.Context) error
}

// BatchHandler consumes inbound message batches.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch relay.Batch)
}

// SessionOptions configures a Manager.
type SessionOptions struct {
	MaxPairingAttempts int
	ReconnectDelay     time.Duration
	LogoutOnShutdown   bool
	// BotAddress is the configured bot number, used for a startup hint.
	BotAddress string
}

// SessionStatus is a snapshot of the session for health reporting.
type SessionStatus struct {
	State           SessionState
	Identity        string
	PairingAttempts int
}

// Connected reports whether messages can currently be sent.
func (s SessionStatus) Connected() bool {
	return s.State == StateConnected
}

// Manager owns the lifecycle of the single connection: it connects, reacts
// to connection events, schedules reconnects and dispatches inbound batches.
// All transport interaction happens on the goroutine running Run; status
// accessors are safe to call from anywhere.
type Manager struct {
	transport Transport
	handler   BatchHandler
	opts      SessionOptions
	log       zerolog.Logger

	// after returns a channel that fires once d has elapsed.
	after func(d time.Duration) <-chan time.Time
	// onPairingCode presents a pairing code to the operator.
	onPairingCode func(code string, attempt, maxAttempts int)

	reconnect <-chan time.Time

	mu              sync.RWMutex
	state           SessionState
	identity        string
	pairingCode     string
	pairingAttempts int
	closedErr       error
}

// NewManager creates a Manager in the disconnected state.
func NewManager(transport Transport, opts SessionOptions, log zerolog.Logger) *Manager {
	if opts.MaxPairingAttempts <= 0 {
		opts.MaxPairingAttempts = defaultMaxPairingAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	return &Manager{
		transport: transport,
		opts:      opts,
		log:       log.With().Str("component", "session").Logger(),
		after:     time.After,
		state:     StateDisconnected,
	}
}

// SetBatchHandler sets the consumer of inbound batches. It must be called
// before Run.
func (m *Manager) SetBatchHandler(h BatchHandler) {
	m.handler = h
}

// SetPairingPresenter sets the function that shows pairing codes to the
// operator. It must be called before Run.
func (m *Manager) SetPairingPresenter(fn func(code string, attempt, maxAttempts int)) {
	m.onPairingCode = fn
}

// Run connects and then processes transport events until ctx is cancelled.
// A failure of the very first connect is returned as *FatalStartupError.
// On cancellation the session is logged out (or disconnected) and Run
// returns nil.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return &FatalStartupError{Err: err}
	}

	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case evt, ok := <-events:
			if !ok {
				m.log.Warn().Msg("Transport event channel closed")
				return nil
			}
			m.handleTransportEvent(ctx, evt)
		case <-m.reconnect:
			m.reconnect = nil
			m.log.Info().Msg("Reconnecting")
			if err := m.connect(ctx); err != nil {
				m.log.Error().Err(err).Msg("Reconnect failed")
				m.scheduleReconnect()
			}
		}
	}
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateLoggedOut {
		m.state = StateDisconnected
	}
	m.pairingAttempts = 0
	m.pairingCode = ""
	m.mu.Unlock()
	m.log.Info().Msg("Connecting to WhatsApp")
	return m.transport.Connect(ctx)
}

func (m *Manager) handleTransportEvent(ctx context.Context, evt TransportEvent) {
	if m.State() == StateLoggedOut {
		m.log.Debug().Int("kind", int(evt.Kind)).Msg("Ignoring transport event after logout")
		return
	}
	switch evt.Kind {
	case EventPairingCode:
		if m.reconnect != nil {
			// The session that produced this code was already torn down.
			m.log.Debug().Msg("Ignoring pairing code from a closed session")
			return
		}
		m.handlePairingCode(evt.Code)
	case EventCredentialsUpdated:
		if err := m.transport.SaveCredentials(ctx); err != nil {
			m.log.Error().Err(err).Msg("Failed to save session credentials")
		} else {
			m.log.Info().Msg("Session credentials saved")
		}
	case EventConnected:
		m.handleConnected(evt.Identity)
	case EventDisconnected:
		m.handleDisconnected(evt.Reason, evt.LoggedOut)
	case EventMessages:
		if m.handler == nil {
			m.log.Warn().Int("count", len(evt.Batch.Events)).Msg("No batch handler, dropping messages")
			return
		}
		// Let an in-flight batch finish when shutdown starts.
		m.handler.HandleBatch(context.WithoutCancel(ctx), evt.Batch)
	default:
		m.log.Trace().Int("kind", int(evt.Kind)).Msg("Unhandled transport event")
	}
}

func (m *Manager) handlePairingCode(code string) {
	m.mu.Lock()
	m.state = StatePairing
	m.pairingAttempts++
	m.pairingCode = code
	attempt := m.pairingAttempts
	m.mu.Unlock()

	m.log.Info().
		Int("attempt", attempt).
		Int("max_attempts", m.opts.MaxPairingAttempts).
		Msg("Pairing code generated, scan it with WhatsApp")
	if m.onPairingCode != nil {
		m.onPairingCode(code, attempt, m.opts.MaxPairingAttempts)
	}

	if attempt >= m.opts.MaxPairingAttempts {
		m.log.Warn().Msg("Max pairing attempts reached, restarting pairing")
		m.mu.Lock()
		m.pairingAttempts = 0
		m.pairingCode = ""
		m.state = StateDisconnected
		m.mu.Unlock()
		m.transport.Disconnect()
		m.scheduleReconnect()
	}
}

func (m *Manager) handleConnected(identity string) {
	m.mu.Lock()
	m.state = StateConnected
	m.identity = identity
	m.pairingAttempts = 0
	m.pairingCode = ""
	m.mu.Unlock()
	m.reconnect = nil

	evt := m.log.Info()
	if identity != "" {
		evt = evt.Str("identity", identity).Str("bot_number", "+"+PhoneFromIdentity(identity))
	}
	evt.Msg("WhatsApp connection established")
	if m.opts.BotAddress == "" && identity != "" {
		m.log.Warn().
			Str("suggested_value", "+"+PhoneFromIdentity(identity)).
			Msg("whatsapp.bot_address (BOT_WHATSAPP_NUMBER) is not set")
	}
}

func (m *Manager) handleDisconnected(reason string, loggedOut bool) {
	if loggedOut {
		closedErr := &SessionClosedError{Reason: reason}
		m.mu.Lock()
		m.state = StateLoggedOut
		m.identity = ""
		m.pairingCode = ""
		m.closedErr = closedErr
		m.mu.Unlock()
		m.reconnect = nil
		m.log.Error().
			Err(closedErr).
			Msg("Logged out. Delete the credential store and restart to pair again")
		return
	}

	m.mu.Lock()
	m.state = StateClosed
	m.identity = ""
	m.mu.Unlock()
	m.log.Warn().Str("reason", reason).Dur("delay", m.opts.ReconnectDelay).Msg("Connection closed, reconnecting")
	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is already pending.
func (m *Manager) scheduleReconnect() {
	if m.reconnect != nil {
		return
	}
	m.reconnect = m.after(m.opts.ReconnectDelay)
}

func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if m.opts.LogoutOnShutdown && m.State() == StateConnected {
		m.log.Info().Msg("Logging out before shutdown")
		if err := m.transport.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Logout failed")
			m.transport.Disconnect()
		}
	} else {
		m.transport.Disconnect()
	}
	m.setState(StateDisconnected)
}

// Send delivers text to remoteAddress. Failures are logged and returned as
// *SendError; they never affect the session.
func (m *Manager) Send(ctx context.Context, remoteAddress, text string) error {
	log := m.log.With().Str("remote_address", remoteAddress).Logger()
	if m.State() != StateConnected {
		err := &SendError{RemoteAddress: remoteAddress, Err: ErrNotConnected}
		log.Warn().Err(err).Msg("Dropping outbound message")
		return err
	}
	if err := m.transport.SendText(ctx, remoteAddress, text); err != nil {
		serr := &SendError{RemoteAddress: remoteAddress, Err: err}
		log.Error().Err(err).Msg("Failed to send message")
		return serr
	}
	log.Info().Msg("Sent message")
	return nil
}

// CurrentIdentity returns the logged-in device identity while connected.
func (m *Manager) CurrentIdentity() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.identity == "" {
		return "", false
	}
	return m.identity, true
}

// State returns the current lifecycle state.
func (m *Manager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a snapshot for health reporting.
func (m *Manager) Status() SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SessionStatus{
		State:           m.state,
		Identity:        m.identity,
		PairingAttempts: m.pairingAttempts,
	}
}

// PairingCode returns the code currently awaiting a scan, if any.
func (m *Manager) PairingCode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StatePairing {
		return ""
	}
	return m.pairingCode
}

// Err returns the terminal logout error, if the session was logged out.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closedErr
}

func (m *Manager) setState(state SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLoggedOut && state != StateLoggedOut {
		return
	}
	m.state = state
}

// IsSessionClosed reports whether err is a terminal logout.
func IsSessionClosed(err error) bool {
	var closed *SessionClosedError
	return errors.As(err, &closed)
}
