// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/aiku/whatsapp-relay/pkg/relay"
	"github.com/aiku/whatsapp-relay/pkg/webhook"
)

const (
	apiReadHeaderTimeout = 10 * time.Second
	apiShutdownTimeout   = 5 * time.Second
)

// Connector wires the relay together: the credential store, the WhatsApp
// transport, the session manager, the message pipeline and the health API.
type Connector struct {
	Config *Config
	Log    zerolog.Logger
	// QROutput receives pairing QR codes. Defaults to stdout.
	QROutput io.Writer

	Webhook  *webhook.Client
	Ledger   *relay.Ledger
	Pipeline *relay.Pipeline
	Manager  *Manager
	API      *API

	container *sqlstore.Container
	transport *WhatsAppClient
}

// New creates a Connector for cfg. Init must be called before Run.
func New(cfg *Config, log zerolog.Logger) *Connector {
	return &Connector{
		Config:   cfg,
		Log:      log,
		QROutput: os.Stdout,
	}
}

// Init opens the credential store and builds every component. Any error is
// returned as *FatalStartupError.
func (c *Connector) Init(ctx context.Context) error {
	container, device, err := OpenCredentialStore(ctx, c.Config.WhatsApp.Database, c.Config.WhatsApp.DeviceName, c.Log)
	if err != nil {
		return &FatalStartupError{Err: err}
	}
	c.container = container
	c.transport = NewWhatsAppClient(device, c.Log)
	if err := c.wire(c.transport); err != nil {
		return &FatalStartupError{Err: err}
	}
	return nil
}

// wire builds the components on top of transport.
func (c *Connector) wire(transport Transport) error {
	var err error
	c.Webhook, err = webhook.NewClient(c.Config.WebhookOptions(), c.Log)
	if err != nil {
		return fmt.Errorf("failed to create webhook client: %w", err)
	}
	c.Ledger = relay.NewLedger(c.Config.Relay.LedgerHighWater, c.Config.Relay.LedgerLowWater)
	c.Manager = NewManager(transport, c.Config.SessionOptions(), c.Log)
	c.Pipeline = relay.NewPipeline(c.Ledger, c.Webhook, c.Manager, c.Config.PipelineOptions(), c.Log)
	c.Manager.SetBatchHandler(c.Pipeline)
	c.Manager.SetPairingPresenter(ConsolePairingPresenter(c.QROutput, c.Log))
	c.API = NewAPI(c.Manager, c.Log)

	c.Log.Info().
		Str("webhook_url", c.Webhook.URL()).
		Str("webhook_shape", string(c.Webhook.Shape())).
		Str("bot_address", c.Config.WhatsApp.BotAddress).
		Msg("Relay initialized")
	return nil
}

// Run runs the session until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	return c.Manager.Run(ctx)
}

// ServeAPI serves the health check API until ctx is cancelled.
func (c *Connector) ServeAPI(ctx context.Context) error {
	addr := c.Config.API.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return c.serveAPI(ctx, ln)
}

func (c *Connector) serveAPI(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           c.API.Router(),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	c.Log.Info().Str("address", ln.Addr().String()).Msg("Health check server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("health check server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down health check server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop releases the transport and the credential store.
func (c *Connector) Stop() error {
	if c.transport != nil {
		c.transport.Close()
	}
	if c.container != nil {
		if err := c.container.Close(); err != nil {
			return fmt.Errorf("failed to close credential store: %w", err)
		}
	}
	return nil
}
