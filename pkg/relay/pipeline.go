// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-relay/pkg/webhook"
)

// DefaultFallbackMessage is sent to the user when their message could not
// be handled.
const DefaultFallbackMessage = "Sorry, I'm having trouble processing your message right now. Please try again in a moment."

// Forwarder hands a message to the decision webhook.
type Forwarder interface {
	Forward(ctx context.Context, req webhook.Request) (*webhook.Reply, error)
}

// Sender delivers a text message to a chat address. Implementations are
// best-effort: a returned error has already been logged.
type Sender interface {
	Send(ctx context.Context, remoteAddress, text string) error
}

// Outcome describes what HandleEvent did with an event.
type Outcome string

const (
	OutcomeReplied     Outcome = "replied"
	OutcomeNoReply     Outcome = "no_reply"
	OutcomeFallback    Outcome = "fallback"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeIgnored     Outcome = "ignored"
)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// BotAddress is the bot's own number, sent to the webhook as "to".
	BotAddress      string
	FallbackMessage string
	IgnoreGroups    bool
}

// Pipeline relays inbound events to the webhook and sends the replies back.
// Events of a batch are handled one at a time in delivery order.
type Pipeline struct {
	ledger    *Ledger
	forwarder Forwarder
	sender    Sender
	opts      PipelineOptions
	log       zerolog.Logger
	now       func() time.Time
}

// NewPipeline creates a Pipeline. The ledger is shared state owned by the
// caller so it survives reconnects.
func NewPipeline(ledger *Ledger, forwarder Forwarder, sender Sender, opts PipelineOptions, log zerolog.Logger) *Pipeline {
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = DefaultFallbackMessage
	}
	return &Pipeline{
		ledger:    ledger,
		forwarder: forwarder,
		sender:    sender,
		opts:      opts,
		log:       log.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
	}
}

// HandleBatch processes every event of a notify batch sequentially. Other
// batch types are skipped.
func (p *Pipeline) HandleBatch(ctx context.Context, batch Batch) {
	if batch.Type != BatchNotify {
		p.log.Debug().
			Str("batch_type", string(batch.Type)).
			Int("count", len(batch.Events)).
			Msg("Skipping non-notify batch")
		return
	}
	for _, evt := range batch.Events {
		p.HandleEvent(ctx, evt)
	}
}

// HandleEvent runs a single event through the relay steps and reports the
// outcome. It never panics and never returns an error: failures after the
// event was accepted are answered with the fallback message.
func (p *Pipeline) HandleEvent(ctx context.Context, evt InboundEvent) (outcome Outcome) {
	log := p.log.With().
		Str("message_id", evt.ID).
		Str("remote_address", evt.RemoteAddress).
		Logger()

	if reason := p.ignoreReason(evt); reason != "" {
		log.Trace().Str("reason", reason).Msg("Ignoring event")
		return OutcomeIgnored
	}

	if !p.ledger.Observe(evt.ID) {
		log.Info().Msg("Skipping duplicate message")
		return OutcomeDuplicate
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("Panic while processing message")
			p.sendFallback(ctx, log, evt)
			outcome = OutcomeFallback
		}
	}()

	text, ok := evt.Body.Text()
	if !ok {
		log.Info().Msg("Unsupported message type, skipping")
		return OutcomeUnsupported
	}

	log.Info().
		Str("from", evt.SenderPhone).
		Str("text", text).
		Msg("New message")

	reply, err := p.forward(ctx, evt, text)
	if err != nil {
		log.Error().Err(err).Msg("Failed to process message")
		p.sendFallback(ctx, log, evt)
		return OutcomeFallback
	}

	if reply == nil || reply.Response == "" {
		log.Debug().Msg("Webhook returned no response text")
		return OutcomeNoReply
	}

	if err := p.sender.Send(ctx, evt.RemoteAddress, reply.Response); err != nil {
		log.Warn().Err(err).Msg("Failed to deliver webhook response")
	}
	return OutcomeReplied
}

func (p *Pipeline) ignoreReason(evt InboundEvent) string {
	switch {
	case evt.FromMe:
		return "from_me"
	case !evt.Body.HasPayload:
		return "no_payload"
	case evt.IsBroadcast:
		return "broadcast"
	case evt.IsGroup && p.opts.IgnoreGroups:
		return "group"
	case evt.ID == "":
		return "no_id"
	default:
		return ""
	}
}

func (p *Pipeline) forward(ctx context.Context, evt InboundEvent, text string) (*webhook.Reply, error) {
	numMedia := 0
	if evt.Body.HasImage {
		numMedia = 1
	}
	reply, err := p.forwarder.Forward(ctx, webhook.Request{
		From:        evt.SenderPhone,
		To:          p.opts.BotAddress,
		Body:        text,
		MessageID:   evt.ID,
		ProfileName: evt.PushName,
		NumMedia:    numMedia,
		Timestamp:   p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to forward message to webhook: %w", err)
	}
	return reply, nil
}

func (p *Pipeline) sendFallback(ctx context.Context, log zerolog.Logger, evt InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("Panic while sending fallback message")
		}
	}()
	if err := p.sender.Send(ctx, evt.RemoteAddress, p.opts.FallbackMessage); err != nil {
		log.Error().Err(err).Msg("Failed to send fallback message")
	}
}
