// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-relay/pkg/connector"
	"github.com/aiku/whatsapp-relay/pkg/relay"
	"github.com/aiku/whatsapp-relay/pkg/webhook"
)

const checkInterval = 2 * time.Second

type sampleMessage struct {
	Phone    string
	Text     string
	Expected string
}

var sampleMessages = []sampleMessage{
	{Phone: "+1234567890", Text: "Hello", Expected: "greeting response"},
	{Phone: "+1234567890", Text: "I need to book an appointment", Expected: "appointment booking flow"},
	{Phone: "+1234567890", Text: "What are your visiting hours?", Expected: "FAQ response"},
	{Phone: "+1234567890", Text: "I need to speak with a doctor", Expected: "department/doctor information"},
}

type checkResult struct {
	OK       bool
	Duration time.Duration
	Reply    *webhook.Reply
	Err      error
}

type webhookChecker struct {
	forwarder relay.Forwarder
	botNumber string
	interval  time.Duration
	out       io.Writer
	now       func() time.Time
}

func runWebhookCheck(ctx context.Context, cfg *connector.Config, log zerolog.Logger) int {
	client, err := webhook.NewClient(cfg.WebhookOptions(), log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create webhook client")
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "Testing endpoint: %s (shape %s)\n", client.URL(), client.Shape())
	checker := &webhookChecker{
		forwarder: client,
		botNumber: cfg.WhatsApp.BotAddress,
		interval:  checkInterval,
		out:       os.Stdout,
		now:       time.Now,
	}
	if failed := checker.run(ctx, sampleMessages); failed > 0 {
		return 1
	}
	return 0
}

// run sends each sample in turn and prints a summary. It returns the number
// of failed requests.
func (c *webhookChecker) run(ctx context.Context, samples []sampleMessage) int {
	rule := strings.Repeat("=", 50)
	results := make([]checkResult, 0, len(samples))
	for i, sample := range samples {
		if i > 0 && c.interval > 0 {
			select {
			case <-ctx.Done():
				return len(samples) - countOK(results)
			case <-time.After(c.interval):
			}
		}
		_, _ = fmt.Fprintf(c.out, "\nTest %d/%d\nPhone: %s\nMessage: %q\nExpected: %s\n",
			i+1, len(samples), sample.Phone, sample.Text, sample.Expected)
		res := c.check(ctx, sample)
		if res.OK {
			_, _ = fmt.Fprintf(c.out, "Success (%dms)\nResponse: %s\n", res.Duration.Milliseconds(), res.Reply.Raw)
		} else {
			_, _ = fmt.Fprintf(c.out, "Failed: %v\n", res.Err)
		}
		results = append(results, res)
	}

	passed := countOK(results)
	failed := len(samples) - passed
	_, _ = fmt.Fprintf(c.out, "\n%s\nSummary\n%s\nPassed: %d/%d\nFailed: %d/%d\n",
		rule, rule, passed, len(samples), failed, len(samples))
	if failed == 0 {
		_, _ = fmt.Fprintln(c.out, "All tests passed, the webhook is working.")
	} else {
		_, _ = fmt.Fprintln(c.out, "Some tests failed, check the errors above.")
	}
	if passed > 0 {
		var total time.Duration
		for _, res := range results {
			if res.OK {
				total += res.Duration
			}
		}
		_, _ = fmt.Fprintf(c.out, "Average response time: %dms\n", (total / time.Duration(passed)).Milliseconds())
	}
	return failed
}

func (c *webhookChecker) check(ctx context.Context, sample sampleMessage) checkResult {
	start := c.now()
	reply, err := c.forwarder.Forward(ctx, webhook.Request{
		From:      sample.Phone,
		To:        c.botNumber,
		Body:      sample.Text,
		MessageID: "test-" + uuid.NewString(),
		Timestamp: start,
	})
	if err != nil {
		return checkResult{Err: err}
	}
	return checkResult{OK: true, Duration: c.now().Sub(start), Reply: reply}
}

func countOK(results []checkResult) int {
	n := 0
	for _, res := range results {
		if res.OK {
			n++
		}
	}
	return n
}
