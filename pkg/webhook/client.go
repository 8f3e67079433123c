// Copyright 2024-2026 Aiku AI

// Package webhook forwards inbound chat messages to an HTTP decision
// service and parses its reply.
package webhook

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// DefaultTimeout bounds a single forward call.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	URL         string
	Shape       Shape
	Timeout     time.Duration
	Headers     map[string]string
	ExtraFields map[string]any
}

// Client posts messages to the webhook. A Client makes exactly one attempt
// per Forward call.
type Client struct {
	rc    *resty.Client
	url   string
	shape Shape
	extra map[string]any
	log   zerolog.Logger
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook URL %q: scheme must be http or https", opts.URL)
	}
	if opts.Shape == "" {
		opts.Shape = ShapeTwilio
	}
	if _, err := ParseShape(string(opts.Shape)); err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rc := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for k, v := range opts.Headers {
		rc.SetHeader(k, v)
	}

	return &Client{
		rc:    rc,
		url:   opts.URL,
		shape: opts.Shape,
		extra: opts.ExtraFields,
		log:   log.With().Str("component", "webhook").Logger(),
	}, nil
}

// URL returns the endpoint the client posts to.
func (c *Client) URL() string {
	return c.url
}

// Shape returns the wire shape the client encodes requests with.
func (c *Client) Shape() Shape {
	return c.shape
}

// Forward posts req to the webhook and returns the parsed reply. Transport
// failures, timeouts and non-2xx answers are returned as *Error.
func (c *Client) Forward(ctx context.Context, req Request) (*Reply, error) {
	body, err := c.shape.Encode(req, c.extra)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook request: %w", err)
	}

	requestID := uuid.NewString()
	log := c.log.With().
		Str("request_id", requestID).
		Str("message_id", req.MessageID).
		Logger()
	log.Debug().Str("from", req.From).Str("body", req.Body).Msg("Forwarding message to webhook")

	start := time.Now()
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID).
		SetBody(body).
		Post(c.url)
	if err != nil {
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Webhook request failed")
		return nil, &Error{URL: c.url, Err: err}
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		werr := &Error{URL: c.url, StatusCode: status, Body: truncateBody(resp.Body())}
		log.Warn().
			Int("status", status).
			Str("body", werr.Body).
			Dur("duration", time.Since(start)).
			Msg("Webhook returned error status")
		return nil, werr
	}

	reply := ParseReply(resp.Body())
	log.Info().
		Int("status", status).
		Bool("has_response", reply.Response != "").
		Dur("duration", time.Since(start)).
		Msg("Webhook responded")
	return reply, nil
}

// Reply is the webhook's answer. Only the optional top-level "response"
// string is interpreted; Raw keeps the whole body.
type Reply struct {
	Response string
	Raw      []byte
}

// ParseReply extracts the "response" field from a webhook body. Bodies that
// are not JSON objects, or whose response is not a string, produce an
// empty Response.
func ParseReply(body []byte) *Reply {
	reply := &Reply{Raw: body}
	if !gjson.ValidBytes(body) {
		return reply
	}
	res := gjson.GetBytes(body, "response")
	if res.Type == gjson.String {
		reply.Response = res.String()
	}
	return reply
}
