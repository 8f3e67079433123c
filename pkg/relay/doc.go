// Copyright 2024-2026 Aiku AI

// Package relay holds the message relay core: a bounded deduplication
// ledger and the pipeline that forwards each new inbound message to the
// webhook and sends the webhook's reply back to the sender.
//
// The pipeline is transport-agnostic. It consumes [Batch] values and
// talks to the outside world through the [Forwarder] and [Sender]
// interfaces, so it can be driven in tests without a live session.
package relay
