// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector connects the relay to WhatsApp using the whatsmeow
// multi-device client.
//
// # Core Types
//
// [Manager] owns the single session. It connects, presents pairing codes,
// persists credentials, schedules reconnects after transient disconnects and
// stops for good once the device is logged out. Inbound batches are handed to
// a [BatchHandler], normally a relay.Pipeline.
//
// [WhatsAppClient] implements [Transport] on top of whatsmeow and translates
// its events into [TransportEvent] values delivered in order.
//
// [API] serves GET /health and GET /qr.
//
// [Connector] builds all of the above from a [Config].
//
// # Echo Prevention
//
// Messages sent by the bot's own account arrive flagged as from-me and are
// never relayed. Status broadcasts are always skipped and group chats are
// skipped unless relay.ignore_groups is false.
package connector
