// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send while the session is not connected.
var ErrNotConnected = errors.New("whatsapp session is not connected")

// SendError reports a message that could not be delivered.
type SendError struct {
	RemoteAddress string
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send message to %s: %v", e.RemoteAddress, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// SessionClosedError reports that the device was logged out. The session
// will not reconnect until it is paired again.
type SessionClosedError struct {
	Reason string
}

func (e *SessionClosedError) Error() string {
	if e.Reason == "" {
		return "whatsapp session logged out"
	}
	return "whatsapp session logged out: " + e.Reason
}

// FatalStartupError reports a failure to establish the initial session.
// Nothing can run without it, so the process should exit.
type FatalStartupError struct {
	Err error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("failed to start whatsapp session: %v", e.Err)
}

func (e *FatalStartupError) Unwrap() error {
	return e.Err
}
