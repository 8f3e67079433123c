// Copyright 2024-2026 Aiku AI

package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// maxErrorBody caps how much of an upstream error body is kept on Error.
const maxErrorBody = 2048

// Error is returned by Client.Forward when the webhook could not be reached,
// timed out, or answered with a non-2xx status.
type Error struct {
	URL string
	// StatusCode is zero when no response was received.
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("webhook request failed: %v", e.Err)
	default:
		return "webhook request failed"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request failed because a deadline passed.
func (e *Error) Timeout() bool {
	if e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
