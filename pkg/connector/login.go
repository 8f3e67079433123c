// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

// qrImageSize is the edge length in pixels of the PNG served on /qr.
const qrImageSize = 256

// RenderPairingQR renders code as a terminal-friendly block of half-height
// characters.
func RenderPairingQR(code string) (string, error) {
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("failed to encode pairing code: %w", err)
	}
	return qr.ToSmallString(false), nil
}

// PairingQRPNG renders code as a PNG image.
func PairingQRPNG(code string) ([]byte, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pairing code: %w", err)
	}
	return png, nil
}

// ConsolePairingPresenter returns a presenter that prints each pairing code
// to w as a QR code along with scan instructions.
func ConsolePairingPresenter(w io.Writer, log zerolog.Logger) func(code string, attempt, maxAttempts int) {
	return func(code string, attempt, maxAttempts int) {
		art, err := RenderPairingQR(code)
		if err != nil {
			log.Error().Err(err).Msg("Failed to render pairing QR code")
			return
		}
		_, err = fmt.Fprintf(w,
			"\nScan this QR code with WhatsApp (attempt %d/%d):\n"+
				"Open WhatsApp > Settings > Linked Devices > Link a Device\n\n%s\n",
			attempt, maxAttempts, art)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to print pairing QR code")
		}
	}
}
