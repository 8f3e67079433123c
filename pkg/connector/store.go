// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// OpenCredentialStore opens the credential database and returns the stored
// device, or a fresh one that still has to be paired.
func OpenCredentialStore(ctx context.Context, cfg DatabaseConfig, deviceName string, log zerolog.Logger) (*sqlstore.Container, *store.Device, error) {
	log = log.With().Str("component", "credential_store").Logger()
	if cfg.Type == "sqlite3" {
		if err := ensureSQLiteDir(cfg.URI); err != nil {
			return nil, nil, err
		}
	}

	store.DeviceProps.Os = proto.String(deviceName)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()

	container, err := sqlstore.New(ctx, cfg.Type, cfg.URI, waLog.Zerolog(log))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device.ID == nil {
		log.Info().Str("database_type", cfg.Type).Msg("No stored session, pairing required")
	} else {
		log.Info().Str("identity", device.ID.String()).Msg("Loaded stored session")
	}
	return container, device, nil
}

// sqlitePath extracts the file path from a sqlite3 DSN such as
// "file:auth_info/whatsapp.db?_foreign_keys=on".
func sqlitePath(uri string) string {
	path := strings.TrimPrefix(uri, "file:")
	path, _, _ = strings.Cut(path, "?")
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	if path == ":memory:" {
		return ""
	}
	return path
}

func ensureSQLiteDir(uri string) error {
	path := sqlitePath(uri)
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential store directory %s: %w", dir, err)
	}
	return nil
}
