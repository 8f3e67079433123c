// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command whatsapp-relay links to a WhatsApp account as a companion device
// and relays every inbound text message to an HTTP webhook. A non-empty
// "response" in the webhook's reply is sent back to the chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/whatsapp-relay/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "whatsapp-relay"

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	noConfigUpdate     = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	checkWebhook       = flag.MakeFull("t", "check-webhook", "Send sample messages to the webhook and quit.", "false").Bool()
	version            = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - WhatsApp to webhook message relay", name),
		fmt.Sprintf("%s [-hvnt] [-c <path>] [-e]", name),
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("%s %s (commit %s, built %s)\n", name, Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if err := connector.WriteExampleConfig(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load .env file:", err)
		os.Exit(1)
	}

	cfg, err := connector.LoadConfig(*configPath, !*noConfigUpdate)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)

	if *checkWebhook {
		os.Exit(runWebhookCheck(context.Background(), cfg, *log))
	}
	os.Exit(runRelay(cfg, *log))
}

func runRelay(cfg *connector.Config, log zerolog.Logger) int {
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting WhatsApp relay")

	conn := connector.New(cfg, log)
	if err := conn.Init(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to initialize relay")
		return 1
	}
	defer func() {
		if err := conn.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to release resources")
		}
	}()

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return conn.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return conn.ServeAPI(ctx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var sigErr run.SignalError
	var fatal *connector.FatalStartupError
	switch {
	case errors.As(err, &sigErr):
		log.Info().Str("signal", sigErr.Signal.String()).Msg("Shutting down")
		return 0
	case errors.As(err, &fatal):
		log.Error().Err(err).Msg("Failed to connect to WhatsApp")
		return 1
	case err != nil:
		log.Error().Err(err).Msg("Relay stopped")
		return 1
	}
	if serr := conn.Manager.Err(); serr != nil {
		log.Error().Err(serr).Msg("Relay stopped")
		return 1
	}
	return 0
}
