// Copyright 2024-2026 Aiku AI

// Command matrix-mattermost-bridge relays Matrix rooms into Mattermost
// channels. Each Matrix user posts through a dedicated Mattermost puppet
// account, and unmapped rooms are onboarded into channels or group
// conversations on their first message.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge"
	"github.com/aiku/matrix-mattermost-bridge/pkg/bridge/database"
	"github.com/aiku/matrix-mattermost-bridge/pkg/matrix"
	"github.com/aiku/matrix-mattermost-bridge/pkg/mattermost"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if level, parseErr := zerolog.ParseLevel(cfg.Logging.MinLevel); parseErr == nil && cfg.Logging.MinLevel != "" {
		log = log.Level(level)
	}
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).
		Msg("Starting matrix-mattermost-bridge")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rawDB, err := dbutil.NewFromConfig("matrix-mattermost-bridge", cfg.Database, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	db := database.New(rawDB)
	if err = db.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database schema")
	}

	cli, err := mautrix.NewClient(cfg.Matrix.HomeserverURL, cfg.Matrix.UserID, cfg.Matrix.AccessToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Matrix client")
	}
	cli.Log = log.With().Str("component", "mautrix").Logger()

	br := bridge.New(
		cfg,
		log,
		matrix.NewClient(cli, log),
		matrix.NewAdminClient(cli, log),
		mattermost.NewClient(cfg.Mattermost.ServerURL, cfg.Mattermost.AdminToken),
		bridge.Stores{
			Posts:    db.Post,
			Mappings: db.Mapping,
			Puppets:  db.Puppet,
		},
	)

	syncer := cli.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(cli.DontProcessOldEvents)
	for _, eventType := range []event.Type{
		event.EventMessage,
		event.EventReaction,
		event.EventRedaction,
		event.StateMember,
	} {
		syncer.OnEventType(eventType, func(ctx context.Context, evt *event.Event) {
			br.HandleEvent(ctx, evt)
		})
	}

	log.Info().Stringer("user_id", cli.UserID).Msg("Starting sync")
	if err = cli.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Sync stopped with error")
	}
	err = db.Close()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
	log.Info().Msg("Bridge stopped")
}
