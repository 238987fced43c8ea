// Package cli implements the disconnected client: an embedded SQLite
// replica of the masterdata store with a local ledger, synced against
// the central server over push/pull.
package cli

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"masterdata-backend/internal/changereq"
	"masterdata-backend/internal/config"
	"masterdata-backend/internal/dedup"
	"masterdata-backend/internal/eav"
	"masterdata-backend/internal/engine"
	"masterdata-backend/internal/ledger"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/ownership"
	"masterdata-backend/internal/replication"
	"masterdata-backend/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Token   string
}

// NewRootCommand creates the root command for the client CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "mdclient",
		Short:         "Masterdata client replica",
		Long:          "Local masterdata replica on embedded SQLite, synced against the central server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("MD_TOKEN"), "bearer token for the sync server")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewChangesCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))

	return cmd
}

// app bundles everything a command needs against the local replica.
type app struct {
	cfg    *config.Config
	db     *store.Store
	keys   *ledger.Keyring
	led    *ledger.Ledger
	eav    *eav.Store
	svc    *engine.Service
	syncer *replication.Syncer
	log    zerolog.Logger
}

// localActor is the identity CLI operations run as. The local operator
// owns the replica, so it carries the admin role.
var localActor = masterdata.Actor{UserID: "local-admin", Username: "local-admin", Roles: []string{"admin"}}

// openApp opens the local SQLite replica, replays any ledger tail, and
// wires the write path plus the syncer.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	level := zerolog.WarnLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dbCfg := cfg.Database
	dbCfg.Driver = "sqlite"

	db, err := store.New(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	if err := db.Bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}

	keys, err := ledger.LoadOrCreateKeyring(cfg.Ledger.KeyPath, cfg.Ledger.KeyHistory, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	led, err := ledger.Open(cfg.Ledger.Path, keys, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := engine.Reconcile(ctx, db, led, log); err != nil {
		led.Close()
		db.Close()
		return nil, err
	}

	owners := ownership.NewRegistry()
	eavStore := eav.New(db, led, owners, log)
	svc := engine.NewService(eavStore, owners, ownership.NewPolicy(), changereq.New(db), dedup.NewResolver(), log)

	remote := replication.NewClient(cfg.Sync.ServerURL, opts.Token, time.Duration(cfg.Sync.TimeoutMs)*time.Millisecond)
	syncer := replication.NewSyncer(db, remote, cfg.Sync, log)

	return &app{
		cfg:    cfg,
		db:     db,
		keys:   keys,
		led:    led,
		eav:    eavStore,
		svc:    svc,
		syncer: syncer,
		log:    log,
	}, nil
}

func (a *app) Close() {
	a.led.Close()
	a.db.Close()
}
