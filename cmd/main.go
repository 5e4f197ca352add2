package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/KAsare1/wallsync/cmd/api"
	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/cmd/utils"
	"github.com/KAsare1/wallsync/config"
	"github.com/KAsare1/wallsync/db"
	"github.com/KAsare1/wallsync/service/push"
	"github.com/KAsare1/wallsync/service/snapshot"
	"github.com/KAsare1/wallsync/service/wall"
	"github.com/KAsare1/wallsync/service/wallapi"
)

const usage = `Wall feed sync.

Settings are read from the environment and the env file:
    WALL_API_URL, WALL_PUSH_URL, WALL_TOKEN, WALL_OWNER, WALL_PAGE_SIZE,
    WALL_RETRY_DELAY, DB_URL, SERVER_PORT

Usage:
    wallsync serve [--env=<env>] [--no-snapshot] [--v=<level>]
    wallsync migrate [--env=<env>] [--v=<level>]
    wallsync clear-snapshot <owner> [--env=<env>] [--v=<level>]

Options:
    -h --help        Show this screen.
    --env=<env>      Env file [default: .env].
    --no-snapshot    Do not restore or save the feed snapshot.
    --v=<level>      Log verbosity [default: 0].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		panic(err)
	}
	initLogging(opts)
	defer glog.Flush()

	envFile, _ := opts.String("--env")
	cfg, err := config.Load(envFile)
	if err != nil {
		glog.Fatalf("Configuration error: %v", err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		noSnapshot, _ := opts.Bool("--no-snapshot")
		serve(cfg, !noSnapshot)
	} else if migrate_, _ := opts.Bool("migrate"); migrate_ {
		migrate(cfg)
	} else if clear_, _ := opts.Bool("clear-snapshot"); clear_ {
		ownerID, _ := opts.String("<owner>")
		clearSnapshot(cfg, ownerID)
	}
}

func initLogging(opts docopt.Opts) {
	level, _ := opts.String("--v")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)
	flag.CommandLine.Parse([]string{})
}

func openSnapshots(cfg *config.Config) *snapshot.Store {
	DB, err := db.NewPSQLStorage(cfg.DBUrl)
	if err != nil {
		glog.Fatalf("Database initialization error: %v", err)
	}
	glog.Infof("Connected to the database\n")
	return snapshot.NewStore(DB)
}

func migrate(cfg *config.Config) {
	snapshots := openSnapshots(cfg)
	if err := snapshots.Migrate(); err != nil {
		glog.Fatalf("Migration error: %v", err)
	}
	glog.Infof("Migrations completed successfully\n")
}

func clearSnapshot(cfg *config.Config, ownerID string) {
	snapshots := openSnapshots(cfg)
	n, err := snapshots.Clear(context.Background(), ownerID)
	if err != nil {
		glog.Fatalf("Error clearing snapshot: %v", err)
	}
	fmt.Printf("Removed %d snapshot posts for %s\n", n, ownerID)
}

func serve(cfg *config.Config, useSnapshot bool) {
	if err := cfg.Validate(); err != nil {
		glog.Fatalf("Configuration error: %v", err)
	}
	actor, err := utils.ActorFromToken(cfg.Token)
	if err != nil {
		glog.Fatalf("Token error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := wall.DefaultSettings()
	settings.PageSize = cfg.PageSize
	settings.RetryDelay = cfg.RetryDelay
	if useSnapshot && cfg.DBUrl != "" {
		settings.Snapshots = openSnapshots(cfg)
	}

	client := wallapi.NewClient(cfg.ApiUrl, cfg.Token, nil)
	owner := models.Author{ID: cfg.OwnerID, Username: cfg.OwnerID}
	view := wall.NewView(ctx, client, actor, owner, settings)
	defer func() {
		if err := view.Close(); err != nil {
			glog.Errorf("Snapshot not saved: %v", err)
		}
	}()

	if err := view.Start(ctx); err != nil {
		glog.Warningf("First page not loaded: %v\n", err)
	}
	if cfg.PushUrl != "" {
		if _, err := view.Subscribe(cfg.PushUrl, cfg.Token, push.DefaultSubscriberSettings()); err != nil {
			glog.Fatalf("Push subscription error: %v", err)
		}
	}

	server := api.NewApiServer(":"+cfg.ServerPort, view)
	if err := server.Run(ctx); err != nil {
		glog.Errorf("Server error: %v", err)
	}
	glog.Infof("Shutting down\n")
}
