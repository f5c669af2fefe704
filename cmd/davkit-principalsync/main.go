package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/config"
	"github.com/davkit/davkit/internal/directory"
	"github.com/davkit/davkit/internal/logging"
	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/storage/postgres"
	"github.com/davkit/davkit/internal/storage/sqlite"
)

// davkit-principalsync runs one LDAP-to-storage import pass: list every
// directory user and group and provision a matching storage.Principal for
// any slug not already known, then exit. Intended to run on a schedule
// (cron, k8s CronJob) alongside the long-running davkitd server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "principalsync: load config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel)
	logger = logger.With().Str("component", "principalsync").Logger()

	dirCfg := cfg.Directory()
	if dirCfg.URL == "" || dirCfg.UserBaseDN == "" {
		fmt.Fprintln(os.Stderr, "principalsync: LDAP_URL and LDAP_USER_BASE_DN are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, err := directory.Dial(dirCfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "principalsync: dial LDAP: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "principalsync: storage init: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	importer := directory.NewImporter(client, store, logger)
	stats, err := importer.Sync(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "principalsync: sync failed: %v\n", err)
		os.Exit(1)
	}

	logger.Info().
		Int("users_seen", stats.UsersSeen).
		Int("users_created", stats.UsersCreated).
		Int("groups_seen", stats.GroupsSeen).
		Int("groups_created", stats.GroupsCreated).
		Msg("principalsync: import complete")

	fmt.Printf("users: %d seen, %d created; groups: %d seen, %d created\n",
		stats.UsersSeen, stats.UsersCreated, stats.GroupsSeen, stats.GroupsCreated)
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.New(ctx, cfg.Storage.PostgresURL, logger)
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLiteDSN, logger)
	default:
		return nil, fmt.Errorf("unknown STORAGE_TYPE %q", cfg.Storage.Type)
	}
}
