// Package httpserver owns the net/http.Server lifecycle: wiring storage,
// directory, authn, authz, and the protocol engine into one router.Handler
// and starting/stopping the listener, the way the teacher's own
// httpserver.go wires its store/directory/auth/dav stack behind a single
// NewServer call.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/authn"
	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/config"
	"github.com/davkit/davkit/internal/directory"
	"github.com/davkit/davkit/internal/props"
	"github.com/davkit/davkit/internal/protocol"
	"github.com/davkit/davkit/internal/recurrence"
	"github.com/davkit/davkit/internal/router"
	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/storage/postgres"
	"github.com/davkit/davkit/internal/storage/sqlite"
	"github.com/davkit/davkit/internal/syncengine"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the full dependency graph and returns a ready-to-Start
// Server plus a cleanup func that releases the storage and directory
// connections NewServer opened. Callers run cleanup once, after Shutdown.
// When NewServer returns an error it has already closed whatever it opened
// and the returned cleanup is nil.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	dir, err := directory.Dial(cfg.Directory(), logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	groups := directory.NewGroupExpander(dir, store)
	authorizer := authz.NewStatic(store, groups)

	resolver := props.New(store, authz.PropsAdapter{Authorizer: authorizer})
	recEngine := recurrence.New(cfg.Recurrence(), logger)
	syncEngine := syncengine.New(store, cfg.SyncEngine())

	engine := protocol.New(store, authorizer, resolver, recEngine, syncEngine, cfg.Protocol(), logger)

	authChain := authn.NewChain(
		cfg.ChainConfig(),
		directory.NewBindVerifier(dir),
		directory.NewTokenSubjectResolver(dir),
		nil, // opaque-token introspection is not wired to a directory backend yet
		store,
		logger,
	)

	mux := router.New(engine, authChain, cfg.Protocol(), logger)

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
	cleanup := func() {
		store.Close()
		dir.Close()
	}
	logger.Info().Msgf("listening on %s (storage=%s)", cfg.HTTP.Addr, cfg.Storage.Type)
	return srv, cleanup, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.New(ctx, cfg.Storage.PostgresURL, logger)
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLiteDSN, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
