// Package protocol implements the C7 protocol engine: HTTP-method-agnostic
// request handling built on storage, authz, props, recurrence, and
// syncengine. It is deliberately transport-unaware — internal/router
// adapts net/http onto it — the way the teacher keeps internal/dav's
// handlers focused on DAV semantics and leaves listener wiring to
// internal/router, generalized here one layer further so the core is
// testable without an HTTP server at all.
package protocol

import (
	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/authz"
	"github.com/davkit/davkit/internal/props"
	"github.com/davkit/davkit/internal/recurrence"
	"github.com/davkit/davkit/internal/storage"
	"github.com/davkit/davkit/internal/syncengine"
)

// Engine wires the domain-stack components a request needs: storage,
// authorization, property resolution, recurrence expansion, and
// sync-collection diffing.
type Engine struct {
	store      storage.Store
	authorizer authz.Authorizer
	resolver   *props.Resolver
	recurrence *recurrence.Engine
	sync       *syncengine.Engine
	basePath   string
	logger     zerolog.Logger

	maxResourceSize int64
}

// Config carries the few protocol-engine-specific knobs that aren't owned
// by one of the wired components.
type Config struct {
	BasePath        string
	MaxResourceSize int64 // bytes; 0 uses DefaultMaxResourceSize
}

// DefaultMaxResourceSize is the 413 Payload Too Large threshold used when
// Config.MaxResourceSize is unset. The max-resource-size live property is
// reported by internal/props from its own fixed 10 MiB constant and does
// not follow Config.MaxResourceSize.
const DefaultMaxResourceSize = 10 << 20

func New(store storage.Store, authorizer authz.Authorizer, resolver *props.Resolver, rec *recurrence.Engine, sync *syncengine.Engine, cfg Config, logger zerolog.Logger) *Engine {
	maxSize := cfg.MaxResourceSize
	if maxSize <= 0 {
		maxSize = DefaultMaxResourceSize
	}
	return &Engine{
		store:           store,
		authorizer:      authorizer,
		resolver:        resolver,
		recurrence:      rec,
		sync:            sync,
		basePath:        cfg.BasePath,
		logger:          logger,
		maxResourceSize: maxSize,
	}
}

// Subject identifies the authenticated caller, or the zero value for an
// anonymous request. It carries only a principal ID; internal/authz
// expands groups and the public principal internally per spec.md §4.9.
type Subject struct {
	PrincipalID string
}

func (s Subject) id() string { return s.PrincipalID }
