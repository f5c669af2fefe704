package router

import (
	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/authn"
	"github.com/davkit/davkit/internal/protocol"
)

// Router adapts net/http onto the transport-agnostic protocol.Engine: it
// owns credential extraction, the well-known/healthz routes, and request
// logging, and leaves every DAV method's actual semantics to the engine.
// This replaces the teacher's per-service DAVService dispatch table —
// protocol.Engine already picks caldav/carddav behavior from the resolved
// Locator's CollectionKind, so there is only ever one engine to route to.
type Router struct {
	engine   *protocol.Engine
	auth     *authn.Chain
	basePath string
	logger   zerolog.Logger
}
