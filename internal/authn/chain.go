package authn

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/storage"
)

// ChainConfig picks which schemes are active, mirroring the teacher's
// AuthConfig.EnableBasic/EnableBearer flags.
type ChainConfig struct {
	EnableBasic  bool
	EnableBearer bool
	Bearer       BearerConfig
}

// Chain is the single entry point cmd/davkitd's HTTP glue calls: try
// whichever schemes are enabled and return the first Identity that
// verifies. internal/protocol never sees this type — the caller maps the
// resulting Identity to a protocol.Subject.
type Chain struct {
	basic  *BasicAuth
	bearer *BearerAuth
}

func NewChain(cfg ChainConfig, verifier CredentialVerifier, resolver SubjectResolver, introspector Introspector, store storage.Store, logger zerolog.Logger) *Chain {
	c := &Chain{}
	if cfg.EnableBasic && verifier != nil {
		c.basic = NewBasicAuth(verifier, store, logger)
	}
	if cfg.EnableBearer {
		c.bearer = NewBearerAuth(cfg.Bearer, resolver, introspector, store, logger)
	}
	return c
}

func (c *Chain) BasicEnabled() bool  { return c.basic != nil }
func (c *Chain) BearerEnabled() bool { return c.bearer != nil }

func (c *Chain) AuthenticateBasic(ctx context.Context, header string) (Identity, error) {
	if c.basic == nil {
		return Identity{}, errors.New("authn: basic auth disabled")
	}
	return c.basic.Authenticate(ctx, header)
}

func (c *Chain) AuthenticateBearer(ctx context.Context, token string) (Identity, error) {
	if c.bearer == nil {
		return Identity{}, errors.New("authn: bearer auth disabled")
	}
	return c.bearer.Authenticate(ctx, token)
}
