package authn

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/cache"
	"github.com/davkit/davkit/internal/storage"
)

// SubjectResolver maps a verified token's subject claim to the slug a
// storage.Principal is keyed by. A deployment backed by internal/directory
// resolves this through an LDAP attribute lookup; nil means the token
// subject already is the principal slug.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, tokenSubject string) (slug string, err error)
}

// Introspector validates an opaque bearer token against an OAuth2
// introspection endpoint (RFC 7662), for deployments that issue opaque
// tokens instead of self-contained JWTs.
type Introspector interface {
	Introspect(ctx context.Context, token, introspectURL, authHeader string) (valid bool, subject string, err error)
}

// BearerConfig carries the JWT/introspection knobs the teacher's AuthConfig
// holds inline; kept as its own struct here so internal/authn has no
// dependency on internal/config.
type BearerConfig struct {
	JWKSURL              string
	Issuer               string
	Audience             string
	AllowOpaque          bool
	IntrospectURL        string
	IntrospectAuthHeader string
	KeySetTTL            time.Duration
	VerifiedCacheTTL     time.Duration
}

// BearerAuth implements bearer/JWT authentication: validate a token against
// a cached JWKS, map its subject to a principal slug, and resolve that slug
// to a storage.Principal. Falls back to opaque-token introspection when
// configured and no JWKS validates the token.
type BearerAuth struct {
	cfg          BearerConfig
	resolver     SubjectResolver
	introspector Introspector
	store        storage.Store
	logger       zerolog.Logger

	keyset jwk.Set
	ksAt   time.Time

	verCache *cache.Cache[string, Identity]
}

func NewBearerAuth(cfg BearerConfig, resolver SubjectResolver, introspector Introspector, store storage.Store, logger zerolog.Logger) *BearerAuth {
	ttl := cfg.VerifiedCacheTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if cfg.KeySetTTL <= 0 {
		cfg.KeySetTTL = 10 * time.Minute
	}
	return &BearerAuth{
		cfg:          cfg,
		resolver:     resolver,
		introspector: introspector,
		store:        store,
		logger:       logger,
		verCache:     cache.New[string, Identity](ttl),
	}
}

func (b *BearerAuth) Authenticate(ctx context.Context, token string) (Identity, error) {
	if id, ok := b.verCache.Get(token); ok {
		return id, nil
	}

	if b.cfg.JWKSURL == "" && !b.cfg.AllowOpaque {
		return Identity{}, errors.New("authn: no bearer validation configured")
	}

	if b.cfg.JWKSURL != "" {
		id, err := b.authenticateJWT(ctx, token)
		if err == nil {
			b.verCache.Set(token, id, time.Now().Add(b.cacheTTL()))
			return id, nil
		}
		if !b.cfg.AllowOpaque {
			return Identity{}, err
		}
	}

	if b.cfg.AllowOpaque && b.cfg.IntrospectURL != "" && b.introspector != nil {
		id, err := b.authenticateOpaque(ctx, token)
		if err != nil {
			return Identity{}, err
		}
		b.verCache.Set(token, id, time.Now().Add(b.cacheTTL()))
		return id, nil
	}

	return Identity{}, errors.New("authn: bearer rejected")
}

func (b *BearerAuth) cacheTTL() time.Duration {
	if b.cfg.VerifiedCacheTTL <= 0 {
		return 2 * time.Minute
	}
	return b.cfg.VerifiedCacheTTL
}

func (b *BearerAuth) authenticateJWT(ctx context.Context, token string) (Identity, error) {
	set := b.keyset
	if set == nil || time.Since(b.ksAt) > b.cfg.KeySetTTL {
		fetched, err := jwk.Fetch(ctx, b.cfg.JWKSURL)
		if err != nil {
			return Identity{}, err
		}
		set = fetched
		b.keyset = set
		b.ksAt = time.Now()
	}

	tok, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true))
	if err != nil {
		return Identity{}, err
	}
	if b.cfg.Issuer != "" && tok.Issuer() != b.cfg.Issuer {
		return Identity{}, errors.New("authn: issuer mismatch")
	}
	if b.cfg.Audience != "" {
		found := false
		for _, aud := range tok.Audience() {
			if aud == b.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return Identity{}, errors.New("authn: audience mismatch")
		}
	}
	sub := tok.Subject()
	if sub == "" {
		return Identity{}, errors.New("authn: token has no subject")
	}

	return b.resolvePrincipal(ctx, sub)
}

func (b *BearerAuth) authenticateOpaque(ctx context.Context, token string) (Identity, error) {
	valid, sub, err := b.introspector.Introspect(ctx, token, b.cfg.IntrospectURL, b.cfg.IntrospectAuthHeader)
	if err != nil {
		return Identity{}, err
	}
	if !valid {
		return Identity{}, errors.New("authn: token introspection rejected")
	}
	return b.resolvePrincipal(ctx, sub)
}

func (b *BearerAuth) resolvePrincipal(ctx context.Context, tokenSubject string) (Identity, error) {
	slug := tokenSubject
	if b.resolver != nil {
		resolved, err := b.resolver.ResolveSubject(ctx, tokenSubject)
		if err != nil {
			return Identity{}, err
		}
		slug = resolved
	}

	principalOpt, err := b.store.GetPrincipalBySlug(ctx, storage.PrincipalUser, slug)
	if err != nil {
		return Identity{}, err
	}
	principal, ok := principalOpt.Get()
	if !ok {
		b.logger.Warn().Str("slug", slug).Msg("authn: bearer subject has no provisioned principal")
		return Identity{}, errUnprovisined
	}

	return Identity{PrincipalID: principal.ID, Slug: slug, DisplayName: principal.DisplayName}, nil
}
