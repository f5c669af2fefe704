package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
)

// Client is a bound LDAP connection used for both the batch principal
// importer and the live GroupExpander lookup.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	conn   *ldap.Conn
}

// Dial connects and, if BindDN is set, performs the initial bind, the same
// two-step handshake the teacher's NewLDAPClient performs.
func Dial(cfg Config, logger zerolog.Logger) (*Client, error) {
	conn, err := dialAuto(cfg)
	if err != nil {
		logger.Error().Err(err).Str("url", cfg.URL).Msg("directory: failed to dial LDAP")
		return nil, err
	}
	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			logger.Error().Err(err).Str("bind_dn", cfg.BindDN).Msg("directory: initial bind failed")
			conn.Close()
			return nil, err
		}
	}
	return &Client{cfg: cfg, logger: logger, conn: conn}, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// ListUsers enumerates every entry under UserBaseDN matching the objectClass
// filter a deployment configures (posixAccount/inetOrgPerson/etc., not
// hardcoded here since schemas vary), returning enough to provision a
// storage.Principal row for each.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	filter := c.cfg.filterOrDefault(c.cfg.UserListFilter, "(objectClass=inetOrgPerson)")
	req := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, int(c.cfg.Timeout.Seconds()), false,
		filter,
		[]string{"dn", c.cfg.UIDAttr, "displayName", "cn", "mail"},
		nil,
	)
	res, err := c.conn.SearchWithPaging(req, 200)
	if err != nil {
		return nil, fmt.Errorf("directory: list users: %w", err)
	}
	out := make([]User, 0, len(res.Entries))
	for _, e := range res.Entries {
		slug := e.GetAttributeValue(c.cfg.UIDAttr)
		if slug == "" {
			continue
		}
		out = append(out, User{
			Slug:        slug,
			DN:          e.DN,
			DisplayName: firstNonEmpty(e.GetAttributeValue("displayName"), e.GetAttributeValue("cn")),
			Mail:        e.GetAttributeValue("mail"),
		})
	}
	return out, nil
}

// ListGroups enumerates every group entry under GroupBaseDN, grounded on
// the teacher's UserGroupsACL search but walking groups directly instead of
// starting from a single user's membership, since the importer needs every
// group up front rather than one user's ACL bindings.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	req := ldap.NewSearchRequest(
		c.cfg.GroupBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, int(c.cfg.Timeout.Seconds()), false,
		c.cfg.filterOrDefault(c.cfg.GroupFilter, "(objectClass=groupOfNames)"),
		[]string{"dn", "cn", safeAttr(c.cfg.MemberAttr)},
		nil,
	)
	res, err := c.conn.SearchWithPaging(req, 200)
	if err != nil {
		return nil, fmt.Errorf("directory: list groups: %w", err)
	}
	out := make([]Group, 0, len(res.Entries))
	for _, e := range res.Entries {
		cn := e.GetAttributeValue("cn")
		if cn == "" {
			continue
		}
		out = append(out, Group{
			Slug:        cn,
			DN:          e.DN,
			DisplayName: cn,
			MemberDNs:   e.GetAttributeValues(c.cfg.MemberAttr),
		})
	}
	return out, nil
}

// BindUser verifies username/password by searching for the user's DN, then
// opening a second connection and binding as that DN — the same two-
// connection shape as the teacher's BindUser, so a failed user bind never
// disturbs this Client's own service connection.
func (c *Client) BindUser(ctx context.Context, username, password string) (User, error) {
	filter := fmt.Sprintf(c.cfg.filterOrDefault(c.cfg.UserBindFilter, "(|(uid=%s)(mail=%s))"), ldap.EscapeFilter(username), ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, int(c.cfg.Timeout.Seconds()), false,
		filter,
		[]string{"dn", c.cfg.UIDAttr, "displayName", "cn", "mail"},
		nil,
	)
	res, err := c.conn.SearchWithPaging(req, 1)
	if err != nil {
		return User{}, fmt.Errorf("directory: bind user search: %w", err)
	}
	if len(res.Entries) == 0 {
		return User{}, fmt.Errorf("directory: no user matching %q", username)
	}
	entry := res.Entries[0]

	userConn, err := dialAuto(c.cfg)
	if err != nil {
		return User{}, fmt.Errorf("directory: dial for user bind: %w", err)
	}
	defer userConn.Close()
	if err := userConn.Bind(entry.DN, password); err != nil {
		return User{}, fmt.Errorf("directory: user bind failed: %w", err)
	}

	return User{
		Slug:        firstNonEmpty(entry.GetAttributeValue(c.cfg.UIDAttr), entry.GetAttributeValue("mail")),
		DN:          entry.DN,
		DisplayName: firstNonEmpty(entry.GetAttributeValue("displayName"), entry.GetAttributeValue("cn")),
		Mail:        entry.GetAttributeValue("mail"),
	}, nil
}

// GroupsOfDN returns the cn of every group whose member attribute lists dn,
// the live lookup behind GroupExpander.GroupsOf.
func (c *Client) GroupsOfDN(ctx context.Context, dn string) ([]string, error) {
	filter := fmt.Sprintf("(&%s(%s=%s))", c.cfg.filterOrDefault(c.cfg.GroupFilter, "(objectClass=groupOfNames)"), safeAttr(c.cfg.MemberAttr), ldap.EscapeFilter(dn))
	req := ldap.NewSearchRequest(
		c.cfg.GroupBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, int(c.cfg.Timeout.Seconds()), false,
		filter,
		[]string{"cn"},
		nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory: group membership lookup: %w", err)
	}
	out := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		if cn := e.GetAttributeValue("cn"); cn != "" {
			out = append(out, cn)
		}
	}
	return out, nil
}

// LookupDN resolves a user's directory DN from its slug, the identity
// GroupsOfDN's member filter needs.
func (c *Client) LookupDN(ctx context.Context, slug string) (string, error) {
	req := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, int(c.cfg.Timeout.Seconds()), false,
		fmt.Sprintf("(%s=%s)", safeAttr(c.cfg.UIDAttr), ldap.EscapeFilter(slug)),
		[]string{"dn"},
		nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("directory: resolve dn: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", fmt.Errorf("directory: no entry for slug %q", slug)
	}
	return res.Entries[0].DN, nil
}

// LookupByAttr resolves an arbitrary attribute value to a user's slug,
// grounded on the teacher's LookupUserByAttr — used to map a bearer token's
// subject claim (often an external IdP's own user ID) back to the UIDAttr
// slug storage.Principal rows are keyed by.
func (c *Client) LookupByAttr(ctx context.Context, attr, value string) (string, error) {
	attr = safeAttr(attr)
	req := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, int(c.cfg.Timeout.Seconds()), false,
		fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(value)),
		[]string{c.cfg.UIDAttr},
		nil,
	)
	res, err := c.conn.SearchWithPaging(req, 1)
	if err != nil {
		return "", fmt.Errorf("directory: lookup by %s: %w", attr, err)
	}
	if len(res.Entries) == 0 {
		return "", fmt.Errorf("directory: no user with %s=%q", attr, value)
	}
	slug := res.Entries[0].GetAttributeValue(c.cfg.UIDAttr)
	if slug == "" {
		return "", fmt.Errorf("directory: entry matching %s=%q has no %s", attr, value, c.cfg.UIDAttr)
	}
	return slug, nil
}

func (cfg Config) filterOrDefault(configured, def string) string {
	if configured != "" {
		return configured
	}
	return def
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func safeAttr(a string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '-' || r == '_' {
			return r
		}
		return -1
	}, a)
}

func dialAuto(cfg Config) (*ldap.Conn, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, fmt.Errorf("directory: LDAP URL is empty")
	}

	lower := strings.ToLower(u)
	isLDAPS := strings.HasPrefix(lower, "ldaps://")
	isLDAP := strings.HasPrefix(lower, "ldap://")
	if !isLDAP && !isLDAPS {
		return nil, fmt.Errorf("directory: LDAP URL must start with ldap:// or ldaps://")
	}

	if isLDAPS {
		return ldap.DialURL(u, ldap.DialWithTLSConfig(&tls.Config{
			ServerName:         serverNameOf(u, "ldaps://"),
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}))
	}

	conn, err := ldap.DialURL(u)
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS {
		tlsCfg := &tls.Config{ServerName: serverNameOf(u, "ldap://"), InsecureSkipVerify: cfg.InsecureSkipVerify}
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("directory: StartTLS failed: %w", err)
		}
	}
	return conn, nil
}

func serverNameOf(url, scheme string) string {
	hostPort := strings.TrimPrefix(url, scheme)
	if host, _, err := net.SplitHostPort(hostPort); err == nil && host != "" {
		return host
	}
	return hostPort
}
