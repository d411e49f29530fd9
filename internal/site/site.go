// Package site holds the per-tenant state: base DN, upstream handle,
// directory caches, admin credentials and lockout counters.
package site

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"ctldap/internal/churchtools"
	"ctldap/internal/config"
	"ctldap/internal/directory"
)

// Site is one tenant. It is constructed once at startup and immutable
// afterwards, except for its cache and lockout state.
type Site struct {
	Name      string
	BaseDN    string
	AdminDN   string
	Directory *directory.Service
	Log       zerolog.Logger

	api  *churchtools.Client
	auth *Authenticator

	baseParsed   *ldap.DN
	adminParsed  *ldap.DN
	usersParsed  *ldap.DN
	groupsParsed *ldap.DN
}

// New builds a site from its configuration.
func New(name string, cfg config.Site, global config.Global, log zerolog.Logger) (*Site, error) {
	siteLog := log.With().Str("site", name).Logger()
	api := churchtools.New(cfg.CtURI, cfg.APIToken, siteLog)

	svc := directory.NewService(api, directory.Options{
		Name:                 name,
		AdminUser:            cfg.LdapUser,
		HasAdminPassword:     cfg.LdapPassword != "",
		SpecialGroupMappings: cfg.SpecialGroupMappings,
		DNLowerCase:          boolOf(cfg.DNLowerCase),
		EmailLowerCase:       boolOf(cfg.EmailLowerCase),
		EmailsUnique:         boolOf(cfg.EmailsUnique),
		CacheLifetime:        global.CacheLifetime.Std(),
		Log:                  siteLog,
	})

	s := &Site{
		Name:      name,
		BaseDN:    "o=" + name,
		AdminDN:   svc.UserDN(cfg.LdapUser),
		Directory: svc,
		Log:       siteLog,
		api:       api,
		auth:      NewAuthenticator(cfg.LdapPassword),
	}
	if boolOf(cfg.DNLowerCase) {
		s.BaseDN = strings.ToLower(s.BaseDN)
	}

	var err error
	if s.baseParsed, err = ldap.ParseDN(s.BaseDN); err != nil {
		return nil, fmt.Errorf("site %q: bad base DN: %w", name, err)
	}
	if s.adminParsed, err = ldap.ParseDN(s.AdminDN); err != nil {
		return nil, fmt.Errorf("site %q: bad admin DN: %w", name, err)
	}
	if s.usersParsed, err = ldap.ParseDN("ou=users," + s.BaseDN); err != nil {
		return nil, fmt.Errorf("site %q: bad users DN: %w", name, err)
	}
	if s.groupsParsed, err = ldap.ParseDN("ou=groups," + s.BaseDN); err != nil {
		return nil, fmt.Errorf("site %q: bad groups DN: %w", name, err)
	}
	return s, nil
}

// Contains reports whether dn lies under (or at) the site's base DN.
func (s *Site) Contains(dn *ldap.DN) bool {
	return s.baseParsed.EqualFold(dn) || s.baseParsed.AncestorOfFold(dn)
}

// IsAdmin reports whether dn is the site's admin DN.
func (s *Site) IsAdmin(dn *ldap.DN) bool {
	return s.adminParsed.EqualFold(dn)
}

// InUsers reports whether dn is the site's users subtree or lies within it.
func (s *Site) InUsers(dn *ldap.DN) bool {
	return s.usersParsed.EqualFold(dn) || s.usersParsed.AncestorOfFold(dn)
}

// InGroups reports whether dn is the site's groups subtree or lies within it.
func (s *Site) InGroups(dn *ldap.DN) bool {
	return s.groupsParsed.EqualFold(dn) || s.groupsParsed.AncestorOfFold(dn)
}

// Authenticate checks the given bind credentials. Admin binds with a
// configured password are verified locally under the lockout policy; all
// other binds are forwarded to the upstream login endpoint using the bind
// DN's leading cn value as the username.
func (s *Site) Authenticate(ctx context.Context, bindDN *ldap.DN, password string) error {
	if s.IsAdmin(bindDN) && s.auth.HasPassword() {
		if err := s.auth.VerifyAdmin(password); err != nil {
			s.Log.Warn().Err(err).Msg("admin bind rejected")
			return err
		}
		s.Log.Debug().Msg("admin bind successful")
		return nil
	}

	username, ok := leadingCN(bindDN)
	if !ok {
		return ErrInvalidCredentials
	}
	if err := s.api.Login(ctx, username, password); err != nil {
		if errors.Is(err, churchtools.ErrInvalidCredentials) {
			return ErrInvalidCredentials
		}
		return err
	}
	return nil
}

// Registry resolves request DNs to their site.
type Registry struct {
	sites []*Site
}

// NewRegistry constructs all configured sites.
func NewRegistry(cfg *config.Config, log zerolog.Logger) (*Registry, error) {
	r := &Registry{}
	for name, siteCfg := range cfg.Sites {
		s, err := New(name, siteCfg, cfg.Global, log)
		if err != nil {
			return nil, err
		}
		r.sites = append(r.sites, s)
	}
	return r, nil
}

// Resolve returns the site owning the given DN, or nil.
func (r *Registry) Resolve(dn *ldap.DN) *Site {
	for _, s := range r.sites {
		if s.Contains(dn) {
			return s
		}
	}
	return nil
}

// Sites returns all registered sites.
func (r *Registry) Sites() []*Site {
	return r.sites
}

// leadingCN extracts the cn value of the DN's leading RDN.
func leadingCN(dn *ldap.DN) (string, bool) {
	if len(dn.RDNs) == 0 {
		return "", false
	}
	for _, attr := range dn.RDNs[0].Attributes {
		if strings.EqualFold(attr.Type, "cn") {
			return attr.Value, true
		}
	}
	return "", false
}

func boolOf(v *bool) bool {
	return v != nil && *v
}
