// Package directory synthesizes LDAP entries from upstream persons, groups
// and membership edges, and caches the derivations per site.
package directory

import (
	"context"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"ctldap/internal/config"
)

// Options configures a per-site directory service.
type Options struct {
	// Name is the site name, which is also the value of the o= RDN.
	Name string
	// AdminUser is the cn of the synthetic administrator entry.
	AdminUser string
	// HasAdminPassword controls whether the administrator entry is projected.
	HasAdminPassword bool

	SpecialGroupMappings map[string]config.ClassMapping
	DNLowerCase          bool
	EmailLowerCase       bool
	EmailsUnique         bool

	CacheLifetime time.Duration
	Log           zerolog.Logger
}

// Service derives and caches the directory of one site.
type Service struct {
	api     API
	opts    Options
	fetcher *Fetcher

	raw    *Slot[*Graph]
	users  *Slot[[]Entry]
	groups *Slot[[]Entry]
}

// NewService creates the directory service for one site.
func NewService(api API, opts Options) *Service {
	return &Service{
		api:     api,
		opts:    opts,
		fetcher: NewFetcher(api, opts.Log),
		raw:     NewSlot[*Graph](opts.CacheLifetime),
		users:   NewSlot[[]Entry](opts.CacheLifetime),
		groups:  NewSlot[[]Entry](opts.CacheLifetime),
	}
}

// Users returns the projected person entries, including the synthetic
// administrator when configured.
func (s *Service) Users(ctx context.Context) ([]Entry, error) {
	return s.users.Get(ctx, s.buildUserEntries)
}

// Groups returns the projected group entries.
func (s *Service) Groups(ctx context.Context) ([]Entry, error) {
	return s.groups.Get(ctx, s.buildGroupEntries)
}

// CachedCounts reports how many user and group entries are currently cached.
func (s *Service) CachedCounts() (users, groups int) {
	if u, ok := s.users.Peek(); ok {
		users = len(u)
	}
	if g, ok := s.groups.Peek(); ok {
		groups = len(g)
	}
	return users, groups
}

// UserDN synthesizes the DN of a user entry from its cn.
func (s *Service) UserDN(cn string) string {
	return s.compat("cn=" + ldap.EscapeDN(cn) + ",ou=users,o=" + s.opts.Name)
}

// GroupDN synthesizes the DN of a group entry from its cn.
func (s *Service) GroupDN(cn string) string {
	return s.compat("cn=" + ldap.EscapeDN(cn) + ",ou=groups,o=" + s.opts.Name)
}

func (s *Service) compat(dn string) string {
	if s.opts.DNLowerCase {
		return strings.ToLower(dn)
	}
	return dn
}

func (s *Service) compatEmail(email string) string {
	if s.opts.EmailLowerCase {
		return strings.ToLower(email)
	}
	return email
}
