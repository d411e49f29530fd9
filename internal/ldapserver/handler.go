// Package ldapserver serves the LDAP protocol surface: it routes bind and
// search requests to their site and streams projected directory entries.
package ldapserver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/jimlambrt/gldap"
	"github.com/rs/zerolog"

	"ctldap/internal/directory"
	"ctldap/internal/site"
)

const requestTimeout = 30 * time.Second

// maxBoundConnections caps the bound-identity map. Connections that vanish
// without an unbind PDU leave their entry behind, so the map is bounded.
const maxBoundConnections = 4096

// Handler implements the bind and search pipeline on top of a site registry.
type Handler struct {
	registry *site.Registry
	log      zerolog.Logger

	mu    sync.Mutex
	bound map[int]*ldap.DN
}

// NewHandler builds a handler over the given registry.
func NewHandler(registry *site.Registry, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		log:      log,
		bound:    make(map[int]*ldap.DN),
	}
}

// Bind authenticates a simple bind and records the bound identity for the
// connection. A failed bind clears any identity bound earlier on the same
// connection.
func (h *Handler) Bind(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewBindResponse(gldap.WithResponseCode(gldap.ResultInvalidCredentials))
	defer func() {
		w.Write(resp)
	}()

	m, err := r.GetSimpleBindMessage()
	if err != nil {
		h.log.Warn().Err(err).Msg("not a simple bind message")
		return
	}
	h.clearBound(r.ConnectionID())

	dn, err := ldap.ParseDN(m.UserName)
	if err != nil {
		h.log.Warn().Str("dn", m.UserName).Msg("bind with unparsable DN")
		return
	}
	s := h.registry.Resolve(dn)
	if s == nil {
		h.log.Warn().Str("dn", m.UserName).Msg("bind DN matches no site")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := s.Authenticate(ctx, dn, string(m.Password)); err != nil {
		switch {
		case errors.Is(err, site.ErrLoginBlocked):
			resp.SetResultCode(gldap.ResultUnwillingToPerform)
		case errors.Is(err, site.ErrInvalidCredentials):
			resp.SetResultCode(gldap.ResultInvalidCredentials)
		default:
			s.Log.Error().Err(err).Msg("bind failed against upstream")
			resp.SetResultCode(gldap.ResultOperationsError)
		}
		return
	}

	h.rememberBound(r.ConnectionID(), dn)
	s.Log.Debug().Str("dn", m.UserName).Msg("bind successful")
	resp.SetResultCode(gldap.ResultSuccess)
}

// Unbind drops the connection's bound identity.
func (h *Handler) Unbind(_ *gldap.ResponseWriter, r *gldap.Request) {
	h.clearBound(r.ConnectionID())
}

// Search serves search requests. Only the site admin may search; results are
// drawn from the cached directory and matched against base DN, scope and
// filter. A cache or upstream failure yields an empty, successful result.
func (h *Handler) Search(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewSearchDoneResponse(gldap.WithResponseCode(gldap.ResultOperationsError))
	defer func() {
		w.Write(resp)
	}()

	m, err := r.GetSearchMessage()
	if err != nil {
		h.log.Warn().Err(err).Msg("not a search message")
		return
	}

	filter, err := ParseFilter(m.Filter)
	if err != nil {
		h.log.Warn().Err(err).Str("filter", m.Filter).Msg("unparsable search filter")
		return
	}

	if strings.TrimSpace(m.BaseDN) == "" {
		h.serveRootDSE(w, r, filter)
		resp.SetResultCode(gldap.ResultSuccess)
		return
	}

	base, err := ldap.ParseDN(m.BaseDN)
	if err != nil {
		resp.SetResultCode(gldap.ResultNoSuchObject)
		return
	}
	s := h.registry.Resolve(base)
	if s == nil {
		h.log.Debug().Str("base", m.BaseDN).Msg("search base matches no site")
		resp.SetResultCode(gldap.ResultNoSuchObject)
		return
	}

	boundDN := h.boundDN(r.ConnectionID())
	if boundDN == nil || !s.IsAdmin(boundDN) {
		s.Log.Warn().Str("base", m.BaseDN).Msg("rejected search without admin binding")
		resp.SetResultCode(gldap.ResultInsufficientAccessRights)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		entries  []directory.Entry
		checkAll bool
	)
	switch {
	case s.InUsers(base):
		entries, err = s.Directory.Users(ctx)
		checkAll = m.Scope != gldap.BaseObject && len(base.RDNs) == 2
	case s.InGroups(base):
		entries, err = s.Directory.Groups(ctx)
		checkAll = m.Scope != gldap.BaseObject && len(base.RDNs) == 2
	default:
		var groups []directory.Entry
		if entries, err = s.Directory.Users(ctx); err == nil {
			groups, err = s.Directory.Groups(ctx)
			entries = append(entries, groups...)
		}
		checkAll = m.Scope == gldap.WholeSubtree
	}
	if err != nil {
		s.Log.Error().Err(err).Msg("directory unavailable, returning empty result")
		resp.SetResultCode(gldap.ResultSuccess)
		return
	}

	sent := 0
	for _, entry := range entries {
		if !checkAll && !dnEqual(base, entry.DN) {
			continue
		}
		if !filter.Matches(entry) {
			continue
		}
		w.Write(r.NewSearchResponseEntry(entry.DN, gldap.WithAttributes(entry.Attributes)))
		sent++
	}
	s.Log.Debug().Str("base", m.BaseDN).Str("filter", m.Filter).Int("entries", sent).Msg("search served")
	resp.SetResultCode(gldap.ResultSuccess)
}

// serveRootDSE answers the empty-base search clients use for discovery.
func (h *Handler) serveRootDSE(w *gldap.ResponseWriter, r *gldap.Request, filter Filter) {
	contexts := make([]string, 0, len(h.registry.Sites()))
	for _, s := range h.registry.Sites() {
		contexts = append(contexts, s.BaseDN)
	}
	dse := directory.Entry{
		DN: "",
		Attributes: map[string][]string{
			"objectClass":          {"top", "OpenLDAProotDSE"},
			"subschemaSubentry":    {"cn=subschema"},
			"namingContexts":       contexts,
			"supportedLDAPVersion": {"3"},
		},
	}
	if filter.Matches(dse) {
		w.Write(r.NewSearchResponseEntry(dse.DN, gldap.WithAttributes(dse.Attributes)))
	}
}

// rememberBound records the connection's bound identity. Connection ids
// increase monotonically, so when the cap is hit the smallest id is the
// oldest connection and gets evicted; if that client is still alive it has to
// re-bind.
func (h *Handler) rememberBound(connID int, dn *ldap.DN) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.bound) >= maxBoundConnections {
		oldest := connID
		for id := range h.bound {
			if id < oldest {
				oldest = id
			}
		}
		delete(h.bound, oldest)
	}
	h.bound[connID] = dn
}

func (h *Handler) boundDN(connID int) *ldap.DN {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound[connID]
}

func (h *Handler) clearBound(connID int) {
	h.mu.Lock()
	delete(h.bound, connID)
	h.mu.Unlock()
}

// dnEqual compares a candidate entry DN against the parsed request base.
func dnEqual(base *ldap.DN, entryDN string) bool {
	parsed, err := ldap.ParseDN(entryDN)
	if err != nil {
		return false
	}
	return base.EqualFold(parsed)
}
