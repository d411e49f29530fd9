package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUnmappedMarker indicates a group carries a special marker for which the
// site configuration is missing the objectClass mapping.
var ErrUnmappedMarker = errors.New("special group marker has no class mapping")

// ErrUnknownGroupType indicates a group references a type id that is absent
// from the master data lookup.
var ErrUnknownGroupType = errors.New("group type missing from master data")

// buildUserEntries projects the person map into LDAP entries, applies email
// de-duplication and appends the synthetic administrator entry.
func (s *Service) buildUserEntries(ctx context.Context) ([]Entry, error) {
	graph, err := s.graph(ctx)
	if err != nil {
		return nil, err
	}

	ids := sortedKeys(graph.Persons)
	entries := make([]Entry, 0, len(ids)+1)
	for _, id := range ids {
		p := graph.Persons[id]
		email := s.compatEmail(p.Email)

		objectClasses := []string{"person", "CTPerson"}
		var memberOf []string
		for _, gid := range graph.PersonGroups[id] {
			group := graph.Groups[gid]
			memberOf = append(memberOf, group.DN)
			for _, marker := range group.SpecialClasses {
				mapping, ok := s.opts.SpecialGroupMappings[marker]
				if !ok || mapping.PersonClass == "" {
					return nil, fmt.Errorf("%w: %q", ErrUnmappedMarker, marker)
				}
				objectClasses = append(objectClasses, mapping.PersonClass)
			}
		}

		attrs := map[string][]string{}
		setAttr(attrs, "cn", p.CmsUserID)
		setAttr(attrs, "displayName", strings.TrimSpace(p.FirstName+" "+p.LastName))
		setAttr(attrs, "id", strconv.Itoa(id))
		setAttr(attrs, "uid", p.CmsUserID)
		setAttr(attrs, "nsUniqueId", "u"+strconv.Itoa(id))
		setAttr(attrs, "givenName", p.FirstName)
		setAttr(attrs, "street", p.Street)
		setAttr(attrs, "telephoneMobile", p.Mobile)
		setAttr(attrs, "telephoneHome", p.PhonePrivate)
		setAttr(attrs, "postalCode", p.Zip)
		setAttr(attrs, "l", p.City)
		setAttr(attrs, "sn", p.LastName)
		setAttr(attrs, "email", email)
		setAttr(attrs, "mail", email)
		attrs["objectClass"] = objectClasses
		if len(memberOf) > 0 {
			attrs["memberOf"] = memberOf
		}
		entries = append(entries, Entry{DN: p.DN, Attributes: attrs})
	}

	if s.opts.EmailsUnique {
		entries = uniqueEmails(entries)
	}

	if s.opts.HasAdminPassword {
		cn := s.opts.AdminUser
		entries = append(entries, Entry{
			DN: s.UserDN(cn),
			Attributes: map[string][]string{
				"cn":          {cn},
				"displayname": {"LDAP Administrator"},
				"id":          {"0"},
				"uid":         {cn},
				"nsUniqueId":  {"u0"},
				"givenName":   {"LDAP Administrator"},
				"objectClass": {"person"},
			},
		})
	}
	s.opts.Log.Debug().Int("users", len(entries)).Msg("updated user entries")
	return entries, nil
}

// buildGroupEntries projects the group map into LDAP entries.
func (s *Service) buildGroupEntries(ctx context.Context) ([]Entry, error) {
	graph, err := s.graph(ctx)
	if err != nil {
		return nil, err
	}

	ids := sortedKeys(graph.Groups)
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		g := graph.Groups[id]
		groupType, ok := graph.GroupTypes[g.GroupTypeID]
		if !ok {
			return nil, fmt.Errorf("%w: group %q references type %d", ErrUnknownGroupType, g.Name, g.GroupTypeID)
		}

		objectClasses := []string{"group", "CTGroup" + capitalize(groupType)}
		for _, marker := range g.SpecialClasses {
			mapping, ok := s.opts.SpecialGroupMappings[marker]
			if !ok || mapping.GroupClass == "" {
				return nil, fmt.Errorf("%w: %q", ErrUnmappedMarker, marker)
			}
			objectClasses = append(objectClasses, mapping.GroupClass)
		}

		var members []string
		for _, pid := range graph.GroupPersons[id] {
			members = append(members, graph.Persons[pid].DN)
		}

		attrs := map[string][]string{
			"cn":          {g.Name},
			"displayname": {g.Name},
			"id":          {strconv.Itoa(id)},
			"nsUniqueId":  {"g" + strconv.Itoa(id)},
			"objectClass": objectClasses,
		}
		if len(members) > 0 {
			attrs["uniqueMember"] = members
		}
		entries = append(entries, Entry{DN: g.DN, Attributes: attrs})
	}
	s.opts.Log.Debug().Int("groups", len(entries)).Msg("updated group entries")
	return entries, nil
}

// uniqueEmails keeps the first entry per email and drops entries without one.
func uniqueEmails(entries []Entry) []Entry {
	seen := map[string]bool{}
	out := entries[:0]
	for _, e := range entries {
		emails := e.Attributes["email"]
		if len(emails) == 0 || emails[0] == "" {
			continue
		}
		if seen[emails[0]] {
			continue
		}
		seen[emails[0]] = true
		out = append(out, e)
	}
	return out
}

func setAttr(attrs map[string][]string, name, value string) {
	if value == "" {
		return
	}
	attrs[name] = []string{value}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
