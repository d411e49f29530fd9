package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// graph returns the joined raw data of the current cache generation.
func (s *Service) graph(ctx context.Context) (*Graph, error) {
	return s.raw.Get(ctx, s.fetchGraph)
}

// fetchGraph retrieves persons, groups, memberships and group types
// concurrently and joins them into adjacency maps. Membership edges whose
// endpoints were filtered out are dropped.
func (s *Service) fetchGraph(ctx context.Context) (*Graph, error) {
	var (
		persons     map[int]*Person
		groups      map[int]*Group
		memberships []Membership
		groupTypes  map[int]string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		persons, err = s.fetchPersons(gctx)
		return err
	})
	g.Go(func() (err error) {
		groups, err = s.fetchGroups(gctx)
		return err
	})
	g.Go(func() (err error) {
		memberships, err = s.fetchMemberships(gctx)
		return err
	})
	g.Go(func() (err error) {
		groupTypes, err = s.fetchGroupTypes(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	graph := &Graph{
		Persons:      persons,
		Groups:       groups,
		GroupTypes:   groupTypes,
		GroupPersons: make(map[int][]int),
		PersonGroups: make(map[int][]int),
	}
	for _, m := range memberships {
		if _, ok := persons[m.PersonID]; !ok {
			continue
		}
		if _, ok := groups[m.GroupID]; !ok {
			continue
		}
		graph.GroupPersons[m.GroupID] = append(graph.GroupPersons[m.GroupID], m.PersonID)
		graph.PersonGroups[m.PersonID] = append(graph.PersonGroups[m.PersonID], m.GroupID)
	}
	s.opts.Log.Debug().
		Int("persons", len(persons)).
		Int("groups", len(groups)).
		Int("memberships", len(memberships)).
		Msg("directory graph rebuilt")
	return graph, nil
}

// fetchPersons retrieves all persons, keeps only those with an accepted
// invitation (uninvited users cannot log in upstream anyway) and computes
// their DNs.
func (s *Service) fetchPersons(ctx context.Context) (map[int]*Person, error) {
	records, err := s.fetcher.FetchAll(ctx, "persons", map[string]string{"limit": "500"})
	if err != nil {
		return nil, err
	}
	list, err := decodeRecords[Person](records)
	if err != nil {
		return nil, fmt.Errorf("decode persons: %w", err)
	}
	persons := make(map[int]*Person, len(list))
	for i := range list {
		p := &list[i]
		if p.InvitationStatus != "accepted" {
			continue
		}
		p.DN = s.UserDN(p.CmsUserID)
		persons[p.ID] = p
	}
	return persons, nil
}

// fetchGroups retrieves all groups, computes their DNs and derives the
// special classes from the configured markers present in the information
// block.
func (s *Service) fetchGroups(ctx context.Context) (map[int]*Group, error) {
	records, err := s.fetcher.FetchAll(ctx, "groups", map[string]string{"limit": "100"})
	if err != nil {
		return nil, err
	}
	list, err := decodeRecords[Group](records)
	if err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}

	markers := make([]string, 0, len(s.opts.SpecialGroupMappings))
	for marker := range s.opts.SpecialGroupMappings {
		markers = append(markers, marker)
	}
	sort.Strings(markers)

	groups := make(map[int]*Group, len(list))
	for i := range list {
		g := &list[i]
		g.DN = s.GroupDN(g.Name)
		g.GroupTypeID = intField(g.Information, "groupTypeId")
		for _, marker := range markers {
			if truthy(g.Information[marker]) {
				g.SpecialClasses = append(g.SpecialClasses, marker)
			}
		}
		groups[g.ID] = g
	}
	return groups, nil
}

// fetchMemberships retrieves all person-group edges.
func (s *Service) fetchMemberships(ctx context.Context) ([]Membership, error) {
	records, err := s.fetcher.FetchAll(ctx, "groups/members", map[string]string{
		"with_deleted": "false",
		"limit":        "500",
	})
	if err != nil {
		return nil, err
	}
	list, err := decodeRecords[Membership](records)
	if err != nil {
		return nil, fmt.Errorf("decode memberships: %w", err)
	}
	return list, nil
}

// fetchGroupTypes retrieves the group type id-to-name lookup from the person
// master data, which is a nested object rather than a paginated listing.
func (s *Service) fetchGroupTypes(ctx context.Context) (map[int]string, error) {
	res, err := s.api.Get(ctx, "person/masterdata", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		GroupTypes []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"groupTypes"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		return nil, fmt.Errorf("decode master data: %w", err)
	}
	groupTypes := make(map[int]string, len(payload.GroupTypes))
	for _, gt := range payload.GroupTypes {
		groupTypes[gt.ID] = gt.Name
	}
	return groupTypes, nil
}

// truthy interprets upstream marker values, which may arrive as booleans,
// numbers or strings. Any non-empty string counts as set.
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != ""
	default:
		return false
	}
}

func intField(m map[string]any, key string) int {
	switch val := m[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	default:
		return 0
	}
}
