package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctldap/internal/churchtools"
	"ctldap/internal/config"
)

// fixtureAPI serves canned upstream resources, each in a single page.
type fixtureAPI struct {
	mu        sync.Mutex
	persons   []map[string]any
	groups    []map[string]any
	members   []map[string]any
	types     []map[string]any
	fail      map[string]error
	pathCalls map[string]int
}

func (a *fixtureAPI) Get(_ context.Context, path string, _ map[string]string) (*churchtools.ListResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pathCalls == nil {
		a.pathCalls = map[string]int{}
	}
	a.pathCalls[path]++
	if err := a.fail[path]; err != nil {
		return nil, err
	}

	var payload any
	switch path {
	case "persons":
		payload = a.persons
	case "groups":
		payload = a.groups
	case "groups/members":
		payload = a.members
	case "person/masterdata":
		payload = map[string]any{"groupTypes": a.types}
	default:
		return nil, errors.New("unexpected path " + path)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &churchtools.ListResponse{
		Data: data,
		Meta: churchtools.Meta{Pagination: churchtools.Pagination{Current: 1, LastPage: 1}},
	}, nil
}

func fixture() *fixtureAPI {
	return &fixtureAPI{
		persons: []map[string]any{
			{"id": 10, "cmsUserId": "jdoe", "firstName": "John", "lastName": "Doe",
				"email": "John.Doe@example.org", "invitationStatus": "accepted",
				"street": "Main St 1", "zip": "12345", "city": "Springfield",
				"mobile": "111", "phonePrivate": "222"},
			{"id": 11, "cmsUserId": "asmith", "firstName": "Anna", "lastName": "Smith",
				"email": "anna@example.org", "invitationStatus": "accepted"},
			{"id": 12, "cmsUserId": "pending", "firstName": "Not", "lastName": "Yet",
				"email": "pending@example.org", "invitationStatus": "pending"},
		},
		groups: []map[string]any{
			{"id": 20, "name": "Worship Team",
				"information": map[string]any{"groupTypeId": 1, "cloud": true}},
			{"id": 21, "name": "Elders",
				"information": map[string]any{"groupTypeId": 2}},
		},
		members: []map[string]any{
			{"personId": 10, "groupId": 20},
			{"personId": 11, "groupId": 21},
			{"personId": 12, "groupId": 20}, // pending person, edge must be dropped
			{"personId": 99, "groupId": 20}, // unknown person
			{"personId": 10, "groupId": 99}, // unknown group
		},
		types: []map[string]any{
			{"id": 1, "name": "service"},
			{"id": 2, "name": "committee"},
		},
	}
}

func newTestService(api API, opts Options) *Service {
	if opts.Name == "" {
		opts.Name = "test"
	}
	if opts.CacheLifetime == 0 {
		opts.CacheLifetime = time.Minute
	}
	opts.Log = zerolog.Nop()
	return NewService(api, opts)
}

func TestUsersProjection(t *testing.T) {
	svc := newTestService(fixture(), Options{
		AdminUser:        "root",
		HasAdminPassword: true,
		SpecialGroupMappings: map[string]config.ClassMapping{
			"cloud": {GroupClass: "CloudGroup", PersonClass: "CloudPerson"},
		},
	})

	users, err := svc.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3, "two accepted persons plus the administrator")

	jdoe := users[0]
	assert.Equal(t, "cn=jdoe,ou=users,o=test", jdoe.DN)
	assert.Equal(t, []string{"jdoe"}, jdoe.Attributes["cn"])
	assert.Equal(t, []string{"John Doe"}, jdoe.Attributes["displayName"])
	assert.Equal(t, []string{"John"}, jdoe.Attributes["givenName"])
	assert.Equal(t, []string{"Doe"}, jdoe.Attributes["sn"])
	assert.Equal(t, []string{"John.Doe@example.org"}, jdoe.Attributes["mail"])
	assert.Equal(t, []string{"u10"}, jdoe.Attributes["nsUniqueId"])
	assert.Equal(t, []string{"Main St 1"}, jdoe.Attributes["street"])
	assert.Equal(t, []string{"111"}, jdoe.Attributes["telephoneMobile"])
	assert.Equal(t, []string{"222"}, jdoe.Attributes["telephoneHome"])
	assert.Equal(t, []string{"12345"}, jdoe.Attributes["postalCode"])
	assert.Equal(t, []string{"Springfield"}, jdoe.Attributes["l"])
	assert.ElementsMatch(t, []string{"person", "CTPerson", "CloudPerson"}, jdoe.Attributes["objectClass"])
	assert.Equal(t, []string{"cn=Worship Team,ou=groups,o=test"}, jdoe.Attributes["memberOf"])

	asmith := users[1]
	assert.ElementsMatch(t, []string{"person", "CTPerson"}, asmith.Attributes["objectClass"],
		"membership in an unmarked group adds no special class")
	_, hasStreet := asmith.Attributes["street"]
	assert.False(t, hasStreet, "empty upstream fields must be omitted")

	admin := users[2]
	assert.Equal(t, "cn=root,ou=users,o=test", admin.DN)
	assert.Equal(t, []string{"u0"}, admin.Attributes["nsUniqueId"])
	assert.Equal(t, []string{"LDAP Administrator"}, admin.Attributes["displayname"])
}

func TestUsersWithoutAdminPassword(t *testing.T) {
	svc := newTestService(fixture(), Options{AdminUser: "root"})

	users, err := svc.Users(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 2, "no administrator entry without a configured password")
}

func TestGroupsProjection(t *testing.T) {
	svc := newTestService(fixture(), Options{
		SpecialGroupMappings: map[string]config.ClassMapping{
			"cloud": {GroupClass: "CloudGroup", PersonClass: "CloudPerson"},
		},
	})

	groups, err := svc.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)

	worship := groups[0]
	assert.Equal(t, "cn=Worship Team,ou=groups,o=test", worship.DN)
	assert.Equal(t, []string{"Worship Team"}, worship.Attributes["cn"])
	assert.Equal(t, []string{"g20"}, worship.Attributes["nsUniqueId"])
	assert.ElementsMatch(t, []string{"group", "CTGroupService", "CloudGroup"}, worship.Attributes["objectClass"])
	assert.Equal(t, []string{"cn=jdoe,ou=users,o=test"}, worship.Attributes["uniqueMember"],
		"edges to filtered or unknown persons must be dropped")

	elders := groups[1]
	assert.ElementsMatch(t, []string{"group", "CTGroupCommittee"}, elders.Attributes["objectClass"])
	assert.Equal(t, []string{"cn=asmith,ou=users,o=test"}, elders.Attributes["uniqueMember"])
}

func TestGroupTypeCapitalization(t *testing.T) {
	api := fixture()
	api.types = []map[string]any{
		{"id": 1, "name": "öffentlich"},
		{"id": 2, "name": "committee"},
	}
	svc := newTestService(api, Options{})

	groups, err := svc.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Contains(t, groups[0].Attributes["objectClass"], "CTGroupÖffentlich")
}

func TestStringMarkersAreTruthy(t *testing.T) {
	api := fixture()
	api.groups = []map[string]any{
		{"id": 20, "name": "Choir",
			"information": map[string]any{"groupTypeId": 1, "cloud": "0"}},
		{"id": 21, "name": "Elders",
			"information": map[string]any{"groupTypeId": 2, "cloud": ""}},
	}
	svc := newTestService(api, Options{
		SpecialGroupMappings: map[string]config.ClassMapping{
			"cloud": {GroupClass: "CloudGroup", PersonClass: "CloudPerson"},
		},
	})

	groups, err := svc.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Contains(t, groups[0].Attributes["objectClass"], "CloudGroup",
		"any non-empty string marker value counts as set")
	assert.NotContains(t, groups[1].Attributes["objectClass"], "CloudGroup")
}

func TestUnknownGroupTypeFailsBuild(t *testing.T) {
	api := fixture()
	api.types = api.types[:1] // drop "committee"
	svc := newTestService(api, Options{})

	_, err := svc.Groups(context.Background())
	require.ErrorIs(t, err, ErrUnknownGroupType)
}

func TestUnmappedMarkerFailsBuild(t *testing.T) {
	svc := newTestService(fixture(), Options{
		SpecialGroupMappings: map[string]config.ClassMapping{
			"cloud": {GroupClass: "CloudGroup"}, // no person class
		},
	})

	_, err := svc.Users(context.Background())
	require.ErrorIs(t, err, ErrUnmappedMarker)
}

func TestEmailDeduplication(t *testing.T) {
	api := fixture()
	api.persons = []map[string]any{
		{"id": 1, "cmsUserId": "a", "email": "shared@example.org", "invitationStatus": "accepted"},
		{"id": 2, "cmsUserId": "b", "email": "shared@example.org", "invitationStatus": "accepted"},
		{"id": 3, "cmsUserId": "c", "invitationStatus": "accepted"},
	}
	api.members = nil
	svc := newTestService(api, Options{EmailsUnique: true})

	users, err := svc.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1, "duplicate emails keep the first entry, empty emails are dropped")
	assert.Equal(t, []string{"a"}, users[0].Attributes["cn"])
}

func TestCompatFlags(t *testing.T) {
	api := fixture()
	svc := newTestService(api, Options{
		Name:           "Test",
		DNLowerCase:    true,
		EmailLowerCase: true,
	})

	users, err := svc.Users(context.Background())
	require.NoError(t, err)
	jdoe := users[0]
	assert.Equal(t, "cn=jdoe,ou=users,o=test", jdoe.DN)
	assert.Equal(t, []string{"john.doe@example.org"}, jdoe.Attributes["mail"])
}

func TestDNEscaping(t *testing.T) {
	api := fixture()
	api.persons = []map[string]any{
		{"id": 1, "cmsUserId": "doe, john", "invitationStatus": "accepted"},
	}
	api.groups = []map[string]any{
		{"id": 20, "name": "A+B Team", "information": map[string]any{"groupTypeId": 1}},
	}
	api.members = nil
	svc := newTestService(api, Options{})

	users, err := svc.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, `cn=doe\, john,ou=users,o=test`, users[0].DN)

	groups, err := svc.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, `cn=A\+B Team,ou=groups,o=test`, groups[0].DN)
}

func TestGraphFetchedOncePerGeneration(t *testing.T) {
	api := fixture()
	svc := newTestService(api, Options{})

	_, err := svc.Users(context.Background())
	require.NoError(t, err)
	_, err = svc.Groups(context.Background())
	require.NoError(t, err)
	_, err = svc.Users(context.Background())
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.pathCalls["persons"], "users and groups share one raw graph per generation")
	assert.Equal(t, 1, api.pathCalls["groups"])
}

func TestUpstreamFailurePropagates(t *testing.T) {
	api := fixture()
	boom := errors.New("upstream down")
	api.fail = map[string]error{"groups/members": boom}
	svc := newTestService(api, Options{})

	_, err := svc.Users(context.Background())
	require.ErrorIs(t, err, boom)

	users, groups := svc.CachedCounts()
	assert.Zero(t, users)
	assert.Zero(t, groups)
}
