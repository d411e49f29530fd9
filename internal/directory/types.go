package directory

import (
	"context"
	"encoding/json"

	"ctldap/internal/churchtools"
)

// API is the subset of the upstream client the directory needs.
type API interface {
	Get(ctx context.Context, path string, params map[string]string) (*churchtools.ListResponse, error)
}

// Person is an upstream person record. DN is computed locally.
type Person struct {
	ID               int    `json:"id"`
	CmsUserID        string `json:"cmsUserId"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Street           string `json:"street"`
	Mobile           string `json:"mobile"`
	PhonePrivate     string `json:"phonePrivate"`
	Zip              string `json:"zip"`
	City             string `json:"city"`
	Email            string `json:"email"`
	InvitationStatus string `json:"invitationStatus"`

	DN string `json:"-"`
}

// Group is an upstream group record. Settings and role sub-objects are not
// decoded; only the information block is needed downstream.
type Group struct {
	ID          int            `json:"id"`
	Name        string         `json:"name"`
	Information map[string]any `json:"information"`

	DN             string   `json:"-"`
	GroupTypeID    int      `json:"-"`
	SpecialClasses []string `json:"-"`
}

// Membership is one person-group edge.
type Membership struct {
	PersonID int `json:"personId"`
	GroupID  int `json:"groupId"`
}

// Graph is the joined directory data of one generation: filtered person and
// group maps, the group type lookup and bidirectional adjacency.
type Graph struct {
	Persons      map[int]*Person
	Groups       map[int]*Group
	GroupTypes   map[int]string
	GroupPersons map[int][]int
	PersonGroups map[int][]int
}

// Entry is an LDAP-facing directory entry.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

func decodeRecords[T any](records []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, raw := range records {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
