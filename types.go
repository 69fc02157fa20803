package portalgo

import (
	json "github.com/goccy/go-json"
)

// Record is one property bag returned by a search-style endpoint. Search
// projections are caller-defined, so records stay dynamic; the CRUD surface
// uses the typed entities below instead.
type Record map[string]any

// SearchResult is one page of a paginated endpoint. NextStart is the cursor
// for the following page; a non-positive value means the result set is
// exhausted.
type SearchResult struct {
	Total     int      `json:"total"`
	Start     int      `json:"start"`
	Num       int      `json:"num"`
	NextStart int      `json:"nextStart"`
	Results   []Record `json:"results"`
}

// Item is a unit of portal content. Server fields not modeled here are kept
// verbatim in Extra so they survive a read-modify-write cycle.
type Item struct {
	ID                string          `json:"id,omitempty"`
	Owner             string          `json:"owner,omitempty"`
	Folder            string          `json:"ownerFolder,omitempty"`
	Title             string          `json:"title,omitempty"`
	Type              string          `json:"type,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	Description       string          `json:"description,omitempty"`
	Snippet           string          `json:"snippet,omitempty"`
	Extent            json.RawMessage `json:"extent,omitempty"`
	SpatialReference  string          `json:"spatialReference,omitempty"`
	Name              string          `json:"name,omitempty"`
	AccessInformation string          `json:"accessInformation,omitempty"`
	LicenseInfo       string          `json:"licenseInfo,omitempty"`
	Culture           string          `json:"culture,omitempty"`
	URL               string          `json:"url,omitempty"`
	Access            string          `json:"access,omitempty"`
	Thumbnail         string          `json:"thumbnail,omitempty"`

	// Text holds the inline data payload for text-based item types. It is
	// not part of the item resource itself and never round-trips.
	Text string `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

var itemKnownKeys = []string{
	"id", "owner", "ownerFolder", "title", "type", "tags", "description",
	"snippet", "extent", "spatialReference", "name", "accessInformation",
	"licenseInfo", "culture", "url", "access", "thumbnail",
}

func (it *Item) UnmarshalJSON(data []byte) error {
	type alias Item
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*it = Item(a)
	it.Extra = extraFields(data, itemKnownKeys)
	return nil
}

func (it Item) MarshalJSON() ([]byte, error) {
	type alias Item
	return marshalWithExtra(alias(it), it.Extra)
}

// CopySafe returns the subset of properties that may be written to another
// portal. Server-managed fields (id, owner, counts, ratings) never travel.
func (it *Item) CopySafe() *Item {
	return &Item{
		Title:             it.Title,
		Type:              it.Type,
		Tags:              it.Tags,
		Description:       it.Description,
		Snippet:           it.Snippet,
		Extent:            it.Extent,
		SpatialReference:  it.SpatialReference,
		Name:              it.Name,
		AccessInformation: it.AccessInformation,
		LicenseInfo:       it.LicenseInfo,
		Culture:           it.Culture,
		URL:               it.URL,
	}
}

// Group is a named collection items and users can be shared with.
type Group struct {
	ID               string   `json:"id,omitempty"`
	Owner            string   `json:"owner,omitempty"`
	Title            string   `json:"title,omitempty"`
	Description      string   `json:"description,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Snippet          string   `json:"snippet,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Access           string   `json:"access,omitempty"`
	IsInvitationOnly bool     `json:"isInvitationOnly,omitempty"`
	Thumbnail        string   `json:"thumbnail,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var groupKnownKeys = []string{
	"id", "owner", "title", "description", "tags", "snippet", "phone",
	"access", "isInvitationOnly", "thumbnail",
}

func (g *Group) UnmarshalJSON(data []byte) error {
	type alias Group
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*g = Group(a)
	g.Extra = extraFields(data, groupKnownKeys)
	return nil
}

func (g Group) MarshalJSON() ([]byte, error) {
	type alias Group
	return marshalWithExtra(alias(g), g.Extra)
}

// CopySafe returns the group property subset that may be written to another
// portal.
func (g *Group) CopySafe() *Group {
	return &Group{
		Title:            g.Title,
		Description:      g.Description,
		Tags:             g.Tags,
		Snippet:          g.Snippet,
		Phone:            g.Phone,
		Access:           g.Access,
		IsInvitationOnly: g.IsInvitationOnly,
	}
}

// GroupMembers is a group's member list, split by role.
type GroupMembers struct {
	Owner  string   `json:"owner"`
	Admins []string `json:"admins"`
	Users  []string `json:"users"`
}

// User is a portal account.
type User struct {
	Username string   `json:"username"`
	FullName string   `json:"fullName,omitempty"`
	Email    string   `json:"email,omitempty"`
	Role     string   `json:"role,omitempty"`
	OrgID    string   `json:"orgId,omitempty"`
	Access   string   `json:"access,omitempty"`
	Groups   []*Group `json:"groups,omitempty"`
}

// Folder is a per-user content folder. A user's root namespace is the
// unnamed default folder, represented by an empty ID.
type Folder struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

// RelationshipType is one of the fixed typed links between two items.
type RelationshipType string

const (
	RelMap2Service           RelationshipType = "Map2Service"
	RelWMA2Code              RelationshipType = "WMA2Code"
	RelMap2FeatureCollection RelationshipType = "Map2FeatureCollection"
	RelMapService2Data       RelationshipType = "MapService2Data"
	RelService2Data          RelationshipType = "Service2Data"
	RelService2Service       RelationshipType = "Service2Service"
	RelMap2AppConfig         RelationshipType = "Map2AppConfig"
	RelItem2Attachment       RelationshipType = "Item2Attachment"
	RelItem2Report           RelationshipType = "Item2Report"
)

// RelationshipTypes lists every valid relationship type.
func RelationshipTypes() []RelationshipType {
	return []RelationshipType{
		RelMap2Service, RelWMA2Code, RelMap2FeatureCollection,
		RelMapService2Data, RelService2Data, RelService2Service,
		RelMap2AppConfig, RelItem2Attachment, RelItem2Report,
	}
}

func (t RelationshipType) valid() bool {
	for _, known := range RelationshipTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Direction selects which end of a relationship the queried item is on.
// The store records only forward edges; reverse is a query-time filter.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

func (d Direction) valid() bool {
	return d == DirectionForward || d == DirectionReverse
}

// RelatedItem is one endpoint of a relationship query: the related item
// plus the type and direction that matched it.
type RelatedItem struct {
	Item      Item
	Type      RelationshipType
	Direction Direction
}

// Properties is the portal self-description, used for org detection and
// scope resolution. It is cached per Portal instance once fetched.
type Properties struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PortalName string `json:"portalName,omitempty"`
	URLKey     string `json:"urlKey,omitempty"`
	IsPortal   bool   `json:"isPortal,omitempty"`
	User       *User  `json:"user,omitempty"`
}

func extraFields(data []byte, known []string) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+16)
	for k, raw := range extra {
		merged[k] = raw
	}
	var own map[string]json.RawMessage
	if err := json.Unmarshal(base, &own); err != nil {
		return nil, err
	}
	for k, raw := range own {
		merged[k] = raw
	}
	return json.Marshal(merged)
}
