package portalgo

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemRoundTripKeepsUnknownFields(t *testing.T) {
	raw := `{
		"id": "abc",
		"title": "parcels",
		"type": "CSV",
		"numViews": 412,
		"avgRating": 4.5,
		"orgId": "org123"
	}`

	var item Item
	require.NoError(t, json.Unmarshal([]byte(raw), &item))
	assert.Equal(t, "abc", item.ID)
	assert.Equal(t, "parcels", item.Title)
	assert.Contains(t, item.Extra, "numViews")
	assert.Contains(t, item.Extra, "orgId")
	assert.NotContains(t, item.Extra, "title", "modeled fields stay out of Extra")

	out, err := json.Marshal(item)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, float64(412), decoded["numViews"])
	assert.Equal(t, "org123", decoded["orgId"])
	assert.Equal(t, "parcels", decoded["title"])
}

func TestItemCopySafeDropsServerManagedFields(t *testing.T) {
	item := Item{
		ID:     "abc",
		Owner:  "ana",
		Folder: "fld1",
		Access: "public",
		Title:  "parcels",
		Type:   "CSV",
		URL:    "https://example.com",
		Tags:   []string{"a"},
	}
	safe := item.CopySafe()
	assert.Empty(t, safe.ID)
	assert.Empty(t, safe.Owner)
	assert.Empty(t, safe.Folder)
	assert.Empty(t, safe.Access)
	assert.Equal(t, "parcels", safe.Title)
	assert.Equal(t, "CSV", safe.Type)
	assert.Equal(t, "https://example.com", safe.URL)
}

func TestGroupRoundTripKeepsUnknownFields(t *testing.T) {
	raw := `{"id":"g1","title":"hydrology","membershipAccess":"org"}`
	var g Group
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	assert.Equal(t, "hydrology", g.Title)
	assert.Contains(t, g.Extra, "membershipAccess")

	out, err := json.Marshal(g)
	require.NoError(t, err)
	assert.Contains(t, string(out), "membershipAccess")
}

func TestRelationshipTypeValidation(t *testing.T) {
	for _, rt := range RelationshipTypes() {
		assert.True(t, rt.valid(), string(rt))
	}
	assert.False(t, RelationshipType("Bogus2Bogus").valid())
	assert.True(t, DirectionForward.valid())
	assert.True(t, DirectionReverse.valid())
	assert.False(t, Direction("sideways").valid())
}
