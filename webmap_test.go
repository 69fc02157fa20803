package portalgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoportal/portalgo/internal/portaltest"
)

const webMapPayload = `{
	"version": "2.30",
	"operationalLayers": [
		{"id": "rivers", "title": "Rivers", "layerType": "ArcGISFeatureLayer", "url": "https://server/rivers"},
		{"id": "lakes", "title": "Lakes", "layerType": "ArcGISFeatureLayer"}
	],
	"baseMap": {
		"title": "Topographic",
		"baseMapLayers": [{"id": "base", "layerType": "ArcGISTiledMapServiceLayer"}]
	},
	"widgets": [{"type": "timeSlider"}, {"type": "legend"}]
}`

func TestParseWebMap(t *testing.T) {
	w, err := ParseWebMap(Item{Title: "city map", Type: "Web Map"}, []byte(webMapPayload))
	require.NoError(t, err)

	layers := w.Layers()
	require.Len(t, layers, 2)
	assert.Equal(t, "Rivers", layers[0].Title)
	assert.Equal(t, "https://server/rivers", layers[0].URL)
	assert.Equal(t, "Topographic", w.Basemap())
	assert.Len(t, w.Gadgets(), 2)
}

func TestWebMapInfo(t *testing.T) {
	w, err := ParseWebMap(Item{Title: "city map"}, []byte(webMapPayload))
	require.NoError(t, err)

	info := w.Info()
	assert.Equal(t, "city map", info.Title)
	assert.Equal(t, "2.30", info.Version)
	assert.Equal(t, "Topographic", info.Basemap)
	assert.Equal(t, 2, info.LayerCount)
	assert.Equal(t, 2, info.GadgetCount)
}

func TestWebMapWithoutWidgets(t *testing.T) {
	w, err := ParseWebMap(Item{}, []byte(`{"version":"2.30","operationalLayers":[]}`))
	require.NoError(t, err)
	assert.Zero(t, w.Info().GadgetCount)
}

func TestPortalWebMap(t *testing.T) {
	fake := portaltest.New()
	id := fake.SeedItem(
		map[string]any{"owner": "ana", "title": "city map", "type": "Web Map"},
		"", []byte(webMapPayload), nil, nil)
	p := NewPortal(startPortal(t, fake))

	w, err := p.WebMap(id)
	require.NoError(t, err)
	assert.Equal(t, "city map", w.Item.Title)
	assert.Len(t, w.Layers(), 2)
}

func TestPortalWebMapMissingItem(t *testing.T) {
	fake := portaltest.New()
	p := NewPortal(startPortal(t, fake))

	_, err := p.WebMap("nope")
	assert.ErrorAs(t, err, new(*RemoteError))
}
