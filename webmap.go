package portalgo

import (
	json "github.com/goccy/go-json"
)

// WebMapLayer is one layer reference inside a web map payload.
type WebMapLayer struct {
	ID         string `json:"id,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	LayerType  string `json:"layerType,omitempty"`
	Visibility *bool  `json:"visibility,omitempty"`
}

type webMapData struct {
	OperationalLayers []WebMapLayer `json:"operationalLayers"`
	BaseMap           struct {
		Title         string        `json:"title"`
		BaseMapLayers []WebMapLayer `json:"baseMapLayers"`
	} `json:"baseMap"`
	Widgets []json.RawMessage `json:"widgets"`
	Version string            `json:"version"`
}

// WebMap is a typed view over a web map item and its JSON data payload.
// The payload stays opaque beyond the structural fields read here.
type WebMap struct {
	Item Item
	data webMapData
}

// WebMap fetches a web map item together with its data payload.
func (p *Portal) WebMap(id string) (*WebMap, error) {
	item, err := p.Item(id)
	if err != nil {
		return nil, err
	}
	raw, err := p.ItemDataBytes(id)
	if err != nil {
		return nil, err
	}
	w := &WebMap{Item: *item}
	if err := json.Unmarshal(raw, &w.data); err != nil {
		return nil, err
	}
	return w, nil
}

// ParseWebMap builds a WebMap from an already-fetched item and payload.
func ParseWebMap(item Item, data []byte) (*WebMap, error) {
	w := &WebMap{Item: item}
	if err := json.Unmarshal(data, &w.data); err != nil {
		return nil, err
	}
	return w, nil
}

// Layers returns the map's operational layers.
func (w *WebMap) Layers() []WebMapLayer {
	return w.data.OperationalLayers
}

// Basemap returns the basemap title.
func (w *WebMap) Basemap() string {
	return w.data.BaseMap.Title
}

// Gadgets returns the raw widget entry for each gadget on the map.
func (w *WebMap) Gadgets() []json.RawMessage {
	return w.data.Widgets
}

// WebMapInfo is a summary of a web map's contents.
type WebMapInfo struct {
	Title       string
	Version     string
	Basemap     string
	LayerCount  int
	GadgetCount int
}

// Info summarizes the map. The gadget count is the length of Gadgets.
func (w *WebMap) Info() WebMapInfo {
	return WebMapInfo{
		Title:       w.Item.Title,
		Version:     w.data.Version,
		Basemap:     w.Basemap(),
		LayerCount:  len(w.Layers()),
		GadgetCount: len(w.Gadgets()),
	}
}
