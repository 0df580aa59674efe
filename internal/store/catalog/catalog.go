// Package catalog loads the served layer set from a JSON document on
// disk and binds each layer to its backing store.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/store/memstore"
	"github.com/mohammed-shakir/wfs-engine/internal/store/redisstore"
)

const (
	FileName     = "catalog.json"
	DefaultStore = "features"
)

type Options struct {
	// Driver selects the backend for every store: "memory" or "redis".
	Driver    string
	RedisAddr string
	H3Res     int
	Log       *slog.Logger
}

type fileProperty struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Mandatory     bool   `json:"mandatory,omitempty"`
	CRS           string `json:"crs,omitempty"`
	ValueProperty string `json:"valueProperty,omitempty"`
}

type fileSchema struct {
	DefaultGeometry string         `json:"defaultGeometry,omitempty"`
	Properties      []fileProperty `json:"properties"`
}

type fileFeature struct {
	ID         string                     `json:"id,omitempty"`
	Properties map[string]json.RawMessage `json:"properties"`
}

type fileMetadataURL struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

type fileLayer struct {
	Name         string            `json:"name"`
	Alias        string            `json:"alias,omitempty"`
	Store        string            `json:"store,omitempty"`
	Kind         string            `json:"kind,omitempty"`
	Title        string            `json:"title,omitempty"`
	Abstract     string            `json:"abstract,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	CRS          []string          `json:"crs,omitempty"`
	MetadataURLs []fileMetadataURL `json:"metadataURLs,omitempty"`
	Schema       fileSchema        `json:"schema"`
	Features     []fileFeature     `json:"features,omitempty"`
}

type fileDoc struct {
	Layers []fileLayer `json:"layers"`
}

// Load reads <dir>/catalog.json and materializes its layers. A missing
// document yields an empty default store so the server still starts.
func Load(ctx context.Context, dir string, opts Options) ([]model.Layer, map[string]store.Adapter, error) {
	stores := map[string]store.Adapter{}

	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if opts.Log != nil {
			opts.Log.Warn("no catalog document, serving an empty layer set", "path", path)
		}
		ad, err := openStore(ctx, DefaultStore, opts)
		if err != nil {
			return nil, nil, err
		}
		stores[DefaultStore] = ad
		return nil, stores, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog: %w", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse catalog: %w", err)
	}

	var layers []model.Layer
	for _, fl := range doc.Layers {
		l, err := buildLayer(ctx, fl, stores, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", fl.Name, err)
		}
		layers = append(layers, l)
	}
	return layers, stores, nil
}

func buildLayer(ctx context.Context, fl fileLayer, stores map[string]store.Adapter, opts Options) (model.Layer, error) {
	name := model.ParseQName(fl.Name)
	if name.Local == "" {
		return model.Layer{}, fmt.Errorf("layer carries no name")
	}
	storeName := fl.Store
	if storeName == "" {
		storeName = DefaultStore
	}
	ad, ok := stores[storeName]
	if !ok {
		var err error
		ad, err = openStore(ctx, storeName, opts)
		if err != nil {
			return model.Layer{}, err
		}
		stores[storeName] = ad
	}

	schema := model.FeatureType{Name: name, DefaultGeometry: fl.Schema.DefaultGeometry}
	for _, fp := range fl.Schema.Properties {
		schema.Properties = append(schema.Properties, model.Property{
			Name:          fp.Name,
			Kind:          model.ParseKind(fp.Kind),
			Mandatory:     fp.Mandatory,
			CRS:           fp.CRS,
			ValueProperty: fp.ValueProperty,
		})
	}

	feats := make([]model.Feature, 0, len(fl.Features))
	for i, ff := range fl.Features {
		f, err := buildFeature(ff, name)
		if err != nil {
			return model.Layer{}, fmt.Errorf("feature %d: %w", i, err)
		}
		feats = append(feats, f)
	}

	if err := seed(ctx, ad, schema, feats); err != nil {
		return model.Layer{}, err
	}

	kind := fl.Kind
	if kind == "" {
		kind = "feature"
	}
	l := model.Layer{
		Name:     name,
		Alias:    fl.Alias,
		Store:    storeName,
		Kind:     kind,
		Title:    fl.Title,
		Abstract: fl.Abstract,
		Keywords: fl.Keywords,
		CRS:      fl.CRS,
	}
	for _, mu := range fl.MetadataURLs {
		l.MetadataURLs = append(l.MetadataURLs, model.MetadataURL{URL: mu.URL, Format: mu.Format, Kind: mu.Kind})
	}
	return l, nil
}

func buildFeature(ff fileFeature, typeName model.QName) (model.Feature, error) {
	f := model.Feature{
		ID:         ff.ID,
		Type:       typeName,
		Properties: make(map[string]any, len(ff.Properties)),
	}
	for k, raw := range ff.Properties {
		var wg struct {
			Geometry *model.Geometry `json:"@geometry"`
		}
		if err := json.Unmarshal(raw, &wg); err == nil && wg.Geometry != nil {
			f.Properties[k] = *wg.Geometry
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return model.Feature{}, fmt.Errorf("property %s: %w", k, err)
		}
		f.Properties[k] = v
	}
	return f, nil
}

func openStore(ctx context.Context, name string, opts Options) (store.Adapter, error) {
	if opts.Driver == "redis" {
		return redisstore.New(ctx, name, opts.RedisAddr)
	}
	var mopts []memstore.Option
	if opts.H3Res > 0 {
		mopts = append(mopts, memstore.WithH3Resolution(opts.H3Res))
	}
	return memstore.New(name, mopts...), nil
}

func seed(ctx context.Context, ad store.Adapter, schema model.FeatureType, feats []model.Feature) error {
	switch s := ad.(type) {
	case *memstore.Store:
		return s.AddCollection(schema, feats...)
	case *redisstore.Store:
		s.RegisterCollection(schema)
		if len(feats) == 0 {
			return nil
		}
		_, err := s.Add(ctx, schema.Name, feats)
		return err
	}
	return fmt.Errorf("store %s cannot be seeded", ad.Name())
}
