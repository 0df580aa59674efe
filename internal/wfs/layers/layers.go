// Package layers holds the configured layer set and its store bindings.
// The set is created by configuration and read-only afterwards; only the
// update-sequence counter moves, driven by store write events.
package layers

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
)

type Registry struct {
	layers []model.Layer
	stores map[string]store.Adapter
	seq    atomic.Uint64
}

func NewRegistry(ls []model.Layer, stores map[string]store.Adapter) *Registry {
	r := &Registry{
		layers: append([]model.Layer(nil), ls...),
		stores: stores,
	}
	// writes anywhere invalidate cached capability documents
	for _, ad := range stores {
		ad.Subscribe(func(store.WriteEvent) { r.seq.Add(1) })
	}
	return r
}

func (r *Registry) All() []model.Layer {
	return append([]model.Layer(nil), r.layers...)
}

// Lookup matches first by exact qualified name or alias, then, when the
// requested name carries no namespace, by unqualified local name.
func (r *Registry) Lookup(name model.QName) (model.Layer, bool) {
	for _, l := range r.layers {
		if l.Name == name || (name.Namespace == "" && l.Alias != "" && l.Alias == name.Local) {
			return l, true
		}
	}
	if name.Namespace == "" {
		for _, l := range r.layers {
			if l.Name.Local == name.Local {
				return l, true
			}
		}
	}
	return model.Layer{}, false
}

// LookupByType finds the layer exposing the given feature type name,
// used to resolve insert payload targets.
func (r *Registry) LookupByType(name model.QName) (model.Layer, bool) {
	return r.Lookup(name)
}

func (r *Registry) StoreFor(l model.Layer) (store.Adapter, error) {
	ad, ok := r.stores[l.Store]
	if !ok {
		return nil, fmt.Errorf("layer %s references unknown store %q", l.Name, l.Store)
	}
	return ad, nil
}

// Schema resolves the layer's feature type from its backing store,
// decorated with the layer's published name.
func (r *Registry) Schema(ctx context.Context, l model.Layer) (model.FeatureType, error) {
	ad, err := r.StoreFor(l)
	if err != nil {
		return model.FeatureType{}, err
	}
	t, err := ad.Schema(ctx, l.Name)
	if err != nil {
		return model.FeatureType{}, fmt.Errorf("schema of %s: %w", l.Name, err)
	}
	return t.Renamed(l.Name), nil
}

func (r *Registry) UpdateSequence() string {
	return strconv.FormatUint(r.seq.Load(), 10)
}

func (r *Registry) BumpUpdateSequence() {
	r.seq.Add(1)
}
