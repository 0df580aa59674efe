// Package store declares the uniform contract the engine consumes over a
// named feature collection. Implementations live in subpackages; the
// engine treats every call as a black-box, potentially blocking operation
// and never holds a lock across one.
package store

import (
	"context"
	"time"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
)

// Capabilities reports what a store can do natively.
type Capabilities struct {
	// ReportsWriteCount is set when Add returns the assigned identifiers
	// directly. Stores without it are counted through a transient write
	// listener instead.
	ReportsWriteCount bool
}

// WriteEvent is emitted by a store for each confirmed mutation.
type WriteEvent struct {
	Op        string // "insert", "update", "delete"
	Type      model.QName
	FeatureID string
	TS        time.Time
}

type Listener func(WriteEvent)

// Query is the store-level subset specification; its filter has already
// been normalized to bare property names in the store's native CRS.
type Query struct {
	Filter     filter.Expr
	Properties []string
	Sort       []model.SortClause
	Offset     int
	Limit      int // <=0 means unlimited
	CountOnly  bool
}

// FeatureSet is the result of a subset call. Matched is the count before
// pagination.
type FeatureSet struct {
	Type     model.QName
	Features []model.Feature
	Matched  int
}

// Adapter is the uniform feature-store contract.
type Adapter interface {
	Name() string
	Types() []model.QName
	Schema(ctx context.Context, typeName model.QName) (model.FeatureType, error)
	Envelope(ctx context.Context, typeName model.QName) (model.BBox, error)
	Subset(ctx context.Context, typeName model.QName, q Query) (FeatureSet, error)
	// Add appends features and returns assigned identifiers when the store
	// reports write counts; otherwise the returned slice may be empty and
	// identifiers arrive through the listener stream.
	Add(ctx context.Context, typeName model.QName, feats []model.Feature) ([]string, error)
	RemoveMatching(ctx context.Context, typeName model.QName, f filter.Expr) error
	// UpdateMatching rewrites each matching feature, setting every entry
	// of assignments ('/' paths descend into associations).
	UpdateMatching(ctx context.Context, typeName model.QName, f filter.Expr, assignments map[string]any) error
	Capabilities() Capabilities
	// Subscribe registers a mutation listener; the returned func removes it.
	Subscribe(l Listener) (cancel func())
}
