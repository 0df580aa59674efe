// Package capabilities builds and caches the capability document. Full
// documents are cached per protocol version and invalidated by the layer
// set's update-sequence counter; section filtering is a pure projection
// applied after the cache.
package capabilities

import (
	"context"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/crs"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/layers"
)

const (
	SectionServiceIdentification = "ServiceIdentification"
	SectionServiceProvider       = "ServiceProvider"
	SectionOperationsMetadata    = "OperationsMetadata"
	SectionFeatureTypeList       = "FeatureTypeList"
)

type ServiceIdentification struct {
	Title    string   `json:"title"`
	Abstract string   `json:"abstract,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Versions []string `json:"versions"`
}

type ServiceProvider struct {
	Name    string `json:"name"`
	Site    string `json:"site,omitempty"`
	Contact string `json:"contact,omitempty"`
}

type Operation struct {
	Name string `json:"name"`
}

type OperationsMetadata struct {
	Operations []Operation `json:"operations"`
}

type FeatureTypeEntry struct {
	Name         model.QName         `json:"name"`
	Title        string              `json:"title,omitempty"`
	Abstract     string              `json:"abstract,omitempty"`
	Keywords     []string            `json:"keywords,omitempty"`
	DefaultCRS   string              `json:"defaultCRS"`
	OtherCRS     []string            `json:"otherCRS,omitempty"`
	MetadataURLs []model.MetadataURL `json:"metadataURLs,omitempty"`
	BBox         *model.BBox         `json:"bbox,omitempty"`
}

// Document is a fully built capability document. The cache only ever
// holds full documents; section projections are derived copies.
type Document struct {
	Version               string                 `json:"version"`
	UpdateSequence        string                 `json:"updateSequence"`
	ServiceIdentification *ServiceIdentification `json:"serviceIdentification,omitempty"`
	ServiceProvider       *ServiceProvider       `json:"serviceProvider,omitempty"`
	OperationsMetadata    *OperationsMetadata    `json:"operationsMetadata,omitempty"`
	FeatureTypeList       []FeatureTypeEntry     `json:"featureTypeList,omitempty"`
}

type ServiceMetadata struct {
	Title    string
	Abstract string
	Keywords []string
	Provider ServiceProvider
}

var readOperations = []string{
	"GetCapabilities",
	"DescribeFeatureType",
	"GetFeature",
	"GetPropertyValue",
	"ListStoredQueries",
	"DescribeStoredQueries",
	"CreateStoredQuery",
	"DropStoredQuery",
}

type cacheEntry struct {
	seq string
	doc *Document
}

type Builder struct {
	registry      *layers.Registry
	catalog       crs.Catalog
	meta          ServiceMetadata
	versions      []string
	transactional bool
	otherCRS      []string
	cache         *lru.Cache[string, cacheEntry]
	log           *slog.Logger
}

func NewBuilder(reg *layers.Registry, catalog crs.Catalog, meta ServiceMetadata, versions []string, transactional bool, otherCRS []string, cacheSize int, log *slog.Logger) *Builder {
	if cacheSize <= 0 {
		cacheSize = 8
	}
	c, _ := lru.New[string, cacheEntry](cacheSize)
	return &Builder{
		registry:      reg,
		catalog:       catalog,
		meta:          meta,
		versions:      versions,
		transactional: transactional,
		otherCRS:      otherCRS,
		cache:         c,
		log:           log,
	}
}

// Get returns the (possibly cached) full document for a version. Two
// concurrent builders racing on a cold cache both produce equivalent
// documents, so last write wins without a lock.
func (b *Builder) Get(ctx context.Context, version string) *Document {
	seq := b.registry.UpdateSequence()
	if e, ok := b.cache.Get(version); ok && e.seq == seq {
		return e.doc
	}
	doc := b.build(ctx, version, seq)
	b.cache.Add(version, cacheEntry{seq: seq, doc: doc})
	return doc
}

func (b *Builder) build(ctx context.Context, version, seq string) *Document {
	doc := &Document{
		Version:        version,
		UpdateSequence: seq,
		ServiceIdentification: &ServiceIdentification{
			Title:    b.meta.Title,
			Abstract: b.meta.Abstract,
			Keywords: b.meta.Keywords,
			Versions: b.versions,
		},
		ServiceProvider: &ServiceProvider{
			Name:    b.meta.Provider.Name,
			Site:    b.meta.Provider.Site,
			Contact: b.meta.Provider.Contact,
		},
		OperationsMetadata: b.operations(),
	}
	for _, l := range b.registry.All() {
		entry, ok := b.entryFor(ctx, l)
		if !ok {
			continue
		}
		doc.FeatureTypeList = append(doc.FeatureTypeList, entry)
	}
	return doc
}

// entryFor builds one feature-type entry. A layer whose schema cannot be
// resolved is skipped; one broken layer never fails the whole document.
func (b *Builder) entryFor(ctx context.Context, l model.Layer) (FeatureTypeEntry, bool) {
	if _, err := b.registry.Schema(ctx, l); err != nil {
		if b.log != nil {
			b.log.Warn("layer skipped from capabilities", "layer", l.Name.String(), "err", err)
		}
		return FeatureTypeEntry{}, false
	}
	natural := b.naturalCRS(l)
	entry := FeatureTypeEntry{
		Name:         l.Name,
		Title:        l.Title,
		Abstract:     l.Abstract,
		Keywords:     l.Keywords,
		DefaultCRS:   natural,
		MetadataURLs: l.MetadataURLs,
	}
	for _, c := range b.otherCRS {
		if !b.catalog.Equivalent(c, natural) {
			entry.OtherCRS = append(entry.OtherCRS, c)
		}
	}
	if ad, err := b.registry.StoreFor(l); err == nil {
		if bb, err := ad.Envelope(ctx, l.Name); err == nil {
			entry.BBox = &bb
		}
	}
	return entry, true
}

// naturalCRS is a best-effort catalog lookup with the canonical geographic
// default as fallback.
func (b *Builder) naturalCRS(l model.Layer) string {
	code := l.ExposedCRS()
	if code == "" {
		return crs.DefaultGeographic
	}
	if _, err := b.catalog.Resolve(code); err != nil {
		if b.log != nil {
			b.log.Warn("layer crs lookup failed, using default", "layer", l.Name.String(), "crs", code, "err", err)
		}
		return crs.DefaultGeographic
	}
	return code
}

func (b *Builder) operations() *OperationsMetadata {
	ops := make([]Operation, 0, len(readOperations)+1)
	for _, name := range readOperations {
		ops = append(ops, Operation{Name: name})
	}
	if b.transactional {
		ops = append(ops, Operation{Name: "Transaction"})
	}
	return &OperationsMetadata{Operations: ops}
}

// NotModified is the minimal document returned when the caller's
// update-sequence token is current.
func NotModified(version, seq string) *Document {
	return &Document{Version: version, UpdateSequence: seq}
}

// FilterSections projects a full document down to the requested sections.
// An empty request keeps everything. Unknown section names are ignored.
func FilterSections(doc *Document, sections []string) *Document {
	if len(sections) == 0 {
		return doc
	}
	want := map[string]bool{}
	for _, s := range sections {
		want[strings.ToLower(strings.TrimSpace(s))] = true
	}
	out := &Document{Version: doc.Version, UpdateSequence: doc.UpdateSequence}
	if want[strings.ToLower(SectionServiceIdentification)] {
		out.ServiceIdentification = doc.ServiceIdentification
	}
	if want[strings.ToLower(SectionServiceProvider)] {
		out.ServiceProvider = doc.ServiceProvider
	}
	if want[strings.ToLower(SectionOperationsMetadata)] {
		out.OperationsMetadata = doc.OperationsMetadata
	}
	if want[strings.ToLower(SectionFeatureTypeList)] {
		out.FeatureTypeList = doc.FeatureTypeList
	}
	return out
}
