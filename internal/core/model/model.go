// Package model defines core domain types shared across the engine.
package model

import (
	"fmt"
	"strings"
)

// QName is a namespace-qualified name. Namespace is a URI and may be empty
// for names supplied without a namespace binding.
type QName struct {
	Namespace string
	Local     string
}

// String renders the expanded form "{namespace}local", or just the local
// part when no namespace is bound.
func (q QName) String() string {
	if q.Namespace == "" {
		return q.Local
	}
	return "{" + q.Namespace + "}" + q.Local
}

func (q QName) IsZero() bool { return q.Namespace == "" && q.Local == "" }

// ParseQName parses either the expanded "{ns}local" form or a bare local
// name.
func ParseQName(s string) QName {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		if i := strings.Index(s, "}"); i > 0 {
			return QName{Namespace: s[1:i], Local: s[i+1:]}
		}
	}
	return QName{Local: s}
}

type BBox struct {
	MinX, MinY float64
	MaxX, MaxY float64
	CRS        string
}

// String representation matching the wfs/wms bbox format.
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.MinX, b.MinY, b.MaxX, b.MaxY, b.CRS)
}

func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && b.MaxX >= o.MinX && b.MinY <= o.MaxY && b.MaxY >= o.MinY
}

// Geometry is a coordinate-list geometry. Coords holds positions as
// [x, y] pairs; for polygons it is the outer ring.
type Geometry struct {
	Type   string // "Point", "LineString", "Polygon", "Envelope"
	CRS    string
	Coords [][]float64
}

// Bounds computes the axis-aligned bounding box of the geometry in its own
// CRS.
func (g Geometry) Bounds() BBox {
	bb := BBox{CRS: g.CRS}
	first := true
	for _, xy := range g.Coords {
		if len(xy) < 2 {
			continue
		}
		if first {
			bb.MinX, bb.MaxX = xy[0], xy[0]
			bb.MinY, bb.MaxY = xy[1], xy[1]
			first = false
			continue
		}
		if xy[0] < bb.MinX {
			bb.MinX = xy[0]
		}
		if xy[0] > bb.MaxX {
			bb.MaxX = xy[0]
		}
		if xy[1] < bb.MinY {
			bb.MinY = xy[1]
		}
		if xy[1] > bb.MaxY {
			bb.MaxY = xy[1]
		}
	}
	return bb
}

// Feature is one georeferenced record. Property values are scalars,
// Geometry values, or nested map[string]any for associations.
type Feature struct {
	ID         string
	Type       QName
	Properties map[string]any
}

// Clone returns a shallow-value copy with its own property map.
func (f Feature) Clone() Feature {
	cp := f
	cp.Properties = make(map[string]any, len(f.Properties))
	for k, v := range f.Properties {
		cp.Properties[k] = v
	}
	return cp
}

// PropertyKind classifies schema property values.
type PropertyKind int

const (
	KindString PropertyKind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindGeometry
	KindAssociation
)

func (k PropertyKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindGeometry:
		return "geometry"
	case KindAssociation:
		return "association"
	}
	return "unknown"
}

// ParseKind maps a kind label back to its PropertyKind; unrecognized
// labels fall back to KindString.
func ParseKind(s string) PropertyKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int":
		return KindInt
	case "float":
		return KindFloat
	case "bool":
		return KindBool
	case "time":
		return KindTime
	case "geometry":
		return KindGeometry
	case "association":
		return KindAssociation
	}
	return KindString
}

// Property describes one schema property.
type Property struct {
	Name      string
	Kind      PropertyKind
	Mandatory bool
	// CRS is the storage CRS of a geometry property, if known.
	CRS string
	// ValueProperty names the conventional scalar sub-property of a to-one
	// association, when the association exposes one.
	ValueProperty string
}

// FeatureType is the schema of a feature collection. Owned by the store;
// the engine reads it and may wrap it to override the exposed name.
type FeatureType struct {
	Name            QName
	Properties      []Property
	DefaultGeometry string
}

func (t FeatureType) Property(name string) (Property, bool) {
	for _, p := range t.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Renamed returns a copy of the type exposing a different qualified name.
// The property set is shared; the schema itself is never mutated.
func (t FeatureType) Renamed(name QName) FeatureType {
	cp := t
	cp.Name = name
	return cp
}

// MetadataURL points at externally hosted layer metadata.
type MetadataURL struct {
	URL    string
	Format string
	Kind   string
}

// Layer is one exposed feature type, created by configuration and
// read-only to the engine.
type Layer struct {
	Name     QName
	Alias    string
	Store    string
	Kind     string // "feature" or another data kind; only feature layers are queryable
	Title    string
	Abstract string
	Keywords []string
	// CRS lists the exposed reference systems; the first entry is the
	// published default.
	CRS          []string
	MetadataURLs []MetadataURL
}

func (l Layer) ExposedCRS() string {
	if len(l.CRS) > 0 {
		return l.CRS[0]
	}
	return ""
}

// SortClause orders results by one property.
type SortClause struct {
	Property string
	Desc     bool
}
