// Package crs exposes the reference-system capability the engine consumes.
// Lookup and transform math live behind the Catalog contract; the registry
// implementation here only knows codes and point transforms registered by
// the hosting configuration.
package crs

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
)

// DefaultGeographic is the canonical fallback used when a layer's natural
// CRS cannot be determined.
const DefaultGeographic = "EPSG:4326"

type CRS struct {
	Code       string
	Name       string
	Geographic bool
}

type Catalog interface {
	Resolve(code string) (CRS, error)
	Equivalent(a, b string) bool
	TransformBBox(bb model.BBox, from, to string) (model.BBox, error)
	TransformGeometry(g model.Geometry, from, to string) (model.Geometry, error)
}

// PointTransform maps one coordinate pair between two reference systems.
type PointTransform func(x, y float64) (float64, float64)

// Registry is a catalog backed by registered codes and transforms.
type Registry struct {
	known      map[string]CRS
	transforms map[[2]string]PointTransform
}

func NewRegistry() *Registry {
	r := &Registry{
		known:      map[string]CRS{},
		transforms: map[[2]string]PointTransform{},
	}
	r.Register(CRS{Code: DefaultGeographic, Name: "WGS 84", Geographic: true})
	return r
}

func (r *Registry) Register(c CRS) {
	r.known[Normalize(c.Code)] = c
}

func (r *Registry) RegisterTransform(from, to string, fn PointTransform) {
	r.transforms[[2]string{Normalize(from), Normalize(to)}] = fn
}

func (r *Registry) Resolve(code string) (CRS, error) {
	n := Normalize(code)
	if n == "" {
		return CRS{}, fmt.Errorf("empty crs code")
	}
	if c, ok := r.known[n]; ok {
		return c, nil
	}
	return CRS{}, fmt.Errorf("unknown crs %q", code)
}

func (r *Registry) Equivalent(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

func (r *Registry) TransformBBox(bb model.BBox, from, to string) (model.BBox, error) {
	if r.Equivalent(from, to) {
		return bb, nil
	}
	fn, ok := r.transforms[[2]string{Normalize(from), Normalize(to)}]
	if !ok {
		return model.BBox{}, fmt.Errorf("no transform from %q to %q", from, to)
	}
	x1, y1 := fn(bb.MinX, bb.MinY)
	x2, y2 := fn(bb.MaxX, bb.MaxY)
	out := model.BBox{MinX: min(x1, x2), MinY: min(y1, y2), MaxX: max(x1, x2), MaxY: max(y1, y2), CRS: to}
	return out, nil
}

func (r *Registry) TransformGeometry(g model.Geometry, from, to string) (model.Geometry, error) {
	if r.Equivalent(from, to) {
		return g, nil
	}
	fn, ok := r.transforms[[2]string{Normalize(from), Normalize(to)}]
	if !ok {
		return model.Geometry{}, fmt.Errorf("no transform from %q to %q", from, to)
	}
	out := model.Geometry{Type: g.Type, CRS: to, Coords: make([][]float64, len(g.Coords))}
	for i, xy := range g.Coords {
		if len(xy) < 2 {
			out.Coords[i] = append([]float64(nil), xy...)
			continue
		}
		x, y := fn(xy[0], xy[1])
		out.Coords[i] = []float64{x, y}
	}
	return out, nil
}

// Normalize reduces the accepted spellings of a CRS identifier to the
// "AUTHORITY:CODE" form. Handles "urn:ogc:def:crs:EPSG::4326" and
// "http://www.opengis.net/def/crs/EPSG/0/4326" style identifiers.
func Normalize(code string) string {
	s := strings.TrimSpace(code)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "urn:ogc:def:crs:"):
		rest := s[len("urn:ogc:def:crs:"):]
		parts := strings.Split(rest, ":")
		if len(parts) >= 2 {
			auth := strings.ToUpper(parts[0])
			num := parts[len(parts)-1]
			if auth == "OGC" && strings.EqualFold(num, "CRS84") {
				return DefaultGeographic
			}
			return auth + ":" + num
		}
	case strings.HasPrefix(lower, "http://www.opengis.net/def/crs/"), strings.HasPrefix(lower, "https://www.opengis.net/def/crs/"):
		parts := strings.Split(strings.TrimRight(s, "/"), "/")
		if len(parts) >= 3 {
			auth := strings.ToUpper(parts[len(parts)-3])
			num := parts[len(parts)-1]
			if auth == "OGC" && strings.EqualFold(num, "CRS84") {
				return DefaultGeographic
			}
			return auth + ":" + num
		}
	}
	if i := strings.Index(s, ":"); i > 0 {
		return strings.ToUpper(s[:i]) + s[i:]
	}
	return strings.ToUpper(s)
}
