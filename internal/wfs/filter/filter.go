// Package filter holds the client-query predicate tree and the rewrite
// pipeline that normalizes it into a form executable against a store's
// native schema and CRS. Trees are immutable: every rewrite builds a new
// tree so stages compose safely.
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
)

type LogicalOp string

const (
	And LogicalOp = "And"
	Or  LogicalOp = "Or"
	Not LogicalOp = "Not"
)

type CompareOp string

const (
	Equal        CompareOp = "PropertyIsEqualTo"
	NotEqual     CompareOp = "PropertyIsNotEqualTo"
	Less         CompareOp = "PropertyIsLessThan"
	LessEqual    CompareOp = "PropertyIsLessThanOrEqualTo"
	Greater      CompareOp = "PropertyIsGreaterThan"
	GreaterEqual CompareOp = "PropertyIsGreaterThanOrEqualTo"
	Like         CompareOp = "PropertyIsLike"
	IsNull       CompareOp = "PropertyIsNull"
)

type SpatialOp string

const (
	BBOX       SpatialOp = "BBOX"
	Intersects SpatialOp = "Intersects"
	Within     SpatialOp = "Within"
	Contains   SpatialOp = "Contains"
)

// Expr is a node of the predicate tree. The set of implementations is
// closed; dispatch happens by type switch.
type Expr interface {
	isExpr()
}

// Logical combines operands with And/Or/Not. Not carries exactly one
// operand.
type Logical struct {
	Op       LogicalOp
	Operands []Expr
}

// Comparison tests a property against a literal.
type Comparison struct {
	Op       CompareOp
	Property PropertyRef
	Value    *Literal // nil for IsNull
}

// Spatial tests a geometry property against a literal bounding value.
// Value carries the geometry literal; a Spatial node with a non-literal
// second operand is rejected by the pipeline.
type Spatial struct {
	Op       SpatialOp
	Property PropertyRef
	Value    *GeometryLiteral
}

// PropertyRef references a property by path. Path segments are separated
// by '/'; the leading segment may be an alias or a qualified type name
// before normalization.
type PropertyRef struct {
	Path string
}

// Literal is a scalar constant.
type Literal struct {
	Value any
}

// GeometryLiteral is a bounding box or geometry constant.
type GeometryLiteral struct {
	BBox     *model.BBox
	Geometry *model.Geometry
}

// ResourceID matches a feature by identifier.
type ResourceID struct {
	ID string
}

func (Logical) isExpr()    {}
func (Comparison) isExpr() {}
func (Spatial) isExpr()    {}
func (PropertyRef) isExpr() {}
func (Literal) isExpr()    {}
func (ResourceID) isExpr() {}

// Rewrite applies fn to every node bottom-up and returns the rewritten
// tree. fn receives a node whose children are already rewritten and
// returns its replacement. The input tree is never mutated.
func Rewrite(e Expr, fn func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	switch n := e.(type) {
	case Logical:
		ops := make([]Expr, len(n.Operands))
		for i, op := range n.Operands {
			ops[i] = Rewrite(op, fn)
		}
		return fn(Logical{Op: n.Op, Operands: ops})
	default:
		return fn(e)
	}
}

// Walk visits every node top-down; fn returning false prunes the subtree.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil {
		return
	}
	if !fn(e) {
		return
	}
	if n, ok := e.(Logical); ok {
		for _, op := range n.Operands {
			Walk(op, fn)
		}
	}
}

// Matches evaluates the (already normalized) predicate against a feature.
// Property paths are resolved against the feature's property map, with
// '/' descending into nested association values.
func Matches(e Expr, f model.Feature) (bool, error) {
	if e == nil {
		return true, nil
	}
	switch n := e.(type) {
	case Logical:
		switch n.Op {
		case And:
			for _, op := range n.Operands {
				ok, err := Matches(op, f)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		case Or:
			for _, op := range n.Operands {
				ok, err := Matches(op, f)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		case Not:
			if len(n.Operands) != 1 {
				return false, fmt.Errorf("not operator requires one operand, got %d", len(n.Operands))
			}
			ok, err := Matches(n.Operands[0], f)
			return !ok, err
		}
		return false, fmt.Errorf("unknown logical operator %q", n.Op)
	case Comparison:
		return matchComparison(n, f)
	case Spatial:
		return matchSpatial(n, f)
	case ResourceID:
		return f.ID == n.ID, nil
	default:
		return false, fmt.Errorf("unsupported filter construct %T", e)
	}
}

func matchComparison(c Comparison, f model.Feature) (bool, error) {
	v, ok := LookupValue(f, c.Property.Path)
	if c.Op == IsNull {
		return !ok || v == nil, nil
	}
	if !ok || v == nil {
		return false, nil
	}
	if c.Value == nil {
		return false, fmt.Errorf("comparison %s on %q has no literal", c.Op, c.Property.Path)
	}
	if c.Op == Like {
		return matchLike(fmt.Sprint(v), fmt.Sprint(c.Value.Value)), nil
	}
	cmp, err := compareValues(v, c.Value.Value)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case Equal:
		return cmp == 0, nil
	case NotEqual:
		return cmp != 0, nil
	case Less:
		return cmp < 0, nil
	case LessEqual:
		return cmp <= 0, nil
	case Greater:
		return cmp > 0, nil
	case GreaterEqual:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", c.Op)
}

func matchSpatial(s Spatial, f model.Feature) (bool, error) {
	if s.Value == nil {
		return false, fmt.Errorf("spatial operator %s has no geometry literal", s.Op)
	}
	v, ok := LookupValue(f, s.Property.Path)
	if !ok {
		return false, nil
	}
	g, ok := v.(model.Geometry)
	if !ok {
		return false, nil
	}
	want := s.Value.Bounds()
	got := g.Bounds()
	switch s.Op {
	case BBOX, Intersects:
		return got.Intersects(want), nil
	case Within:
		return got.MinX >= want.MinX && got.MaxX <= want.MaxX && got.MinY >= want.MinY && got.MaxY <= want.MaxY, nil
	case Contains:
		return want.MinX >= got.MinX && want.MaxX <= got.MaxX && want.MinY >= got.MinY && want.MaxY <= got.MaxY, nil
	}
	return false, fmt.Errorf("unknown spatial operator %q", s.Op)
}

// Bounds of the literal bounding value.
func (g GeometryLiteral) Bounds() model.BBox {
	if g.BBox != nil {
		return *g.BBox
	}
	if g.Geometry != nil {
		return g.Geometry.Bounds()
	}
	return model.BBox{}
}

// CRS of the literal bounding value, if declared.
func (g GeometryLiteral) CRS() string {
	if g.BBox != nil {
		return g.BBox.CRS
	}
	if g.Geometry != nil {
		return g.Geometry.CRS
	}
	return ""
}

// LookupValue resolves a '/'-separated property path against a feature,
// descending into nested association maps.
func LookupValue(f model.Feature, path string) (any, bool) {
	segs := strings.Split(path, "/")
	var cur any = f.Properties
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compareValues(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			}
			return 0, nil
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := toBool(b); ok {
			if ba == bb {
				return 0, nil
			}
			return 1, nil
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := toTime(b); ok {
			switch {
			case ta.Before(tb):
				return -1, nil
			case ta.After(tb):
				return 1, nil
			}
			return 0, nil
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	}
	if f, ok := toFloat(v); ok {
		return f != 0, true
	}
	return false, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		return ts, err == nil
	}
	return time.Time{}, false
}

// matchLike implements the protocol wildcard match: '*' any run, '?' one
// character, '\' escapes.
func matchLike(s, pattern string) bool {
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for i := 0; i <= len(s); i++ {
				if likeMatch(s[i:], p[1:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			s, p = s[1:], p[1:]
		case '\\':
			if len(p) < 2 || len(s) == 0 || s[0] != p[1] {
				return false
			}
			s, p = s[1:], p[2:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			s, p = s[1:], p[1:]
		}
	}
	return len(s) == 0
}
