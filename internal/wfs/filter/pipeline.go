package filter

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/crs"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
)

// Context carries what the rewrite stages need to know about the target
// type. A fresh Context is built per sub-query.
type Context struct {
	TypeName model.QName
	Type     model.FeatureType
	// Aliases binds client-declared alias names to the types they denote.
	Aliases map[string]model.QName
	// ExposedCRS is the published CRS of the layer; StorageCRS the CRS the
	// backing store actually holds data in.
	ExposedCRS string
	StorageCRS string
	Catalog    crs.Catalog
	Log        *slog.Logger
}

// Stage is one pure rewrite over the predicate tree.
type Stage func(Expr, Context) (Expr, error)

// Pipeline composes stages in order. The zero value is unusable; use
// NewPipeline.
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds the standard normalization pipeline. Order is
// significant: alias resolution must precede prefix stripping, and CRS
// adjustment must see final literal positions.
func NewPipeline() Pipeline {
	return Pipeline{stages: []Stage{
		ResolveAliases,
		StripTypePrefix,
		SubstituteDefaultGeometry,
		NormalizeNamespaces,
		CoerceLiterals,
		AdjustCRS,
	}}
}

// Run rewrites the tree through every stage, then checks the result
// against the target type. A nil tree passes through untouched.
func (p Pipeline) Run(e Expr, ctx Context) (Expr, error) {
	if e == nil {
		return nil, nil
	}
	var err error
	for _, st := range p.stages {
		e, err = st(e, ctx)
		if err != nil {
			return nil, err
		}
	}
	if err := Validate(e, ctx.Type); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveAliases rewrites property references whose leading path segment
// is a client-declared alias into the canonical qualified name of the
// aliased type.
func ResolveAliases(e Expr, ctx Context) (Expr, error) {
	if len(ctx.Aliases) == 0 {
		return e, nil
	}
	resolve := func(p PropertyRef) PropertyRef {
		head, rest, ok := strings.Cut(p.Path, "/")
		if !ok {
			return p
		}
		if qn, found := ctx.Aliases[head]; found {
			return PropertyRef{Path: qn.String() + "/" + rest}
		}
		return p
	}
	return Rewrite(e, func(n Expr) Expr {
		switch t := n.(type) {
		case Comparison:
			t.Property = resolve(t.Property)
			return t
		case Spatial:
			t.Property = resolve(t.Property)
			return t
		}
		return n
	}), nil
}

// StripTypePrefix shortens references still prefixed by the target type's
// own qualified name to the bare property path; stores index by bare name.
func StripTypePrefix(e Expr, ctx Context) (Expr, error) {
	prefixes := []string{
		ctx.TypeName.String() + "/",
		ctx.TypeName.Local + "/",
	}
	strip := func(p PropertyRef) PropertyRef {
		for _, pre := range prefixes {
			if pre != "/" && strings.HasPrefix(p.Path, pre) {
				return PropertyRef{Path: strings.TrimPrefix(p.Path, pre)}
			}
		}
		return p
	}
	return Rewrite(e, func(n Expr) Expr {
		switch t := n.(type) {
		case Comparison:
			t.Property = strip(t.Property)
			return t
		case Spatial:
			t.Property = strip(t.Property)
			return t
		}
		return n
	}), nil
}

// SubstituteDefaultGeometry points spatial predicates with an absent
// property path at the type's declared default geometry. A spatial
// predicate without a literal bounding value is a hard error.
func SubstituteDefaultGeometry(e Expr, ctx Context) (Expr, error) {
	var stageErr error
	out := Rewrite(e, func(n Expr) Expr {
		sp, ok := n.(Spatial)
		if !ok {
			return n
		}
		if sp.Value == nil {
			stageErr = ows.Invalid("filter", "spatial operator %s requires a literal bounding value", sp.Op)
			return n
		}
		if strings.TrimSpace(sp.Property.Path) == "" {
			if ctx.Type.DefaultGeometry == "" {
				stageErr = ows.Invalid("filter", "type %s declares no default geometry", ctx.TypeName)
				return n
			}
			sp.Property = PropertyRef{Path: ctx.Type.DefaultGeometry}
		}
		return sp
	})
	if stageErr != nil {
		return nil, stageErr
	}
	return out, nil
}

// Variant spellings of the structural metadata vocabulary seen from older
// clients, canonicalized so downstream property lookups succeed.
var namespaceAliases = map[string]string{
	"http://www.opengis.net/gml":       "http://www.opengis.net/gml/3.2",
	"http://www.opengis.net/gml/3.2.1": "http://www.opengis.net/gml/3.2",
	"http://www.opengis.net/wfs":       "http://www.opengis.net/wfs/2.0",
}

// NormalizeNamespaces canonicalizes legacy namespace spellings inside
// property paths.
func NormalizeNamespaces(e Expr, _ Context) (Expr, error) {
	canon := func(p PropertyRef) PropertyRef {
		path := p.Path
		for old, now := range namespaceAliases {
			path = strings.ReplaceAll(path, "{"+old+"}", "{"+now+"}")
		}
		return PropertyRef{Path: path}
	}
	return Rewrite(e, func(n Expr) Expr {
		switch t := n.(type) {
		case Comparison:
			t.Property = canon(t.Property)
			return t
		case Spatial:
			t.Property = canon(t.Property)
			return t
		}
		return n
	}), nil
}

// CoerceLiterals adapts numeric literals compared against boolean or
// textual properties, for clients whose query dialect cannot express
// non-numeric literals.
func CoerceLiterals(e Expr, ctx Context) (Expr, error) {
	return Rewrite(e, func(n Expr) Expr {
		c, ok := n.(Comparison)
		if !ok || c.Value == nil {
			return n
		}
		prop, found := ctx.Type.Property(rootSegment(c.Property.Path))
		if !found {
			return n
		}
		f, numeric := toFloat(c.Value.Value)
		if !numeric {
			return n
		}
		if _, isString := c.Value.Value.(string); isString {
			// textual literal that happens to parse as a number; only
			// coerce genuinely numeric values
			return n
		}
		switch prop.Kind {
		case model.KindBool:
			c.Value = &Literal{Value: f != 0}
			return c
		case model.KindString:
			c.Value = &Literal{Value: strconv.FormatFloat(f, 'f', -1, 64)}
			return c
		}
		return n
	}), nil
}

// AdjustCRS reprojects literal bounding values from the layer's exposed
// CRS into the storage CRS when the two differ. Failures to determine
// either CRS are logged and leave the filter unmodified; the adjustment
// is best-effort, never fatal.
func AdjustCRS(e Expr, ctx Context) (Expr, error) {
	if ctx.Catalog == nil || ctx.ExposedCRS == "" || ctx.StorageCRS == "" {
		return e, nil
	}
	if ctx.Catalog.Equivalent(ctx.ExposedCRS, ctx.StorageCRS) {
		return e, nil
	}
	if _, err := ctx.Catalog.Resolve(ctx.StorageCRS); err != nil {
		if ctx.Log != nil {
			ctx.Log.Warn("crs adjustment skipped", "type", ctx.TypeName.String(), "err", err)
		}
		return e, nil
	}
	var failed bool
	out := Rewrite(e, func(n Expr) Expr {
		sp, ok := n.(Spatial)
		if !ok || sp.Value == nil || failed {
			return n
		}
		from := sp.Value.CRS()
		if from == "" {
			from = ctx.ExposedCRS
		}
		if ctx.Catalog.Equivalent(from, ctx.StorageCRS) {
			return n
		}
		lit := &GeometryLiteral{}
		if sp.Value.BBox != nil {
			bb, err := ctx.Catalog.TransformBBox(*sp.Value.BBox, from, ctx.StorageCRS)
			if err != nil {
				failed = true
				if ctx.Log != nil {
					ctx.Log.Warn("bbox reprojection failed", "type", ctx.TypeName.String(), "err", err)
				}
				return n
			}
			lit.BBox = &bb
		}
		if sp.Value.Geometry != nil {
			g, err := ctx.Catalog.TransformGeometry(*sp.Value.Geometry, from, ctx.StorageCRS)
			if err != nil {
				failed = true
				if ctx.Log != nil {
					ctx.Log.Warn("geometry reprojection failed", "type", ctx.TypeName.String(), "err", err)
				}
				return n
			}
			lit.Geometry = &g
		}
		sp.Value = lit
		return sp
	})
	if failed {
		// pass the filter through untouched rather than half-reprojected
		return e, nil
	}
	return out, nil
}

// Validate walks the final tree and verifies every referenced property
// exists on the target type and that spatial operators are applied only
// to spatial properties. Identifier pseudo-properties are ignored.
func Validate(e Expr, t model.FeatureType) error {
	var vErr error
	Walk(e, func(n Expr) bool {
		if vErr != nil {
			return false
		}
		switch node := n.(type) {
		case Comparison:
			if !propertyKnown(t, node.Property.Path) {
				vErr = ows.Invalid("filter", "type %s has no property %q", t.Name, node.Property.Path)
				return false
			}
		case Spatial:
			name := rootSegment(node.Property.Path)
			prop, ok := t.Property(name)
			if !ok {
				vErr = ows.Invalid("filter", "type %s has no property %q", t.Name, node.Property.Path)
				return false
			}
			if prop.Kind != model.KindGeometry {
				vErr = ows.Invalid("filter", "property %q is not spatial", node.Property.Path)
				return false
			}
		}
		return true
	})
	return vErr
}

func propertyKnown(t model.FeatureType, path string) bool {
	if isIdentifierPseudo(path) {
		return true
	}
	_, ok := t.Property(rootSegment(path))
	return ok
}

func isIdentifierPseudo(path string) bool {
	switch path {
	case "@id", "id", "{http://www.opengis.net/gml/3.2}id":
		return true
	}
	return strings.HasSuffix(path, "}id") || strings.HasSuffix(path, "/@id")
}

func rootSegment(path string) string {
	head, _, _ := strings.Cut(path, "/")
	return head
}

// DigestString renders a deterministic textual form of the tree, used for
// cache-key digests.
func DigestString(e Expr) string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	writeDigest(&b, e)
	return b.String()
}

func writeDigest(b *strings.Builder, e Expr) {
	switch n := e.(type) {
	case Logical:
		fmt.Fprintf(b, "%s(", n.Op)
		for i, op := range n.Operands {
			if i > 0 {
				b.WriteByte(',')
			}
			writeDigest(b, op)
		}
		b.WriteByte(')')
	case Comparison:
		fmt.Fprintf(b, "%s(%s", n.Op, n.Property.Path)
		if n.Value != nil {
			fmt.Fprintf(b, "=%v", n.Value.Value)
		}
		b.WriteByte(')')
	case Spatial:
		fmt.Fprintf(b, "%s(%s,%s)", n.Op, n.Property.Path, n.Value.Bounds().String())
	case ResourceID:
		fmt.Fprintf(b, "rid(%s)", n.ID)
	default:
		fmt.Fprintf(b, "%v", n)
	}
}
