package filter

import (
	"encoding/json"
	"fmt"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
)

// Node is the JSON wire form of a predicate tree, used by the stored-query
// document and the KVP filter parameter.
type Node struct {
	Kind     string          `json:"kind"`
	Op       string          `json:"op,omitempty"`
	Operands []Node          `json:"operands,omitempty"`
	Property string          `json:"property,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	BBox     *model.BBox     `json:"bbox,omitempty"`
	Geometry *model.Geometry `json:"geometry,omitempty"`
	ID       string          `json:"id,omitempty"`
}

const (
	nodeLogical    = "logical"
	nodeComparison = "comparison"
	nodeSpatial    = "spatial"
	nodeResourceID = "resourceid"
)

// Encode renders an expression tree as its wire form.
func Encode(e Expr) (Node, error) {
	switch n := e.(type) {
	case Logical:
		out := Node{Kind: nodeLogical, Op: string(n.Op)}
		for _, op := range n.Operands {
			child, err := Encode(op)
			if err != nil {
				return Node{}, err
			}
			out.Operands = append(out.Operands, child)
		}
		return out, nil
	case Comparison:
		out := Node{Kind: nodeComparison, Op: string(n.Op), Property: n.Property.Path}
		if n.Value != nil {
			raw, err := json.Marshal(n.Value.Value)
			if err != nil {
				return Node{}, err
			}
			out.Value = raw
		}
		return out, nil
	case Spatial:
		out := Node{Kind: nodeSpatial, Op: string(n.Op), Property: n.Property.Path}
		if n.Value != nil {
			out.BBox = n.Value.BBox
			out.Geometry = n.Value.Geometry
		}
		return out, nil
	case ResourceID:
		return Node{Kind: nodeResourceID, ID: n.ID}, nil
	}
	return Node{}, fmt.Errorf("unsupported filter construct %T", e)
}

// Decode rebuilds an expression tree from its wire form.
func Decode(n Node) (Expr, error) {
	switch n.Kind {
	case nodeLogical:
		out := Logical{Op: LogicalOp(n.Op)}
		switch out.Op {
		case And, Or, Not:
		default:
			return nil, fmt.Errorf("unknown logical operator %q", n.Op)
		}
		for _, child := range n.Operands {
			op, err := Decode(child)
			if err != nil {
				return nil, err
			}
			out.Operands = append(out.Operands, op)
		}
		return out, nil
	case nodeComparison:
		out := Comparison{Op: CompareOp(n.Op), Property: PropertyRef{Path: n.Property}}
		if len(n.Value) > 0 {
			var v any
			if err := json.Unmarshal(n.Value, &v); err != nil {
				return nil, fmt.Errorf("comparison literal: %w", err)
			}
			out.Value = &Literal{Value: v}
		}
		return out, nil
	case nodeSpatial:
		out := Spatial{Op: SpatialOp(n.Op), Property: PropertyRef{Path: n.Property}}
		if n.BBox != nil || n.Geometry != nil {
			out.Value = &GeometryLiteral{BBox: n.BBox, Geometry: n.Geometry}
		}
		return out, nil
	case nodeResourceID:
		return ResourceID{ID: n.ID}, nil
	}
	return nil, fmt.Errorf("unknown filter node kind %q", n.Kind)
}
