// Package scene is the small capability surface the pager renders through.
// Drawing and GPU upload are left to the host renderer behind RecordTraversal.
package scene

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common/rw"
)

// Node is anything the pager can place in the scene.
type Node interface {
	// Render visits the node for one frame.
	Render(rv RecordTraversal)
	// ComputeBound returns a world space sphere enclosing the node.
	ComputeBound() Sphere
	// Serialize writes the node for diagnostics and snapshots.
	Serialize(w *rw.ReaderWriter)
}

// RecordTraversal is the per-frame view of the host renderer.
type RecordTraversal interface {
	// LODDistance is the distance used for level selection, or a negative
	// value when the bound is culled.
	LODDistance(bound Sphere) float64
	ViewportHeight() float64
	Frame() uint64
	Time() time.Time
	// Record hands a drawable to the renderer.
	Record(n Node)
	// RequestFrame asks for another frame because work is still pending.
	RequestFrame()
}

// Compiler uploads new nodes before they are first rendered. Paged children
// of one parent are compiled together in a single call.
type Compiler interface {
	Compile(nodes ...Node) error
}

type CompilerFunc func(nodes ...Node) error

func (f CompilerFunc) Compile(nodes ...Node) error { return f(nodes...) }

// Group renders all of its children.
type Group struct {
	Children []Node
}

func NewGroup(children ...Node) *Group {
	return &Group{Children: children}
}

func (g *Group) Render(rv RecordTraversal) {
	for _, c := range g.Children {
		c.Render(rv)
	}
}

func (g *Group) ComputeBound() Sphere {
	var s Sphere
	for _, c := range g.Children {
		s.ExpandBySphere(c.ComputeBound())
	}
	return s
}

func (g *Group) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(TagGroup)
	w.WriteUInt32(uint32(len(g.Children)))
	for _, c := range g.Children {
		c.Serialize(w)
	}
}

// Transform places its child with a local-to-world matrix.
type Transform struct {
	Matrix mgl64.Mat4
	Child  Node
}

func (t *Transform) Render(rv RecordTraversal) {
	if t.Child != nil {
		t.Child.Render(rv)
	}
}

func (t *Transform) ComputeBound() Sphere {
	if t.Child == nil {
		return Sphere{}
	}
	return t.Child.ComputeBound().Transform(t.Matrix)
}

func (t *Transform) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(TagTransform)
	w.WriteFloat64s(t.Matrix[:])
	w.WriteBool(t.Child != nil)
	if t.Child != nil {
		t.Child.Serialize(w)
	}
}

// Serialization tags, one per node kind.
const (
	TagGroup uint8 = iota + 1
	TagTransform
	TagGeometry
	TagPagedNode
	TagTerrainTile
	TagPayload
)
