package pager

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/metrics"
	"github.com/gorustyt/goterrain/scene"
	"github.com/gorustyt/goterrain/sentry"
	"go.uber.org/zap"
)

// PagedNode is one quadtree node that may load children.
//
// Render, unload and the child future are owned by the frame goroutine.
// Only the priority and the arena ref are read by workers.
type PagedNode struct {
	key          geo.TileKey
	bound        scene.Sphere
	payload      scene.Node
	pager        *NodePager
	canLoadChild bool

	child    *jobs.Future[scene.Node]
	revision int
	// warned is set once the canceled child of this revision was reported.
	warned   bool
	loadGate atomic.Bool
	token    sentry.Handle
	priority atomic.Uint32
	ref      common.Ref
}

func (n *PagedNode) Key() geo.TileKey      { return n.key }
func (n *PagedNode) Payload() scene.Node   { return n.payload }
func (n *PagedNode) Revision() int         { return n.revision }
func (n *PagedNode) Bound() scene.Sphere   { return n.bound }
func (n *PagedNode) Priority() float32     { return math.Float32frombits(n.priority.Load()) }
func (n *PagedNode) setPriority(v float32) { n.priority.Store(math.Float32bits(v)) }

// Children returns the loaded subtiles, or nil.
func (n *PagedNode) Children() scene.Node {
	if n.child == nil || !n.child.Available() {
		return nil
	}
	return n.child.Value()
}

// Loading reports whether a subtile load is in flight.
func (n *PagedNode) Loading() bool { return n.child != nil && n.child.Working() }

func (n *PagedNode) Render(rv scene.RecordTraversal) {
	p := n.pager
	if !common.SoftAssert(p != nil, "paged node without a pager") {
		return
	}

	d := rv.LODDistance(n.bound)
	if d < 0 {
		return
	}

	if !n.canLoadChild {
		if n.payload != nil {
			n.payload.Render(rv)
		}
		n.token = p.touch(n, n.token)
		return
	}

	minScreenHeightRatio := p.PixelError / rv.ViewportHeight()
	childInRange := d > 0 && n.bound.Radius > d*minScreenHeightRatio
	n.setPriority(float32(-d))

	if p.DebugKey.Valid() && n.key.Equal(p.DebugKey) {
		p.log.Debug("debugging", zap.Stringer("key", n.key),
			zap.Float64("distance", d), zap.Bool("inRange", childInRange))
	}

	childValue := n.Children()

	if n.payload != nil {
		if p.RefinePolicy == Accumulate || !childInRange || childValue == nil {
			n.payload.Render(rv)
		}
	}

	if childInRange {
		if !n.loadGate.Swap(true) {
			n.startLoading()
		} else if n.child != nil && n.child.Working() {
			rv.RequestFrame()
		} else if n.child != nil && n.child.Canceled() && !n.warned {
			n.warned = true
			p.log.Warn("subtile load was canceled, no subtiles available", zap.Stringer("key", n.key),
				zap.Int("revision", n.revision))
		}
		if childValue != nil {
			childValue.Render(rv)
		}
	}

	n.token = p.touch(n, n.token)
}

func (n *PagedNode) ComputeBound() scene.Sphere { return n.bound }

func (n *PagedNode) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagPagedNode)
	w.WriteUInt32(n.key.Level)
	w.WriteUInt32(n.key.X)
	w.WriteUInt32(n.key.Y)
	w.WriteBool(n.payload != nil)
	if n.payload != nil {
		n.payload.Serialize(w)
	}
	c := n.Children()
	w.WriteBool(c != nil)
	if c != nil {
		c.Serialize(w)
	}
}

func (n *PagedNode) startLoading() {
	p := n.pager
	load := p.subtileLoader(n.key)
	if !common.SoftAssert(load != nil, "no subtile loader", zap.Stringer("key", n.key)) {
		return
	}

	ref, nodes := n.ref, p.nodes
	priority := func() float32 {
		// 节点已经卸载，尽快出队并丢弃
		if _, ok := nodes.Get(ref); !ok {
			return float32(math.Inf(1))
		}
		return n.Priority()
	}
	job := func(ctx context.Context) (scene.Node, error) {
		if _, ok := nodes.Get(ref); !ok {
			return nil, jobs.ErrCanceled
		}
		result, err := load(ctx)
		if result != nil && (err != nil || ctx.Err() != nil) {
			p.detach(result)
		}
		return result, err
	}
	n.child = jobs.Dispatch(p.Pool, job, priority, context.Background())
	metrics.SubtileLoadsTotal.Inc()
}

// unload drops the children and returns the node to its initial state.
func (n *PagedNode) unload() {
	p := n.pager
	if n.child != nil {
		if c := n.Children(); c != nil {
			if p.OnExpire != nil {
				p.OnExpire(c)
			}
			p.detach(c)
			p.Context.Dispose(c)
		}
		n.child.Cancel()
	}
	n.child = nil
	n.warned = false
	n.loadGate.Store(false)
	n.token = sentry.Handle{}
	n.revision++
}
