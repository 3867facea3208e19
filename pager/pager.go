// Package pager pages a quadtree of scene nodes in and out by screen space
// error. Children of a node load asynchronously once the node's bound is
// large enough on screen, and nodes that stop being visited are unloaded by
// a sentry flush.
package pager

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/metrics"
	"github.com/gorustyt/goterrain/scene"
	"github.com/gorustyt/goterrain/sentry"
	"go.uber.org/zap"
)

type RefinePolicy int

const (
	// Replace draws children instead of the parent once they are ready.
	Replace RefinePolicy = iota
	// Accumulate draws children on top of the parent.
	Accumulate
)

func (r RefinePolicy) String() string {
	if r == Accumulate {
		return "accumulate"
	}
	return "replace"
}

// SubtileLoader builds the children of one node. It returns nil when there
// is nothing to add, and should return early when ctx ends.
type SubtileLoader func(ctx context.Context) (scene.Node, error)

const (
	DefaultMaxLevel   = 18
	DefaultPixelError = 512
)

// NodePager is the root of a paged quadtree. Fill in the exported fields,
// then call Initialize.
type NodePager struct {
	Profile *geo.Profile
	// CreatePayload returns the drawable for a key, or nil when the key has
	// no content of its own.
	CreatePayload func(ctx context.Context, key geo.TileKey) scene.Node
	// CalculateBound overrides the default bound computed from the key extent.
	CalculateBound func(ctx context.Context, key geo.TileKey) scene.Sphere
	// OnExpire is called with the children of a node right before they are
	// disposed.
	OnExpire func(n scene.Node)
	// SubtileLoaderFactory replaces the default four-child loader.
	SubtileLoaderFactory func(key geo.TileKey) SubtileLoader

	MinLevel     uint32
	MaxLevel     uint32
	RefinePolicy RefinePolicy
	PixelError   float64
	// Geocentric places default bounds on the ellipsoid.
	Geocentric bool
	// DebugKey logs each visit of one key.
	DebugKey geo.TileKey

	Pool    *jobs.Pool
	Context *scene.Context

	active          atomic.Bool
	roots           []scene.Node
	sentryMu        sync.Mutex
	sentry          *sentry.Tracker[*PagedNode]
	lastUpdateFrame uint64
	nodes           *common.Arena[*PagedNode]
	log             *zap.Logger
}

func NewNodePager(profile *geo.Profile) *NodePager {
	common.SoftAssert(profile.Valid(), "node pager needs a valid profile")
	return &NodePager{
		Profile:    profile,
		MaxLevel:   DefaultMaxLevel,
		PixelError: DefaultPixelError,
		sentry:     sentry.New[*PagedNode](),
		nodes:      common.NewArena[*PagedNode](),
		log:        logger.Named("pager"),
	}
}

// Initialize builds the root nodes of the profile. It returns false when
// the pager is misconfigured.
func (p *NodePager) Initialize(ctx context.Context) bool {
	if p.sentry == nil {
		p.sentry = sentry.New[*PagedNode]()
	}
	if p.nodes == nil {
		p.nodes = common.NewArena[*PagedNode]()
	}
	if p.log == nil {
		p.log = logger.Named("pager")
	}
	if !common.SoftAssert(p.Profile.Valid(), "node pager needs a valid profile") ||
		!common.SoftAssert(p.CreatePayload != nil, "node pager needs a CreatePayload function") ||
		!common.SoftAssert(p.MinLevel <= p.MaxLevel, "node pager min level exceeds max level") {
		return false
	}
	if p.PixelError <= 0 {
		p.PixelError = DefaultPixelError
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.active.Store(true)
	for _, root := range p.roots {
		p.release(root)
	}
	p.roots = p.roots[:0]
	for _, key := range p.Profile.RootKeys() {
		if n := p.createNode(ctx, key); n != nil {
			p.roots = append(p.roots, n)
		}
	}
	p.log.Debug("initialized", zap.Int("roots", len(p.roots)),
		zap.Uint32("minLevel", p.MinLevel), zap.Uint32("maxLevel", p.MaxLevel),
		zap.Stringer("refine", p.RefinePolicy))
	return true
}

// Update flushes nodes that were not visited since the previous frame. It
// returns the number of nodes unloaded.
func (p *NodePager) Update(frame uint64) int {
	if !p.active.Load() {
		return 0
	}
	n := 0
	if frame > p.lastUpdateFrame {
		p.sentryMu.Lock()
		n = p.sentry.Flush(math.MaxInt, 0, func(node *PagedNode) bool {
			if node != nil {
				node.unload()
			}
			return true
		})
		p.sentryMu.Unlock()
		metrics.PagerUnloadsTotal.Add(float64(n))
	}
	p.lastUpdateFrame = frame
	return n
}

// Close cancels pending loads and drops every node. The pager must be
// initialized again before use.
func (p *NodePager) Close() {
	if !p.active.Swap(false) {
		return
	}
	p.sentryMu.Lock()
	p.sentry.Reset()
	p.sentryMu.Unlock()
	for _, root := range p.roots {
		p.release(root)
	}
	p.roots = nil
}

func (p *NodePager) Render(rv scene.RecordTraversal) {
	for _, root := range p.roots {
		root.Render(rv)
	}
}

func (p *NodePager) ComputeBound() scene.Sphere {
	var s scene.Sphere
	for _, root := range p.roots {
		s.ExpandBySphere(root.ComputeBound())
	}
	return s
}

func (p *NodePager) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagGroup)
	w.WriteUInt32(uint32(len(p.roots)))
	for _, root := range p.roots {
		root.Serialize(w)
	}
}

// Tiles is the number of paged nodes visited since the last flush or still
// awaiting one.
func (p *NodePager) Tiles() int {
	p.sentryMu.Lock()
	defer p.sentryMu.Unlock()
	return p.sentry.Size()
}

// TileKeys lists the keys of the tracked nodes, most recently visited first.
func (p *NodePager) TileKeys() []geo.TileKey {
	p.sentryMu.Lock()
	defer p.sentryMu.Unlock()
	items := p.sentry.Snapshot()
	keys := make([]geo.TileKey, 0, len(items))
	for _, n := range items {
		if n != nil {
			keys = append(keys, n.key)
		}
	}
	return keys
}

func (p *NodePager) touch(n *PagedNode, h sentry.Handle) sentry.Handle {
	if !p.active.Load() {
		return sentry.Handle{}
	}
	p.sentryMu.Lock()
	defer p.sentryMu.Unlock()
	return p.sentry.Use(n, h)
}

// createNode returns a paged node when the key can be refined, the bare
// payload for a leaf, or nil when canceled or empty.
func (p *NodePager) createNode(ctx context.Context, key geo.TileKey) scene.Node {
	var bound scene.Sphere
	if p.CalculateBound != nil {
		bound = p.CalculateBound(ctx, key)
	} else {
		bound = WorldBound(key.Extent(), p.Geocentric)
	}

	haveChildren := key.Level < p.MaxLevel
	mayHavePayload := key.Level >= p.MinLevel

	var payload scene.Node
	if mayHavePayload {
		payload = p.CreatePayload(ctx, key)
	}
	if ctx.Err() != nil {
		return nil
	}

	if haveChildren {
		n := &PagedNode{
			key:          key,
			bound:        bound,
			payload:      payload,
			pager:        p,
			canLoadChild: true,
		}
		n.setPriority(float32(key.Level))
		n.ref = p.nodes.Insert(n)
		return n
	}
	if payload != nil {
		return payload
	}
	return nil
}

func (p *NodePager) subtileLoader(key geo.TileKey) SubtileLoader {
	if !p.active.Load() {
		return nil
	}
	if p.SubtileLoaderFactory != nil {
		return p.SubtileLoaderFactory(key)
	}
	return func(ctx context.Context) (scene.Node, error) {
		var result *scene.Group
		for i := uint32(0); i < 4; i++ {
			if ctx.Err() != nil {
				if result != nil {
					p.detach(result)
				}
				return nil, jobs.ErrCanceled
			}
			if child := p.createNode(ctx, key.CreateChildKey(i)); child != nil {
				if result == nil {
					result = scene.NewGroup()
				}
				result.Children = append(result.Children, child)
			}
		}
		if result == nil {
			return nil, nil
		}
		if err := p.Context.Compile(result.Children...); err != nil {
			return nil, err
		}
		return result, nil
	}
}

// release detaches n and everything below it, then disposes n.
func (p *NodePager) release(n scene.Node) {
	p.detach(n)
	p.Context.Dispose(n)
}

// detach invalidates the handles of every paged node under n and cancels
// their loads.
func (p *NodePager) detach(n scene.Node) {
	switch v := n.(type) {
	case *PagedNode:
		p.nodes.Remove(v.ref)
		if v.child != nil {
			v.child.Cancel()
			if v.child.Available() {
				p.detach(v.child.Value())
			}
		}
	case *scene.Group:
		for _, c := range v.Children {
			p.detach(c)
		}
	}
}

// WorldBound encloses the corners, edge midpoints and centroid of extent.
func WorldBound(extent geo.GeoExtent, geocentric bool) scene.Sphere {
	var s scene.Sphere
	if !extent.Valid() {
		return s
	}
	srs := extent.SRS()
	xs := [3]float64{extent.West(), (extent.West() + extent.East()) / 2, extent.East()}
	ys := [3]float64{extent.South(), (extent.South() + extent.North()) / 2, extent.North()}
	for _, x := range xs {
		for _, y := range ys {
			pt := mgl64.Vec3{x, y, 0}
			if geocentric {
				pt = srs.ToWorld(pt)
			}
			s.ExpandBy(pt)
		}
	}
	return s
}
