package pager

import (
	"context"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/scene"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

type tilePayload struct {
	key geo.TileKey
}

func (n *tilePayload) Render(rv scene.RecordTraversal) { rv.Record(n) }
func (n *tilePayload) ComputeBound() scene.Sphere      { return WorldBound(n.key.Extent(), false) }
func (n *tilePayload) Serialize(w *rw.ReaderWriter)    { w.WriteUInt32(n.key.Level) }

type fixture struct {
	pager    *NodePager
	view     *scene.View
	expired  []scene.Node
	disposed int
	compiled int
}

func newFixture(t *testing.T, maxLevel uint32) *fixture {
	f := &fixture{}
	p := NewNodePager(geo.GlobalGeodetic())
	p.MaxLevel = maxLevel
	p.CreatePayload = func(ctx context.Context, key geo.TileKey) scene.Node {
		return &tilePayload{key: key}
	}
	p.OnExpire = func(n scene.Node) { f.expired = append(f.expired, n) }
	p.Context = &scene.Context{
		Compiler: scene.CompilerFunc(func(nodes ...scene.Node) error {
			f.compiled++
			return nil
		}),
		OnDispose: func(scene.Node) { f.disposed++ },
	}
	assertTrue(t, p.Initialize(context.Background()), "initialize")
	f.pager = p
	f.view = scene.NewView(mgl64.Vec3{-90, 0, 10}, 1000)
	return f
}

// frame renders one frame and runs the pager update after it.
func (f *fixture) frame() []scene.Node {
	f.view.Advance(time.Now())
	f.pager.Render(f.view)
	f.pager.Update(f.view.Frame())
	return append([]scene.Node(nil), f.view.Drawn()...)
}

func (f *fixture) root(i int) *PagedNode {
	return f.pager.roots[i].(*PagedNode)
}

func TestInitializeBuildsRoots(t *testing.T) {
	f := newFixture(t, 3)
	assertTrue(t, len(f.pager.roots) == 2, "geodetic profile has two roots")
	assertTrue(t, f.root(0).Key().Equal(geo.NewTileKey(0, 0, 0, geo.GlobalGeodetic())), "first root key")
	assertTrue(t, f.root(0).Payload() != nil, "root payload")
	assertTrue(t, f.root(0).Bound().Valid(), "root bound")

	bad := NewNodePager(geo.GlobalGeodetic())
	assertTrue(t, !bad.Initialize(context.Background()), "missing payload factory is rejected")
}

func TestOutOfRangeNodeNeverLoads(t *testing.T) {
	f := newFixture(t, 3)
	loads := 0
	f.pager.SubtileLoaderFactory = func(key geo.TileKey) SubtileLoader {
		loads++
		return func(ctx context.Context) (scene.Node, error) { return nil, nil }
	}
	f.view.Eye = mgl64.Vec3{0, 0, 1e6}
	for i := 0; i < 3; i++ {
		drawn := f.frame()
		assertTrue(t, len(drawn) == 2, "only the root payloads are drawn")
	}
	assertTrue(t, loads == 0, "no subtile load is dispatched")
	assertTrue(t, f.root(0).Children() == nil && !f.root(0).Loading(), "root stays childless")
	assertTrue(t, f.pager.Tiles() == 2, "roots are tracked")
}

func TestInRangeLoadsAndReplaces(t *testing.T) {
	f := newFixture(t, 1)

	drawn := f.frame()
	assertTrue(t, len(drawn) == 2, "first frame draws the parents while children load")
	assertTrue(t, f.compiled == 2, "each quad is compiled in one call")
	c, ok := f.root(0).Children().(*scene.Group)
	assertTrue(t, ok && len(c.Children) == 4, "four leaf children")

	drawn = f.frame()
	assertTrue(t, len(drawn) == 8, "children replace both parents")
	for _, n := range drawn {
		assertTrue(t, n.(*tilePayload).key.Level == 1, "only level 1 is drawn")
	}
}

func TestAccumulateDrawsParentAndChildren(t *testing.T) {
	f := newFixture(t, 1)
	f.pager.RefinePolicy = Accumulate
	f.frame()
	drawn := f.frame()
	assertTrue(t, len(drawn) == 10, "parents and children are both drawn")
}

func TestUnloadFiresExpireAndBumpsRevision(t *testing.T) {
	f := newFixture(t, 2)
	f.frame()
	f.frame()
	root := f.root(0)
	group := root.Children().(*scene.Group)
	child := group.Children[0].(*PagedNode)
	assertTrue(t, child.Children() != nil, "level 1 loaded its own children")
	assertTrue(t, f.pager.Tiles() > 2, "children are tracked")

	f.view.Cull = func(scene.Sphere) bool { return true }
	unloaded := f.frame()
	assertTrue(t, len(unloaded) == 0, "everything is culled")
	assertTrue(t, f.pager.Tiles() == 0, "every node was flushed")
	assertTrue(t, len(f.expired) >= 2, "expire fired for the root quads")
	assertTrue(t, f.disposed >= 2, "expired quads are disposed")
	assertTrue(t, root.Children() == nil && root.Revision() == 1, "root reset")
	_, alive := f.pager.nodes.Get(child.ref)
	assertTrue(t, !alive, "detached nodes lose their handle")

	f.view.Cull = nil
	f.frame()
	assertTrue(t, root.Children() != nil, "reload after unload")
}

func TestCanceledLoadStaysNotReady(t *testing.T) {
	f := newFixture(t, 3)
	core, logs := observer.New(zap.WarnLevel)
	f.pager.log = zap.New(core)
	loads := 0
	f.pager.SubtileLoaderFactory = func(key geo.TileKey) SubtileLoader {
		loads++
		return func(ctx context.Context) (scene.Node, error) { return nil, jobs.ErrCanceled }
	}
	for i := 0; i < 3; i++ {
		drawn := f.frame()
		assertTrue(t, len(drawn) == 2, "ancestors keep drawing")
	}
	assertTrue(t, loads == 2, "one attempt per root, no retry")
	canceled := func() int {
		return logs.FilterMessage("subtile load was canceled, no subtiles available").Len()
	}
	assertTrue(t, canceled() == 2, "one warning per root, not per frame")

	f.view.Cull = func(scene.Sphere) bool { return true }
	f.frame()
	f.view.Cull = nil
	f.frame()
	assertTrue(t, loads == 4, "unload allows one more attempt")
	f.frame()
	assertTrue(t, canceled() == 4, "new revision warns again")
}

func TestPooledLoad(t *testing.T) {
	f := newFixture(t, 1)
	pool := jobs.NewPool("pager-test", 2)
	defer pool.Close()
	f.pager.Pool = pool

	f.frame()
	deadline := time.Now().Add(5 * time.Second)
	for f.root(0).Loading() || f.root(1).Loading() {
		if time.Now().After(deadline) {
			t.Fatal("load did not finish")
		}
		time.Sleep(time.Millisecond)
	}
	drawn := f.frame()
	assertTrue(t, len(drawn) == 8, "children arrive from the pool")
}

func TestTileKeysAndClose(t *testing.T) {
	f := newFixture(t, 3)
	f.view.Eye = mgl64.Vec3{0, 0, 1e6}
	f.frame()
	keys := f.pager.TileKeys()
	assertTrue(t, len(keys) == 2, "two keys")
	seen := map[geo.TileID]bool{}
	for _, k := range keys {
		seen[k.ID()] = true
	}
	assertTrue(t, seen[geo.TileID{Level: 0, X: 0, Y: 0}] && seen[geo.TileID{Level: 0, X: 1, Y: 0}], "root keys listed")

	f.pager.Close()
	assertTrue(t, f.pager.Tiles() == 0, "close clears the tracker")
	assertTrue(t, f.pager.Update(10) == 0, "closed pager does nothing")
}

func TestWorldBoundCoversExtent(t *testing.T) {
	key := geo.NewTileKey(0, 0, 0, geo.GlobalGeodetic())
	b := WorldBound(key.Extent(), true)
	assertTrue(t, b.Valid(), "valid bound")
	assertTrue(t, b.Radius > 6e6, "geocentric hemisphere bound is planet sized")
	flat := WorldBound(key.Extent(), false)
	assertTrue(t, flat.Contains(mgl64.Vec3{-180, -90, 0}), "flat bound holds the corner")
}
