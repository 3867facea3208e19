package terrain

import (
	"context"
	"math"

	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/metrics"
	"go.uber.org/zap"
)

// LoadTileDataOperation loads the data of one tile in the background and
// merges it on the frame goroutine. It holds a handle to the tile rather
// than the tile itself, so a tile released meanwhile lets the job drop out.
type LoadTileDataOperation struct {
	engine       *Engine
	manifest     Manifest
	key          geo.TileKey
	ref          common.Ref
	enableCancel bool
	dispatched   bool
	merged       bool
	result       *jobs.Future[*TileModel]
}

// NewLoadTileDataOperation prepares a load of manifest's layers for tile.
// An empty manifest loads every layer.
func NewLoadTileDataOperation(e *Engine, tile *TileNode, manifest Manifest) *LoadTileDataOperation {
	return &LoadTileDataOperation{
		engine:       e,
		manifest:     manifest,
		key:          tile.Key,
		ref:          tile.ref,
		enableCancel: true,
	}
}

// SetEnableCancelation controls whether the job honors cancellation.
func (op *LoadTileDataOperation) SetEnableCancelation(v bool) { op.enableCancel = v }

func (op *LoadTileDataOperation) tile() *TileNode {
	if op.engine == nil {
		return nil
	}
	t, _ := op.engine.Tiles.handles.Get(op.ref)
	return t
}

// Dispatch starts the load, on the engine's pool when async is set and on
// the calling goroutine otherwise. It returns false when the tile is gone.
func (op *LoadTileDataOperation) Dispatch(async bool) bool {
	if op.dispatched {
		return op.result != nil
	}
	op.dispatched = true
	if op.tile() == nil {
		return false
	}

	e := op.engine
	m := e.Map
	key := op.key
	manifest := op.manifest.Clone()

	load := func(ctx context.Context) (*TileModel, error) {
		if op.tile() == nil {
			return nil, jobs.ErrCanceled
		}
		if !op.enableCancel {
			ctx = context.WithoutCancel(ctx)
		}
		model, err := e.Factory.CreateTileModel(ctx, m, key, manifest)
		if err != nil {
			return nil, err
		}
		e.Context.RequestFrame()
		return model, nil
	}

	priority := func() float32 {
		t := op.tile()
		if t == nil {
			return float32(math.Inf(1))
		}
		return -float32(math.Sqrt(float64(t.LastTraversalRange())) * float64(key.Level))
	}

	pool := e.Pool
	if !async {
		pool = nil
	}
	op.result = jobs.Dispatch(pool, load, priority, context.Background())
	return true
}

// Merge installs the loaded model into the tile. It returns false when
// there is nothing to merge or the model is stale; a stale model queues a
// fresh load of the same layers. A result that has not completed leaves the
// operation untouched so it can be merged later.
func (op *LoadTileDataOperation) Merge() bool {
	e := op.engine
	if e == nil || e.Map == nil {
		return false
	}
	tile := op.tile()
	if tile == nil {
		return false
	}
	if op.result == nil || !op.result.Available() {
		e.log.Warn("merging an unavailable tile model", zap.Stringer("key", op.key))
		return false
	}
	op.merged = true
	model := op.result.Value()
	if model == nil {
		return false
	}

	if model.Revision != e.Map.Revision() || !op.manifest.InSyncWith(e.Map) {
		manifest := op.manifest.Clone()
		manifest.UpdateRevisions(e.Map)
		tile.refreshLayers(manifest)
		metrics.DataMergesTotal.WithLabelValues("stale").Inc()
		return false
	}

	tile.merge(model)
	metrics.DataMergesTotal.WithLabelValues("merged").Inc()
	return true
}

func (op *LoadTileDataOperation) Available() bool { return op.result != nil && op.result.Available() }

func (op *LoadTileDataOperation) Working() bool { return op.result != nil && op.result.Working() }

func (op *LoadTileDataOperation) Dispatched() bool { return op.dispatched }

func (op *LoadTileDataOperation) Merged() bool { return op.merged }

func (op *LoadTileDataOperation) Cancel() {
	if op.result != nil {
		op.result.Cancel()
	}
}
