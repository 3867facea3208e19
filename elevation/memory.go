package elevation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
)

// HeightFunc returns the height at (x, y) in the layer profile's SRS.
type HeightFunc func(x, y float64) float32

// MemoryLayer serves heightfields from tiles put into it, or generates them
// from a HeightFunc for any key.
type MemoryLayer struct {
	*Base
	Generate HeightFunc

	mu      sync.RWMutex
	tiles   map[geo.TileID]*Heightfield
	fetches atomic.Int64
}

func NewMemoryLayer(opts Options) *MemoryLayer {
	return &MemoryLayer{Base: NewBase(opts), tiles: make(map[geo.TileID]*Heightfield)}
}

// Put stores a heightfield for one key.
func (l *MemoryLayer) Put(key geo.TileKey, hf *Heightfield) {
	l.mu.Lock()
	l.tiles[key.ID()] = hf
	l.mu.Unlock()
	l.BumpRevision()
}

// Fetches counts CreateHeightfield calls.
func (l *MemoryLayer) Fetches() int64 { return l.fetches.Load() }

func (l *MemoryLayer) CreateHeightfield(ctx context.Context, key geo.TileKey) (*GeoHeightfield, error) {
	l.fetches.Add(1)
	if !l.IsOpen() {
		return nil, ErrNoLayer
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, jobs.ErrCanceled
	}
	if !key.Valid() {
		return nil, ErrResourceUnavailable
	}
	extent := key.Extent()

	l.mu.RLock()
	hf, ok := l.tiles[key.ID()]
	l.mu.RUnlock()
	if !ok {
		if l.Generate == nil {
			return nil, ErrResourceUnavailable
		}
		size := l.TileSize()
		hf = NewHeightfield(size, size)
		for r := 0; r < size; r++ {
			y := extent.YMin() + extent.Height()*float64(r)/float64(size-1)
			for c := 0; c < size; c++ {
				x := extent.XMin() + extent.Width()*float64(c)/float64(size-1)
				hf.SetHeightAt(c, r, l.Generate(x, y))
			}
		}
	}
	g := NewGeoHeightfield(hf, extent)
	g.Key = key
	return g, nil
}
