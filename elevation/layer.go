package elevation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorustyt/goterrain/geo"
)

var (
	// ErrNoLayer is returned when no elevation layer is set or it is closed.
	ErrNoLayer = errors.New("elevation: layer is not set or not open")
	// ErrResourceUnavailable means the source has no data for the key. It
	// is not a read error.
	ErrResourceUnavailable = errors.New("elevation: resource unavailable")
)

// Layer produces heightfields by tile key.
type Layer interface {
	Name() string
	UID() uint64
	// Revision changes whenever the layer's data changes.
	Revision() int64
	Profile() *geo.Profile
	TileSize() int
	IsOpen() bool
	CreateHeightfield(ctx context.Context, key geo.TileKey) (*GeoHeightfield, error)
	// BestAvailableTileKey returns the key, or its closest ancestor, at which
	// the layer has data. It returns an invalid key when there is none.
	BestAvailableTileKey(key geo.TileKey) geo.TileKey
}

// DataExtent is an area where a layer has data between two levels. A zero
// MaxLevel means unbounded.
type DataExtent struct {
	Extent   geo.GeoExtent
	MinLevel uint32
	MaxLevel uint32
}

const DefaultTileSize = 257

type Options struct {
	Name    string
	Profile *geo.Profile
	// TileSize is the number of samples per side.
	TileSize int
	MinLevel uint32
	// MaxLevel of zero means unbounded.
	MaxLevel uint32
	// MaxDataLevel is the deepest level with real data; deeper keys fall
	// back to their ancestor at this level.
	MaxDataLevel uint32
	DataExtents  []DataExtent
}

var layerUIDs atomic.Uint64

// Base implements the bookkeeping shared by layers. Embed it and implement
// CreateHeightfield.
type Base struct {
	opts     Options
	uid      uint64
	revision atomic.Int64
	open     atomic.Bool
	mu       sync.RWMutex
}

func NewBase(opts Options) *Base {
	if opts.Profile == nil {
		opts.Profile = geo.GlobalGeodetic()
	}
	if opts.TileSize <= 0 {
		opts.TileSize = DefaultTileSize
	}
	if opts.MaxDataLevel == 0 {
		opts.MaxDataLevel = 99
	}
	b := &Base{opts: opts, uid: layerUIDs.Add(1)}
	b.revision.Store(1)
	b.open.Store(true)
	return b
}

func (b *Base) Name() string          { return b.opts.Name }
func (b *Base) UID() uint64           { return b.uid }
func (b *Base) Revision() int64       { return b.revision.Load() }
func (b *Base) Profile() *geo.Profile { return b.opts.Profile }
func (b *Base) TileSize() int         { return b.opts.TileSize }
func (b *Base) IsOpen() bool          { return b.open.Load() }

// BumpRevision marks the layer's data as changed.
func (b *Base) BumpRevision() int64 { return b.revision.Add(1) }

func (b *Base) Close() { b.open.Store(false) }

// SetDataExtents replaces the layer's data extents.
func (b *Base) SetDataExtents(extents []DataExtent) {
	b.mu.Lock()
	b.opts.DataExtents = append([]DataExtent(nil), extents...)
	b.mu.Unlock()
	b.BumpRevision()
}

func (b *Base) BestAvailableTileKey(key geo.TileKey) geo.TileKey {
	if !key.Valid() {
		return geo.InvalidKey
	}
	mdl := b.opts.MaxDataLevel
	localLOD := b.opts.Profile.EquivalentLOD(key.Profile, key.Level)

	if (b.opts.MaxLevel > 0 && localLOD > b.opts.MaxLevel) || localLOD < b.opts.MinLevel {
		return geo.InvalidKey
	}

	limited := func() geo.TileKey {
		if localLOD > mdl {
			return key.CreateAncestorKey(mdl)
		}
		return key
	}

	b.mu.RLock()
	extents := b.opts.DataExtents
	b.mu.RUnlock()
	if len(extents) == 0 {
		return limited()
	}

	keyExtent := key.Extent()
	intersects := false
	var highest uint32
	for _, de := range extents {
		if !de.Extent.Intersects(keyExtent) || localLOD < de.MinLevel {
			continue
		}
		intersects = true
		if de.MaxLevel == 0 || localLOD <= de.MaxLevel {
			return limited()
		}
		highest = max(highest, de.MaxLevel)
	}
	if intersects {
		return key.CreateAncestorKey(min(key.Level, min(highest, mdl)))
	}
	return geo.InvalidKey
}

// MayHaveData reports whether the layer has data at exactly this key.
func MayHaveData(l Layer, key geo.TileKey) bool {
	return key.Equal(l.BestAvailableTileKey(key))
}
