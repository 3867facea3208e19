package terrain

import (
	"fmt"
	"math"
	"time"

	"github.com/gorustyt/goterrain/geometry_pool"
)

// Settings control tile selection, geometry and paging of the terrain.
type Settings struct {
	// TileSize is the number of vertices along one tile edge.
	TileSize uint32
	// MinTileRangeFactor scales the visibility range of each level.
	MinTileRangeFactor float64
	// ScreenSpaceError, in pixels, is added to TilePixelSize before a tile
	// is compared against the viewport.
	ScreenSpaceError float64
	TilePixelSize    float64
	// MinLOD is the level of the root tiles.
	MinLOD uint32
	MaxLOD uint32

	SkirtRatio               float32
	MorphTerrain             bool
	RestrictPolarSubdivision bool
	// NormalizeEdges makes tiles track their east and south neighbors.
	NormalizeEdges bool
	// Concurrency is the number of loader workers.
	Concurrency int

	MinFramesBeforeUnload        uint64
	MinTimeBeforeUnload          time.Duration
	MinRangeBeforeUnload         float64
	MaxTilesToUnloadPerFrame     int
	MinResidentTilesBeforeUnload int
}

func DefaultSettings() Settings {
	return Settings{
		TileSize:                 17,
		MinTileRangeFactor:       7,
		ScreenSpaceError:         128,
		TilePixelSize:            256,
		MaxLOD:                   19,
		RestrictPolarSubdivision: true,
		Concurrency:              4,
		MinFramesBeforeUnload:    3,
		MinTimeBeforeUnload:      100 * time.Millisecond,
		MaxTilesToUnloadPerFrame: math.MaxInt,
	}
}

// Validate reports settings the engine cannot run with.
func (s Settings) Validate() error {
	switch {
	case s.TileSize < 2:
		return fmt.Errorf("terrain: tile size %d is less than 2", s.TileSize)
	case geometry_pool.NumVertices(s.geometrySettings()) > geometry_pool.MaxVertices:
		return fmt.Errorf("terrain: %w", s.geometrySettings().Validate())
	case s.MinLOD > s.MaxLOD:
		return fmt.Errorf("terrain: min LOD %d exceeds max LOD %d", s.MinLOD, s.MaxLOD)
	case s.MinTileRangeFactor <= 0:
		return fmt.Errorf("terrain: min tile range factor must be positive")
	case s.TilePixelSize+s.ScreenSpaceError <= 0:
		return fmt.Errorf("terrain: tile pixel size plus screen space error must be positive")
	case s.MaxTilesToUnloadPerFrame < 0 || s.MinResidentTilesBeforeUnload < 0:
		return fmt.Errorf("terrain: negative unload limits")
	}
	return nil
}

func (s Settings) geometrySettings() geometry_pool.Settings {
	return geometry_pool.Settings{
		TileSize:   s.TileSize,
		SkirtRatio: s.SkirtRatio,
		Morphing:   s.MorphTerrain,
	}
}
