package terrain

import (
	"math"
	"time"

	"github.com/gorustyt/goterrain/common/logger"
	"go.uber.org/zap"
)

// Unloader decides when dormant tiles leave the registry.
type Unloader struct {
	// MaxAge is how long a tile may go unvisited before it can expire.
	MaxAge time.Duration
	// FrameGrace is how many frames a tile may go unvisited.
	FrameGrace uint64
	// MinRange keeps tiles closer than this resident.
	MinRange                 float64
	MaxTilesToUnloadPerFrame int
	MinResidentTiles         int

	log *zap.Logger
}

func NewUnloader(s Settings) *Unloader {
	grace := s.MinFramesBeforeUnload
	if grace == 0 {
		grace = 3
	}
	maxCount := s.MaxTilesToUnloadPerFrame
	if maxCount <= 0 {
		maxCount = math.MaxInt
	}
	return &Unloader{
		MaxAge:                   s.MinTimeBeforeUnload,
		FrameGrace:               grace,
		MinRange:                 s.MinRangeBeforeUnload,
		MaxTilesToUnloadPerFrame: maxCount,
		MinResidentTiles:         s.MinResidentTilesBeforeUnload,
		log:                      logger.Named("unloader"),
	}
}

// Update expires dormant tiles once the registry holds more than
// MinResidentTiles.
func (u *Unloader) Update(r *Registry, frame uint64, now time.Time) int {
	if r.Size() <= u.MinResidentTiles {
		return 0
	}
	oldestFrame := frame
	if oldestFrame < u.FrameGrace {
		oldestFrame = u.FrameGrace
	}
	oldestFrame -= u.FrameGrace

	n := r.CollectDormantTiles(now.Add(-u.MaxAge), oldestFrame, u.MinRange,
		u.MaxTilesToUnloadPerFrame, u.MinResidentTiles)
	if n > 0 {
		u.log.Debug("unloaded dormant tiles", zap.Int("count", n),
			zap.Uint64("frame", frame), zap.Int("resident", r.Size()))
	}
	return n
}
