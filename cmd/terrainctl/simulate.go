package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/common/rw"
	"github.com/gorustyt/goterrain/config"
	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"github.com/gorustyt/goterrain/metrics"
	"github.com/gorustyt/goterrain/pager"
	"github.com/gorustyt/goterrain/scene"
	"github.com/gorustyt/goterrain/terrain"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	engineTerrain = "terrain"
	enginePager   = "pager"
)

// flightFlags are shared by simulate and snapshot.
func flightFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "engine",
			Usage: "terrain (tile engine) or pager (generic node pager)",
			Value: engineTerrain,
		},
		&cli.IntFlag{
			Name:  "frames",
			Usage: "frames of the descent",
			Value: 600,
		},
		&cli.IntFlag{
			Name:  "settle",
			Usage: "extra frames at the final altitude while loads finish",
			Value: 240,
		},
		&cli.Float64Flag{Name: "lon", Usage: "target longitude in degrees"},
		&cli.Float64Flag{Name: "lat", Usage: "target latitude in degrees"},
		&cli.Float64Flag{
			Name:  "from",
			Usage: "start altitude in meters",
			Value: 2e7,
		},
		&cli.Float64Flag{
			Name:  "to",
			Usage: "final altitude in meters",
			Value: 1000,
		},
		&cli.Float64Flag{
			Name:  "viewport",
			Usage: "viewport height in pixels",
			Value: 1080,
		},
		&cli.DurationFlag{
			Name:  "step",
			Usage: "simulated time between frames",
			Value: 16 * time.Millisecond,
		},
		&cli.IntFlag{
			Name:  "pager-max-level",
			Usage: "deepest level of the node pager",
			Value: 12,
		},
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:   "simulate",
		Usage:  "fly a camera down to a point and report tile residency",
		Action: commandSimulate,
		Flags: append(flightFlags(),
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve prometheus metrics on this address until interrupted",
			},
		),
	}
}

type flight struct {
	Engine        string
	Frames        int
	Settle        int
	Lon, Lat      float64
	From, To      float64
	Viewport      float64
	Step          time.Duration
	PagerMaxLevel uint32
}

func flightFromFlags(ctx *cli.Context) flight {
	return flight{
		Engine:        ctx.String("engine"),
		Frames:        ctx.Int("frames"),
		Settle:        ctx.Int("settle"),
		Lon:           ctx.Float64("lon"),
		Lat:           ctx.Float64("lat"),
		From:          ctx.Float64("from"),
		To:            ctx.Float64("to"),
		Viewport:      ctx.Float64("viewport"),
		Step:          ctx.Duration("step"),
		PagerMaxLevel: uint32(max(ctx.Int("pager-max-level"), 0)),
	}
}

func (f flight) validate() error {
	switch {
	case f.Engine != engineTerrain && f.Engine != enginePager:
		return fmt.Errorf("unknown engine %q", f.Engine)
	case f.Frames < 1:
		return errors.New("frames must be positive")
	case f.From <= 0 || f.To <= 0:
		return errors.New("altitudes must be positive")
	case f.Lat < -90 || f.Lat > 90:
		return fmt.Errorf("latitude %g out of range", f.Lat)
	case f.Viewport <= 0:
		return errors.New("viewport must be positive")
	}
	return nil
}

// altitudeAt interpolates the altitude of frame i logarithmically so the
// descent spends as long near the ground as it does in orbit.
func altitudeAt(from, to float64, i, frames int) float64 {
	if frames <= 1 || i >= frames-1 {
		return to
	}
	t := float64(i) / float64(frames-1)
	return from * math.Pow(to/from, t)
}

type flightResult struct {
	Profile *geo.Profile
	Keys    []geo.TileKey
	Frames  int
	Drawn   int
	Elapsed time.Duration
}

// stepFunc renders one frame into v and runs the per-frame update. It
// reports whether work is still pending.
type stepFunc func(v *scene.View) (bool, error)

// fly runs the descent and then the settle frames, stopping early once
// nothing is pending after the descent.
func fly(ctx context.Context, f flight, step stepFunc) (frames, drawn int, err error) {
	view := scene.NewView(mgl64.Vec3{}, f.Viewport)
	now := time.Now()
	for i := 0; i < f.Frames+f.Settle; i++ {
		if err := ctx.Err(); err != nil {
			return frames, drawn, err
		}
		alt := altitudeAt(f.From, f.To, i, f.Frames)
		view.Eye = geo.SRSWGS84.ToWorld(mgl64.Vec3{f.Lon, f.Lat, alt})
		now = now.Add(f.Step)
		view.Advance(now)
		busy, err := step(view)
		if err != nil {
			return frames, drawn, err
		}
		frames++
		drawn = len(view.Drawn())
		if i >= f.Frames && !busy {
			break
		}
	}
	return frames, drawn, nil
}

func runFlight(ctx context.Context, cfg *config.Config, f flight) (*flightResult, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	profile, err := cfg.OpenProfile()
	if err != nil {
		return nil, err
	}
	s, err := cfg.TerrainSettings()
	if err != nil {
		return nil, err
	}
	m, err := cfg.BuildMap()
	if err != nil {
		return nil, err
	}
	if m.ElevationLayer() == nil {
		logger.Named("simulate").Info("no elevation configured, using synthetic terrain")
		m.AddLayer(syntheticLayer(profile, int(s.TileSize)))
	}

	pool := jobs.NewPool("loader", s.Concurrency)
	defer pool.Close()

	start := time.Now()
	res := &flightResult{Profile: profile}
	switch f.Engine {
	case enginePager:
		err = flyPager(ctx, m, profile, pool, f, res)
	default:
		err = flyTerrain(ctx, m, profile, s, pool, f, res)
	}
	res.Elapsed = time.Since(start)
	if err != nil {
		return nil, err
	}
	sort.Slice(res.Keys, func(i, j int) bool {
		a, b := res.Keys[i], res.Keys[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return res, nil
}

func flyTerrain(ctx context.Context, m *terrain.Map, profile *geo.Profile, s terrain.Settings,
	pool *jobs.Pool, f flight, res *flightResult) error {
	node := terrain.NewTerrainNode(s)
	if err := node.SetMap(m, profile, pool, &scene.Context{}); err != nil {
		return err
	}
	defer node.Close()
	frames, drawn, err := fly(ctx, f, func(v *scene.View) (bool, error) {
		node.Render(v)
		return node.Update(ctx, v.Frame(), v.Time())
	})
	if err != nil {
		return err
	}
	res.Frames, res.Drawn = frames, drawn
	res.Keys = node.Engine().Tiles.TileKeys()
	return nil
}

func flyPager(ctx context.Context, m *terrain.Map, profile *geo.Profile, pool *jobs.Pool,
	f flight, res *flightResult) error {
	sampler := elevation.NewSampler(m.ElevationLayer())
	p := pager.NewNodePager(profile)
	p.MaxLevel = f.PagerMaxLevel
	p.Geocentric = true
	p.Pool = pool
	p.Context = &scene.Context{}
	p.CreatePayload = func(ctx context.Context, key geo.TileKey) scene.Node {
		g, err := sampler.Fetch(ctx, key)
		if err != nil {
			return &heightTile{key: key}
		}
		return &heightTile{key: key, hf: g}
	}
	if !p.Initialize(ctx) {
		return errors.New("simulate: node pager did not initialize")
	}
	defer p.Close()
	frames, drawn, err := fly(ctx, f, func(v *scene.View) (bool, error) {
		p.Render(v)
		unloaded := p.Update(v.Frame())
		return unloaded > 0 || v.FrameRequests() > 0, nil
	})
	if err != nil {
		return err
	}
	res.Frames, res.Drawn = frames, drawn
	res.Keys = p.TileKeys()
	return nil
}

// heightTile is the node pager payload: one tile's heightfield.
type heightTile struct {
	key geo.TileKey
	hf  *elevation.GeoHeightfield
}

func (h *heightTile) Render(rv scene.RecordTraversal) { rv.Record(h) }

func (h *heightTile) ComputeBound() scene.Sphere {
	b := pager.WorldBound(h.key.Extent(), true)
	if h.hf.Valid() {
		if lo, hi, ok := h.hf.Heightfield().MinMax(); ok {
			b.Radius += math.Max(math.Abs(float64(lo)), math.Abs(float64(hi)))
		}
	}
	return b
}

func (h *heightTile) Serialize(w *rw.ReaderWriter) {
	w.WriteUInt8(scene.TagPayload)
	w.WriteUInt32(h.key.Level)
	w.WriteUInt32(h.key.X)
	w.WriteUInt32(h.key.Y)
	w.WriteBool(h.hf.Valid())
	if h.hf.Valid() {
		h.hf.Heightfield().Serialize(w)
	}
}

// syntheticLayer generates rolling hills over the whole profile.
func syntheticLayer(profile *geo.Profile, tileSize int) *elevation.MemoryLayer {
	l := elevation.NewMemoryLayer(elevation.Options{Name: "synthetic", Profile: profile, TileSize: tileSize})
	ext := profile.Extent()
	l.Generate = func(x, y float64) float32 {
		u := (x - ext.XMin()) / ext.Width()
		v := (y - ext.YMin()) / ext.Height()
		return float32(1500*math.Sin(u*12*math.Pi)*math.Cos(v*6*math.Pi) + 500*math.Sin(u*97*math.Pi))
	}
	return l
}

func commandSimulate(ctx *cli.Context) error {
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	var srv *http.Server
	if addr := ctx.String("metrics-addr"); addr != "" {
		srv = &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Named("simulate").Error("metrics server", zap.Error(err))
			}
		}()
	}

	res, err := runFlight(ctx.Context, cfg, flightFromFlags(ctx))
	if err != nil {
		return err
	}
	printReport(ctx.App.Writer, res)

	if srv != nil {
		logger.Named("simulate").Info("serving metrics until interrupted", zap.String("addr", srv.Addr))
		<-ctx.Context.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
	return nil
}

// levelCounts returns the number of keys per level, indexed by level.
func levelCounts(keys []geo.TileKey) []int {
	var counts []int
	for _, k := range keys {
		for int(k.Level) >= len(counts) {
			counts = append(counts, 0)
		}
		counts[k.Level]++
	}
	return counts
}

func printReport(w io.Writer, res *flightResult) {
	fmt.Fprintf(w, "profile:   %s\n", res.Profile)
	fmt.Fprintf(w, "frames:    %d in %s\n", res.Frames, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "resident:  %d tiles\n", len(res.Keys))
	fmt.Fprintf(w, "drawn:     %d nodes in the last frame\n", res.Drawn)
	for level, n := range levelCounts(res.Keys) {
		if n > 0 {
			fmt.Fprintf(w, "  level %2d: %d\n", level, n)
		}
	}
}
