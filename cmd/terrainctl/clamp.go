package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/config"
	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func clampCommand() *cli.Command {
	return &cli.Command{
		Name:      "clamp",
		Usage:     "replace the height of lon,lat[,z] points with sampled elevation",
		ArgsUsage: " ",
		Action:    commandClamp,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "csv of lon,lat[,z] rows in degrees",
				Required: true,
			},
			&cli.PathFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output csv, stdout when empty",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "parallel sampling sessions, the configured concurrency when zero",
			},
			&cli.IntFlag{
				Name:  "chunk",
				Usage: "points per sampling session",
				Value: 512,
			},
			&cli.Float64Flag{
				Name:  "resolution",
				Usage: "sampling resolution in meters",
				Value: 10,
			},
		},
	}
}

func commandClamp(ctx *cli.Context) error {
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	in, err := os.Open(ctx.Path("input"))
	if err != nil {
		return err
	}
	defer in.Close()
	points, err := readPoints(in)
	if err != nil {
		return err
	}

	sampler, closeCache, err := newSampler(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	workers := ctx.Int("workers")
	if workers <= 0 {
		workers = max(cfg.Concurrency, 1)
	}
	opts := clampOptions{Workers: workers, Chunk: ctx.Int("chunk"), Resolution: ctx.Float64("resolution")}
	if err := clampPoints(ctx.Context, sampler, points, opts); err != nil {
		return err
	}

	out := ctx.App.Writer
	if p := ctx.Path("output"); p != "" {
		f, err := os.Create(p)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return writePoints(out, points)
}

// newSampler samples the configured elevation layer, through the redis
// cache when one is configured.
func newSampler(cfg *config.Config) (*elevation.Sampler, func(), error) {
	m, err := cfg.BuildMap()
	if err != nil {
		return nil, nil, err
	}
	layer := m.ElevationLayer()
	if layer == nil {
		return nil, nil, errors.New("clamp: no elevation layer configured")
	}
	s := elevation.NewSampler(layer)

	client := cfg.RedisClient()
	if client == nil {
		return s, func() {}, nil
	}
	cache, err := cfg.RedisCache(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	s.PreFetch = cache.PreFetch(layer)
	s.OnFetched = cache.Store(layer)
	return s, func() { client.Close() }, nil
}

type clampOptions struct {
	Workers    int
	Chunk      int
	Resolution float64
}

// clampPoints splits points into chunks sampled concurrently, each with its
// own session so tile reuse stays local to neighboring points.
func clampPoints(ctx context.Context, s *elevation.Sampler, points []mgl64.Vec3, o clampOptions) error {
	if o.Chunk <= 0 {
		o.Chunk = len(points)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.Workers, 1))
	log := logger.Named("clamp")
	for start := 0; start < len(points); start += o.Chunk {
		part := points[start:min(start+o.Chunk, len(points))]
		g.Go(func() error {
			ss := s.Session(gctx)
			ss.SRS = geo.SRSWGS84
			ss.ReferenceLatitude = part[0].Y()
			if o.Resolution > 0 {
				ss.Resolution = o.Resolution
			}
			s.ClampRange(ss, part)
			log.Debug("clamped chunk", zap.Int("points", len(part)), zap.Int("fetches", ss.Fetches()))
			return gctx.Err()
		})
	}
	return g.Wait()
}

// readPoints parses lon,lat[,z] rows. Blank lines and lines starting with #
// are skipped.
func readPoints(r io.Reader) ([]mgl64.Vec3, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var points []mgl64.Vec3
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return points, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < 2 || len(rec) > 3 {
			return nil, fmt.Errorf("line %d: want lon,lat[,z], got %d fields", line, len(rec))
		}
		var p mgl64.Vec3
		for i, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			p[i] = v
		}
		if p[1] < -90 || p[1] > 90 {
			return nil, fmt.Errorf("line %d: latitude %g out of range", line, p[1])
		}
		points = append(points, p)
	}
}

func writePoints(w io.Writer, points []mgl64.Vec3) error {
	cw := csv.NewWriter(w)
	rec := make([]string, 3)
	for _, p := range points {
		for i := range rec {
			rec[i] = strconv.FormatFloat(p[i], 'f', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
