package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/terrain"
	"github.com/redis/go-redis/v9"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

type fakeStore struct{}

func (fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	return redis.NewStringResult("", redis.Nil)
}

func (fakeStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

const sample = `
profile     = "spherical-mercator"
concurrency = 2

terrain {
  tile_size              = 33
  max_lod                = 12
  skirt_ratio            = 0.05
  morph_terrain          = true
  normalize_edges        = true
  min_time_before_unload = "250ms"
}

logging {
  level  = upper("debug")
  format = "json"
}

redis {
  addr   = "localhost:6379"
  prefix = format("%s:hf", env.GOTERRAIN_TEST_NS)
  ttl    = "10m"
}

elevation "dem" {
  path           = "/data/dem"
  tile_size      = 65
  max_data_level = 9
  offset         = -100
  no_data        = 0
}

imagery "ortho" {
  path    = "/data/ortho"
  refresh = true
}
`

func TestDecode(t *testing.T) {
	t.Setenv("GOTERRAIN_TEST_NS", "test")
	cfg, err := Decode("goterrain.hcl", []byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, cfg.Profile == "spherical-mercator", "profile")

	s, err := cfg.TerrainSettings()
	assertTrue(t, err == nil, "valid settings")
	assertTrue(t, s.TileSize == 33 && s.MaxLOD == 12, "sizes")
	assertTrue(t, s.Concurrency == 2, "concurrency")
	assertTrue(t, s.MorphTerrain && s.NormalizeEdges, "flags")
	assertTrue(t, s.SkirtRatio == float32(0.05), "skirt ratio")
	assertTrue(t, s.MinTimeBeforeUnload == 250*time.Millisecond, "duration")
	def := terrain.DefaultSettings()
	assertTrue(t, s.MinTileRangeFactor == def.MinTileRangeFactor, "unset keeps the default")
	assertTrue(t, s.RestrictPolarSubdivision == def.RestrictPolarSubdivision, "unset bool keeps the default")

	opts := cfg.LoggerOptions()
	assertTrue(t, opts.Level == "DEBUG" && opts.Format == "json", "logging block with functions")
	assertTrue(t, cfg.Redis.Prefix == "test:hf", "env variables in expressions")

	cache, err := cfg.RedisCache(fakeStore{})
	assertTrue(t, err == nil && cache != nil && cache.TTL == 10*time.Minute, "redis cache")

	m, err := cfg.BuildMap()
	assertTrue(t, err == nil, "build map")
	layers := m.Layers()
	assertTrue(t, len(layers) == 2, "two layers")
	dem, ok := m.ElevationLayer().(*elevation.TIFFLayer)
	assertTrue(t, ok && dem.Name() == "dem", "elevation layer")
	assertTrue(t, dem.Offset == -100 && dem.Scale == 1 && dem.NoData == 0, "tiff options")
	assertTrue(t, dem.TileSize() == 65, "tile size")
	assertTrue(t, dem.Profile().Name() == "spherical-mercator", "layer profile")
	imgs := m.ImageLayers()
	assertTrue(t, len(imgs) == 1 && imgs[0].(*terrain.ImageDirLayer).Refresh, "imagery layer")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GOTERRAIN_TEST_NS", "x")
	t.Setenv("GOTERRAIN_MAX_LOD", "15")
	t.Setenv("GOTERRAIN_CONCURRENCY", "8")
	t.Setenv("GOTERRAIN_LOG_LEVEL", "warn")
	t.Setenv("GOTERRAIN_REDIS_ADDR", "cache:6380")
	t.Setenv("GOTERRAIN_PROFILE", "global-geodetic")
	cfg, err := Decode("goterrain.hcl", []byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := cfg.TerrainSettings()
	assertTrue(t, s.MaxLOD == 15 && s.TileSize == 33, "environment wins over the file")
	assertTrue(t, s.Concurrency == 8, "concurrency override")
	assertTrue(t, cfg.LoggerOptions().Level == "warn", "log level override")
	assertTrue(t, cfg.Redis.Addr == "cache:6380", "redis override")
	assertTrue(t, cfg.Profile == "global-geodetic", "profile override")

	t.Setenv("GOTERRAIN_MAX_LOD", "many")
	_, err = Decode("goterrain.hcl", []byte(sample))
	assertTrue(t, err != nil, "bad number rejected")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	s, err := cfg.TerrainSettings()
	assertTrue(t, err == nil && s == terrain.DefaultSettings(), "defaults without a file")
	assertTrue(t, cfg.Redis == nil && cfg.RedisClient() == nil, "no redis")
	p, err := cfg.OpenProfile()
	assertTrue(t, err == nil && p.IsGeographic(), "default profile")
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.hcl")
	assertTrue(t, os.WriteFile(bad, []byte("terrain {\n  min_lod = 9\n  max_lod = 3\n}\n"), 0o644) == nil, "write")
	_, err := Load(bad)
	assertTrue(t, err != nil, "inconsistent levels rejected")

	syntax := filepath.Join(dir, "syntax.hcl")
	assertTrue(t, os.WriteFile(syntax, []byte("terrain {"), 0o644) == nil, "write")
	_, err = Load(syntax)
	assertTrue(t, err != nil, "syntax error reported")

	cfg, err := Decode("x.hcl", []byte(`profile = "mars"`))
	assertTrue(t, err == nil, "profile checked lazily")
	_, err = cfg.BuildMap()
	assertTrue(t, err != nil, "unknown profile")
}
