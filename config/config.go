// Package config loads goterrain settings from an HCL file, a .env file and
// GOTERRAIN_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/terrain"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

const EnvPrefix = "GOTERRAIN_"

type Config struct {
	Profile     string            `hcl:"profile,optional"`
	Concurrency int               `hcl:"concurrency,optional"`
	Terrain     *TerrainBlock     `hcl:"terrain,block"`
	Logging     *LoggingBlock     `hcl:"logging,block"`
	Redis       *RedisBlock       `hcl:"redis,block"`
	Elevation   []*ElevationBlock `hcl:"elevation,block"`
	Imagery     []*ImageryBlock   `hcl:"imagery,block"`
}

// TerrainBlock overrides terrain.DefaultSettings; unset attributes keep
// their defaults.
type TerrainBlock struct {
	TileSize                     *int     `hcl:"tile_size,optional"`
	MinTileRangeFactor           *float64 `hcl:"min_tile_range_factor,optional"`
	ScreenSpaceError             *float64 `hcl:"screen_space_error,optional"`
	TilePixelSize                *float64 `hcl:"tile_pixel_size,optional"`
	MinLOD                       *int     `hcl:"min_lod,optional"`
	MaxLOD                       *int     `hcl:"max_lod,optional"`
	SkirtRatio                   *float64 `hcl:"skirt_ratio,optional"`
	MorphTerrain                 *bool    `hcl:"morph_terrain,optional"`
	RestrictPolarSubdivision     *bool    `hcl:"restrict_polar_subdivision,optional"`
	NormalizeEdges               *bool    `hcl:"normalize_edges,optional"`
	MinFramesBeforeUnload        *int     `hcl:"min_frames_before_unload,optional"`
	MinTimeBeforeUnload          *string  `hcl:"min_time_before_unload,optional"`
	MinRangeBeforeUnload         *float64 `hcl:"min_range_before_unload,optional"`
	MaxTilesToUnloadPerFrame     *int     `hcl:"max_tiles_to_unload_per_frame,optional"`
	MinResidentTilesBeforeUnload *int     `hcl:"min_resident_tiles_before_unload,optional"`
}

type LoggingBlock struct {
	Level      string `hcl:"level,optional"`
	Format     string `hcl:"format,optional"`
	File       string `hcl:"file,optional"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional"`
	MaxBackups int    `hcl:"max_backups,optional"`
	MaxAgeDays int    `hcl:"max_age_days,optional"`
}

type RedisBlock struct {
	Addr     string `hcl:"addr"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`
	Prefix   string `hcl:"prefix,optional"`
	TTL      string `hcl:"ttl,optional"`
}

// ElevationBlock is a directory of GeoTIFF heightfield tiles.
type ElevationBlock struct {
	Name         string  `hcl:"name,label"`
	Path         string  `hcl:"path"`
	TileSize     int     `hcl:"tile_size,optional"`
	MaxDataLevel int     `hcl:"max_data_level,optional"`
	Scale        float64 `hcl:"scale,optional"`
	Offset       float64 `hcl:"offset,optional"`
	NoData       *int    `hcl:"no_data,optional"`
}

// ImageryBlock is a directory of png or tiff color tiles.
type ImageryBlock struct {
	Name    string `hcl:"name,label"`
	Path    string `hcl:"path"`
	Refresh bool   `hcl:"refresh,optional"`
}

// newHCLEvalContext exposes the environment as env.NAME and a few string
// and number helpers.
func newHCLEvalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclName(k) {
			vars[k] = cty.StringVal(v)
		}
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
		Functions: map[string]function.Function{
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"format": stdlib.FormatFunc,
			"max":    stdlib.MaxFunc,
			"min":    stdlib.MinFunc,
		},
	}
}

func hclName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Load reads .env, then path when it is not empty, then the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")
	cfg := &Config{}
	if path != "" {
		if err := hclsimple.DecodeFile(path, newHCLEvalContext(), cfg); err != nil {
			return nil, err
		}
	}
	return finish(cfg)
}

// Decode parses src as if read from filename, which must end in .hcl.
func Decode(filename string, src []byte) (*Config, error) {
	cfg := &Config{}
	if err := hclsimple.Decode(filename, src, newHCLEvalContext(), cfg); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Profile == "" {
		cfg.Profile = geo.ProfileGlobalGeodetic
	}
	if _, err := cfg.TerrainSettings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookup("PROFILE"); ok {
		c.Profile = v
	}
	if err := envInt("CONCURRENCY", &c.Concurrency); err != nil {
		return err
	}
	if c.Terrain == nil {
		c.Terrain = &TerrainBlock{}
	}
	for name, dst := range map[string]**int{
		"TILE_SIZE": &c.Terrain.TileSize,
		"MIN_LOD":   &c.Terrain.MinLOD,
		"MAX_LOD":   &c.Terrain.MaxLOD,
	} {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = &n
		}
	}

	if c.Logging == nil {
		c.Logging = &LoggingBlock{}
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		c.Logging.File = v
	}

	if v, ok := lookup("REDIS_ADDR"); ok {
		if c.Redis == nil {
			c.Redis = &RedisBlock{}
		}
		c.Redis.Addr = v
	}
	if c.Redis != nil {
		if v, ok := lookup("REDIS_PASSWORD"); ok {
			c.Redis.Password = v
		}
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func envInt(name string, dst *int) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

// TerrainSettings applies the terrain block to terrain.DefaultSettings.
func (c *Config) TerrainSettings() (terrain.Settings, error) {
	s := terrain.DefaultSettings()
	if c.Concurrency > 0 {
		s.Concurrency = c.Concurrency
	}
	b := c.Terrain
	if b == nil {
		return s, s.Validate()
	}
	setUint32 := func(dst *uint32, v *int, name string) error {
		if v == nil {
			return nil
		}
		if *v < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
		*dst = uint32(*v)
		return nil
	}
	for _, f := range []struct {
		dst  *uint32
		v    *int
		name string
	}{
		{&s.TileSize, b.TileSize, "tile_size"},
		{&s.MinLOD, b.MinLOD, "min_lod"},
		{&s.MaxLOD, b.MaxLOD, "max_lod"},
	} {
		if err := setUint32(f.dst, f.v, f.name); err != nil {
			return s, err
		}
	}
	setFloat(&s.MinTileRangeFactor, b.MinTileRangeFactor)
	setFloat(&s.ScreenSpaceError, b.ScreenSpaceError)
	setFloat(&s.TilePixelSize, b.TilePixelSize)
	setFloat(&s.MinRangeBeforeUnload, b.MinRangeBeforeUnload)
	if b.SkirtRatio != nil {
		s.SkirtRatio = float32(*b.SkirtRatio)
	}
	setBool(&s.MorphTerrain, b.MorphTerrain)
	setBool(&s.RestrictPolarSubdivision, b.RestrictPolarSubdivision)
	setBool(&s.NormalizeEdges, b.NormalizeEdges)
	if b.MinFramesBeforeUnload != nil {
		if *b.MinFramesBeforeUnload < 0 {
			return s, errors.New("config: min_frames_before_unload must not be negative")
		}
		s.MinFramesBeforeUnload = uint64(*b.MinFramesBeforeUnload)
	}
	if b.MinTimeBeforeUnload != nil {
		d, err := time.ParseDuration(*b.MinTimeBeforeUnload)
		if err != nil {
			return s, fmt.Errorf("config: min_time_before_unload: %w", err)
		}
		s.MinTimeBeforeUnload = d
	}
	if b.MaxTilesToUnloadPerFrame != nil {
		s.MaxTilesToUnloadPerFrame = *b.MaxTilesToUnloadPerFrame
	}
	if b.MinResidentTilesBeforeUnload != nil {
		s.MinResidentTilesBeforeUnload = *b.MinResidentTilesBeforeUnload
	}
	return s, s.Validate()
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func (c *Config) LoggerOptions() logger.Options {
	if c.Logging == nil {
		return logger.Options{}
	}
	l := c.Logging
	return logger.Options{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

func (c *Config) OpenProfile() (*geo.Profile, error) {
	return geo.NewNamedProfile(c.Profile)
}

// BuildMap creates the configured layers in file order, elevation first.
func (c *Config) BuildMap() (*terrain.Map, error) {
	profile, err := c.OpenProfile()
	if err != nil {
		return nil, err
	}
	m := terrain.NewMap()
	for _, b := range c.Elevation {
		l, err := b.Open(profile)
		if err != nil {
			return nil, err
		}
		m.AddLayer(l)
	}
	for _, b := range c.Imagery {
		if b.Path == "" {
			return nil, fmt.Errorf("config: imagery %q has no path", b.Name)
		}
		l := terrain.NewImageDirLayer(b.Path, elevation.Options{Name: b.Name, Profile: profile})
		l.Refresh = b.Refresh
		m.AddLayer(l)
	}
	return m, nil
}

// Open creates the TIFF layer described by b.
func (b *ElevationBlock) Open(profile *geo.Profile) (*elevation.TIFFLayer, error) {
	if b.Path == "" {
		return nil, fmt.Errorf("config: elevation %q has no path", b.Name)
	}
	opts := elevation.Options{Name: b.Name, Profile: profile, TileSize: b.TileSize}
	if b.MaxDataLevel > 0 {
		opts.MaxDataLevel = uint32(b.MaxDataLevel)
	}
	l := elevation.NewTIFFLayer(b.Path, opts)
	if b.Scale != 0 {
		l.Scale = b.Scale
	}
	l.Offset = b.Offset
	if b.NoData != nil {
		l.NoData = *b.NoData
	}
	return l, nil
}

// RedisClient returns nil when no redis block is configured.
func (c *Config) RedisClient() *redis.Client {
	if c.Redis == nil {
		return nil
	}
	return elevation.OpenRedis(c.Redis.Addr, c.Redis.Password, c.Redis.DB)
}

// RedisCache wraps client with the configured prefix and TTL.
func (c *Config) RedisCache(client elevation.RedisStore) (*elevation.RedisCache, error) {
	if c.Redis == nil || client == nil {
		return nil, nil
	}
	var ttl time.Duration
	if c.Redis.TTL != "" {
		d, err := time.ParseDuration(c.Redis.TTL)
		if err != nil {
			return nil, fmt.Errorf("config: redis ttl: %w", err)
		}
		ttl = d
	}
	return elevation.NewRedisCache(client, c.Redis.Prefix, ttl), nil
}
