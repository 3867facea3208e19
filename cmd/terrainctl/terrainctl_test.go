package main

import (
	"bytes"
	"context"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/config"
	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/terrain"
)

func assertTrue(t *testing.T, value bool, msg string) {
	t.Helper()
	if !value {
		t.Error(msg)
	}
}

func TestReadWritePoints(t *testing.T) {
	in := "# lon,lat,z\n10, 20\n-5.5,45,12\n\n170,-80,0\n"
	points, err := readPoints(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, len(points) == 3, "three points")
	assertTrue(t, points[0] == mgl64.Vec3{10, 20, 0}, "missing z is zero")
	assertTrue(t, points[1] == mgl64.Vec3{-5.5, 45, 12}, "spaces trimmed")

	var out bytes.Buffer
	assertTrue(t, writePoints(&out, points) == nil, "write")
	assertTrue(t, out.String() == "10,20,0\n-5.5,45,12\n170,-80,0\n", "csv output")

	_, err = readPoints(strings.NewReader("1\n"))
	assertTrue(t, err != nil, "one field rejected")
	_, err = readPoints(strings.NewReader("1,x\n"))
	assertTrue(t, err != nil, "bad number rejected")
	_, err = readPoints(strings.NewReader("1,91\n"))
	assertTrue(t, err != nil, "latitude range checked")
}

func TestClampPoints(t *testing.T) {
	l := elevation.NewMemoryLayer(elevation.Options{Name: "dem", TileSize: 9})
	l.Generate = func(x, y float64) float32 { return float32(x) }
	s := elevation.NewSampler(l)

	points := make([]mgl64.Vec3, 100)
	for i := range points {
		points[i] = mgl64.Vec3{float64(i) - 50, 10, -1}
	}
	err := clampPoints(context.Background(), s, points, clampOptions{Workers: 4, Chunk: 7, Resolution: 5000})
	assertTrue(t, err == nil, "clamp")
	for i, p := range points {
		if mgl64.Abs(p.Z()-p.X()) > 1e-3 {
			t.Errorf("point %d: height %g, want %g", i, p.Z(), p.X())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = clampPoints(ctx, s, points, clampOptions{Workers: 1, Chunk: 10})
	assertTrue(t, err != nil, "canceled context reported")
}

func TestAltitudeAt(t *testing.T) {
	assertTrue(t, altitudeAt(1e6, 100, 0, 5) == 1e6, "starts at from")
	assertTrue(t, altitudeAt(1e6, 100, 4, 5) == 100, "ends at to")
	assertTrue(t, altitudeAt(1e6, 100, 9, 5) == 100, "holds after the descent")
	assertTrue(t, mgl64.Abs(altitudeAt(1e6, 100, 2, 5)-1e4) < 1e-6, "geometric midpoint")
	assertTrue(t, altitudeAt(1e6, 100, 0, 1) == 100, "single frame")
}

func TestDrawTiles(t *testing.T) {
	p := geo.GlobalGeodetic()
	keys := []geo.TileKey{
		geo.NewTileKey(0, 0, 0, p),
		geo.NewTileKey(0, 1, 0, p),
		geo.NewTileKey(1, 0, 0, p),
	}
	img, err := drawTiles(p, keys, 200)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, img.Bounds().Dx() == 200 && img.Bounds().Dy() == 100, "aspect follows the profile")

	palette, _ := levelPalette(2)
	level0 := color.RGBAModel.Convert(palette[0])
	level1 := color.RGBAModel.Convert(palette[1])
	assertTrue(t, img.At(150, 50) == level0, "east root filled with level 0")
	assertTrue(t, img.At(25, 25) == level1, "level 1 drawn over its parent")

	_, err = drawTiles(p, keys, 0)
	assertTrue(t, err != nil, "zero width rejected")
}

func TestSyntheticLayerFollowsSettings(t *testing.T) {
	s := terrain.DefaultSettings()
	s.TileSize = 9
	l := syntheticLayer(geo.GlobalGeodetic(), int(s.TileSize))
	assertTrue(t, l.TileSize() == 9, "tile size from settings")
	g, err := l.CreateHeightfield(context.Background(), geo.NewTileKey(2, 1, 1, geo.GlobalGeodetic()))
	assertTrue(t, err == nil && g.Heightfield().Width() == 9, "generated tile")
	lo, hi, ok := g.Heightfield().MinMax()
	assertTrue(t, ok && lo >= -2000 && hi <= 2000, "bounded hills")
}

func TestRunFlight(t *testing.T) {
	t.Setenv("GOTERRAIN_MAX_LOD", "3")
	t.Setenv("GOTERRAIN_TILE_SIZE", "9")
	t.Setenv("GOTERRAIN_CONCURRENCY", "2")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	f := flight{
		Engine:        engineTerrain,
		Frames:        60,
		Settle:        600,
		Lon:           10,
		Lat:           10,
		From:          1e7,
		To:            1e4,
		Viewport:      1080,
		Step:          time.Millisecond,
		PagerMaxLevel: 3,
	}
	res, err := runFlight(context.Background(), cfg, f)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, len(res.Keys) >= 2, "terrain tiles resident")
	assertTrue(t, res.Keys[0].Level == 0, "keys sorted by level")
	assertTrue(t, res.Frames >= f.Frames, "descent completed")

	var out bytes.Buffer
	printReport(&out, res)
	assertTrue(t, strings.Contains(out.String(), "level  0: 2"), "report lists levels")

	f.Engine = enginePager
	res, err = runFlight(context.Background(), cfg, f)
	if err != nil {
		t.Fatal(err)
	}
	assertTrue(t, len(res.Keys) >= 2, "pager nodes resident")

	f.Engine = "voxels"
	_, err = runFlight(context.Background(), cfg, f)
	assertTrue(t, err != nil, "unknown engine rejected")
}
