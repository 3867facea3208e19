package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"

	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/geo"
	"github.com/muesli/gamut"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:   "snapshot",
		Usage:  "fly a camera down to a point and draw the resident tiles as a png",
		Action: commandSnapshot,
		Flags: append(flightFlags(),
			&cli.PathFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "png file to write",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "width",
				Usage: "image width in pixels, the height follows the profile aspect",
				Value: 1024,
			},
		),
	}
}

func commandSnapshot(ctx *cli.Context) error {
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	res, err := runFlight(ctx.Context, cfg, flightFromFlags(ctx))
	if err != nil {
		return err
	}
	img, err := drawTiles(res.Profile, res.Keys, ctx.Int("width"))
	if err != nil {
		return err
	}
	f, err := os.Create(ctx.Path("output"))
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	printReport(ctx.App.Writer, res)
	logger.Named("snapshot").Info("wrote snapshot", zap.String("path", ctx.Path("output")),
		zap.Int("tiles", len(res.Keys)))
	return nil
}

// levelPalette returns one fill color per level.
func levelPalette(levels int) ([]color.Color, error) {
	if levels <= 0 {
		return nil, nil
	}
	return gamut.Generate(levels, gamut.PastelGenerator{})
}

// drawTiles paints every key over the profile extent, coarse levels first,
// each filled with its level color and outlined in a darker shade.
func drawTiles(profile *geo.Profile, keys []geo.TileKey, width int) (*image.RGBA, error) {
	if width <= 0 {
		return nil, errors.New("snapshot: width must be positive")
	}
	ext := profile.Extent()
	height := max(int(math.Round(float64(width)*ext.Height()/ext.Width())), 1)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	palette, err := levelPalette(len(levelCounts(keys)))
	if err != nil {
		return nil, fmt.Errorf("snapshot: palette: %w", err)
	}
	sx := float64(width) / ext.Width()
	sy := float64(height) / ext.Height()
	for _, k := range keys {
		te := k.Extent()
		r := image.Rect(
			int(math.Floor((te.XMin()-ext.XMin())*sx)),
			int(math.Floor((ext.YMax()-te.YMax())*sy)),
			int(math.Ceil((te.XMax()-ext.XMin())*sx)),
			int(math.Ceil((ext.YMax()-te.YMin())*sy)),
		).Intersect(img.Bounds())
		if r.Empty() {
			continue
		}
		fill := palette[k.Level]
		draw.Draw(img, r, image.NewUniform(fill), image.Point{}, draw.Src)
		outline(img, r, gamut.Darker(fill, 0.4))
	}
	return img, nil
}

func outline(img *image.RGBA, r image.Rectangle, c color.Color) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.Set(x, r.Min.Y, c)
		img.Set(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.Set(r.Min.X, y, c)
		img.Set(r.Max.X-1, y, c)
	}
}
