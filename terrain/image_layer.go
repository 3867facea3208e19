package terrain

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	_ "golang.org/x/image/tiff"
)

// GeoImage is an image covering an extent.
type GeoImage struct {
	Image  image.Image
	Extent geo.GeoExtent
	Key    geo.TileKey
}

func (g *GeoImage) Valid() bool { return g != nil && g.Image != nil && g.Extent.Valid() }

// ImageLayer provides color tiles.
type ImageLayer interface {
	Layer
	Profile() *geo.Profile
	BestAvailableTileKey(key geo.TileKey) geo.TileKey
	// CreateImage returns elevation.ErrResourceUnavailable when there is no
	// image for key.
	CreateImage(ctx context.Context, key geo.TileKey) (*GeoImage, error)
}

// ImageDirLayer reads color tiles stored as <root>/<level>/<x>/<y>.png,
// or .tif when there is no png.
type ImageDirLayer struct {
	*elevation.Base
	Root string
	// Refresh marks the layer dynamic; tiles reload it continuously.
	Refresh bool
}

func NewImageDirLayer(root string, opts elevation.Options) *ImageDirLayer {
	if opts.Name == "" {
		opts.Name = filepath.Base(root)
	}
	return &ImageDirLayer{Base: elevation.NewBase(opts), Root: root}
}

func (l *ImageDirLayer) Dynamic() bool { return l.Refresh }

func (l *ImageDirLayer) TilePath(key geo.TileKey, ext string) string {
	return filepath.Join(l.Root, fmt.Sprint(key.Level), fmt.Sprint(key.X), fmt.Sprintf("%d%s", key.Y, ext))
}

func (l *ImageDirLayer) CreateImage(ctx context.Context, key geo.TileKey) (*GeoImage, error) {
	if !l.IsOpen() {
		return nil, elevation.ErrNoLayer
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, jobs.ErrCanceled
	}
	if !key.Valid() {
		return nil, elevation.ErrResourceUnavailable
	}
	for _, ext := range []string{".png", ".tif"} {
		f, err := os.Open(l.TilePath(key, ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode image %s: %w", key, err)
		}
		return &GeoImage{Image: img, Extent: key.Extent(), Key: key}, nil
	}
	return nil, elevation.ErrResourceUnavailable
}

// WriteImageTile stores img as the png tile for key.
func (l *ImageDirLayer) WriteImageTile(key geo.TileKey, img image.Image) error {
	path := l.TilePath(key, ".png")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
