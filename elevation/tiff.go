package elevation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"golang.org/x/image/tiff"
)

// TIFFLayer reads one single-band TIFF per tile from a directory laid out
// as <root>/<level>/<x>/<y>.tif. Samples are 8 or 16 bit gray and scaled
// to meters with Scale and Offset; row 0 of the image is the northern edge.
type TIFFLayer struct {
	*Base
	Root   string
	Scale  float64
	Offset float64
	// NoData is the raw sample value treated as missing, or -1 for none.
	NoData int
}

func NewTIFFLayer(root string, opts Options) *TIFFLayer {
	if opts.Name == "" {
		opts.Name = filepath.Base(root)
	}
	return &TIFFLayer{Base: NewBase(opts), Root: root, Scale: 1, NoData: -1}
}

// TilePath is where the tile for key is stored.
func (l *TIFFLayer) TilePath(key geo.TileKey) string {
	return filepath.Join(l.Root, fmt.Sprint(key.Level), fmt.Sprint(key.X), fmt.Sprintf("%d.tif", key.Y))
}

func (l *TIFFLayer) CreateHeightfield(ctx context.Context, key geo.TileKey) (*GeoHeightfield, error) {
	if !l.IsOpen() {
		return nil, ErrNoLayer
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, jobs.ErrCanceled
	}
	if !key.Valid() {
		return nil, ErrResourceUnavailable
	}
	f, err := os.Open(l.TilePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrResourceUnavailable
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	hf, err := l.toHeightfield(img)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", key, err)
	}
	g := NewGeoHeightfield(hf, key.Extent())
	g.Key = key
	return g, nil
}

func (l *TIFFLayer) toHeightfield(img image.Image) (*Heightfield, error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return nil, fmt.Errorf("%w: %dx%d image", ErrBadHeightfield, b.Dx(), b.Dy())
	}
	hf := NewHeightfield(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := b.Max.Y - 1 - y
		for x := b.Min.X; x < b.Max.X; x++ {
			var raw int
			switch px := img.(type) {
			case *image.Gray16:
				raw = int(px.Gray16At(x, y).Y)
			case *image.Gray:
				raw = int(px.GrayAt(x, y).Y)
			default:
				return nil, fmt.Errorf("%w: unsupported pixel type %T", ErrBadHeightfield, img)
			}
			v := NoDataValue
			if raw != l.NoData {
				v = float32(float64(raw)*l.Scale + l.Offset)
			}
			hf.SetHeightAt(x-b.Min.X, row, v)
		}
	}
	return hf, nil
}

// WriteTIFFTile stores hf as a 16 bit tile under root, inverting the same
// Scale and Offset. Heights outside the 16 bit range are clamped.
func (l *TIFFLayer) WriteTIFFTile(key geo.TileKey, hf *Heightfield) error {
	img := image.NewGray16(image.Rect(0, 0, hf.Width(), hf.Height()))
	for r := 0; r < hf.Height(); r++ {
		for c := 0; c < hf.Width(); c++ {
			v := hf.HeightAt(c, hf.Height()-1-r)
			raw := l.NoData
			if v != NoDataValue || raw < 0 {
				raw = int(math.Round((float64(v) - l.Offset) / l.Scale))
			}
			raw = max(0, min(raw, 0xffff))
			img.Pix[r*img.Stride+2*c] = uint8(raw >> 8)
			img.Pix[r*img.Stride+2*c+1] = uint8(raw)
		}
	}
	path := l.TilePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
