package terrain

import (
	"context"
	"errors"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorustyt/goterrain/common/logger"
	"github.com/gorustyt/goterrain/elevation"
	"github.com/gorustyt/goterrain/geo"
	"github.com/gorustyt/goterrain/jobs"
	"go.uber.org/zap"
)

// ColorLayer is the color data one image layer produced for a tile.
type ColorLayer struct {
	Layer    ImageLayer
	Revision int64
	Image    *GeoImage
	// Key is where the image came from; an ancestor of the tile when the
	// layer fell back.
	Key geo.TileKey
	// Matrix maps the tile's unit square into the image.
	Matrix mgl64.Mat4
}

type ElevationModel struct {
	Heightfield *elevation.GeoHeightfield
	Revision    int64
	Key         geo.TileKey
	Matrix      mgl64.Mat4
}

// TileModel is the data loaded for one tile, ready to merge.
type TileModel struct {
	Key geo.TileKey
	// Revision is the map revision the model was built against.
	Revision  int64
	Colors    []ColorLayer
	Elevation ElevationModel
	// Dynamic lists the dynamic layers that contributed; tiles reload them.
	Dynamic Manifest
}

// textureMatrix maps the unit square of key into the unit square of its
// ancestor.
func textureMatrix(key, ancestor geo.TileKey) mgl64.Mat4 {
	m := mgl64.Ident4()
	for k := key; k.Valid() && k.Level > ancestor.Level; k.MakeParent() {
		m = k.ScaleBiasMatrix().Mul4(m)
	}
	return m
}

// ModelFactory builds tile models from the layers of a map.
type ModelFactory struct {
	log *zap.Logger
}

func NewModelFactory() *ModelFactory {
	return &ModelFactory{log: logger.Named("tile_model")}
}

// CreateTileModel fetches the manifest's layers for key. Missing data is not
// an error; the model is simply left without it. A canceled ctx returns
// jobs.ErrCanceled.
func (f *ModelFactory) CreateTileModel(ctx context.Context, m *Map, key geo.TileKey, manifest Manifest) (*TileModel, error) {
	model := &TileModel{Key: key, Revision: m.Revision()}

	if err := f.addColorLayers(ctx, model, m, key, manifest); err != nil {
		return nil, err
	}
	if err := f.addElevation(ctx, model, m, key, manifest); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, jobs.ErrCanceled
	}
	return model, nil
}

func (f *ModelFactory) addColorLayers(ctx context.Context, model *TileModel, m *Map, key geo.TileKey, manifest Manifest) error {
	var intersecting []ImageLayer
	for _, l := range m.ImageLayers() {
		if l.IsOpen() && manifest.Includes(l.UID()) && l.BestAvailableTileKey(key).Valid() {
			intersecting = append(intersecting, l)
		}
	}

	switch {
	case len(intersecting) == 1:
		if !key.Equal(intersecting[0].BestAvailableTileKey(key)) {
			return nil
		}
		return f.addImageLayer(ctx, model, key, intersecting[0], false)
	case len(intersecting) > 1:
		// when any layer has data here, fetch them all so they line up
		maybe := false
		for _, l := range intersecting {
			if key.Equal(l.BestAvailableTileKey(key)) {
				maybe = true
				break
			}
		}
		if !maybe {
			return nil
		}
		for _, l := range intersecting {
			if err := f.addImageLayer(ctx, model, key, l, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *ModelFactory) addImageLayer(ctx context.Context, model *TileModel, requested geo.TileKey, l ImageLayer, fallback bool) error {
	var img *GeoImage
	var err error
	key := requested
	for key.Valid() {
		img, err = l.CreateImage(ctx, key)
		if img.Valid() || !fallback || errors.Is(err, jobs.ErrCanceled) {
			break
		}
		key.MakeParent()
	}
	if errors.Is(err, jobs.ErrCanceled) {
		return err
	}
	if img.Valid() {
		model.Colors = append(model.Colors, ColorLayer{
			Layer:    l,
			Revision: l.Revision(),
			Image:    img,
			Key:      key,
			Matrix:   textureMatrix(requested, key),
		})
		if isDynamic(l) {
			model.Dynamic.Insert(l)
		}
		return nil
	}
	if err != nil && !errors.Is(err, elevation.ErrResourceUnavailable) {
		f.log.Warn("problem getting image data", zap.String("layer", l.Name()),
			zap.Stringer("key", requested), zap.Error(err))
	}
	return nil
}

func (f *ModelFactory) addElevation(ctx context.Context, model *TileModel, m *Map, key geo.TileKey, manifest Manifest) error {
	if !manifest.IncludesElevation() {
		return nil
	}
	l := m.ElevationLayer()
	if l == nil || !l.IsOpen() || !elevation.MayHaveData(l, key) {
		return nil
	}
	g, err := l.CreateHeightfield(ctx, key)
	switch {
	case err == nil && g.Valid():
		model.Elevation = ElevationModel{
			Heightfield: replaceNoData(g),
			Revision:    l.Revision(),
			Key:         key,
			Matrix:      mgl64.Ident4(),
		}
		if isDynamic(l) {
			model.Dynamic.Insert(l)
		}
	case errors.Is(err, jobs.ErrCanceled):
		return err
	case err != nil && !errors.Is(err, elevation.ErrResourceUnavailable):
		f.log.Warn("problem getting elevation data", zap.String("layer", l.Name()),
			zap.Stringer("key", key), zap.Error(err))
	}
	return nil
}

// replaceNoData returns g with missing samples set to zero, copying the grid
// when it has any so the layer's own tile is left untouched.
func replaceNoData(g *elevation.GeoHeightfield) *elevation.GeoHeightfield {
	hf := g.Heightfield()
	missing := false
	hf.ForEachHeight(func(v float32) float32 {
		if v == elevation.NoDataValue {
			missing = true
		}
		return v
	})
	if !missing {
		return g
	}
	out := elevation.NewHeightfield(hf.Width(), hf.Height())
	for r := 0; r < hf.Height(); r++ {
		for c := 0; c < hf.Width(); c++ {
			if v := hf.HeightAt(c, r); v != elevation.NoDataValue {
				out.SetHeightAt(c, r, v)
			}
		}
	}
	cp := elevation.NewGeoHeightfield(out, g.Extent())
	cp.Key = g.Key
	return cp
}
