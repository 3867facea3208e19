package terrain

import (
	"sync"
	"sync/atomic"

	"github.com/gorustyt/goterrain/common"
	"github.com/gorustyt/goterrain/elevation"
)

// Layer is the bookkeeping shared by every map layer.
type Layer interface {
	Name() string
	UID() uint64
	Revision() int64
	IsOpen() bool
}

// DynamicLayer is a layer whose tiles change over time. Tiles showing its
// data reload it after every merge.
type DynamicLayer interface {
	Layer
	Dynamic() bool
}

func isDynamic(l Layer) bool {
	d, ok := l.(DynamicLayer)
	return ok && d.Dynamic()
}

// Map is an ordered set of layers with a data revision. The revision
// changes whenever the layer set changes or BumpRevision is called; tile
// data built against an older revision is discarded at merge.
type Map struct {
	mu       sync.RWMutex
	layers   []Layer
	revision atomic.Int64

	subMu   sync.Mutex
	subs    map[uint64]func(revision int64)
	nextSub uint64
}

func NewMap(layers ...Layer) *Map {
	m := &Map{subs: make(map[uint64]func(int64))}
	for _, l := range layers {
		if common.SoftAssert(l != nil, "nil layer in NewMap") {
			m.layers = append(m.layers, l)
		}
	}
	m.revision.Store(1)
	return m
}

func (m *Map) Revision() int64 { return m.revision.Load() }

// BumpRevision invalidates tile data in flight without changing the layers.
func (m *Map) BumpRevision() int64 { return m.revision.Add(1) }

func (m *Map) Layers() []Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Layer(nil), m.layers...)
}

func (m *Map) AddLayer(l Layer) {
	if !common.SoftAssert(l != nil, "AddLayer with nil layer") {
		return
	}
	m.mu.Lock()
	m.layers = append(m.layers, l)
	m.mu.Unlock()
	m.layersChanged()
}

func (m *Map) RemoveLayer(l Layer) bool {
	if l == nil {
		return false
	}
	m.mu.Lock()
	found := false
	for i, cur := range m.layers {
		if cur.UID() == l.UID() {
			m.layers = append(m.layers[:i], m.layers[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()
	if found {
		m.layersChanged()
	}
	return found
}

func (m *Map) LayerByUID(uid uint64) Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.layers {
		if l.UID() == uid {
			return l
		}
	}
	return nil
}

// ElevationLayer returns the first elevation layer, open or not.
func (m *Map) ElevationLayer() elevation.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.layers {
		if e, ok := l.(elevation.Layer); ok {
			return e
		}
	}
	return nil
}

func (m *Map) ImageLayers() []ImageLayer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ImageLayer
	for _, l := range m.layers {
		if img, ok := l.(ImageLayer); ok {
			out = append(out, img)
		}
	}
	return out
}

// OnLayersChanged registers fn to run after a layer is added or removed.
// The returned function unregisters it.
func (m *Map) OnLayersChanged(fn func(revision int64)) (cancel func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Map) layersChanged() {
	rev := m.revision.Add(1)
	m.subMu.Lock()
	fns := make([]func(int64), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(rev)
	}
}

// Manifest lists the layers, with their revisions, that a tile load should
// fetch. An empty manifest means every layer.
type Manifest struct {
	layers            map[uint64]int64
	includesElevation bool
}

func NewManifest(layers ...Layer) Manifest {
	var mf Manifest
	for _, l := range layers {
		mf.Insert(l)
	}
	return mf
}

func (mf *Manifest) Insert(l Layer) {
	if l == nil {
		return
	}
	if mf.layers == nil {
		mf.layers = make(map[uint64]int64)
	}
	mf.layers[l.UID()] = l.Revision()
	if _, ok := l.(elevation.Layer); ok {
		mf.includesElevation = true
	}
}

func (mf Manifest) Empty() bool { return len(mf.layers) == 0 }

func (mf Manifest) Includes(uid uint64) bool {
	if mf.Empty() {
		return true
	}
	_, ok := mf.layers[uid]
	return ok
}

func (mf Manifest) IncludesElevation() bool { return mf.Empty() || mf.includesElevation }

// InSyncWith reports whether every listed layer still has the recorded
// revision. Layers removed from the map are ignored.
func (mf Manifest) InSyncWith(m *Map) bool {
	for uid, rev := range mf.layers {
		if l := m.LayerByUID(uid); l != nil && l.Revision() != rev {
			return false
		}
	}
	return true
}

// UpdateRevisions records the current revision of every listed layer.
func (mf *Manifest) UpdateRevisions(m *Map) {
	for uid := range mf.layers {
		if l := m.LayerByUID(uid); l != nil {
			mf.layers[uid] = l.Revision()
		}
	}
}

func (mf Manifest) Clone() Manifest {
	out := Manifest{includesElevation: mf.includesElevation}
	if mf.layers != nil {
		out.layers = make(map[uint64]int64, len(mf.layers))
		for k, v := range mf.layers {
			out.layers[k] = v
		}
	}
	return out
}
