package scene

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// View is a minimal RecordTraversal driven by an eye point. Hosts without a
// renderer, the CLI simulator and tests use it to drive paging.
type View struct {
	Eye      mgl64.Vec3
	Height   float64 // viewport height in pixels
	LODScale float64
	// Cull, when set, reports bounds outside the view.
	Cull func(Sphere) bool

	frame    uint64
	now      time.Time
	drawn    []Node
	requests int
}

func NewView(eye mgl64.Vec3, height float64) *View {
	return &View{Eye: eye, Height: height, LODScale: 1, now: time.Now()}
}

// Advance starts the next frame at now and forgets what was drawn.
func (v *View) Advance(now time.Time) {
	v.frame++
	v.now = now
	v.drawn = v.drawn[:0]
	v.requests = 0
}

func (v *View) LODDistance(bound Sphere) float64 {
	if !bound.Valid() {
		return -1
	}
	if v.Cull != nil && v.Cull(bound) {
		return -1
	}
	scale := v.LODScale
	if scale <= 0 {
		scale = 1
	}
	return v.Eye.Sub(bound.Center).Len() * scale
}

func (v *View) ViewportHeight() float64 { return v.Height }
func (v *View) Frame() uint64           { return v.frame }
func (v *View) Time() time.Time         { return v.now }
func (v *View) Record(n Node)           { v.drawn = append(v.drawn, n) }
func (v *View) RequestFrame()           { v.requests++ }

// Drawn returns the nodes recorded this frame.
func (v *View) Drawn() []Node { return v.drawn }

// FrameRequests is the number of RequestFrame calls this frame.
func (v *View) FrameRequests() int { return v.requests }
