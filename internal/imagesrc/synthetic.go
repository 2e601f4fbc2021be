package imagesrc

import (
	"context"
	"image"

	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/geom"
	"github.com/banshee-data/gridcalib/internal/synth"
	"github.com/banshee-data/gridcalib/internal/target"
)

// SyntheticCamera is a simulated rig member.
type SyntheticCamera struct {
	Model  camera.Model
	Params []float64
	Width  int
	Height int
	// Extrinsic is T_ck.
	Extrinsic geom.Pose
}

// Synthetic renders the target from a fixed list of rig poses.
type Synthetic struct {
	target  *target.GridDot
	cameras []SyntheticCamera
	poses   []geom.Pose
	opts    synth.RenderOptions
	next    int
}

// NewSynthetic renders t for every rig pose (T_kw) in turn.
func NewSynthetic(t *target.GridDot, cameras []SyntheticCamera, poses []geom.Pose) *Synthetic {
	return &Synthetic{target: t, cameras: cameras, poses: poses, opts: synth.DefaultRenderOptions()}
}

func (s *Synthetic) Cameras() int { return len(s.cameras) }

// Grab renders the next rig pose.
func (s *Synthetic) Grab(ctx context.Context) ([]*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.poses) {
		return nil, ErrEndOfStream
	}
	pose := s.poses[s.next]
	s.next++
	out := make([]*image.Gray, len(s.cameras))
	for i, c := range s.cameras {
		out[i] = synth.Render(s.target, synth.View{
			Camera: camera.Bind(c.Model, c.Params),
			Width:  c.Width,
			Height: c.Height,
			Pose:   c.Extrinsic.Compose(pose),
		}, s.opts)
	}
	return out, nil
}
