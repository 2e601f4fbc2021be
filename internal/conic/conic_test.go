package conic

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
)

func blob(area float64, w, h int, aspect float64) Blob {
	return Blob{
		Center: r2.Point{X: 10, Y: 10},
		BBox:   image.Rect(0, 0, w, h),
		Area:   area,
		Aspect: aspect,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, Config{MinArea: 4.0, MinDensity: 0.6, MinAspect: 0.2}, cfg)
}

func TestValidateThresholds(t *testing.T) {
	v := NewValidator(Config{MinArea: 4, MinDensity: 0.5, MinAspect: 0.25})

	cases := []struct {
		name string
		blob Blob
		want Rejection
	}{
		{"plain dot", blob(20, 5, 5, 0.9), Accepted},
		{"area exactly at threshold", blob(4, 2, 2, 1), Accepted},
		{"density exactly at threshold", blob(8, 4, 4, 1), Accepted},
		{"aspect exactly at threshold", blob(20, 5, 5, 0.25), Accepted},
		{"too small", blob(3.99, 2, 2, 1), RejectArea},
		{"sparse", blob(10, 5, 5, 1), RejectDensity},
		{"empty bbox", blob(10, 0, 0, 1), RejectDensity},
		{"elongated", blob(20, 5, 5, 0.1), RejectAspect},
		{"area reported before aspect", blob(1, 1, 1, 0), RejectArea},
		{"NaN area", blob(math.NaN(), 5, 5, 1), RejectArea},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, got := v.Validate(tc.blob)
			assert.Equal(t, tc.want, got, "rejection %s", got)
			if tc.want == Accepted {
				assert.InDelta(t, math.Sqrt(tc.blob.Area/math.Pi), c.Radius, 1e-12)
				assert.Equal(t, tc.blob.Center, c.Center)
			}
		})
	}
}

func TestValidateAll(t *testing.T) {
	v := NewValidator(DefaultConfig())
	blobs := []Blob{
		blob(20, 5, 5, 0.9),
		blob(2, 2, 2, 0.9),
		blob(20, 10, 10, 0.9),
		blob(30, 6, 6, 0.1),
		blob(25, 6, 6, 0.8),
	}
	blobs[4].Center = r2.Point{X: 99, Y: 1}

	conics, stats := v.ValidateAll(blobs)
	assert.Len(t, conics, 2)
	assert.Equal(t, r2.Point{X: 99, Y: 1}, conics[1].Center)
	assert.Equal(t, Stats{Accepted: 2, Area: 1, Density: 1, Aspect: 1}, stats)
	assert.Equal(t, 3, stats.Rejected())
}

func TestValidateIsDeterministic(t *testing.T) {
	v := NewValidator(DefaultConfig())
	b := blob(12, 4, 4, 0.5)
	c1, rej1 := v.Validate(b)
	c2, rej2 := v.Validate(b)
	assert.Equal(t, c1, c2)
	assert.Equal(t, rej1, rej2)
	assert.Equal(t, "accepted", rej1.String())
	assert.Equal(t, "density", RejectDensity.String())
}

func TestAxisRatio(t *testing.T) {
	assert.InDelta(t, 0.5, AxisRatio(4, 1, 0), 1e-12)
	assert.InDelta(t, 0.5, AxisRatio(1, 4, 0), 1e-12)
	assert.InDelta(t, 1.0, AxisRatio(2, 2, 0), 1e-12)
	assert.Zero(t, AxisRatio(0, 0, 0), "degenerate")
	assert.Zero(t, AxisRatio(1, 1, 1), "collinear pixels")
}
