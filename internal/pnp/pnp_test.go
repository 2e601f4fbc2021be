package pnp

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gridcalib/internal/camera"
	"github.com/banshee-data/gridcalib/internal/geom"
)

func truthPose() geom.Pose {
	return geom.PoseFromParams([]float64{0.15, -0.2, 0.05, -0.12, -0.06, 0.45})
}

func scene(t *testing.T, cam camera.Projector, pose geom.Pose, noise float64, seed int64) ([]r2.Point, []r3.Vector) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var p2 []r2.Point
	var p3 []r3.Vector
	for row := 0; row < 10; row++ {
		for col := 0; col < 19; col++ {
			P := r3.Vector{X: float64(col) * 0.254 / 18, Y: float64(row) * 0.254 / 18}
			px, ok := cam.Project(pose.Apply(P))
			require.True(t, ok)
			px.X += rng.NormFloat64() * noise
			px.Y += rng.NormFloat64() * noise
			p2 = append(p2, px)
			p3 = append(p3, P)
		}
	}
	return p2, p3
}

func poseError(a, b geom.Pose) (float64, float64) {
	return geom.RotationAngle(a, b), a.T.Sub(b.T).Norm()
}

func TestEstimateExact(t *testing.T) {
	cam := camera.Bind(camera.Fov{}, []float64{520, 515, 318, 244, 0.7})
	p2, p3 := scene(t, cam, truthPose(), 0, 1)

	res, err := NewEstimator(DefaultConfig()).Estimate(cam, p2, p3)
	require.NoError(t, err)
	assert.Len(t, res.Inliers, len(p2))
	assert.Less(t, res.RMS, 1e-3)
	rot, trans := poseError(res.Pose, truthPose())
	assert.Less(t, rot, 1e-5)
	assert.Less(t, trans, 1e-5)
	assert.Equal(t, QualityExcellent, res.Quality())
}

func TestEstimateRejectsOutliers(t *testing.T) {
	cam := camera.Bind(camera.Pinhole{}, []float64{600, 600, 320, 240})
	p2, p3 := scene(t, cam, truthPose(), 0.3, 2)

	// Corrupt every fifth correspondence.
	rng := rand.New(rand.NewSource(9))
	outliers := map[int]bool{}
	for i := 0; i < len(p2); i += 5 {
		p2[i] = p2[i].Add(r2.Point{X: 20 + rng.Float64()*80, Y: -30 - rng.Float64()*60})
		outliers[i] = true
	}

	res, err := NewEstimator(DefaultConfig()).Estimate(cam, p2, p3)
	require.NoError(t, err)
	for _, i := range res.Inliers {
		assert.False(t, outliers[i], "outlier %d kept as inlier", i)
	}
	assert.GreaterOrEqual(t, len(res.Inliers), len(p2)-len(outliers)-3)
	assert.Less(t, res.RMS, 1.0)

	rot, trans := poseError(res.Pose, truthPose())
	assert.Less(t, rot, 0.2*math.Pi/180)
	assert.Less(t, trans, 2e-3)
}

func TestEstimateIsDeterministic(t *testing.T) {
	cam := camera.Bind(camera.Pinhole{}, []float64{600, 600, 320, 240})
	p2, p3 := scene(t, cam, truthPose(), 0.5, 3)
	for i := 0; i < len(p2); i += 4 {
		p2[i].X += 40
	}
	e := NewEstimator(DefaultConfig())
	a, err := e.Estimate(cam, p2, p3)
	require.NoError(t, err)
	b, err := e.Estimate(cam, p2, p3)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEstimateErrors(t *testing.T) {
	cam := camera.Bind(camera.Pinhole{}, []float64{600, 600, 320, 240})
	e := NewEstimator(DefaultConfig())

	p2, p3 := scene(t, cam, truthPose(), 0, 4)
	_, err := e.Estimate(cam, p2[:5], p3[:5])
	assert.True(t, errors.Is(err, ErrTooFewPoints), "got %v", err)

	_, err = e.Estimate(cam, p2[:10], p3[:9])
	assert.Error(t, err)

	// One row of the grid is collinear.
	_, err = e.Estimate(cam, p2[:19], p3[:19])
	assert.True(t, errors.Is(err, ErrDegenerate), "got %v", err)

	// Pure noise has no consistent pose.
	rng := rand.New(rand.NewSource(11))
	noise := make([]r2.Point, len(p2))
	for i := range noise {
		noise[i] = r2.Point{X: rng.Float64() * 640, Y: rng.Float64() * 480}
	}
	_, err = e.Estimate(cam, noise, p3)
	assert.True(t, errors.Is(err, ErrDegenerate), "got %v", err)

	off := append([]r3.Vector(nil), p3...)
	off[3].Z = 0.1
	_, err = e.Estimate(cam, p2, off)
	assert.True(t, errors.Is(err, ErrDegenerate), "got %v", err)
}

func TestGrade(t *testing.T) {
	cases := []struct {
		rms  float64
		want Quality
	}{
		{0, QualityExcellent},
		{-0.1, QualityUnknown},
		{math.NaN(), QualityUnknown},
		{0.1, QualityExcellent},
		{0.5, QualityGood},
		{1.5, QualityFair},
		{3, QualityPoor},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Grade(tc.rms), "rms %v", tc.rms)
	}
	assert.True(t, QualityFair.UsableForSeeding())
	assert.False(t, QualityPoor.UsableForSeeding())
}
