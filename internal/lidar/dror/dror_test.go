package dror

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/kdtree"
)

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr bool
	}{
		{"defaults", func(*Params) {}, false},
		{"zero min radius", func(p *Params) { p.MinSearchRadius = 0 }, false},
		{"zero neighbours", func(p *Params) { p.MinNeighbours = 0 }, false},
		{"zero multiplier", func(p *Params) { p.RadiusMultiplier = 0 }, true},
		{"nan multiplier", func(p *Params) { p.RadiusMultiplier = math.NaN() }, true},
		{"negative azimuth", func(p *Params) { p.AzimuthAngleDeg = -0.1 }, true},
		{"infinite azimuth", func(p *Params) { p.AzimuthAngleDeg = math.Inf(1) }, true},
		{"negative min radius", func(p *Params) { p.MinSearchRadius = -1 }, true},
		{"negative neighbours", func(p *Params) { p.MinNeighbours = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			_, err = New(p)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSearchRadius(t *testing.T) {
	p := DefaultParams()

	// close to the sensor the floor applies
	assert.Equal(t, p.MinSearchRadius, p.SearchRadius(0.5, 0))
	assert.Equal(t, p.MinSearchRadius, p.SearchRadius(0, 0))

	// at 100 m: 3 × 100 × 0.16° in radians
	want := 3 * 100 * 0.16 * math.Pi / 180
	assert.InDelta(t, want, p.SearchRadius(60, 80), 1e-12)

	// z does not contribute to range
	assert.Equal(t, p.SearchRadius(60, 80), p.SearchRadius(80, 60))
}

func TestFilter_EmptyInput(t *testing.T) {
	f, err := New(DefaultParams())
	require.NoError(t, err)

	out, err := f.Filter(nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestFilter_CoincidentPointsRetained(t *testing.T) {
	f, err := New(DefaultParams())
	require.NoError(t, err)

	in := make([]l2frames.PointXYZI, 10)
	for i := range in {
		in[i] = l2frames.PointXYZI{X: 5, Y: 1, Z: -0.5, Intensity: float32(i)}
	}

	out, err := f.Filter(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFilter_IsolatedPointRemoved(t *testing.T) {
	p := DefaultParams()
	p.MinNeighbours = 2
	f, err := New(p)
	require.NoError(t, err)

	in := []l2frames.PointXYZI{
		{X: 1, Y: 0, Z: 0},
		{X: 1.01, Y: 0, Z: 0},
		{X: 1, Y: 0.01, Z: 0},
		{X: 1, Y: 0, Z: 0.01},
		{X: 1, Y: 4, Z: 0, Intensity: 99}, // snowflake
	}

	out, err := f.Filter(in)
	require.NoError(t, err)
	assert.Equal(t, in[:4], out)
}

func TestFilter_RadiusGrowsWithRange(t *testing.T) {
	p := DefaultParams()
	p.MinNeighbours = 1
	f, err := New(p)
	require.NoError(t, err)

	spacing := float32(0.3)
	in := []l2frames.PointXYZI{
		{X: 2, Y: 0, Z: 0},
		{X: 2, Y: spacing, Z: 0},
		{X: 100, Y: 0, Z: 0},
		{X: 100, Y: spacing, Z: 0},
	}

	out, err := f.Filter(in)
	require.NoError(t, err)
	// 0.3 m apart is noise at 2 m (radius 0.04) but a surface at 100 m (radius ~0.84)
	assert.Equal(t, in[2:], out)
}

func TestFilter_ZeroNeighboursKeepsEverything(t *testing.T) {
	p := DefaultParams()
	p.MinNeighbours = 0
	f, err := New(p)
	require.NoError(t, err)

	in := randomCloud(rand.New(rand.NewSource(3)), 200)
	out, err := f.Filter(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFilter_MatchesBruteForce(t *testing.T) {
	p := DefaultParams()
	p.MinNeighbours = 2
	p.MinSearchRadius = 0.5
	f, err := New(p)
	require.NoError(t, err)

	in := randomCloud(rand.New(rand.NewSource(11)), 600)
	original := append([]l2frames.PointXYZI(nil), in...)

	out, err := f.Filter(in)
	require.NoError(t, err)
	assert.Equal(t, bruteForce(p, in), out)
	assert.Equal(t, original, in, "input must not be reordered")
	assert.LessOrEqual(t, len(out), len(in))
}

func TestFilter_Deterministic(t *testing.T) {
	f, err := New(DefaultParams())
	require.NoError(t, err)

	in := randomCloud(rand.New(rand.NewSource(5)), 400)
	first, err := f.Filter(in)
	require.NoError(t, err)
	second, err := f.Filter(in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// randomCloud returns clustered points around a few surfaces plus sparse noise.
func randomCloud(rng *rand.Rand, n int) []l2frames.PointXYZI {
	points := make([]l2frames.PointXYZI, 0, n)
	centres := [][3]float32{{5, 0, 0}, {-12, 8, 1}, {30, -30, 2}}
	for len(points) < n {
		if rng.Intn(4) == 0 {
			points = append(points, l2frames.PointXYZI{
				X: rng.Float32()*80 - 40, Y: rng.Float32()*80 - 40, Z: rng.Float32() * 3,
				Intensity: 1,
			})
			continue
		}
		c := centres[rng.Intn(len(centres))]
		points = append(points, l2frames.PointXYZI{
			X: c[0] + rng.Float32()*0.6, Y: c[1] + rng.Float32()*0.6, Z: c[2] + rng.Float32()*0.6,
			Intensity: 50,
		})
	}
	return points
}

func bruteForce(p Params, points []l2frames.PointXYZI) []l2frames.PointXYZI {
	out := []l2frames.PointXYZI{}
	for i, a := range points {
		r := p.SearchRadius(float64(a.X), float64(a.Y))
		others := 0
		for j, b := range points {
			if i == j {
				continue
			}
			dx := float64(a.X) - float64(b.X)
			dy := float64(a.Y) - float64(b.Y)
			dz := float64(a.Z) - float64(b.Z)
			if dx*dx+dy*dy+dz*dz <= r*r {
				others++
			}
		}
		if others >= p.MinNeighbours {
			out = append(out, a)
		}
	}
	return out
}

func TestCountWithin(t *testing.T) {
	tree := kdtree.New(toKDPoints([]l2frames.PointXYZI{
		{X: 0, Y: 0, Z: 0},
		{X: 0.01, Y: 0, Z: 0},
		{X: 5, Y: 5, Z: 5},
	}), false)

	tests := []struct {
		name  string
		q     kdtree.Point
		dist2 float64
		want  int
	}{
		{"pair counts itself", kdtree.Point{0, 0, 0}, 0.05 * 0.05, 2},
		{"isolated point counts only itself", kdtree.Point{5, 5, 5}, 0.05 * 0.05, 1},
		{"query outside the tree finds nothing", kdtree.Point{-9, -9, -9}, 0.05 * 0.05, 0},
		{"large radius covers all", kdtree.Point{0, 0, 0}, 1000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, countWithin(tree, tt.q, tt.dist2))
		})
	}
}
