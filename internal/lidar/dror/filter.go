package dror

import (
	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Filter reduces a frame's points to their non-noise subset.
//
// Implementations return values copied from the input (never transformed),
// may return an empty slice, and must not retain points after returning.
type Filter interface {
	Filter(points []l2frames.PointXYZI) ([]l2frames.PointXYZI, error)
}

// DROR is the dynamic radius outlier filter.
type DROR struct {
	params Params
}

// New validates p and returns a filter.
func New(p Params) (*DROR, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &DROR{params: p}, nil
}

// Params returns the filter configuration.
func (d *DROR) Params() Params { return d.params }

var _ Filter = (*DROR)(nil)

// Filter keeps every point that has at least MinNeighbours other points inside
// its range-dependent search radius. Output preserves input order.
func (d *DROR) Filter(points []l2frames.PointXYZI) ([]l2frames.PointXYZI, error) {
	out := make([]l2frames.PointXYZI, 0, len(points))
	if len(points) == 0 {
		return out, nil
	}

	// kdtree.New partitions its input in place, so the tree gets its own copy.
	tree := kdtree.New(toKDPoints(points), false)

	query := make(kdtree.Point, 3)
	for _, p := range points {
		query[0], query[1], query[2] = float64(p.X), float64(p.Y), float64(p.Z)
		radius := d.params.SearchRadius(query[0], query[1])

		if countWithin(tree, query, radius*radius) > d.params.MinNeighbours {
			out = append(out, p)
		}
	}

	return out, nil
}

// countWithin returns how many tree points lie within sqrt(dist2) of q,
// including q itself when it is in the tree.
func countWithin(tree *kdtree.Tree, q kdtree.Point, dist2 float64) int {
	keep := kdtree.NewDistKeeper(dist2)
	tree.NearestSet(keep, q)

	return keep.Len()
}

func toKDPoints(points []l2frames.PointXYZI) kdtree.Points {
	kp := make(kdtree.Points, len(points))
	for i, p := range points {
		kp[i] = kdtree.Point{float64(p.X), float64(p.Y), float64(p.Z)}
	}
	return kp
}
