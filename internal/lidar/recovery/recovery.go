// Package recovery restores the full per-point schema for points that survived
// the reduced-schema outlier filter.
//
// The filter copies coordinates rather than transforming them, so a surviving
// point is found again by exact (zero squared distance) nearest-neighbour
// match. No tolerance is applied: a tolerance could pair a filtered point with
// a different original return that happens to lie close by.
package recovery

import (
	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"gonum.org/v1/gonum/spatial/kdtree"
)

type positionKey [3]float32

// Index is a spatial lookup over the filtered cloud's positions.
//
// Each distinct position can be claimed as many times as it occurs in the
// filtered cloud, so the recovered cloud is never larger than the filtered one
// even when the original frame holds duplicate returns.
type Index struct {
	tree      *kdtree.Tree
	remaining map[positionKey]int
}

// NewIndex builds an index over filtered. Cost is O(M log M).
func NewIndex(filtered []l2frames.PointXYZI) *Index {
	idx := &Index{remaining: make(map[positionKey]int, len(filtered))}

	unique := make(kdtree.Points, 0, len(filtered))
	for _, p := range filtered {
		k := positionKey{p.X, p.Y, p.Z}
		if idx.remaining[k] == 0 {
			unique = append(unique, kdtree.Point{float64(p.X), float64(p.Y), float64(p.Z)})
		}
		idx.remaining[k]++
	}

	if len(unique) > 0 {
		idx.tree = kdtree.New(unique, false)
	}
	return idx
}

// Take reports whether p's position is present in the index with unclaimed
// multiplicity, and claims one occurrence if so.
func (idx *Index) Take(p l2frames.Point) bool {
	if idx.tree == nil {
		return false
	}

	q := kdtree.Point{float64(p.X), float64(p.Y), float64(p.Z)}
	nearest, dist2 := idx.tree.Nearest(q)
	if nearest == nil || dist2 != 0 {
		return false
	}

	k := positionKey{p.X, p.Y, p.Z}
	if idx.remaining[k] == 0 {
		return false
	}
	idx.remaining[k]--
	return true
}

// Recover returns the points of frame whose positions exactly match a point in
// filtered, in the frame's original order. Cost is O(N log M).
func Recover(frame *l2frames.Frame, filtered []l2frames.PointXYZI) []l2frames.Point {
	out := make([]l2frames.Point, 0, len(filtered))
	if frame.Len() == 0 || len(filtered) == 0 {
		return out
	}

	idx := NewIndex(filtered)
	for _, p := range frame.Points {
		if idx.Take(p) {
			out = append(out, p)
		}
	}
	return out
}

// RecoverCloud wraps Recover, tagging the result with the frame's header and
// optional field set.
func RecoverCloud(frame *l2frames.Frame, filtered []l2frames.PointXYZI) *l2frames.RecoveredCloud {
	return &l2frames.RecoveredCloud{
		Header: frame.Header,
		Fields: frame.Fields,
		Points: Recover(frame, filtered),
	}
}
