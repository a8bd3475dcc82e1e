package l2frames

import (
	"fmt"
	"time"
)

// Point is one full-schema lidar return.
type Point struct {
	X, Y, Z   float32 // Sensor frame position (meters)
	Intensity float32 // Return intensity
	Time      float32 // Offset from the frame stamp (seconds), valid when FieldTime is set
	Ring      uint16  // Laser channel index, valid when FieldRing is set
}

// PointXYZI is the reduced schema the outlier filter operates on.
type PointXYZI struct {
	X, Y, Z   float32
	Intensity float32
}

// XYZI drops the optional fields of p.
func (p Point) XYZI() PointXYZI {
	return PointXYZI{X: p.X, Y: p.Y, Z: p.Z, Intensity: p.Intensity}
}

// Fields is the bit set of optional per-point fields carried by a frame.
type Fields uint8

const (
	FieldTime Fields = 1 << iota
	FieldRing

	knownFields = FieldTime | FieldRing
)

// Has reports whether all bits in f are set.
func (fs Fields) Has(f Fields) bool { return fs&f == f }

func (fs Fields) String() string {
	s := "xyzi"
	if fs.Has(FieldTime) {
		s += "+time"
	}
	if fs.Has(FieldRing) {
		s += "+ring"
	}
	return s
}

// Stamp is a sensor capture time split the way lidar drivers publish it.
type Stamp struct {
	Sec  uint32
	Nsec uint32
}

// StampFromTime converts t to a Stamp. Times before the Unix epoch clamp to zero.
func StampFromTime(t time.Time) Stamp {
	ns := t.UnixNano()
	if ns < 0 {
		return Stamp{}
	}
	return Stamp{Sec: uint32(ns / 1e9), Nsec: uint32(ns % 1e9)}
}

// Time returns the stamp as a time.Time in the local zone.
func (s Stamp) Time() time.Time {
	return time.Unix(int64(s.Sec), int64(s.Nsec))
}

// Header describes one capture.
type Header struct {
	Seq     uint32
	Stamp   Stamp
	FrameID string // Coordinate frame, e.g. "velodyne"
}

func (h Header) String() string {
	return fmt.Sprintf("seq=%d stamp=%d.%09d frame=%s", h.Seq, h.Stamp.Sec, h.Stamp.Nsec, h.FrameID)
}

// Frame is one sensor capture.
type Frame struct {
	Header Header
	Fields Fields
	Points []Point
}

// Len returns the number of points in the frame.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Points)
}

// Reduced projects the frame onto the reduced schema. The returned slice is
// freshly allocated so filters may reorder it freely.
func (f *Frame) Reduced() []PointXYZI {
	out := make([]PointXYZI, f.Len())
	for i := range out {
		out[i] = f.Points[i].XYZI()
	}
	return out
}

// FilteredCloud is the reduced-schema subset retained by the outlier filter.
type FilteredCloud struct {
	Header Header
	Points []PointXYZI
}

// RecoveredCloud is the full-schema subset of the original frame whose
// positions exactly match the filtered cloud.
type RecoveredCloud struct {
	Header Header
	Fields Fields
	Points []Point
}

// AsFrame views the recovered cloud as a Frame so it can share the frame codec.
func (rc *RecoveredCloud) AsFrame() *Frame {
	return &Frame{Header: rc.Header, Fields: rc.Fields, Points: rc.Points}
}
