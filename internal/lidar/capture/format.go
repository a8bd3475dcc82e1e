// Package capture writes the KITTI-style capture layout for a denoising run:
// one timestamp line per processed frame and, optionally, one text dump of the
// filtered cloud per frame.
//
//	<output_directory>/<Y_M_D_h_m_s>/
//	    timestamps.txt
//	    velodyne_points/0000000000.txt
//	    velodyne_points/0000000001.txt
package capture

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/dror/internal/lidar/l2frames"
)

const (
	// TimestampsFile is the name of the per-session timestamp log.
	TimestampsFile = "timestamps.txt"
	// CloudsDir is the per-session directory holding the cloud dumps.
	CloudsDir = "velodyne_points"

	timestampLayout = "2006-01-02 15:04:05.000000000"
	cloudPrecision  = 4 // significant digits per coordinate
)

// FormatTimestamp renders a sensor stamp as "YYYY-MM-DD HH:MM:SS.nnnnnnnnn" in
// loc. A nil loc means time.Local.
func FormatTimestamp(s l2frames.Stamp, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return s.Time().In(loc).Format(timestampLayout)
}

// SessionDirName names a capture directory after its start time. Fields are
// not zero padded, e.g. "2024_3_7_9_5_0".
func SessionDirName(t time.Time) string {
	return fmt.Sprintf("%d_%d_%d_%d_%d_%d",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// CloudFileName returns the dump file name for the frame at index.
func CloudFileName(index uint64) string {
	return fmt.Sprintf("%010d.txt", index)
}

// WriteCloud writes one "x y z i" line per point.
func WriteCloud(w io.Writer, points []l2frames.PointXYZI) error {
	bw := bufio.NewWriter(w)
	line := make([]byte, 0, 64)
	for _, p := range points {
		line = line[:0]
		for i, v := range [4]float32{p.X, p.Y, p.Z, p.Intensity} {
			if i > 0 {
				line = append(line, ' ')
			}
			line = strconv.AppendFloat(line, float64(v), 'g', cloudPrecision, 32)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadCloud parses the format produced by WriteCloud. Blank lines are skipped.
func ReadCloud(r io.Reader) ([]l2frames.PointXYZI, error) {
	var points []l2frames.PointXYZI
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: expected 4 fields, got %d", lineNo, len(fields))
		}
		var vals [4]float32
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			vals[i] = float32(v)
		}
		points = append(points, l2frames.PointXYZI{X: vals[0], Y: vals[1], Z: vals[2], Intensity: vals[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return points, nil
}
