package capture

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/dror/internal/fsutil"
	"github.com/banshee-data/dror/internal/lidar/l2frames"
)

// ParseTimestamp parses a line written by FormatTimestamp in loc.
func ParseTimestamp(line string, loc *time.Location) (l2frames.Stamp, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(line), loc)
	if err != nil {
		return l2frames.Stamp{}, err
	}
	return l2frames.StampFromTime(t), nil
}

// LoadSession reads the cloud dumps of a capture session back as frames, in
// file name order. Frame i is stamped from line i of timestamps.txt when the
// file exists; frames beyond the end of the log keep a zero stamp.
func LoadSession(fsys fsutil.FileSystem, dir, frameID string, loc *time.Location) ([]*l2frames.Frame, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	var stamps []l2frames.Stamp
	tsPath := filepath.Join(dir, TimestampsFile)
	if fsys.Exists(tsPath) {
		data, err := fsys.ReadFile(tsPath)
		if err != nil {
			return nil, fmt.Errorf("capture: read %s: %w", tsPath, err)
		}
		for i, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if line == "" {
				continue
			}
			s, err := ParseTimestamp(line, loc)
			if err != nil {
				return nil, fmt.Errorf("capture: %s line %d: %w", TimestampsFile, i+1, err)
			}
			stamps = append(stamps, s)
		}
	}

	cloudDir := filepath.Join(dir, CloudsDir)
	names, err := fsys.ReadDir(cloudDir)
	if err != nil {
		return nil, fmt.Errorf("capture: list %s: %w", cloudDir, err)
	}

	frames := make([]*l2frames.Frame, 0, len(names))
	for _, name := range names {
		if filepath.Ext(name) != ".txt" {
			continue
		}
		path := filepath.Join(cloudDir, name)
		data, err := fsys.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("capture: read %s: %w", path, err)
		}
		reduced, err := ReadCloud(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("capture: %s: %w", path, err)
		}

		seq := len(frames)
		f := &l2frames.Frame{
			Header: l2frames.Header{Seq: uint32(seq), FrameID: frameID},
			Points: make([]l2frames.Point, len(reduced)),
		}
		if seq < len(stamps) {
			f.Header.Stamp = stamps[seq]
		}
		for i, p := range reduced {
			f.Points[i] = l2frames.Point{X: p.X, Y: p.Y, Z: p.Z, Intensity: p.Intensity}
		}
		frames = append(frames, f)
	}
	return frames, nil
}
