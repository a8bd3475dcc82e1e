package capture

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/dror/internal/fsutil"
	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/banshee-data/dror/internal/monitoring"
)

// SessionConfig configures a capture Session.
type SessionConfig struct {
	// FS defaults to fsutil.OSFileSystem.
	FS        fsutil.FileSystem
	OutputDir string
	// Start names the session directory.
	Start time.Time
	// Location renders timestamps and the directory name; nil means time.Local.
	Location *time.Location
	// WriteClouds enables the per-frame cloud dump.
	WriteClouds bool
}

// Session accumulates the timestamp log of one run and writes it on Flush.
// Record is called from the worker only; Flush runs once the worker is done.
type Session struct {
	fs          fsutil.FileSystem
	dir         string
	loc         *time.Location
	writeClouds bool
	logf        func(format string, v ...interface{})

	mu         sync.Mutex
	timestamps []string
	flushed    bool
}

// NewSession creates the session directory layout under cfg.OutputDir.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("capture: output directory is required")
	}
	fsys := cfg.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	dir := filepath.Join(cfg.OutputDir, SessionDirName(cfg.Start.In(loc)))
	if err := fsys.MkdirAll(filepath.Join(dir, CloudsDir), 0755); err != nil {
		return nil, fmt.Errorf("capture: create session directory: %w", err)
	}

	return &Session{
		fs:          fsys,
		dir:         dir,
		loc:         loc,
		writeClouds: cfg.WriteClouds,
		logf:        monitoring.Prefixed("[Capture]"),
	}, nil
}

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// Record appends the frame's timestamp and, when enabled, dumps the filtered
// cloud. A dump failure is logged and does not stop the run.
func (s *Session) Record(index uint64, header l2frames.Header, filtered []l2frames.PointXYZI) {
	s.mu.Lock()
	if s.flushed {
		s.mu.Unlock()
		return
	}
	s.timestamps = append(s.timestamps, FormatTimestamp(header.Stamp, s.loc))
	s.mu.Unlock()

	if !s.writeClouds {
		return
	}
	name := filepath.Join(s.dir, CloudsDir, CloudFileName(index))
	if err := s.writeCloud(name, filtered); err != nil {
		s.logf("Failed to write %s: %v", name, err)
	}
}

func (s *Session) writeCloud(name string, points []l2frames.PointXYZI) error {
	w, err := s.fs.Create(name)
	if err != nil {
		return err
	}
	if err := WriteCloud(w, points); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Timestamps returns a copy of the recorded timestamp lines.
func (s *Session) Timestamps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.timestamps...)
}

// Flush writes timestamps.txt. Only the first call writes; later calls return nil.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushed {
		return nil
	}
	s.flushed = true

	name := filepath.Join(s.dir, TimestampsFile)
	w, err := s.fs.Create(name)
	if err != nil {
		return fmt.Errorf("capture: open %s: %w", name, err)
	}

	bw := bufio.NewWriter(w)
	for _, ts := range s.timestamps {
		bw.WriteString(ts)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return fmt.Errorf("capture: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("capture: close %s: %w", name, err)
	}
	s.logf("Wrote %d timestamps to %s", len(s.timestamps), name)
	return nil
}
