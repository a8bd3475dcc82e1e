package pipeline

import (
	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/banshee-data/dror/internal/lidar/recovery"
)

// process runs one frame through filter, stats, recovery and the sinks.
// A filter error drops the frame without touching stats or sinks.
func (p *Pipeline) process(f *l2frames.Frame) {
	reduced := f.Reduced()

	start := p.clock.Now()
	filtered, err := p.filter.Filter(reduced)
	elapsed := p.clock.Since(start)
	if err != nil {
		p.logf("Filter failed for %s, dropping frame: %v", f.Header, err)
		return
	}

	snap := p.stats.Record(elapsed)
	recovered := recovery.RecoverCloud(f, filtered)

	res := &FrameResult{
		Index:          p.processed.Load(),
		Header:         f.Header,
		InputPoints:    f.Len(),
		Filtered:       &l2frames.FilteredCloud{Header: f.Header, Points: filtered},
		Recovered:      recovered,
		FilterDuration: elapsed,
		Stats:          snap,
	}

	for _, s := range p.sinks {
		if err := s.Consume(res); err != nil {
			p.logf("Sink %T failed for %s: %v", s, f.Header, err)
		}
	}

	if p.recorder != nil {
		p.recorder.Record(res.Index, f.Header, filtered)
	}
	p.processed.Add(1)

	p.logf("Finished processing point cloud %s: %d -> %d points (%d recovered) in %v, queue size %d",
		f.Header, res.InputPoints, len(filtered), len(recovered.Points), elapsed, p.queue.Len())
}
