// Package monitor exposes the denoising service's running state on the tsweb
// debug mux: filter timing, queue counters, transport counters and a chart of
// recent filter durations.
package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/dror/internal/httputil"
	"github.com/banshee-data/dror/internal/lidar/pipeline"
	"github.com/banshee-data/dror/internal/lidar/transport"
)

// PipelineSource is the read side of a running pipeline.
type PipelineSource interface {
	Stats() pipeline.StatsSnapshot
	QueueStats() pipeline.QueueStats
	Processed() uint64
	RecentDurations() []float64
}

// BusSource reports transport counters.
type BusSource interface {
	Stats() transport.BusStats
}

// Status is the JSON body of /debug/dror/stats.
type Status struct {
	Processed uint64                 `json:"processed"`
	Filter    pipeline.StatsSnapshot `json:"filter"`
	Queue     pipeline.QueueStats    `json:"queue"`
	Bus       *transport.BusStats    `json:"bus,omitempty"`
}

// AttachDebugRoutes mounts the pipeline debug endpoints. bus may be nil.
func AttachDebugRoutes(mux *http.ServeMux, src PipelineSource, bus BusSource) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("DROR frames processed", func() any { return src.Processed() })
	debug.KVFunc("DROR queue depth", func() any {
		q := src.QueueStats()
		return fmt.Sprintf("%d/%d (%s)", q.Depth, q.Capacity, q.Policy)
	})
	debug.KVFunc("DROR average rate (Hz)", func() any {
		return fmt.Sprintf("%.1f", src.Stats().AverageRate)
	})

	debug.Handle("dror/stats", "Filter timing and queue counters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := Status{
			Processed: src.Processed(),
			Filter:    src.Stats(),
			Queue:     src.QueueStats(),
		}
		if bus != nil {
			bs := bus.Stats()
			status.Bus = &bs
		}
		httputil.WriteJSONOK(w, status)
	}))

	debug.Handle("dror/chart", "Recent filter durations (chart)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, err := renderDurationChart(src.Stats(), src.RecentDurations())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	}))
}

// renderDurationChart draws recent filter durations in milliseconds.
func renderDurationChart(snap pipeline.StatsSnapshot, recent []float64) ([]byte, error) {
	x := make([]int, len(recent))
	data := make([]opts.LineData, len(recent))
	for i, s := range recent {
		x[i] = i
		data[i] = opts.LineData{Value: s * 1000}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "DROR filter timing", Width: "900px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title: "Filter duration (ms)",
			Subtitle: fmt.Sprintf("frames=%d avg=%.3fms p95=%.3fms rate=%.1fHz",
				snap.Frames, snap.AverageDuration*1000, snap.P95Duration*1000, snap.AverageRate),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x).AddSeries("filter", data)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}
	return buf.Bytes(), nil
}
