// Command runlog-plot draws per-frame filter timing and point counts for a
// run recorded in the SQLite run log.
//
// Usage:
//
//	go run ./cmd/tools/runlog-plot -db dror_runs.db [-run <id>] [-out plots]
//
// Without -run the most recent run is plotted.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/banshee-data/dror/internal/lidar/runlog"
)

func main() {
	dbPath := flag.String("db", "", "Path to the run log database (required)")
	runID := flag.String("run", "", "Run id to plot (default: most recent)")
	outDir := flag.String("out", "plots", "Output directory for PNG files")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("Error: -db flag is required")
	}

	store, err := runlog.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open run log: %v", err)
	}
	defer store.Close()

	id := *runID
	if id == "" {
		runs, err := store.ListRuns(1)
		if err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		if len(runs) == 0 {
			log.Fatal("Run log is empty")
		}
		id = runs[0].ID
	}

	run, err := store.GetRun(id)
	if err != nil {
		log.Fatalf("Failed to load run %s: %v", id, err)
	}
	frames, err := store.Frames(id)
	if err != nil {
		log.Fatalf("Failed to load frames: %v", err)
	}
	log.Printf("Run %s: topic=%s frames=%d radius_multiplier=%g azimuth=%g min_neighbours=%d min_radius=%g",
		run.ID, run.InputTopic, len(frames),
		run.Params.RadiusMultiplier, run.Params.AzimuthAngleDeg, run.Params.MinNeighbours, run.Params.MinSearchRadius)

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	files, err := runlog.PlotFrames(frames, *outDir, id)
	if err != nil {
		log.Fatalf("Failed to plot: %v", err)
	}
	for _, f := range files {
		log.Printf("Wrote %s", f)
	}
}
