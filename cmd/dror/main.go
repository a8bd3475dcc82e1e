package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/dror/internal/config"
	"github.com/banshee-data/dror/internal/lidar/capture"
	"github.com/banshee-data/dror/internal/lidar/dror"
	"github.com/banshee-data/dror/internal/lidar/l2frames"
	"github.com/banshee-data/dror/internal/lidar/monitor"
	"github.com/banshee-data/dror/internal/lidar/pipeline"
	"github.com/banshee-data/dror/internal/lidar/runlog"
	"github.com/banshee-data/dror/internal/lidar/transport"
	"github.com/banshee-data/dror/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON configuration file (default: built-in defaults)")
	grpcListen  = flag.String("grpc-listen", "", "Override the gRPC listen address")
	debugListen = flag.String("debug-listen", "", "Override the HTTP debug listen address")
	runLogPath  = flag.String("runlog", "", "Override the SQLite run log path")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func loadConfig() (*config.DRORConfig, error) {
	cfg := config.DefaultConfig()
	if *configFile != "" {
		c, err := config.LoadConfig(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if *grpcListen != "" {
		cfg.GRPCListen = grpcListen
	}
	if *debugListen != "" {
		cfg.DebugListen = debugListen
	}
	if *runLogPath != "" {
		cfg.RunLogPath = runLogPath
	}
	return cfg, cfg.Validate()
}

// openRunLog opens the run log and records the start of this run. The store
// is closed again when the run cannot be started.
func openRunLog(path string, startedAt time.Time, topic string, p dror.Params) (*runlog.Store, string, error) {
	store, err := runlog.Open(path)
	if err != nil {
		return nil, "", err
	}
	runID, err := store.StartRun(startedAt, topic, p)
	if err != nil {
		store.Close()
		return nil, "", err
	}
	return store, runID, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dror %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	params := cfg.FilterParams()
	filter, err := dror.New(params)
	if err != nil {
		log.Fatalf("Failed to create filter: %v", err)
	}
	policy, err := pipeline.ParseOverflowPolicy(cfg.GetOverflowPolicy())
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Input topic: %s", cfg.GetInputTopic())
	log.Printf("Radius multiplier: %g", params.RadiusMultiplier)
	log.Printf("Azimuth angle: %g deg", params.AzimuthAngleDeg)
	log.Printf("Minimum neighbours: %d", params.MinNeighbours)
	log.Printf("Minimum search radius: %g m", params.MinSearchRadius)
	log.Printf("Queue: capacity=%d overflow=%s", cfg.GetQueueCapacity(), policy)

	startedAt := time.Now()

	var recorder pipeline.Recorder
	if cfg.GetWriteToKitti() {
		session, err := capture.NewSession(capture.SessionConfig{
			OutputDir:   cfg.GetOutputDirectory(),
			Start:       startedAt,
			WriteClouds: cfg.GetWriteClouds(),
		})
		if err != nil {
			log.Fatalf("Failed to create capture session: %v", err)
		}
		log.Printf("Writing capture log to %s", session.Dir())
		recorder = session
	}

	var (
		store *runlog.Store
		runID string
	)
	// fatalf closes the run log before exiting; log.Fatalf skips deferred calls.
	fatalf := func(format string, v ...interface{}) {
		if store != nil {
			store.Close()
		}
		log.Fatalf(format, v...)
	}
	if path := cfg.GetRunLogPath(); path != "" {
		store, runID, err = openRunLog(path, startedAt, cfg.GetInputTopic(), params)
		if err != nil {
			log.Fatalf("Failed to open run log: %v", err)
		}
		defer store.Close()
		log.Printf("Run log %s, run %s", path, runID)
	}

	var pipe *pipeline.Pipeline
	bus := transport.NewBus(transport.Config{
		ListenAddr: cfg.GetGRPCListen(),
		InputTopic: cfg.GetInputTopic(),
	}, func(f *l2frames.Frame) error { return pipe.HandleFrame(f) })

	sinks := []pipeline.Sink{bus}
	if store != nil {
		sinks = append(sinks, store.Sink(runID))
	}
	pipe, err = pipeline.New(pipeline.Config{
		Filter:         filter,
		QueueCapacity:  cfg.GetQueueCapacity(),
		OverflowPolicy: policy,
		Sinks:          sinks,
		Recorder:       recorder,
	})
	if err != nil {
		fatalf("Failed to create pipeline: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Worker
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil {
			log.Printf("Pipeline error: %v", err)
		}
		log.Print("Pipeline worker terminated")
	}()

	if err := bus.Start(); err != nil {
		stop()
		wg.Wait()
		fatalf("Failed to start gRPC bus: %v", err)
	}

	// HTTP debug server
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status": "ok", "service": "dror", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
		})
		monitor.AttachDebugRoutes(mux, pipe, bus)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("Failed to attach run log admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    cfg.GetDebugListen(),
			Handler: mux,
		}

		go func() {
			log.Printf("Starting HTTP debug server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("Shutting down HTTP debug server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received")

	// The worker stops first so the last published frame precedes bus shutdown.
	pipe.Stop()
	bus.Stop()
	wg.Wait()

	if store != nil {
		if err := store.EndRun(runID, time.Now()); err != nil {
			log.Printf("Failed to end run: %v", err)
		}
	}

	snap := pipe.Stats()
	log.Printf("Processed %d frames, average filter time %.6fs (%.2f Hz)", snap.Frames, snap.AverageDuration, snap.AverageRate)
	log.Printf("Graceful shutdown complete")
}
