// Command kitti-replay streams a recorded capture session into a running
// denoising service.
//
// Usage:
//
//	go run ./cmd/tools/kitti-replay -dir capture/2024_3_7_9_5_0 [flags]
//
// Flags:
//
//	-addr     gRPC address of the service (default: localhost:50061)
//	-dir      Capture session directory (required)
//	-topic    Input topic to ingest on (default: /velodyne_points)
//	-rate     Frames per second, 0 for as fast as possible (default: 10)
//	-loop     Number of passes over the session (default: 1)
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/dror/internal/config"
	"github.com/banshee-data/dror/internal/fsutil"
	"github.com/banshee-data/dror/internal/lidar/capture"
	"github.com/banshee-data/dror/internal/lidar/transport"
)

func main() {
	addr := flag.String("addr", "localhost:50061", "gRPC address of the denoising service")
	dir := flag.String("dir", "", "Capture session directory (required)")
	topic := flag.String("topic", config.EmptyConfig().GetInputTopic(), "Input topic")
	rate := flag.Float64("rate", 10, "Frames per second, 0 for unthrottled")
	loops := flag.Int("loop", 1, "Number of passes over the session")
	frameID := flag.String("frame-id", "velodyne", "Coordinate frame stamped on replayed frames")
	flag.Parse()

	if *dir == "" {
		log.Fatal("Error: -dir flag is required")
	}

	frames, err := capture.LoadSession(fsutil.OSFileSystem{}, *dir, *frameID, nil)
	if err != nil {
		log.Fatalf("Failed to load session: %v", err)
	}
	if len(frames) == 0 {
		log.Fatalf("No clouds under %s", *dir)
	}
	log.Printf("Loaded %d frames from %s", len(frames), *dir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := transport.Dial(*addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	stream, err := client.Ingest(ctx, *topic)
	if err != nil {
		log.Fatalf("Failed to open ingest stream: %v", err)
	}

	var tick <-chan time.Time
	if *rate > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	sent := 0
	for pass := 0; pass < *loops; pass++ {
		for _, f := range frames {
			if tick != nil {
				select {
				case <-ctx.Done():
					log.Printf("Interrupted after %d frames", sent)
					return
				case <-tick:
				}
			}
			f.Header.Seq = uint32(sent)
			if err := stream.Send(f); err != nil {
				log.Fatalf("Send failed after %d frames: %v", sent, err)
			}
			sent++
		}
	}

	if err := stream.CloseAndWait(); err != nil {
		log.Fatalf("Stream close failed: %v", err)
	}
	log.Printf("Replayed %d frames to %s on %s", sent, *addr, *topic)
}
