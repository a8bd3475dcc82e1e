// Package pipeline runs the streaming denoising flow for one input topic.
//
// Frames arrive through HandleFrame, wait in a bounded FrameQueue, and are
// processed strictly in arrival order by a single worker goroutine started
// with Run. Each frame is reduced to the filter schema, filtered, timed,
// restored to the full schema by exact-match recovery, and handed to every
// configured Sink. An optional Recorder receives the filtered cloud of each
// processed frame and is flushed by the worker once it has stopped.
//
// The pipeline does not own filter math or transport; it delegates to
// dror, recovery and the sinks wired in by cmd/dror.
package pipeline
