// Package config loads the startup configuration of the denoising service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/dror/internal/lidar/dror"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/dror.defaults.json"

// Overflow policies accepted by overflow_policy.
const (
	OverflowDropOldest    = "drop_oldest"
	OverflowRejectNew     = "reject_new"
	OverflowBlockProducer = "block_producer"
)

// DRORConfig is the root configuration. It is read once at startup and never
// reloaded. Fields omitted from the JSON file fall back to the Get* defaults.
type DRORConfig struct {
	// Input
	InputTopic *string `json:"input_topic,omitempty"`

	// Filter params
	RadiusMultiplier *float64 `json:"radius_multiplier,omitempty"`
	AzimuthAngle     *float64 `json:"azimuth_angle,omitempty"` // degrees
	MinNeighbours    *int     `json:"min_neighbours,omitempty"`
	MinSearchRadius  *float64 `json:"min_search_radius,omitempty"` // meters

	// Capture mode
	WriteToKitti    *bool   `json:"write_to_kitti,omitempty"`
	WriteClouds     *bool   `json:"write_clouds,omitempty"`
	OutputDirectory *string `json:"output_directory,omitempty"`

	// Queue
	QueueCapacity  *int    `json:"queue_capacity,omitempty"`
	OverflowPolicy *string `json:"overflow_policy,omitempty"`

	// Endpoints
	GRPCListen  *string `json:"grpc_listen,omitempty"`
	DebugListen *string `json:"debug_listen,omitempty"`
	RunLogPath  *string `json:"runlog_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a DRORConfig with all fields set to nil.
func EmptyConfig() *DRORConfig {
	return &DRORConfig{}
}

// DefaultConfig returns a DRORConfig with every field populated from the
// built-in defaults. It matches config/dror.defaults.json.
func DefaultConfig() *DRORConfig {
	e := EmptyConfig()
	return &DRORConfig{
		InputTopic:       ptrString(e.GetInputTopic()),
		RadiusMultiplier: ptrFloat64(e.GetRadiusMultiplier()),
		AzimuthAngle:     ptrFloat64(e.GetAzimuthAngle()),
		MinNeighbours:    ptrInt(e.GetMinNeighbours()),
		MinSearchRadius:  ptrFloat64(e.GetMinSearchRadius()),
		WriteToKitti:     ptrBool(e.GetWriteToKitti()),
		WriteClouds:      ptrBool(e.GetWriteClouds()),
		OutputDirectory:  ptrString(e.GetOutputDirectory()),
		QueueCapacity:    ptrInt(e.GetQueueCapacity()),
		OverflowPolicy:   ptrString(e.GetOverflowPolicy()),
		GRPCListen:       ptrString(e.GetGRPCListen()),
		DebugListen:      ptrString(e.GetDebugListen()),
		RunLogPath:       ptrString(e.GetRunLogPath()),
	}
}

// LoadConfig loads a DRORConfig from a JSON file.
// The file must have a .json extension and be at most 1MB.
func LoadConfig(path string) (*DRORConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories and panics
// if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *DRORConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lidar/pipeline/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *DRORConfig) Validate() error {
	if err := c.FilterParams().Validate(); err != nil {
		return err
	}

	if c.QueueCapacity != nil && *c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}

	switch c.GetOverflowPolicy() {
	case OverflowDropOldest, OverflowRejectNew, OverflowBlockProducer:
	default:
		return fmt.Errorf("overflow_policy must be one of %s, %s, %s; got %q",
			OverflowDropOldest, OverflowRejectNew, OverflowBlockProducer, c.GetOverflowPolicy())
	}

	if c.GetWriteToKitti() && c.GetOutputDirectory() == "" {
		return fmt.Errorf("output_directory is required when write_to_kitti is enabled")
	}
	if c.GetWriteClouds() && !c.GetWriteToKitti() {
		return fmt.Errorf("write_clouds requires write_to_kitti")
	}

	return nil
}

// FilterParams maps the filter fields onto dror.Params.
func (c *DRORConfig) FilterParams() dror.Params {
	return dror.Params{
		RadiusMultiplier: c.GetRadiusMultiplier(),
		AzimuthAngleDeg:  c.GetAzimuthAngle(),
		MinSearchRadius:  c.GetMinSearchRadius(),
		MinNeighbours:    c.GetMinNeighbours(),
	}
}

// GetInputTopic returns the input_topic value or the default.
func (c *DRORConfig) GetInputTopic() string {
	if c.InputTopic == nil {
		return "/velodyne_points"
	}
	return *c.InputTopic
}

// GetRadiusMultiplier returns the radius_multiplier value or the default.
func (c *DRORConfig) GetRadiusMultiplier() float64 {
	if c.RadiusMultiplier == nil {
		return dror.DefaultParams().RadiusMultiplier
	}
	return *c.RadiusMultiplier
}

// GetAzimuthAngle returns the azimuth_angle value (degrees) or the default.
func (c *DRORConfig) GetAzimuthAngle() float64 {
	if c.AzimuthAngle == nil {
		return dror.DefaultParams().AzimuthAngleDeg
	}
	return *c.AzimuthAngle
}

// GetMinNeighbours returns the min_neighbours value or the default.
func (c *DRORConfig) GetMinNeighbours() int {
	if c.MinNeighbours == nil {
		return dror.DefaultParams().MinNeighbours
	}
	return *c.MinNeighbours
}

// GetMinSearchRadius returns the min_search_radius value or the default.
func (c *DRORConfig) GetMinSearchRadius() float64 {
	if c.MinSearchRadius == nil {
		return dror.DefaultParams().MinSearchRadius
	}
	return *c.MinSearchRadius
}

// GetWriteToKitti returns the write_to_kitti value or the default.
func (c *DRORConfig) GetWriteToKitti() bool {
	if c.WriteToKitti == nil {
		return false // default: capture disabled
	}
	return *c.WriteToKitti
}

// GetWriteClouds returns the write_clouds value or the default.
func (c *DRORConfig) GetWriteClouds() bool {
	if c.WriteClouds == nil {
		return false // default: per-frame dump disabled
	}
	return *c.WriteClouds
}

// GetOutputDirectory returns the output_directory value or the default.
func (c *DRORConfig) GetOutputDirectory() string {
	if c.OutputDirectory == nil {
		return "capture"
	}
	return *c.OutputDirectory
}

// GetQueueCapacity returns the queue_capacity value or the default.
func (c *DRORConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 64
	}
	return *c.QueueCapacity
}

// GetOverflowPolicy returns the overflow_policy value or the default.
func (c *DRORConfig) GetOverflowPolicy() string {
	if c.OverflowPolicy == nil {
		return OverflowDropOldest
	}
	return *c.OverflowPolicy
}

// GetGRPCListen returns the grpc_listen value or the default.
func (c *DRORConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return "localhost:50061"
	}
	return *c.GRPCListen
}

// GetDebugListen returns the debug_listen value or the default.
func (c *DRORConfig) GetDebugListen() string {
	if c.DebugListen == nil {
		return "localhost:8082"
	}
	return *c.DebugListen
}

// GetRunLogPath returns the runlog_path value or the default. Empty disables the run log.
func (c *DRORConfig) GetRunLogPath() string {
	if c.RunLogPath == nil {
		return ""
	}
	return *c.RunLogPath
}
