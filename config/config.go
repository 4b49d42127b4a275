// Package config reads the rig's JSON configuration file and fills in
// shipping defaults for anything left out.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-labs/depthsense/segmentation"
	"github.com/viam-labs/depthsense/stereo"
)

// Cameras identifies the stereo pair's hardware IDs and the capture
// program used to pull stills from them.
type Cameras struct {
	LeftID         int      `json:"left_id"`
	RightID        int      `json:"right_id"`
	CaptureProgram string   `json:"capture_program"`
	CaptureArgs    []string `json:"capture_args"`
}

// Pattern describes the calibration chessboard.
type Pattern struct {
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	SquareSize float64 `json:"square_size"`
}

// ToF tunes the time-of-flight pipeline.
type ToF struct {
	MaxDist         float64 `json:"max_dist"`
	TimeoutMS       int     `json:"timeout_ms"`
	MedianSize      int     `json:"median_size"`
	WaterCorrection bool    `json:"water_correction"`
	PlaybackDir     string  `json:"playback_dir"`
}

// Pipeline tunes the frame loop.
type Pipeline struct {
	QueueSize     int    `json:"queue_size"`
	GracePeriodMS int    `json:"grace_period_ms"`
	SaveDir       string `json:"save_dir"`
}

// Config is the full rig configuration.
type Config struct {
	CalibrationDir   string               `json:"calibration_dir"`
	CornerDir        string               `json:"corner_dir"`
	DecimalSeparator string               `json:"decimal_separator"`
	Cameras          Cameras              `json:"cameras"`
	Pattern          Pattern              `json:"pattern"`
	Matcher          stereo.MatcherConfig `json:"matcher"`
	Segmentation     segmentation.Config  `json:"segmentation"`
	ToF              ToF                  `json:"tof"`
	Pipeline         Pipeline             `json:"pipeline"`
}

// Default returns the configuration the rig ships with.
func Default() Config {
	return Config{
		CalibrationDir:   "calibration",
		DecimalSeparator: ",",
		Cameras: Cameras{
			LeftID:         0,
			RightID:        1,
			CaptureProgram: "libcamera-still",
			CaptureArgs:    []string{"--camera", "{id}", "-o", "{file}", "-n", "--immediate"},
		},
		Pattern:          Pattern{Rows: 6, Cols: 9, SquareSize: 0.025},
		Matcher:          stereo.DefaultMatcherConfig(),
		Segmentation:     segmentation.DefaultConfig(),
		ToF:              ToF{MaxDist: 7.5, TimeoutMS: 1000, MedianSize: 3},
		Pipeline:         Pipeline{QueueSize: 4, GracePeriodMS: 5000, SaveDir: "."},
	}
}

// Read loads a configuration file over the defaults. An empty path
// returns the defaults unchanged.
func Read(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "cannot read config %q", path)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "cannot parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Matcher.Validate(); err != nil {
		return err
	}
	if err := c.Segmentation.Validate(); err != nil {
		return err
	}
	if c.ToF.MaxDist <= 0 {
		return errors.New("tof max distance must be positive")
	}
	if c.Pattern.Rows < 2 || c.Pattern.Cols < 2 || c.Pattern.SquareSize <= 0 {
		return errors.New("invalid calibration pattern")
	}
	return nil
}

// GracePeriod returns the pipeline grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Pipeline.GracePeriodMS) * time.Millisecond
}

// ToFTimeout returns the frame timeout as a duration.
func (c *Config) ToFTimeout() time.Duration {
	return time.Duration(c.ToF.TimeoutMS) * time.Millisecond
}
