// Package config holds the correlator's run parameters and loads them
// from file, environment, and flags via viper.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	AppName    = "rake"
	ConfigType = "yaml"
)

// Peak policy names accepted by peak_policy.
const (
	PolicyFixedWindow = "fixed-window"
	PolicyRunningMax  = "running-max"
)

// Parameters is the five-scalar correlation geometry plus the knobs
// around it. The geometry is frozen once a pipeline initializes with
// it; changing any value requires a fresh pipeline instance.
type Parameters struct {
	// SignalLen is the transform length N. Power of two; the plan
	// builder rejects anything else.
	SignalLen int `mapstructure:"signal_len" json:"signal_len"`

	// NumShifts is how many cyclic shifts of the reference signal are
	// correlated against every input.
	NumShifts int `mapstructure:"num_shifts" json:"num_shifts"`

	// NumSignals is the input batch size.
	NumSignals int `mapstructure:"num_signals" json:"num_signals"`

	// PointsPerWindow is how many leading correlation points are kept
	// per (signal, shift) window.
	PointsPerWindow int `mapstructure:"points_per_window" json:"points_per_window"`

	// ScaleFactor multiplies every raw int32 sample during conversion.
	ScaleFactor float64 `mapstructure:"scale_factor" json:"scale_factor"`

	// PeakPolicy selects what the peaks callback writes per window:
	// PolicyFixedWindow or PolicyRunningMax.
	PeakPolicy string `mapstructure:"peak_policy" json:"peak_policy"`

	// Backend is the compute backend preference ("auto", "webgpu",
	// "cpu"). Unknown names surface when the backend is opened.
	Backend string `mapstructure:"backend" json:"backend"`

	// ExportDir, when set, receives per-step JSON result files.
	ExportDir string `mapstructure:"export_dir" json:"export_dir,omitempty"`
}

// Default returns the parameter set the original system shipped with:
// 32768-point transforms, 40 shifts, 50 signals, 5 points per window.
func Default() Parameters {
	return Parameters{
		SignalLen:       32768,
		NumShifts:       40,
		NumSignals:      50,
		PointsPerWindow: 5,
		ScaleFactor:     1.0 / 32768.0,
		PeakPolicy:      PolicyFixedWindow,
		Backend:         "auto",
	}
}

// Init seeds viper with defaults, the RAKE_ environment prefix, and the
// optional config file (./config.yaml or ~/.config/rake/config.yaml).
// A missing file is fine; anything else fails.
func Init() error {
	d := Default()
	viper.SetDefault("signal_len", d.SignalLen)
	viper.SetDefault("num_shifts", d.NumShifts)
	viper.SetDefault("num_signals", d.NumSignals)
	viper.SetDefault("points_per_window", d.PointsPerWindow)
	viper.SetDefault("scale_factor", d.ScaleFactor)
	viper.SetDefault("peak_policy", d.PeakPolicy)
	viper.SetDefault("backend", d.Backend)
	viper.SetDefault("export_dir", "")

	viper.SetEnvPrefix("RAKE")
	viper.AutomaticEnv()

	viper.SetConfigType(ConfigType)
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	if configDir, err := os.UserConfigDir(); err == nil {
		viper.AddConfigPath(filepath.Join(configDir, AppName))
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Get unmarshals and validates the current viper state.
func Get() (Parameters, error) {
	var p Parameters
	if err := viper.Unmarshal(&p); err != nil {
		return Parameters{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, fmt.Errorf("invalid config: %w", err)
	}
	return p, nil
}

// Validate checks every scalar before any device work starts. All
// violations are reported together.
func (p Parameters) Validate() error {
	var errs []error

	if p.SignalLen < 2 {
		errs = append(errs, fmt.Errorf("signal_len must be at least 2, got %d", p.SignalLen))
	} else if p.SignalLen&(p.SignalLen-1) != 0 {
		errs = append(errs, fmt.Errorf("signal_len must be a power of 2, got %d", p.SignalLen))
	}
	if p.NumShifts < 1 {
		errs = append(errs, fmt.Errorf("num_shifts must be positive, got %d", p.NumShifts))
	}
	if p.NumSignals < 1 {
		errs = append(errs, fmt.Errorf("num_signals must be positive, got %d", p.NumSignals))
	}
	if p.PointsPerWindow < 1 {
		errs = append(errs, fmt.Errorf("points_per_window must be positive, got %d", p.PointsPerWindow))
	} else if p.SignalLen >= 2 && p.PointsPerWindow > p.SignalLen {
		errs = append(errs, fmt.Errorf("points_per_window (%d) cannot exceed signal_len (%d)",
			p.PointsPerWindow, p.SignalLen))
	}
	if p.ScaleFactor <= 0 {
		errs = append(errs, fmt.Errorf("scale_factor must be positive, got %v", p.ScaleFactor))
	}
	switch p.PeakPolicy {
	case PolicyFixedWindow, PolicyRunningMax:
	default:
		errs = append(errs, fmt.Errorf("peak_policy must be %q or %q, got %q",
			PolicyFixedWindow, PolicyRunningMax, p.PeakPolicy))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NumWindows is the correlation window count, numSignals × numShifts.
func (p Parameters) NumWindows() int {
	return p.NumSignals * p.NumShifts
}

// Snapshot renders the parameters as indented JSON for logs and
// exports.
func (p Parameters) Snapshot() (string, error) {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(b), nil
}
