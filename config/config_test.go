package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
}

func TestInit_Defaults(t *testing.T) {
	resetViper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"signal_len", 32768},
		{"num_shifts", 40},
		{"num_signals", 50},
		{"points_per_window", 5},
		{"scale_factor", 1.0 / 32768.0},
		{"peak_policy", PolicyFixedWindow},
		{"backend", "auto"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := viper.Get(tt.key); got != tt.expected {
				t.Errorf("viper.Get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestInit_ReadsConfigFile(t *testing.T) {
	resetViper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	dir := filepath.Join(tmp, AppName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yaml := "signal_len: 1024\nnum_shifts: 4\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	p, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.SignalLen != 1024 {
		t.Errorf("SignalLen = %d, want 1024", p.SignalLen)
	}
	if p.NumShifts != 4 {
		t.Errorf("NumShifts = %d, want 4", p.NumShifts)
	}
	if p.NumSignals != 50 {
		t.Errorf("NumSignals = %d, want default 50", p.NumSignals)
	}
}

func TestGet_EnvOverride(t *testing.T) {
	resetViper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RAKE_NUM_SIGNALS", "7")

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	p, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.NumSignals != 7 {
		t.Errorf("NumSignals = %d, want env override 7", p.NumSignals)
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Parameters)
		wantSub string
	}{
		{"zero length", func(p *Parameters) { p.SignalLen = 0 }, "signal_len"},
		{"non power of two", func(p *Parameters) { p.SignalLen = 1000 }, "power of 2"},
		{"zero shifts", func(p *Parameters) { p.NumShifts = 0 }, "num_shifts"},
		{"negative signals", func(p *Parameters) { p.NumSignals = -1 }, "num_signals"},
		{"zero points", func(p *Parameters) { p.PointsPerWindow = 0 }, "points_per_window"},
		{"points beyond window", func(p *Parameters) { p.SignalLen = 16; p.PointsPerWindow = 17 }, "cannot exceed"},
		{"zero scale", func(p *Parameters) { p.ScaleFactor = 0 }, "scale_factor"},
		{"unknown policy", func(p *Parameters) { p.PeakPolicy = "best-effort" }, "peak_policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	p := Default()
	p.SignalLen = 0
	p.ScaleFactor = -1
	err := p.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want joined errors")
	}
	for _, sub := range []string{"signal_len", "scale_factor"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error missing %q: %q", sub, err)
		}
	}
}

func TestNumWindows(t *testing.T) {
	if got := Default().NumWindows(); got != 2000 {
		t.Errorf("NumWindows() = %d, want 2000", got)
	}
}

func TestSnapshot(t *testing.T) {
	s, err := Default().Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, sub := range []string{`"signal_len": 32768`, `"peak_policy": "fixed-window"`} {
		if !strings.Contains(s, sub) {
			t.Errorf("snapshot missing %q:\n%s", sub, s)
		}
	}
}
