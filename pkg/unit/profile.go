package unit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unitlink/unitlink/pkg/capability"
)

// Profile is the device profile the simulator boots from: the identity
// and capability presence that real firmware would carry baked in.
type Profile struct {
	DeviceType      string   `yaml:"device_type"`
	Name            string   `yaml:"name"`
	Firmware        string   `yaml:"firmware"`
	FirmwareVersion string   `yaml:"fw_version"`
	MAC             string   `yaml:"mac"`
	Capabilities    []string `yaml:"capabilities"`

	EntryWindowSeconds int    `yaml:"entry_window_seconds"`
	BeaconIntervalMS   int    `yaml:"beacon_interval_ms"`
	StorePath          string `yaml:"store_path"`

	Telemetry struct {
		Enabled         bool   `yaml:"enabled"`
		URL             string `yaml:"url"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"telemetry"`
}

// LoadProfile reads and validates a YAML device profile.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if p.DeviceType == "" {
		return nil, fmt.Errorf("profile %s: device_type is required", path)
	}
	if p.Name == "" {
		p.Name = p.DeviceType
	}
	if p.Firmware == "" {
		p.Firmware = "unitlink-sim"
	}
	if p.FirmwareVersion == "" {
		p.FirmwareVersion = "0.0.0-dev"
	}
	if p.StorePath == "" {
		p.StorePath = fmt.Sprintf("~/.config/unitlink/%s.db", p.DeviceType)
	}
	return &p, nil
}

// Manifest assembles the capability manifest this profile declares.
func (p *Profile) Manifest() *capability.Manifest {
	kinds := make([]capability.Kind, 0, len(p.Capabilities))
	for _, name := range p.Capabilities {
		kinds = append(kinds, capability.Kind(name))
	}
	return capability.Build(p.DeviceType, p.Name, p.Firmware, p.FirmwareVersion, kinds)
}

// EntryWindow returns the configured entry window, or the default.
func (p *Profile) EntryWindow() time.Duration {
	if p.EntryWindowSeconds <= 0 {
		return DefaultEntryWindow
	}
	return time.Duration(p.EntryWindowSeconds) * time.Second
}

// BeaconInterval returns the configured beacon cadence, or the default.
func (p *Profile) BeaconInterval() time.Duration {
	if p.BeaconIntervalMS <= 0 {
		return DefaultBeaconInterval
	}
	return time.Duration(p.BeaconIntervalMS) * time.Millisecond
}

// TelemetryInterval returns the configured heartbeat cadence, or zero
// when telemetry is disabled.
func (p *Profile) TelemetryInterval() time.Duration {
	if !p.Telemetry.Enabled {
		return 0
	}
	if p.Telemetry.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.Telemetry.IntervalSeconds) * time.Second
}
