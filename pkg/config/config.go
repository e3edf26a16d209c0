package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// Overrides carries command-line flag values that take precedence over
// whatever the config file set, applied by Load after the file parses.
type Overrides struct {
	ListenPort *uint16
	ListenPath *string
}

// Load reads and parses the YAML config file at path, applies overrides,
// and validates the result. It is called exactly once, at daemon
// startup.
func Load(path string, overrides Overrides) (*xenvmtypes.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg xenvmtypes.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overrides.ListenPort != nil {
		cfg.ListenPort = overrides.ListenPort
	}
	if overrides.ListenPath != nil {
		cfg.ListenPath = overrides.ListenPath
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants a loaded config must satisfy:
// at least one listen endpoint, a named VG, at least one backing
// device, and positive allocation parameters.
func Validate(cfg *xenvmtypes.Config) error {
	if cfg.ListenPort == nil && (cfg.ListenPath == nil || *cfg.ListenPath == "") {
		return fmt.Errorf("config: at least one of listenPort or listenPath must be set")
	}
	if cfg.VGName == "" {
		return fmt.Errorf("config: vg_name is required")
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("config: at least one device is required")
	}
	if cfg.HostAllocationQuantumMiB <= 0 {
		return fmt.Errorf("config: host_allocation_quantum_mib must be positive")
	}
	if cfg.HostLowWaterMarkMiB <= 0 {
		return fmt.Errorf("config: host_low_water_mark_mib must be positive")
	}
	return nil
}
