package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xenvm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
listenPort: 8080
host_allocation_quantum_mib: 64
host_low_water_mark_mib: 16
vg_name: vg0
devices:
  - /dev/sda
  - /dev/sdb
`)
	cfg, err := Load(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "vg0", cfg.VGName)
	assert.EqualValues(t, 64, cfg.HostAllocationQuantumMiB)
	require.NotNil(t, cfg.ListenPort)
	assert.EqualValues(t, 8080, *cfg.ListenPort)
	assert.Len(t, cfg.Devices, 2)
}

func TestLoadMissingListenEndpointFails(t *testing.T) {
	path := writeConfig(t, `
host_allocation_quantum_mib: 64
host_low_water_mark_mib: 16
vg_name: vg0
devices: [/dev/sda]
`)
	_, err := Load(path, Overrides{})
	assert.Error(t, err)
}

func TestOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
listenPort: 8080
host_allocation_quantum_mib: 64
host_low_water_mark_mib: 16
vg_name: vg0
devices: [/dev/sda]
`)
	override := uint16(9090)
	cfg, err := Load(path, Overrides{ListenPort: &override})
	require.NoError(t, err)
	assert.EqualValues(t, 9090, *cfg.ListenPort)
}

func TestValidateRejectsZeroQuantum(t *testing.T) {
	cfg := &xenvmtypes.Config{VGName: "vg0", Devices: []string{"/dev/sda"}, HostLowWaterMarkMiB: 1}
	path := uint16(1)
	cfg.ListenPort = &path
	assert.Error(t, Validate(cfg))
}
