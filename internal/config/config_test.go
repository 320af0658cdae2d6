package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
feeders:
  - name: unit0
    path_length_mm: 120
    input_device: /dev/input/event0
    encoder_key: 100
    bay_ready_keys: [101, 102, 103, 104]
    bay_loaded_keys: [105, 106, 107, 108]
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    adc_channel: 0
    feeders: [unit0]
groups:
  - name: PLA
    spools: ["unit0:0", "unit0:1"]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Tuning.PollInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.Tuning.StallGrace.Std())
	assert.Equal(t, int64(4), cfg.Tuning.MinEncoderProgress)
	assert.Equal(t, 0.08, cfg.Tuning.StuckPressureThreshold)
	assert.Equal(t, 3500*time.Millisecond, cfg.Tuning.StuckDwell.Std())
	assert.Equal(t, 5*time.Second, cfg.Tuning.PostLoadGrace.Std())
	assert.Equal(t, 0.90, cfg.Tuning.OverPressureThreshold)
	assert.Equal(t, 3*time.Second, cfg.Tuning.OverPressureDwell.Std())
	assert.Equal(t, 40.0, cfg.Tuning.PauseDistanceMM)
	assert.Equal(t, 1.2, cfg.Tuning.SlackFactor)
	assert.Equal(t, 10.0, cfg.Tuning.PreloadMarginMM)
	assert.Equal(t, 2*time.Minute, cfg.Tuning.DelegationWindow.Std())
	assert.Equal(t, 3, cfg.Tuning.LoadRetries)
	assert.Equal(t, 30*time.Second, cfg.Tuning.LoadTimeout.Std())

	require.Len(t, cfg.Sensors, 1)
	assert.Equal(t, "medium", cfg.Sensors[0].ClogProfile)
}

func TestParseTuningOverrides(t *testing.T) {
	yaml := minimalYAML + `
tuning:
  poll_interval: 250ms
  stall_grace: 1.5s
  stuck_pressure_threshold: 0.12
  pause_distance_mm: 55
  delegation_window: 90s
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Tuning.PollInterval.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Tuning.StallGrace.Std())
	assert.Equal(t, 0.12, cfg.Tuning.StuckPressureThreshold)
	assert.Equal(t, 55.0, cfg.Tuning.PauseDistanceMM)
	assert.Equal(t, 90*time.Second, cfg.Tuning.DelegationWindow.Std())
	// Untouched fields still default
	assert.Equal(t, 3500*time.Millisecond, cfg.Tuning.StuckDwell.Std())
}

func TestParseRejectsBadDuration(t *testing.T) {
	yaml := minimalYAML + `
tuning:
  poll_interval: soon
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "no feeders",
			yaml: `
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    feeders: [unit0]
groups:
  - name: PLA
    spools: ["unit0:0"]
`,
		},
		{
			name: "feeder missing input device",
			yaml: `
feeders:
  - name: unit0
    path_length_mm: 120
    encoder_key: 100
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    feeders: [unit0]
groups:
  - name: PLA
    spools: ["unit0:0"]
`,
		},
		{
			name: "zero path length",
			yaml: `
feeders:
  - name: unit0
    path_length_mm: 0
    input_device: /dev/input/event0
    encoder_key: 100
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    feeders: [unit0]
groups:
  - name: PLA
    spools: ["unit0:0"]
`,
		},
		{
			name: "bad clog profile",
			yaml: `
feeders:
  - name: unit0
    path_length_mm: 120
    input_device: /dev/input/event0
    encoder_key: 100
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    feeders: [unit0]
    clog_profile: extreme
groups:
  - name: PLA
    spools: ["unit0:0"]
`,
		},
		{
			name: "sensor without feeders",
			yaml: `
feeders:
  - name: unit0
    path_length_mm: 120
    input_device: /dev/input/event0
    encoder_key: 100
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    feeders: []
groups:
  - name: PLA
    spools: ["unit0:0"]
`,
		},
		{
			name: "group without spools",
			yaml: `
feeders:
  - name: unit0
    path_length_mm: 120
    input_device: /dev/input/event0
    encoder_key: 100
sensors:
  - name: fps0
    extruder: extruder
    adc_device: iio:device0
    feeders: [unit0]
groups:
  - name: PLA
    spools: []
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseStuckThresholdRange(t *testing.T) {
	yaml := minimalYAML + `
tuning:
  stuck_pressure_threshold: 1.5
`
	_, err := Parse([]byte(yaml))
	assert.Error(t, err)
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "unit0", cfg.Feeders[0].Name)
	assert.Equal(t, "fps0", cfg.Sensors[0].Name)
	assert.Equal(t, []string{"unit0:0", "unit0:1"}, cfg.Groups[0].Spools)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
