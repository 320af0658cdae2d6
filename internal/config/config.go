package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Duration wraps time.Duration so tuning values can be written as "3.5s"
// or "500ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LineRef names one GPIO line.
type LineRef struct {
	Chip int `yaml:"chip" validate:"min=0"`
	Line int `yaml:"line" validate:"min=0"`
}

// FeederConfig describes one feeder unit: four bays with ready/loaded
// microswitches on a gpio-keys event device, a shared follower motor and
// encoder, and a per-bay error LED device.
type FeederConfig struct {
	Name              string    `yaml:"name" validate:"required"`
	PathLengthMM      float64   `yaml:"path_length_mm" validate:"gt=0"`
	InputDevice       string    `yaml:"input_device" validate:"required"`
	LedDevice         string    `yaml:"led_device"`
	EncoderKey        uint16    `yaml:"encoder_key" validate:"required"`
	BayReadyKeys      [4]uint16 `yaml:"bay_ready_keys"`
	BayLoadedKeys     [4]uint16 `yaml:"bay_loaded_keys"`
	FollowerEnable    LineRef   `yaml:"follower_enable"`
	FollowerDirection LineRef   `yaml:"follower_direction"`
}

// SensorConfig describes one print-head buffer pressure sensor.
type SensorConfig struct {
	Name        string   `yaml:"name" validate:"required"`
	Extruder    string   `yaml:"extruder" validate:"required"`
	AdcDevice   string   `yaml:"adc_device" validate:"required"`
	AdcChannel  int      `yaml:"adc_channel" validate:"min=0"`
	Feeders     []string `yaml:"feeders" validate:"min=1"`
	ClogProfile string   `yaml:"clog_profile" validate:"omitempty,oneof=low medium high"`
}

// GroupConfig declares a filament group: an ordered list of feeder:bay
// tokens fungible as supply for one lane.
type GroupConfig struct {
	Name   string   `yaml:"name" validate:"required"`
	Spools []string `yaml:"spools" validate:"min=1,dive,required"`
}

// Tuning holds the grace windows, thresholds and distances for the health
// monitors and the runout sequence.
type Tuning struct {
	PollInterval           Duration `yaml:"poll_interval"`
	StallGrace             Duration `yaml:"stall_grace"`
	MinEncoderProgress     int64    `yaml:"min_encoder_progress"`
	StuckPressureThreshold float64  `yaml:"stuck_pressure_threshold" validate:"min=0,max=1"`
	StuckDwell             Duration `yaml:"stuck_dwell"`
	PostLoadGrace          Duration `yaml:"post_load_grace"`
	OverPressureThreshold  float64  `yaml:"over_pressure_threshold" validate:"min=0,max=1"`
	OverPressureDwell      Duration `yaml:"over_pressure_dwell"`
	PauseDistanceMM        float64  `yaml:"pause_distance_mm"`
	SlackFactor            float64  `yaml:"slack_factor"`
	PreloadMarginMM        float64  `yaml:"preload_margin_mm"`
	DelegationWindow       Duration `yaml:"delegation_window"`
	LoadRetries            int      `yaml:"load_retries"`
	LoadTimeout            Duration `yaml:"load_timeout"`
}

// Config is the full service configuration.
type Config struct {
	Feeders []FeederConfig `yaml:"feeders" validate:"min=1,dive"`
	Sensors []SensorConfig `yaml:"sensors" validate:"min=1,dive"`
	Groups  []GroupConfig  `yaml:"groups" validate:"min=1,dive"`
	Tuning  Tuning         `yaml:"tuning"`
}

func (t *Tuning) applyDefaults() {
	if t.PollInterval == 0 {
		t.PollInterval = Duration(500 * time.Millisecond)
	}
	if t.StallGrace == 0 {
		t.StallGrace = Duration(2 * time.Second)
	}
	if t.MinEncoderProgress == 0 {
		t.MinEncoderProgress = 4
	}
	if t.StuckPressureThreshold == 0 {
		t.StuckPressureThreshold = 0.08
	}
	if t.StuckDwell == 0 {
		t.StuckDwell = Duration(3500 * time.Millisecond)
	}
	if t.PostLoadGrace == 0 {
		t.PostLoadGrace = Duration(5 * time.Second)
	}
	if t.OverPressureThreshold == 0 {
		t.OverPressureThreshold = 0.90
	}
	if t.OverPressureDwell == 0 {
		t.OverPressureDwell = Duration(3 * time.Second)
	}
	if t.PauseDistanceMM == 0 {
		t.PauseDistanceMM = 40
	}
	if t.SlackFactor == 0 {
		t.SlackFactor = 1.2
	}
	if t.PreloadMarginMM == 0 {
		t.PreloadMarginMM = 10
	}
	if t.DelegationWindow == 0 {
		t.DelegationWindow = Duration(2 * time.Minute)
	}
	if t.LoadRetries == 0 {
		t.LoadRetries = 3
	}
	if t.LoadTimeout == 0 {
		t.LoadTimeout = Duration(30 * time.Second)
	}
}

// Load reads, validates and defaults the configuration file. A bad group or
// bay declaration is fatal at construction time, so validation errors are
// returned rather than logged.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates raw config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Tuning.applyDefaults()
	for i := range cfg.Sensors {
		if cfg.Sensors[i].ClogProfile == "" {
			cfg.Sensors[i].ClogProfile = "medium"
		}
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
