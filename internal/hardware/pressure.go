package hardware

import (
	"fmt"
	"os"

	"supply-service/internal/config"
)

// adcFullScale is the raw reading at full-scale buffer compression on the
// 12-bit converter behind the sysfs IIO node.
const adcFullScale = 4095

// PositionSource reports the extruder feed position associated with a
// sensor. Wired to the print surface at startup.
type PositionSource func() (float64, error)

// AdcPressureSensor reads one buffer pressure transducer through sysfs IIO
// and resolves the extruder position through the injected source.
type AdcPressureSensor struct {
	name     string
	device   string
	channel  int
	feeders  []string
	position PositionSource
}

func NewAdcPressureSensor(cfg config.SensorConfig, position PositionSource) *AdcPressureSensor {
	return &AdcPressureSensor{
		name:     cfg.Name,
		device:   cfg.AdcDevice,
		channel:  cfg.AdcChannel,
		feeders:  cfg.Feeders,
		position: position,
	}
}

func (s *AdcPressureSensor) Name() string { return s.name }

func (s *AdcPressureSensor) FeederNames() []string { return s.feeders }

// Value returns the normalized buffer pressure in 0..1.
func (s *AdcPressureSensor) Value() (float64, error) {
	raw, err := readAdcRaw(s.device, s.channel)
	if err != nil {
		return 0, err
	}

	v := float64(raw) / adcFullScale
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, nil
}

func (s *AdcPressureSensor) ExtruderPosition() (float64, error) {
	return s.position()
}

func readAdcRaw(device string, channel int) (int, error) {
	path := fmt.Sprintf("/sys/bus/iio/devices/%s/in_voltage%d_raw", device, channel)

	data, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("failed reading %s: %w", path, err)
	}

	var value int
	if _, err := fmt.Sscanf(string(data), "%d", &value); err != nil {
		return -1, fmt.Errorf("failed parsing ADC value: %w", err)
	}
	return value, nil
}
