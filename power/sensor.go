package power

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

// SysfsSensor reads an IIO raw channel such as
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
type SysfsSensor struct {
	path string
}

func NewSysfsSensor(path string) *SysfsSensor {
	return &SysfsSensor{path: path}
}

func (s *SysfsSensor) Read() (Sample, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("read adc: %w", err)
	}
	v, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse adc value %q: %w", bytes.TrimSpace(raw), err)
	}
	return Sample(v), nil
}
