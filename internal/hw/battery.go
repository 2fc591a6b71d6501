package hw

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Battery reports the supply voltage. With an empty source it returns the
// fixed value it was created with.
type Battery struct {
	source string
	volts  float64
}

func NewBattery(source string, volts float64) Battery {
	return Battery{source: source, volts: volts}
}

func (b Battery) Volts() (float64, error) {
	if b.source == "" {
		return b.volts, nil
	}
	raw, err := os.ReadFile(b.source)
	if err != nil {
		return 0, fmt.Errorf("reading battery: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing battery reading %q: %w", strings.TrimSpace(string(raw)), err)
	}
	return v, nil
}
