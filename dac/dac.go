// Package dac describes the MCP4822 dual 12-bit voltage output converter:
// how millivolts become converter units and how units are packed into the
// 16-bit transfer words the chip expects on its serial interface.
package dac

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MaxInt is the converter's full-scale integer.
	MaxInt = 4096

	// LowGainCeiling is the largest output in millivolts at 1x gain.
	LowGainCeiling = 2047
	// HighGainCeiling is the largest output in millivolts at 2x gain.
	HighGainCeiling = 4095

	// CalibrationFactor corrects the measured transfer characteristic of the
	// converter on the reference board.
	CalibrationFactor = 0.8948

	// ToleratedCeiling is the highest voltage in millivolts emitted in safe mode.
	ToleratedCeiling = 3300
	// OverdriveCeiling is the highest voltage in millivolts the converter can emit.
	OverdriveCeiling = 4096
	// Floor is the lowest voltage in millivolts the converter can emit.
	Floor = 0

	valueMask  uint16 = 0x0FFF
	configMask uint16 = 0xF000

	bitChannelB uint16 = 1 << 15
	bitLowGain  uint16 = 1 << 13
	bitActive   uint16 = 1 << 12
)

// Channel selects one of the two converter outputs.
type Channel uint8

const (
	// ChannelA is the first analog output.
	ChannelA Channel = iota
	// ChannelB is the second analog output.
	ChannelB
)

// Channels lists both outputs in wire order.
var Channels = [...]Channel{ChannelA, ChannelB}

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

// ParseChannel accepts "a"/"A" or "b"/"B".
func ParseChannel(raw string) (Channel, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "A":
		return ChannelA, nil
	case "B":
		return ChannelB, nil
	default:
		return 0, fmt.Errorf("dac: unknown channel %q", raw)
	}
}

// MarshalText renders the channel letter.
func (c Channel) MarshalText() ([]byte, error) {
	if c != ChannelA && c != ChannelB {
		return nil, fmt.Errorf("dac: unknown channel %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText parses a channel letter.
func (c *Channel) UnmarshalText(text []byte) error {
	parsed, err := ParseChannel(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// NeedsHighGain reports whether a peak voltage requires the 2x gain range.
// The decision is made once per waveform from its configured maximum.
func NeedsHighGain(peakMilliVolts int) bool {
	return peakMilliVolts >= LowGainCeiling
}

// Quantize converts a voltage in millivolts to converter units.
func Quantize(milliVolts int, highGain bool) uint16 {
	ceiling := float64(LowGainCeiling)
	if highGain {
		ceiling = HighGainCeiling
	}
	units := math.Floor(float64(milliVolts) * MaxInt * CalibrationFactor / ceiling)
	if units <= 0 {
		return 0
	}
	if units >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(units)
}

// Ceiling returns the clipping ceiling in millivolts for the given mode.
func Ceiling(unsafe bool) int {
	if unsafe {
		return OverdriveCeiling
	}
	return ToleratedCeiling
}
