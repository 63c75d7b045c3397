package transport

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Settings selects the host SPI port and control pins.
type Settings struct {
	// Port is the SPI port name; empty selects the first available port.
	Port      string
	Frequency physic.Frequency
	Mode      spi.Mode
	Bits      int

	CSPin     string
	LDACPin   string
	StatusPin string
}

// DefaultSettings matches the reference board: 1 MHz, clock idle high with
// data sampled on the rising edge, 8 bit words, MSB first.
func DefaultSettings() Settings {
	return Settings{
		Frequency: physic.MegaHertz,
		Mode:      spi.Mode3,
		Bits:      8,
		CSPin:     "GPIO13",
		LDACPin:   "GPIO12",
		StatusPin: "GPIO25",
	}
}

// Open initialises the host drivers, connects to the SPI port and resolves
// the control pins.
func Open(s Settings) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	if s.Frequency == 0 {
		s.Frequency = physic.MegaHertz
	}
	if s.Bits == 0 {
		s.Bits = 8
	}

	port, err := spireg.Open(s.Port)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w; resolve by fully resetting the device", s.Port, err)
	}
	conn, err := port.Connect(s.Frequency, s.Mode, s.Bits)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("connect spi port %q: %w", s.Port, err)
	}

	cs, err := outputPin(s.CSPin, "chip select")
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	ldac, err := outputPin(s.LDACPin, "latch")
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	var status Pin
	if strings.TrimSpace(s.StatusPin) != "" {
		if status, err = outputPin(s.StatusPin, "status"); err != nil {
			_ = port.Close()
			return nil, err
		}
	}

	dev := NewDevice(conn, cs, ldac, status)
	dev.closer = port
	if err := dev.Reset(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return dev, nil
}

func outputPin(name, role string) (Pin, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%s pin is required", role)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("%s pin %q not found", role, name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("configure %s pin %q: %w", role, name, err)
	}
	return pin, nil
}
