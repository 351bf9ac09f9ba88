package dispatch

import (
	"fmt"
	"math"
	"net"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/wire"
)

// Kind selects the delivery channel for a destination
type Kind string

const (
	// KindUDP pushes binary datagrams to host:port
	KindUDP Kind = "udp"
	// KindSerial writes text frames to a serial device
	KindSerial Kind = "serial"
)

// DefaultBaudRate applies to serial destinations without an explicit rate
const DefaultBaudRate = 9600

// DestinationConfig describes one actuator target
type DestinationConfig struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	Address  string  `json:"address"`
	BaudRate int     `json:"baud_rate,omitempty"`
	Path     string  `json:"path,omitempty"`
	RemapMin float64 `json:"remap_min"`
	RemapMax float64 `json:"remap_max"`
	Enabled  bool    `json:"enabled"`
}

// Validate checks the configuration. RemapMin above RemapMax is rejected
// rather than swapped.
func (c DestinationConfig) Validate() error {
	const component = "DestinationConfig"

	if c.ID == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "destination id is required")
	}
	for _, v := range []float64{c.RemapMin, c.RemapMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate",
				"destination %q remap bound %v is not finite", c.ID, v)
		}
	}
	if c.RemapMin > c.RemapMax {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate",
			"destination %q remap_min %g greater than remap_max %g", c.ID, c.RemapMin, c.RemapMax)
	}

	switch c.Kind {
	case KindUDP:
		if c.Address == "" {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "destination %q needs host:port", c.ID)
		}
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "destination %q address: %v", c.ID, err)
		}
		if err := wire.ValidateAddress(c.Path); err != nil {
			return errors.Wrap(err, component, "Validate", fmt.Sprintf("check path of %q", c.ID))
		}
	case KindSerial:
		if c.Address == "" {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "destination %q needs a device path", c.ID)
		}
		if c.BaudRate < 0 {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "destination %q baud rate %d", c.ID, c.BaudRate)
		}
	default:
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "destination %q kind %q", c.ID, c.Kind)
	}
	return nil
}

// Remap maps a normalized value onto [RemapMin, RemapMax]
func (c DestinationConfig) Remap(normalized float64) float64 {
	return c.RemapMin + normalized*(c.RemapMax-c.RemapMin)
}

func (c DestinationConfig) withDefaults() DestinationConfig {
	if c.Kind == KindSerial && c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	return c
}

// senderKey identifies the physical channel; a change forces a new sender
func (c DestinationConfig) senderKey() string {
	return fmt.Sprintf("%s|%s|%d", c.Kind, c.Address, c.BaudRate)
}
