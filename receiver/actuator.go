package receiver

import (
	"os"
	"strconv"

	"github.com/c360/reddust/errors"
)

// Driver applies an actuator output to hardware
type Driver interface {
	Drive(output float64) error
}

// DriverFunc adapts a function to Driver
type DriverFunc func(output float64) error

// Drive calls f
func (f DriverFunc) Drive(output float64) error { return f(output) }

// Actuator maps a normalized value onto [Floor, Ceiling] and pushes it to a
// driver when it changes.
type Actuator struct {
	Floor   float64
	Ceiling float64

	driver  Driver
	last    float64
	applied bool
}

// NewActuator creates an actuator. A nil driver only computes outputs.
func NewActuator(floor, ceiling float64, driver Driver) *Actuator {
	return &Actuator{Floor: floor, Ceiling: ceiling, driver: driver}
}

// Output is floor + v*(ceiling-floor)
func (a *Actuator) Output(v float64) float64 {
	return a.Floor + v*(a.Ceiling-a.Floor)
}

// Apply computes the output for v and drives it if it differs from the last
// driven output. A failed drive is retried on the next Apply.
func (a *Actuator) Apply(v float64) (float64, error) {
	out := a.Output(v)
	if a.driver == nil || (a.applied && out == a.last) {
		return out, nil
	}
	if err := a.driver.Drive(out); err != nil {
		a.applied = false
		return out, errors.WrapTransient(err, "Actuator", "Apply", "drive output")
	}
	a.last = out
	a.applied = true
	return out, nil
}

// FileDriver writes the rounded output as decimal text to a file, the way
// sysfs PWM and LED brightness attributes take values.
type FileDriver struct {
	Path string
}

// Drive writes output to Path
func (d FileDriver) Drive(output float64) error {
	f, err := os.OpenFile(d.Path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	_, werr := f.Write(strconv.AppendInt(nil, int64(output+0.5), 10))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
