package receiver

import "time"

// Mode is which input currently drives the node
type Mode int

const (
	Idle Mode = iota
	// WiredPriority: wired bytes seen within the active window; the network
	// path is not polled
	WiredPriority
	// NetworkActive: a datagram value was accepted within the active window
	NetworkActive
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case WiredPriority:
		return "wired"
	case NetworkActive:
		return "network"
	default:
		return "unknown"
	}
}

// Arbiter holds the input mode. It transitions at most once per poll.
type Arbiter struct {
	mode   Mode
	window time.Duration
}

// NewArbiter starts Idle
func NewArbiter(window time.Duration) *Arbiter {
	if window <= 0 {
		window = DefaultActiveWindow
	}
	return &Arbiter{window: window}
}

// Step picks the mode for this poll and reports whether it changed
func (a *Arbiter) Step(now time.Time, wired, network SourceStatus) (Mode, bool) {
	next := Idle
	switch {
	case wired.Receiving(now, a.window):
		next = WiredPriority
	case !network.LastAccepted.IsZero() && now.Sub(network.LastAccepted) < a.window:
		next = NetworkActive
	}
	changed := next != a.mode
	a.mode = next
	return next, changed
}

// Mode returns the current mode
func (a *Arbiter) Mode() Mode {
	return a.mode
}
