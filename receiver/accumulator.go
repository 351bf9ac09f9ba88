package receiver

import (
	"time"

	"github.com/c360/reddust/wire"
)

// AccumulatorSize is the wired line buffer, one frame plus terminator
const AccumulatorSize = wire.MaxFrameLen + 1

// Accumulator assembles wired lines from raw bytes. Only printable ASCII is
// kept; '\n' and '\r' end a line. A line longer than wire.MaxFrameLen clears
// the buffer. Of the lines completed since the last Take, only the newest
// is kept.
type Accumulator struct {
	buf [AccumulatorSize]byte
	n   int

	line    [AccumulatorSize]byte
	lineLen int
	hasLine bool

	lastByte time.Time
}

// Feed consumes p, received at now
func (a *Accumulator) Feed(p []byte, now time.Time) {
	if len(p) == 0 {
		return
	}
	a.lastByte = now
	for _, b := range p {
		switch {
		case b == '\n' || b == '\r':
			if a.n > 0 {
				a.lineLen = copy(a.line[:], a.buf[:a.n])
				a.hasLine = true
				a.n = 0
			}
		case b >= 0x20 && b <= 0x7e:
			if a.n >= wire.MaxFrameLen {
				a.n = 0
				continue
			}
			a.buf[a.n] = b
			a.n++
		}
	}
}

// Take returns the newest complete line and forgets it. The slice is valid
// until the next Feed.
func (a *Accumulator) Take() ([]byte, bool) {
	if !a.hasLine {
		return nil, false
	}
	a.hasLine = false
	return a.line[:a.lineLen], true
}

// Expire drops a partial line that has not grown for staleAfter
func (a *Accumulator) Expire(now time.Time, staleAfter time.Duration) bool {
	if a.n == 0 || now.Sub(a.lastByte) <= staleAfter {
		return false
	}
	a.n = 0
	return true
}

// Pending is the length of the unterminated partial line
func (a *Accumulator) Pending() int {
	return a.n
}

// Reset clears everything
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}
