package wire

import (
	"bytes"
	"math"
	"strconv"
	"time"

	"github.com/c360/reddust/errors"
)

// Wired frame limits
const (
	MaxFrameLen = 127
	// MaxFrameMagnitude bounds the value literal a frame may carry
	MaxFrameMagnitude = 1e6
)

// TimestampLayout is the ISO 8601 form used for the frame token and the
// datagram string argument.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in TimestampLayout, UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NoToken stands in for the frame token when no timestamp is known
const NoToken = "-"

// AppendFrame encodes "<value>,<token>\n" onto dst with six decimals. An
// empty token is written as NoToken so the frame stays well formed.
func AppendFrame(dst []byte, value float64, token string) []byte {
	if token == "" {
		token = NoToken
	}
	dst = strconv.AppendFloat(dst, value, 'f', 6, 64)
	dst = append(dst, ',')
	dst = append(dst, token...)
	return append(dst, '\n')
}

// ParseFrame parses one "<value>,<token>" line without its terminator. The
// token must be present but is otherwise not inspected.
func ParseFrame(line []byte) (float64, error) {
	if len(line) == 0 || len(line) > MaxFrameLen {
		return 0, errors.Invalidf(errors.ErrProtocolDecode, "wire", "ParseFrame", "frame length %d", len(line))
	}
	i := bytes.IndexByte(line, ',')
	if i <= 0 || i == len(line)-1 {
		return 0, errors.Invalidf(errors.ErrProtocolDecode, "wire", "ParseFrame", "frame %q lacks value or token", line)
	}
	literal := line[:i]
	v, err := strconv.ParseFloat(string(bytes.TrimSpace(literal)), 64)
	if err != nil {
		return 0, errors.Invalidf(errors.ErrProtocolDecode, "wire", "ParseFrame", "value %q not numeric", literal)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxFrameMagnitude {
		return 0, errors.Invalidf(errors.ErrProtocolDecode, "wire", "ParseFrame", "value %q out of range", literal)
	}
	return v, nil
}
