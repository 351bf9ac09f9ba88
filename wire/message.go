// Package wire holds the two formats carried to receiver nodes: the binary
// datagram pushed over the network and the text frame written to the wired
// link. Binary layout knowledge lives only in this package.
//
// Datagram layout, big-endian, every field padded with NULs to 4 bytes:
//
//	<address> \0 pad | "," <tags> \0 pad | float32 | [<string> \0 pad]
//
// tags is "f" or "fs".
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/c360/reddust/errors"
)

// MaxAddressLen bounds the address path, excluding its terminator
const MaxAddressLen = 127

// Message is one value update for one destination
type Message struct {
	Address   string
	Value     float32
	Timestamp string // optional; sent as the "s" argument when non-empty
}

// Kind is the outcome of Decode
type Kind int

const (
	OK Kind = iota
	Malformed
	NotForThisAddress
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Malformed:
		return "malformed"
	case NotForThisAddress:
		return "not_for_this_address"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of Decode. Value is set only for OK.
type Result struct {
	Kind  Kind
	Value float32
}

func padded(n int) int {
	return (n + 4) &^ 3
}

// ValidateAddress checks an address path for encoding
func ValidateAddress(addr string) error {
	switch {
	case addr == "" || addr[0] != '/':
		return errors.Invalidf(errors.ErrInvalidConfig, "wire", "ValidateAddress", "address %q must start with '/'", addr)
	case len(addr) > MaxAddressLen:
		return errors.Invalidf(errors.ErrInvalidConfig, "wire", "ValidateAddress", "address longer than %d bytes", MaxAddressLen)
	case strings.IndexByte(addr, 0) >= 0:
		return errors.Invalidf(errors.ErrInvalidConfig, "wire", "ValidateAddress", "address contains NUL")
	}
	return nil
}

// AppendMessage encodes m onto dst. The caller validates the address once
// at configuration time; AppendMessage does not re-check it.
func AppendMessage(dst []byte, m Message) []byte {
	dst = appendPadded(dst, m.Address)
	if m.Timestamp != "" {
		dst = appendPadded(dst, ",fs")
	} else {
		dst = appendPadded(dst, ",f")
	}
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(m.Value))
	if m.Timestamp != "" {
		dst = appendPadded(dst, m.Timestamp)
	}
	return dst
}

// Encode validates and encodes m into a new buffer
func Encode(m Message) ([]byte, error) {
	if err := ValidateAddress(m.Address); err != nil {
		return nil, err
	}
	if strings.IndexByte(m.Timestamp, 0) >= 0 {
		return nil, errors.Invalidf(errors.ErrInvalidData, "wire", "Encode", "timestamp contains NUL")
	}
	size := padded(len(m.Address)) + 4 + 4
	if m.Timestamp != "" {
		size += padded(len(m.Timestamp))
	}
	return AppendMessage(make([]byte, 0, size), m), nil
}

func appendPadded(dst []byte, s string) []byte {
	dst = append(dst, s...)
	for n := padded(len(s)) - len(s); n > 0; n-- {
		dst = append(dst, 0)
	}
	return dst
}

// Decode reads one datagram addressed to addr. It never reads past len(buf)
// and does not allocate. A trailing "s" argument is accepted and ignored.
func Decode(buf []byte, addr string) Result {
	end := nulIndex(buf, 0, MaxAddressLen+1)
	if end <= 0 {
		return Result{Kind: Malformed}
	}
	if string(buf[:end]) != addr {
		return Result{Kind: NotForThisAddress}
	}

	off := padded(end)
	if off >= len(buf) || buf[off] != ',' {
		return Result{Kind: Malformed}
	}
	tagEnd := nulIndex(buf, off, 4)
	if tagEnd < 0 {
		return Result{Kind: Malformed}
	}
	switch string(buf[off+1 : tagEnd]) {
	case "f", "fs":
	default:
		return Result{Kind: Malformed}
	}

	off += padded(tagEnd - off)
	if off+4 > len(buf) {
		return Result{Kind: Malformed}
	}
	bits := binary.BigEndian.Uint32(buf[off : off+4])
	return Result{Kind: OK, Value: math.Float32frombits(bits)}
}

// nulIndex returns the index of the first NUL in buf at or after from,
// looking at no more than limit bytes. It returns -1 when none is found.
func nulIndex(buf []byte, from, limit int) int {
	stop := from + limit
	if stop > len(buf) {
		stop = len(buf)
	}
	for i := from; i < stop; i++ {
		if buf[i] == 0 {
			return i
		}
	}
	return -1
}

// String renders a message for logs
func (m Message) String() string {
	if m.Timestamp == "" {
		return fmt.Sprintf("%s %g", m.Address, m.Value)
	}
	return fmt.Sprintf("%s %g %s", m.Address, m.Value, m.Timestamp)
}
