package receiver

import (
	"errors"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// ByteSource yields wired bytes without blocking. Zero bytes with a nil
// error means nothing is waiting.
type ByteSource interface {
	ReadAvailable(buf []byte) (int, error)
}

// PacketSource yields datagrams without blocking. ok is false when the
// queue is empty.
type PacketSource interface {
	ReadPacket(buf []byte) (n int, ok bool, err error)
}

// SerialSource reads the wired link from a serial port with a short read
// timeout.
type SerialSource struct {
	port serial.Port
}

// serialReadTimeout bounds each port read
const serialReadTimeout = time.Millisecond

// OpenSerialSource opens path at baud, 8N1
func OpenSerialSource(path string, baud int) (*SerialSource, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	return &SerialSource{port: port}, nil
}

// ReadAvailable reads what the port has buffered
func (s *SerialSource) ReadAvailable(buf []byte) (int, error) {
	return s.port.Read(buf)
}

// Close releases the port
func (s *SerialSource) Close() error {
	return s.port.Close()
}

// UDPSource reads datagrams with a short deadline per read
type UDPSource struct {
	conn net.PacketConn
	wait time.Duration
}

// udpReadWait is the read deadline offset; a deadline already in the past
// would fail reads even with data queued.
const udpReadWait = 500 * time.Microsecond

// ListenUDP binds addr, e.g. ":8000"
func ListenUDP(addr string) (*UDPSource, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPSource{conn: conn, wait: udpReadWait}, nil
}

// ReadPacket reads one queued datagram
func (u *UDPSource) ReadPacket(buf []byte) (int, bool, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.wait)); err != nil {
		return 0, false, err
	}
	n, _, err := u.conn.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return n, true, nil
}

// LocalAddr is the bound address
func (u *UDPSource) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Close releases the socket
func (u *UDPSource) Close() error {
	return u.conn.Close()
}
