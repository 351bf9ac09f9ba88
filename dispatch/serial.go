package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/pkg/retry"
	"github.com/c360/reddust/wire"
)

// PortOpener opens a serial device for writing
type PortOpener func(path string, baud int) (io.WriteCloser, error)

// OpenSerialPort opens a real serial device with 8N1 framing
func OpenSerialPort(path string, baud int) (io.WriteCloser, error) {
	return serial.Open(path, &serial.Mode{BaudRate: baud})
}

// SerialSender writes "<value>,<timestamp>\n" frames to a serial device.
//
// Writes happen on a private goroutine holding a one-frame mailbox, so Send
// never blocks the dispatcher on a stalled port. A newer frame replaces an
// unwritten older one. Close flushes the last pending frame.
type SerialSender struct {
	path   string
	baud   int
	open   PortOpener
	logger *slog.Logger

	mu      sync.Mutex
	pending []byte
	lastErr error
	closed  bool

	wake chan struct{}
	done chan struct{}
	exit chan struct{}
}

// NewSerialSender starts the writer for path. The port is opened on the
// first frame and reopened after a write failure.
func NewSerialSender(path string, baud int, open PortOpener) *SerialSender {
	if open == nil {
		open = OpenSerialPort
	}
	if baud == 0 {
		baud = DefaultBaudRate
	}
	s := &SerialSender{
		path:   path,
		baud:   baud,
		open:   open,
		logger: slog.Default().With("component", "serial_sender", "port", path),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exit:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Send queues m, replacing any unwritten frame. It returns the error of the
// most recent failed write, if any, once.
func (s *SerialSender) Send(m wire.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapTransient(errors.ErrShuttingDown, "SerialSender", "Send", "queue frame")
	}
	s.pending = wire.AppendFrame(s.pending[:0], float64(m.Value), m.Timestamp)
	err := s.lastErr
	s.lastErr = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	if err != nil {
		return errors.WrapTransient(err, "SerialSender", "Send", "write frame")
	}
	return nil
}

// Close stops accepting frames and returns at once. The writer flushes the
// last pending frame and closes the port on its own; Done reports when
// that has happened.
func (s *SerialSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Done is closed once the writer has flushed and released the port
func (s *SerialSender) Done() <-chan struct{} {
	return s.exit
}

func (s *SerialSender) run() {
	defer close(s.exit)

	var port io.WriteCloser
	defer func() {
		if port != nil {
			_ = port.Close()
		}
	}()

	frame := make([]byte, 0, wire.MaxFrameLen+1)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			if s.take(&frame) {
				port = s.write(port, frame)
			}
			return
		}
		if s.take(&frame) {
			port = s.write(port, frame)
		}
	}
}

func (s *SerialSender) take(frame *[]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return false
	}
	*frame = append((*frame)[:0], s.pending...)
	s.pending = s.pending[:0]
	return true
}

func (s *SerialSender) write(port io.WriteCloser, frame []byte) io.WriteCloser {
	if port == nil {
		p, err := retry.DoWithResult(context.Background(), retry.Quick(), func() (io.WriteCloser, error) {
			return s.open(s.path, s.baud)
		})
		if err != nil {
			s.fail(err)
			return nil
		}
		s.logger.Info("Serial port opened", "baud", s.baud)
		port = p
	}

	if _, err := port.Write(frame); err != nil {
		_ = port.Close()
		s.fail(err)
		return nil
	}
	return port
}

func (s *SerialSender) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
