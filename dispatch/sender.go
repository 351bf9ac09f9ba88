package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/wire"
)

// Sender delivers messages to one destination, fire-and-forget. Send must
// return promptly even when the peer is slow or gone; failures are reported
// as transient errors and the next tick simply tries again.
type Sender interface {
	Send(m wire.Message) error
	Close() error
}

// SenderFactory builds the sender for a destination. It is called lazily on
// the first tick that needs it and again after the channel changes.
type SenderFactory func(cfg DestinationConfig) (Sender, error)

// resolveTimeout bounds one background hostname lookup
const resolveTimeout = 5 * time.Second

// UDPSender pushes datagrams over a connected UDP socket. A host given as
// an IP literal is dialled at once; a hostname is resolved in the
// background and sends fail with ErrNoConnection until that finishes.
type UDPSender struct {
	addr         string
	writeTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	resolving bool
	dialErr   error
	closed    bool
	buf       []byte
}

// NewUDPSender prepares a sender for host:port. It never blocks on DNS.
func NewUDPSender(addr string) (*UDPSender, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "UDPSender", "NewUDPSender", "split host and port")
	}
	u := &UDPSender{
		addr:         addr,
		writeTimeout: 10 * time.Millisecond,
		buf:          make([]byte, 0, 256),
	}
	if host == "" || net.ParseIP(host) != nil {
		conn, err := net.Dial("udp", addr)
		if err != nil {
			return nil, errors.WrapTransient(err, "UDPSender", "NewUDPSender", "dial destination")
		}
		u.conn = conn
		return u, nil
	}
	u.resolving = true
	go u.dial()
	return u, nil
}

func (u *UDPSender) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.addr)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolving = false
	if u.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		u.dialErr = err
		return
	}
	u.conn = conn
}

// Send implements Sender
func (u *UDPSender) Send(m wire.Message) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		if u.closed {
			return errors.WrapTransient(errors.ErrShuttingDown, "UDPSender", "Send", "send datagram")
		}
		if u.dialErr != nil {
			err := u.dialErr
			u.dialErr = nil
			u.resolving = true
			go u.dial()
			return errors.WrapTransient(err, "UDPSender", "Send", "resolve destination")
		}
		return errors.WrapTransient(errors.ErrNoConnection, "UDPSender", "Send", "resolve destination")
	}

	u.buf = wire.AppendMessage(u.buf[:0], m)
	_ = u.conn.SetWriteDeadline(time.Now().Add(u.writeTimeout))
	if _, err := u.conn.Write(u.buf); err != nil {
		return errors.WrapTransient(err, "UDPSender", "Send", "write datagram")
	}
	return nil
}

// Close implements Sender
func (u *UDPSender) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

// DefaultSenderFactory builds UDP and serial senders
func DefaultSenderFactory(cfg DestinationConfig) (Sender, error) {
	switch cfg.Kind {
	case KindUDP:
		return NewUDPSender(cfg.Address)
	case KindSerial:
		return NewSerialSender(cfg.Address, cfg.BaudRate, nil), nil
	default:
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "dispatch", "DefaultSenderFactory", "kind %q", cfg.Kind)
	}
}
