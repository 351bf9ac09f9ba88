package connection

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/c360/reddust/errors"
)

// TransportStatus is what a Transport reports about its current attempt
type TransportStatus int

const (
	TransportIdle TransportStatus = iota
	TransportConnecting
	TransportUp
	TransportFailed
)

func (s TransportStatus) String() string {
	switch s {
	case TransportIdle:
		return "idle"
	case TransportConnecting:
		return "connecting"
	case TransportUp:
		return "up"
	case TransportFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credentials identify a wireless network
type Credentials struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Validate checks lengths against the 802.11 limits
func (c Credentials) Validate() error {
	if c.SSID == "" || len(c.SSID) > 32 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Credentials", "Validate", "ssid length %d", len(c.SSID))
	}
	if c.Passphrase != "" && (len(c.Passphrase) < 8 || len(c.Passphrase) > 63) {
		return errors.Invalidf(errors.ErrInvalidConfig, "Credentials", "Validate", "passphrase length %d", len(c.Passphrase))
	}
	return nil
}

// Transport joins a network. Begin must return quickly and run the attempt
// in the background; Reset abandons it.
type Transport interface {
	Begin(creds Credentials) error
	Status() TransportStatus
	Reset()
}

// CommandRunner runs an external command
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LinkProbe reports whether the interface currently carries the link
type LinkProbe func(iface string) bool

// InterfaceUp is the default probe: the interface is up and has an address
func InterfaceUp(iface string) bool {
	ifi, err := net.InterfaceByName(iface)
	if err != nil || ifi.Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := ifi.Addrs()
	return err == nil && len(addrs) > 0
}

// NMCLITransport joins networks through NetworkManager's nmcli
type NMCLITransport struct {
	Interface string
	Timeout   time.Duration
	Run       CommandRunner
	Probe     LinkProbe

	mu     sync.Mutex
	status TransportStatus
	cancel context.CancelFunc
	gen    int
}

// NewNMCLITransport drives iface, bounding each attempt by timeout
func NewNMCLITransport(iface string, timeout time.Duration) *NMCLITransport {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &NMCLITransport{
		Interface: iface,
		Timeout:   timeout,
		Run:       execRunner,
		Probe:     InterfaceUp,
	}
}

// Begin starts "nmcli device wifi connect" in the background
func (t *NMCLITransport) Begin(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	args := []string{"device", "wifi", "connect", creds.SSID}
	if creds.Passphrase != "" {
		args = append(args, "password", creds.Passphrase)
	}
	if t.Interface != "" {
		args = append(args, "ifname", t.Interface)
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	t.cancel = cancel
	t.gen++
	gen := t.gen
	t.status = TransportConnecting
	t.mu.Unlock()

	go func() {
		defer cancel()
		out, err := t.Run(ctx, "nmcli", args...)

		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen {
			return
		}
		if err != nil {
			t.status = TransportFailed
			return
		}
		if strings.Contains(strings.ToLower(string(out)), "error") {
			t.status = TransportFailed
			return
		}
		t.status = TransportUp
	}()
	return nil
}

// Status reports the attempt. Once up, the interface is probed so a dropped
// link reads as failed.
func (t *NMCLITransport) Status() TransportStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TransportUp && t.Probe != nil && t.Interface != "" && !t.Probe(t.Interface) {
		t.status = TransportFailed
	}
	return t.status
}

// Reset abandons any running attempt
func (t *NMCLITransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
	t.status = TransportIdle
}

func (t *NMCLITransport) String() string {
	return fmt.Sprintf("nmcli(%s)", t.Interface)
}
