package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeTransport struct {
	status   TransportStatus
	begins   []Credentials
	resets   int
	beginErr error
}

func (f *fakeTransport) Begin(c Credentials) error {
	f.begins = append(f.begins, c)
	if f.beginErr != nil {
		return f.beginErr
	}
	f.status = TransportConnecting
	return nil
}

func (f *fakeTransport) Status() TransportStatus { return f.status }

func (f *fakeTransport) Reset() {
	f.resets++
	f.status = TransportIdle
}

type fakePortal struct {
	opens, closes int
	submitted     []Credentials
}

func (p *fakePortal) Open() error  { p.opens++; return nil }
func (p *fakePortal) Close() error { p.closes++; return nil }

func (p *fakePortal) Poll() (Credentials, bool) {
	if len(p.submitted) == 0 {
		return Credentials{}, false
	}
	c := p.submitted[0]
	p.submitted = p.submitted[1:]
	return c, true
}

type memStore struct {
	creds *Credentials
	saves int
}

func (s *memStore) Load() (Credentials, bool, error) {
	if s.creds == nil {
		return Credentials{}, false, nil
	}
	return *s.creds, true, nil
}

func (s *memStore) Save(c Credentials) error {
	s.creds = &c
	s.saves++
	return nil
}

var home = Credentials{SSID: "studio", Passphrase: "red-dust-2018"}

type hookCounts struct {
	up, down int
}

func newMachine(tr *fakeTransport, portal *fakePortal, store *memStore) (*Machine, *hookCounts) {
	h := &hookCounts{}
	m := New(Config{}, tr, portal, store, WithHooks(Hooks{
		OnConnected:    func() { h.up++ },
		OnDisconnected: func() { h.down++ },
	}))
	return m, h
}

func TestMachine_NoCredentialsOpensPortalThenAcceptsConnection(t *testing.T) {
	tr := &fakeTransport{}
	portal := &fakePortal{}
	store := &memStore{}
	m, hooks := newMachine(tr, portal, store)

	m.Step(t0)
	require.Equal(t, PortalActive, m.State())
	assert.Equal(t, 1, portal.opens)
	assert.Empty(t, tr.begins)

	// nothing happens without credentials
	m.Step(t0.Add(DefaultRetryInterval))
	assert.Empty(t, tr.begins)

	portal.submitted = append(portal.submitted, home)
	m.Step(t0.Add(DefaultRetryInterval + time.Second))
	require.Len(t, tr.begins, 1)
	assert.Equal(t, home, tr.begins[0])
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, PortalActive, m.State())

	tr.status = TransportUp
	m.Step(t0.Add(DefaultRetryInterval + 2*time.Second))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, portal.closes, "machine closes the portal itself")
	assert.Equal(t, 1, hooks.up)

	creds, ok := m.Credentials()
	assert.True(t, ok)
	assert.Equal(t, home, creds)
	assert.Equal(t, "WiFi: connected", m.StatusText())
}

func TestMachine_StoredCredentialsConnect(t *testing.T) {
	tr := &fakeTransport{}
	c := home
	m, hooks := newMachine(tr, &fakePortal{}, &memStore{creds: &c})

	m.Step(t0)
	require.Equal(t, Connecting, m.State())
	require.Len(t, tr.begins, 1)

	m.Step(t0.Add(time.Second))
	assert.Equal(t, Connecting, m.State())

	tr.status = TransportUp
	m.Step(t0.Add(2 * time.Second))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, hooks.up)
}

func TestMachine_FirstAttemptTimeoutFallsBackToPortal(t *testing.T) {
	tr := &fakeTransport{}
	portal := &fakePortal{}
	c := home
	m, _ := newMachine(tr, portal, &memStore{creds: &c})

	m.Step(t0)
	m.Step(t0.Add(DefaultAttemptTimeout))
	require.Equal(t, PortalActive, m.State())
	assert.Equal(t, 1, portal.opens)

	// background retry while the portal is open
	at := t0.Add(DefaultAttemptTimeout)
	m.Step(at.Add(DefaultRetryInterval - time.Millisecond))
	assert.Len(t, tr.begins, 1)
	m.Step(at.Add(DefaultRetryInterval))
	assert.Len(t, tr.begins, 2)
	assert.Equal(t, PortalActive, m.State())

	tr.status = TransportUp
	m.Step(at.Add(DefaultRetryInterval + time.Second))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, portal.closes)
}

func TestMachine_LinkLossRetriesOnInterval(t *testing.T) {
	tr := &fakeTransport{}
	portal := &fakePortal{}
	c := home
	m, hooks := newMachine(tr, portal, &memStore{creds: &c})

	m.Step(t0)
	tr.status = TransportUp
	m.Step(t0.Add(time.Second))
	require.Equal(t, Connected, m.State())

	lost := t0.Add(time.Minute)
	tr.status = TransportFailed
	m.Step(lost)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, hooks.down)
	assert.Equal(t, "WiFi: disconnected", m.StatusText())

	for i := 1; i < 10; i++ {
		m.Step(lost.Add(time.Duration(i) * time.Second))
	}
	assert.Len(t, tr.begins, 1, "no busy retry inside the interval")

	m.Step(lost.Add(DefaultRetryInterval))
	assert.Equal(t, Connecting, m.State())
	assert.Len(t, tr.begins, 2)

	// timing out after a previous connection goes back to Disconnected,
	// not to the portal
	m.Step(lost.Add(DefaultRetryInterval + DefaultAttemptTimeout))
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 0, portal.opens)
}

func TestMachine_BeginErrorCountsAsFailure(t *testing.T) {
	tr := &fakeTransport{beginErr: fmt.Errorf("nmcli missing")}
	portal := &fakePortal{}
	c := home
	m, _ := newMachine(tr, portal, &memStore{creds: &c})

	m.Step(t0)
	m.Step(t0.Add(time.Millisecond))
	assert.Equal(t, PortalActive, m.State())
}

func TestMachine_RejectsInvalidSubmission(t *testing.T) {
	tr := &fakeTransport{}
	portal := &fakePortal{}
	store := &memStore{}
	m, _ := newMachine(tr, portal, store)

	m.Step(t0)
	portal.submitted = append(portal.submitted, Credentials{SSID: "x", Passphrase: "short"})
	m.Step(t0.Add(time.Second))
	assert.Empty(t, tr.begins)
	assert.Equal(t, 0, store.saves)
}

func TestFileCredentialStore(t *testing.T) {
	store := FileCredentialStore{Path: filepath.Join(t.TempDir(), "node", "wifi.json")}

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(home))
	got, ok, err := store.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, home, got)
}

func TestHTTPPortal_SubmitAndPoll(t *testing.T) {
	p := NewHTTPPortal("127.0.0.1:0", "Red Dust", nil)
	require.NoError(t, p.Open())
	defer p.Close()

	base := "http://" + p.Addr()
	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.PostForm(base+"/credentials", url.Values{"ssid": {"x"}, "passphrase": {"short"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, ok := p.Poll()
	assert.False(t, ok)

	resp, err = http.Post(base+"/credentials", "application/json",
		strings.NewReader(`{"ssid":"studio","passphrase":"red-dust-2018"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, ok := p.Poll()
	require.True(t, ok)
	assert.Equal(t, home, got)
	_, ok = p.Poll()
	assert.False(t, ok)
}

func TestNMCLITransport(t *testing.T) {
	t.Run("success then link drop", func(t *testing.T) {
		var linkUp atomic.Bool
		linkUp.Store(true)
		var gotArgs []string
		tr := NewNMCLITransport("wlan0", time.Second)
		tr.Run = func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotArgs = append([]string{name}, args...)
			return []byte("Device 'wlan0' successfully activated"), nil
		}
		tr.Probe = func(string) bool { return linkUp.Load() }

		require.NoError(t, tr.Begin(home))
		assert.Eventually(t, func() bool { return tr.Status() == TransportUp }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"nmcli", "device", "wifi", "connect", "studio",
			"password", "red-dust-2018", "ifname", "wlan0"}, gotArgs)

		linkUp.Store(false)
		assert.Equal(t, TransportFailed, tr.Status())
	})

	t.Run("command failure", func(t *testing.T) {
		tr := NewNMCLITransport("wlan0", time.Second)
		tr.Run = func(context.Context, string, ...string) ([]byte, error) {
			return nil, fmt.Errorf("exit status 10")
		}
		require.NoError(t, tr.Begin(home))
		assert.Eventually(t, func() bool { return tr.Status() == TransportFailed }, time.Second, 5*time.Millisecond)
	})

	t.Run("reset abandons attempt", func(t *testing.T) {
		tr := NewNMCLITransport("wlan0", time.Minute)
		finished := make(chan struct{})
		tr.Run = func(ctx context.Context, _ string, _ ...string) ([]byte, error) {
			defer close(finished)
			<-ctx.Done()
			return nil, nil
		}
		require.NoError(t, tr.Begin(home))
		assert.Equal(t, TransportConnecting, tr.Status())
		tr.Reset()
		<-finished
		assert.Equal(t, TransportIdle, tr.Status())
	})

	t.Run("invalid credentials", func(t *testing.T) {
		tr := NewNMCLITransport("wlan0", time.Second)
		assert.Error(t, tr.Begin(Credentials{}))
	})
}
