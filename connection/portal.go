package connection

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/c360/reddust/errors"
)

// Portal collects credentials from a person. Poll never blocks.
type Portal interface {
	Open() error
	Close() error
	Poll() (Credentials, bool)
}

var portalPage = template.Must(template.New("portal").Parse(`<!doctype html>
<html><head><title>{{.Name}} setup</title></head>
<body>
<h1>{{.Name}}</h1>
<form method="post" action="/credentials">
<label>Network <input name="ssid" maxlength="32" required></label><br>
<label>Password <input name="passphrase" type="password" maxlength="63"></label><br>
<button type="submit">Connect</button>
</form>
</body></html>
`))

// HTTPPortal serves a small credential form. The newest submission waits
// in a one-slot mailbox until Poll takes it.
type HTTPPortal struct {
	addr   string
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	pending  *Credentials
}

// NewHTTPPortal serves on addr; name titles the page
func NewHTTPPortal(addr, name string, logger *slog.Logger) *HTTPPortal {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPortal{
		addr:   addr,
		name:   name,
		logger: logger.With("component", "portal"),
	}
}

// Router builds the portal routes
func (p *HTTPPortal) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", p.handleForm).Methods(http.MethodGet)
	r.HandleFunc("/credentials", p.handleSubmit).Methods(http.MethodPost)
	return r
}

// Open starts listening
func (p *HTTPPortal) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return errors.WrapTransient(err, "HTTPPortal", "Open", "listen")
	}
	srv := &http.Server{
		Handler:           handlers.RecoveryHandler()(p.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.server = srv
	p.listener = ln
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("Portal server stopped", "error", err)
		}
	}()
	p.logger.Info("Portal listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address while open
func (p *HTTPPortal) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Close stops the server; a pending submission is kept
func (p *HTTPPortal) Close() error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.listener = nil
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Poll takes the latest submission
func (p *HTTPPortal) Poll() (Credentials, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Credentials{}, false
	}
	c := *p.pending
	p.pending = nil
	return c, true
}

func (p *HTTPPortal) handleForm(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := portalPage.Execute(w, struct{ Name string }{p.name}); err != nil {
		p.logger.Warn("Failed to render portal page", "error", err)
	}
}

func (p *HTTPPortal) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var c Credentials
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&c); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 4096)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		c = Credentials{SSID: r.PostFormValue("ssid"), Passphrase: r.PostFormValue("passphrase")}
	}
	if err := c.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.pending = &c
	p.mu.Unlock()

	p.logger.Info("Credentials received", "ssid", c.SSID)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Saved. The node is joining " + template.HTMLEscapeString(c.SSID) + ".\n"))
}
