package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// PortFile is written next to the config while the listener is up so the CLI
// can find the live instance.
const PortFile = ".port"

// Listener owns the TLS socket. Plain HTTP is never accepted; the browser UI
// and the mobile API share the socket, split by path.
type Listener struct {
	app *App

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func NewListener(app *App) *Listener {
	l := &Listener{app: app}
	app.Listener = l
	return l
}

// Start binds the configured port and begins serving. Idempotent: starting a
// running listener is a no-op.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return nil
	}
	port := l.app.Config.Snapshot().Port
	tcp, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listener: bind port %d: %w", port, err)
	}
	tlsLn := tls.NewListener(tcp, &tls.Config{
		Certificates: []tls.Certificate{l.app.Identity.Certificate()},
		MinVersion:   tls.VersionTLS12,
	})
	srv := &http.Server{
		Handler:           l.app.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	l.srv, l.ln = srv, tcp

	actual := tcp.Addr().(*net.TCPAddr).Port
	l.app.listeningPort.Store(int64(actual))
	_ = os.WriteFile(l.portPath(), []byte(strconv.Itoa(actual)+"\n"), 0o600)

	go func() {
		if err := srv.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.app.Log.Error().Err(err).Msg("listener exited")
		}
	}()
	l.app.Log.Info().Int("port", actual).Msg("https listener started")
	return nil
}

// Stop gracefully drains the listener. Idempotent.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv == nil {
		return nil
	}
	l.app.listeningPort.Store(0)
	_ = os.Remove(l.portPath())
	err := l.srv.Shutdown(ctx)
	l.srv, l.ln = nil, nil
	l.app.Log.Info().Msg("https listener stopped")
	return err
}

// Restart is stop-then-start with the same configuration. Operator sessions
// live in the App, not the listener, so the session cookie survives.
func (l *Listener) Restart(ctx context.Context) error {
	if err := l.Stop(ctx); err != nil {
		return err
	}
	return l.Start()
}

// Port returns the live port, or 0.
func (l *Listener) Port() int {
	return int(l.app.listeningPort.Load())
}

func (l *Listener) portPath() string {
	return filepath.Join(l.app.DataDir, PortFile)
}

func portString(a *App) string {
	if p, ok := a.ListeningPort(); ok {
		return strconv.Itoa(p)
	}
	return strconv.Itoa(a.Config.Snapshot().Port)
}
