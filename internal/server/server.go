// Package server wires the stores, the hub, the transfer engine and the
// pairing broker into a TLS-terminated HTTP/WebSocket surface, and owns the
// listener lifecycle.
package server

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/BYTEDz/PCLink/internal/auth/session"
	"github.com/BYTEDz/PCLink/internal/capability"
	"github.com/BYTEDz/PCLink/internal/config"
	"github.com/BYTEDz/PCLink/internal/devices"
	"github.com/BYTEDz/PCLink/internal/hub"
	"github.com/BYTEDz/PCLink/internal/identity"
	"github.com/BYTEDz/PCLink/internal/pairing"
	"github.com/BYTEDz/PCLink/internal/ratelimit"
	"github.com/BYTEDz/PCLink/internal/transfer"
)

// Rate limits. Pairing and login are the two unauthenticated surfaces.
const (
	pairingRatePerMin = 5
	loginRatePer15Min = 5
)

// App aggregates the long-lived components. It outlives listener restarts,
// which is what keeps operator sessions alive across a restart.
type App struct {
	Log      zerolog.Logger
	DataDir  string
	Config   *config.Store
	Identity *identity.Store
	Devices  *devices.Registry
	Sessions *session.Store
	Hub      *hub.Hub
	Pairing  *pairing.Broker
	Transfer *transfer.Engine
	Caps     *capability.Registry
	Metrics  *Metrics
	Listener *Listener

	pairLimiter  *ratelimit.Store
	loginLimiter *ratelimit.Store

	startedAt time.Time
	// listeningPort is nonzero while the TLS listener is accepting.
	listeningPort atomic.Int64
	// shutdown requests full process exit (CLI stop / POST /server/shutdown).
	shutdown context.CancelFunc
}

// NewApp loads all durable state under dataDir. Any store failure is fatal.
func NewApp(dataDir string, log zerolog.Logger, shutdown context.CancelFunc) (*App, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	ident, err := identity.LoadOrInit(dataDir)
	if err != nil {
		return nil, err
	}
	registry, err := devices.Open(dataDir, ident.APIKey)
	if err != nil {
		return nil, err
	}
	h := hub.New(log)
	metrics := NewMetrics(h)
	engine, err := transfer.NewEngine(transfer.Config{
		Dir:   filepath.Join(dataDir, "transfers"),
		Roots: func() []string { return cfg.Snapshot().AllowedRoots },
		StaleAfter: func() time.Duration {
			return time.Duration(cfg.Snapshot().StaleAfterDays) * 24 * time.Hour
		},
	}, h, log)
	if err != nil {
		return nil, err
	}
	return &App{
		Log:          log,
		DataDir:      dataDir,
		Config:       cfg,
		Identity:     ident,
		Devices:      registry,
		Sessions:     session.NewStore(),
		Hub:          h,
		Pairing:      pairing.NewBroker(h, log),
		Transfer:     engine,
		Caps:         capability.NewRegistry(),
		Metrics:      metrics,
		pairLimiter:  ratelimit.New(pairingRatePerMin, time.Minute, 4096),
		loginLimiter: ratelimit.New(loginRatePer15Min, 15*time.Minute, 4096),
		startedAt:    time.Now(),
		shutdown:     shutdown,
	}, nil
}

// ListeningPort implements discovery.State.
func (a *App) ListeningPort() (int, bool) {
	p := a.listeningPort.Load()
	return int(p), p != 0
}

// Fingerprint implements discovery.State.
func (a *App) Fingerprint() string { return a.Identity.Fingerprint() }

// MobileAPIActive implements discovery.State: beacons stay silent until the
// operator finishes first-time setup.
func (a *App) MobileAPIActive() bool {
	s := a.Config.Snapshot()
	return s.SetupComplete && s.MobileAPIEnabled
}
