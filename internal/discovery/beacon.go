// Package discovery broadcasts UDP beacons so mobile clients can find the
// host without configuration. Listening clients match on the magic string.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// BeaconMagic identifies PCLink beacons among unrelated broadcast noise.
	BeaconMagic = "PCLINK_DISCOVERY_BEACON_V1"

	// Port is the UDP broadcast destination. No inbound UDP is ever read.
	Port = 38099

	interval = 3 * time.Second
)

// payload is the JSON-equivalent structured record in each datagram.
type payload struct {
	Magic       string `json:"magic"`
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
	HTTPS       bool   `json:"https"`
	OS          string `json:"os"`
	ServerID    string `json:"server_id"`
	Fingerprint string `json:"fingerprint"`
}

// State supplies the live values a beacon must reflect at send time: the
// listener's actual port, the current cert fingerprint, and whether the
// mobile API is active (beacons pause while first-time setup is incomplete).
type State interface {
	ListeningPort() (int, bool)
	Fingerprint() string
	MobileAPIActive() bool
}

// Beacon is the periodic broadcast task.
type Beacon struct {
	state    State
	port     int
	log      zerolog.Logger
	serverID string
	hostname string
}

func New(state State, udpPort int, log zerolog.Logger) *Beacon {
	if udpPort == 0 {
		udpPort = Port
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pclink"
	}
	return &Beacon{
		state:    state,
		port:     udpPort,
		log:      log.With().Str("component", "discovery").Logger(),
		serverID: serverID(hostname),
		hostname: hostname,
	}
}

// serverID is stable across restarts: a v5 UUID of host identity.
func serverID(hostname string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname+"-"+runtime.GOOS)).String()
}

// Run broadcasts every 3 s until ctx is done. Send failures are logged and
// never fatal; the loop survives interface churn by redialing each tick.
func (b *Beacon) Run(ctx context.Context) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	b.log.Info().Int("udp_port", b.port).Msg("discovery beacon started")
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("discovery beacon stopped")
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Beacon) tick() {
	raw, ok := b.Payload()
	if !ok {
		return
	}
	if err := b.send(raw); err != nil {
		b.log.Debug().Err(err).Msg("beacon send failed")
	}
}

func (b *Beacon) send(raw []byte) error {
	addr := net.JoinHostPort("255.255.255.255", strconv.Itoa(b.port))
	conn, err := net.DialTimeout("udp4", addr, time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err = conn.Write(raw)
	return err
}

// Payload renders the current beacon content without sending, for tests and
// for the CLI's pairing helpers.
func (b *Beacon) Payload() ([]byte, bool) {
	if !b.state.MobileAPIActive() {
		return nil, false
	}
	apiPort, listening := b.state.ListeningPort()
	if !listening {
		return nil, false
	}
	raw, err := json.Marshal(payload{
		Magic:       BeaconMagic,
		Hostname:    b.hostname,
		Port:        apiPort,
		HTTPS:       true,
		OS:          runtime.GOOS,
		ServerID:    b.serverID,
		Fingerprint: b.state.Fingerprint(),
	})
	if err != nil {
		return nil, false
	}
	return raw, true
}
