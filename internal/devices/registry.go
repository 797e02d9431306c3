// Package devices is the registry of paired clients. Authorization is keyed
// by the per-device credential. Structural mutations (approve, revoke)
// rewrite devices.json atomically before returning; liveness updates from
// Authorize flush immediately when the device's IP moves and on a throttle
// otherwise, so last_seen survives restarts without a disk write per request.
package devices

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BYTEDz/PCLink/internal/fsatomic"
	"github.com/BYTEDz/PCLink/internal/identity"
)

const (
	registryFile = "devices.json"
	maxNameLen   = 64

	// Tombstones let authorize distinguish a revoked key from one that was
	// never issued. Bounded so a hostile client cannot grow the file.
	maxTombstones = 256

	// liveFlushInterval throttles disk writes for last_seen-only updates.
	liveFlushInterval = 30 * time.Second
)

// Authorization failures. ErrRevoked means the key was valid once and the
// device has since been removed.
var (
	ErrMissing = errors.New("missing credential")
	ErrInvalid = errors.New("invalid credential")
	ErrRevoked = errors.New("revoked credential")
)

// ServerDeviceID is the sentinel identity reported when the server's own API
// key is used as the credential. Distinguished in audit events.
const ServerDeviceID = "server"

// Device is one paired client.
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Platform   string    `json:"platform"`
	IP         string    `json:"ip"`
	DeviceKey  string    `json:"device_key"`
	ApprovedAt time.Time `json:"approved_at"`
	LastSeen   time.Time `json:"last_seen"`
}

type snapshot struct {
	Version     int      `json:"version"`
	Devices     []Device `json:"devices"`
	RevokedKeys []string `json:"revoked_keys,omitempty"`
}

// Registry maps device_key -> Device with a secondary id index.
type Registry struct {
	path      string
	serverKey func() string

	mu        sync.RWMutex
	byKey     map[string]*Device
	keyByID   map[string]string
	revoked   map[string]struct{}
	lastFlush time.Time
}

// Open loads devices.json from dataDir. A corrupt file is a startup error;
// the operator removes the file to recover. serverKey supplies the server API
// key, also accepted as a credential for the operator's own tooling.
func Open(dataDir string, serverKey func() string) (*Registry, error) {
	r := &Registry{
		path:      filepath.Join(dataDir, registryFile),
		serverKey: serverKey,
		byKey:     map[string]*Device{},
		keyByID:   map[string]string{},
		revoked:   map[string]struct{}{},
	}
	var snap snapshot
	ok, err := fsatomic.LoadJSON(r.path, &snap)
	if err != nil {
		return nil, fmt.Errorf("devices: corrupt registry %s: %w", r.path, err)
	}
	if ok {
		for i := range snap.Devices {
			d := snap.Devices[i]
			r.byKey[d.DeviceKey] = &d
			r.keyByID[d.ID] = d.DeviceKey
		}
		for _, k := range snap.RevokedKeys {
			r.revoked[k] = struct{}{}
		}
	}
	return r, nil
}

// Authorize validates key with constant-time comparison. On success it
// updates last_seen and the last-seen IP and returns a snapshot of the
// device. The server API key authorizes as the Server sentinel.
func (r *Registry) Authorize(key, ip string) (Device, error) {
	if key == "" {
		return Device{}, ErrMissing
	}
	if sk := r.serverKey(); sk != "" && subtle.ConstantTimeCompare([]byte(key), []byte(sk)) == 1 {
		return Device{ID: ServerDeviceID, Name: "server", DeviceKey: sk, LastSeen: time.Now()}, nil
	}
	r.mu.Lock()
	d, ok := r.byKey[key]
	if !ok {
		_, wasKnown := r.revoked[key]
		r.mu.Unlock()
		if wasKnown {
			return Device{}, ErrRevoked
		}
		return Device{}, ErrInvalid
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(d.DeviceKey)) != 1 {
		r.mu.Unlock()
		return Device{}, ErrInvalid
	}
	d.LastSeen = time.Now()
	ipMoved := ip != "" && ip != d.IP
	if ip != "" {
		d.IP = ip
	}
	out := *d
	if ipMoved || time.Since(r.lastFlush) >= liveFlushInterval {
		// Best effort: a failed flush retries on the next checkpoint.
		_ = r.persistLocked()
	}
	r.mu.Unlock()
	return out, nil
}

var unsafeName = regexp.MustCompile(`[<>"'&]`)

// SanitizeName bounds and strips a client-supplied device name. An empty
// result is invalid.
func SanitizeName(name string) (string, bool) {
	name = unsafeName.ReplaceAllString(name, "")
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	if name == "" {
		return "", false
	}
	return name, true
}

// Approve creates a Device with a fresh key and persists before returning.
func (r *Registry) Approve(name, platform, ip string) (Device, error) {
	clean, ok := SanitizeName(name)
	if !ok {
		return Device{}, errors.New("devices: empty name after sanitization")
	}
	key, err := identity.NewToken()
	if err != nil {
		return Device{}, err
	}
	now := time.Now()
	d := Device{
		ID:         uuid.NewString(),
		Name:       clean,
		Platform:   platform,
		IP:         ip,
		DeviceKey:  key,
		ApprovedAt: now,
		LastSeen:   now,
	}
	r.mu.Lock()
	r.byKey[key] = &d
	r.keyByID[d.ID] = key
	delete(r.revoked, key)
	err = r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return Device{}, err
	}
	return d, nil
}

// Revoke removes one device. After it returns, Authorize fails with
// ErrRevoked for the former key; in-flight handlers observe this at their
// next authorization checkpoint.
func (r *Registry) Revoke(deviceID string) (Device, error) {
	r.mu.Lock()
	key, ok := r.keyByID[deviceID]
	if !ok {
		r.mu.Unlock()
		return Device{}, ErrInvalid
	}
	d := *r.byKey[key]
	delete(r.byKey, key)
	delete(r.keyByID, deviceID)
	r.tombstoneLocked(key)
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return Device{}, err
	}
	return d, nil
}

// RevokeAll atomically clears the registry.
func (r *Registry) RevokeAll() ([]Device, error) {
	r.mu.Lock()
	removed := make([]Device, 0, len(r.byKey))
	for key, d := range r.byKey {
		removed = append(removed, *d)
		r.tombstoneLocked(key)
	}
	r.byKey = map[string]*Device{}
	r.keyByID = map[string]string{}
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Get returns a device snapshot by id.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keyByID[deviceID]
	if !ok {
		return Device{}, false
	}
	return *r.byKey[key], true
}

// List returns snapshots of all devices.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byKey))
	for _, d := range r.byKey {
		out = append(out, *d)
	}
	return out
}

func (r *Registry) tombstoneLocked(key string) {
	if len(r.revoked) >= maxTombstones {
		for k := range r.revoked {
			delete(r.revoked, k)
			break
		}
	}
	r.revoked[key] = struct{}{}
}

func (r *Registry) persistLocked() error {
	snap := snapshot{Version: 1}
	for _, d := range r.byKey {
		snap.Devices = append(snap.Devices, *d)
	}
	for k := range r.revoked {
		snap.RevokedKeys = append(snap.RevokedKeys, k)
	}
	err := fsatomic.WithLock(r.path, func() error {
		return fsatomic.SaveJSON(r.path, snap, 0o600)
	})
	if err == nil {
		r.lastFlush = time.Now()
	}
	return err
}
