// Package hub fans out event envelopes to WebSocket subscribers. It is the
// single outward-facing event path: components publish here and never reach
// into each other's state.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event discriminators carried in EventEnvelope.Type.
const (
	EventPairingRequest     = "pairing_request"
	EventNotification       = "notification"
	EventServerStatus       = "server_status"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventTransferUpdate     = "transfer_update"
	EventLog                = "log"
)

// Class selects which subscriber population receives a publish.
type Class int

const (
	Devices Class = iota
	Operators
)

// Envelope is the unit of fan-out. Ordered per subscriber, never persisted.
type Envelope struct {
	Type       string    `json:"type"`
	Payload    any       `json:"payload"`
	ServerTime time.Time `json:"server_time"`
}

// sendBuffer bounds each subscriber's outbound queue. A subscriber that falls
// this far behind is dropped rather than allowed to stall publishers.
const sendBuffer = 64

type subKey struct {
	owner string
	seq   uint64
}

// Subscriber is one attached WebSocket. Out delivers marshaled envelopes in
// publish order; Done closes when the hub drops the subscriber.
type Subscriber struct {
	key   subKey
	class Class
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

// Out is the subscriber's ordered delivery channel.
func (s *Subscriber) Out() <-chan []byte { return s.out }

// Done closes when the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Owner returns the owner id the subscriber registered with.
func (s *Subscriber) Owner() string { return s.key.owner }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks the two subscriber classes and publishes envelopes to them.
type Hub struct {
	log zerolog.Logger

	mu        sync.RWMutex
	devices   map[subKey]*Subscriber
	operators map[subKey]*Subscriber
	seq       atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:       log.With().Str("component", "hub").Logger(),
		devices:   map[subKey]*Subscriber{},
		operators: map[subKey]*Subscriber{},
	}
}

// Subscribe attaches ownerID to the given class. Device subscriptions are the
// authoritative presence signal: the first open connection for a device emits
// device_connected to operators, and the last close emits device_disconnected.
func (h *Hub) Subscribe(class Class, ownerID string) *Subscriber {
	sub := &Subscriber{
		key:   subKey{owner: ownerID, seq: h.seq.Add(1)},
		class: class,
		out:   make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	set := h.setFor(class)
	first := class == Devices && !h.ownerPresentLocked(ownerID)
	set[sub.key] = sub
	h.mu.Unlock()

	if first {
		h.Publish(Operators, Envelope{
			Type:    EventDeviceConnected,
			Payload: map[string]string{"device_id": ownerID},
		})
	}
	return sub
}

// Unsubscribe detaches sub and emits device_disconnected when it was the
// owner's last device connection.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	set := h.setFor(sub.class)
	_, present := set[sub.key]
	delete(set, sub.key)
	last := present && sub.class == Devices && !h.ownerPresentLocked(sub.key.owner)
	h.mu.Unlock()
	sub.close()

	if last {
		h.Publish(Operators, Envelope{
			Type:    EventDeviceDisconnected,
			Payload: map[string]string{"device_id": sub.key.owner},
		})
	}
}

// Publish enqueues env to every member of class. It never blocks beyond the
// per-subscriber enqueue attempt: a full buffer drops that subscriber with
// slow_consumer and closes it. Publish failures are never surfaced to callers.
func (h *Hub) Publish(class Class, env Envelope) {
	if env.ServerTime.IsZero() {
		env.ServerTime = time.Now()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", env.Type).Msg("marshal envelope")
		return
	}
	h.mu.RLock()
	set := h.setFor(class)
	targets := make([]*Subscriber, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.published.Add(1)
	var slow []*Subscriber
	for _, s := range targets {
		select {
		case s.out <- raw:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		h.dropped.Add(1)
		h.log.Warn().Str("owner", s.key.owner).Msg("slow_consumer: dropping subscriber")
		h.Unsubscribe(s)
	}
}

// DeviceOnline reports whether a device currently holds an open WebSocket.
func (h *Hub) DeviceOnline(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ownerPresentLocked(deviceID)
}

// ConnectedDevices lists device ids with at least one open connection.
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]struct{}{}
	for k := range h.devices {
		seen[k.owner] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// DropOwner force-closes every connection belonging to ownerID (revocation).
func (h *Hub) DropOwner(ownerID string) {
	h.mu.RLock()
	var victims []*Subscriber
	for k, s := range h.devices {
		if k.owner == ownerID {
			victims = append(victims, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range victims {
		h.Unsubscribe(s)
	}
}

// Stats reports published and dropped counts for metrics.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func (h *Hub) setFor(class Class) map[subKey]*Subscriber {
	if class == Devices {
		return h.devices
	}
	return h.operators
}

func (h *Hub) ownerPresentLocked(ownerID string) bool {
	for k := range h.devices {
		if k.owner == ownerID {
			return true
		}
	}
	return false
}
