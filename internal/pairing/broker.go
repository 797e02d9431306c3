// Package pairing mediates device-initiated pairing: the requesting client
// blocks while the operator decides out of band, then wakes with the outcome.
package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BYTEDz/PCLink/internal/hub"
)

// RequestTimeout bounds how long a pairing request blocks awaiting a
// decision. A variable so tests can shrink the window.
var RequestTimeout = 60 * time.Second

// dedupeWindow collapses duplicate submissions from the same client so one
// retry does not show the operator a second modal.
const dedupeWindow = 10 * time.Second

// Decision is a ticket's terminal (or pending) state.
type Decision int

const (
	Pending Decision = iota
	Approved
	Denied
	Expired
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	case Expired:
		return "expired"
	default:
		return "pending"
	}
}

// Ticket is one in-flight pairing attempt. Held in memory only.
type Ticket struct {
	PairingID  string
	DeviceName string
	Platform   string
	ClientIP   string
	CreatedAt  time.Time

	Decision        Decision
	ResultDeviceKey string
}

// Outcome is what the blocked request wakes with.
type Outcome struct {
	Decision  Decision
	DeviceKey string
}

type ticketState struct {
	Ticket
	decided chan struct{} // closed exactly once on transition out of Pending
}

// Approver creates the device once the operator approves. Returning the
// generated device key lets the broker hand it to the waiting client.
type Approver func(name, platform, ip string) (deviceKey string, err error)

// Broker owns the pending-ticket table.
type Broker struct {
	hub *hub.Hub
	log zerolog.Logger

	mu      sync.Mutex
	tickets map[string]*ticketState
}

func NewBroker(h *hub.Hub, log zerolog.Logger) *Broker {
	return &Broker{
		hub:     h,
		log:     log.With().Str("component", "pairing").Logger(),
		tickets: map[string]*ticketState{},
	}
}

// Request files a pairing attempt and blocks until a decision, the 60 s
// deadline, or ctx cancellation. Duplicate submissions with the same
// (client_ip, device_name) inside the dedupe window join the existing
// pending ticket instead of creating a second one.
func (b *Broker) Request(ctx context.Context, deviceName, platform, clientIP string) (string, Outcome) {
	ts := b.findOrCreate(deviceName, platform, clientIP)

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()
	select {
	case <-ts.decided:
	case <-timer.C:
		b.expire(ts.PairingID)
		<-ts.decided
	case <-ctx.Done():
		// Client went away; the ticket stays pending for the operator until
		// a decision, the timeout of a duplicate request that joined it, or
		// the sweep in a later request (once older than 2×RequestTimeout).
		return ts.PairingID, Outcome{Decision: Expired}
	}

	b.mu.Lock()
	out := Outcome{Decision: ts.Decision, DeviceKey: ts.ResultDeviceKey}
	// The initiator has read the result; discard the ticket.
	delete(b.tickets, ts.PairingID)
	b.mu.Unlock()
	return ts.PairingID, out
}

func (b *Broker) findOrCreate(deviceName, platform, clientIP string) *ticketState {
	now := time.Now()
	b.mu.Lock()
	// Sweep tickets abandoned by clients that disconnected mid-wait.
	for id, ts := range b.tickets {
		if now.Sub(ts.CreatedAt) > 2*RequestTimeout {
			if ts.Decision == Pending {
				ts.Decision = Expired
				close(ts.decided)
			}
			delete(b.tickets, id)
		}
	}
	for _, ts := range b.tickets {
		if ts.Decision == Pending && ts.ClientIP == clientIP && ts.DeviceName == deviceName &&
			now.Sub(ts.CreatedAt) < dedupeWindow {
			b.mu.Unlock()
			return ts
		}
	}
	ts := &ticketState{
		Ticket: Ticket{
			PairingID:  uuid.NewString(),
			DeviceName: deviceName,
			Platform:   platform,
			ClientIP:   clientIP,
			CreatedAt:  now,
		},
		decided: make(chan struct{}),
	}
	b.tickets[ts.PairingID] = ts
	b.mu.Unlock()

	b.log.Info().Str("pairing_id", ts.PairingID).Str("device", deviceName).Str("ip", clientIP).Msg("pairing requested")
	b.hub.Publish(hub.Operators, hub.Envelope{
		Type: hub.EventPairingRequest,
		Payload: map[string]any{
			"pairing_id":  ts.PairingID,
			"device_name": deviceName,
			"platform":    platform,
			"client_ip":   clientIP,
		},
	})
	return ts
}

// Approve resolves a ticket. Idempotent per pairing_id: deciding an already
// decided ticket is a no-op returning the prior outcome.
func (b *Broker) Approve(pairingID string, approve Approver) (Outcome, bool) {
	b.mu.Lock()
	ts, ok := b.tickets[pairingID]
	if !ok {
		b.mu.Unlock()
		return Outcome{}, false
	}
	if ts.Decision != Pending {
		out := Outcome{Decision: ts.Decision, DeviceKey: ts.ResultDeviceKey}
		b.mu.Unlock()
		return out, true
	}
	// Transition under the lock so a racing deny or expiry loses cleanly.
	key, err := approve(ts.DeviceName, ts.Platform, ts.ClientIP)
	if err != nil {
		b.mu.Unlock()
		b.log.Error().Err(err).Str("pairing_id", pairingID).Msg("approval failed")
		return Outcome{}, false
	}
	ts.Decision = Approved
	ts.ResultDeviceKey = key
	close(ts.decided)
	b.mu.Unlock()
	return Outcome{Decision: Approved, DeviceKey: key}, true
}

// Deny resolves a ticket as denied, idempotently.
func (b *Broker) Deny(pairingID string) (Outcome, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tickets[pairingID]
	if !ok {
		return Outcome{}, false
	}
	if ts.Decision != Pending {
		return Outcome{Decision: ts.Decision, DeviceKey: ts.ResultDeviceKey}, true
	}
	ts.Decision = Denied
	close(ts.decided)
	return Outcome{Decision: Denied}, true
}

func (b *Broker) expire(pairingID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tickets[pairingID]
	if !ok || ts.Decision != Pending {
		return
	}
	ts.Decision = Expired
	close(ts.decided)
}

// Pending lists undecided tickets for the operator UI.
func (b *Broker) Pending() []Ticket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Ticket, 0, len(b.tickets))
	for _, ts := range b.tickets {
		if ts.Decision == Pending {
			out = append(out, ts.Ticket)
		}
	}
	return out
}
