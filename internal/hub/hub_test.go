package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testHub() *Hub { return New(zerolog.Nop()) }

func recvEnvelope(t *testing.T, sub *Subscriber) Envelope {
	t.Helper()
	select {
	case raw := <-sub.Out():
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestPublishFIFO(t *testing.T) {
	h := testHub()
	sub := h.Subscribe(Operators, "op")
	for i := 0; i < 10; i++ {
		h.Publish(Operators, Envelope{Type: EventLog, Payload: i})
	}
	for i := 0; i < 10; i++ {
		env := recvEnvelope(t, sub)
		if int(env.Payload.(float64)) != i {
			t.Fatalf("envelope %d out of order: %v", i, env.Payload)
		}
	}
}

func TestClassIsolation(t *testing.T) {
	h := testHub()
	dev := h.Subscribe(Devices, "dev-1")
	op := h.Subscribe(Operators, "op")
	h.Publish(Operators, Envelope{Type: EventServerStatus})
	if env := recvEnvelope(t, op); env.Type != EventServerStatus {
		t.Fatalf("operator got %s", env.Type)
	}
	select {
	case raw := <-dev.Out():
		t.Fatalf("device received operator-class event: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeviceLiveness(t *testing.T) {
	h := testHub()
	op := h.Subscribe(Operators, "op")
	dev := h.Subscribe(Devices, "dev-1")
	if env := recvEnvelope(t, op); env.Type != EventDeviceConnected {
		t.Fatalf("want device_connected, got %s", env.Type)
	}
	if !h.DeviceOnline("dev-1") {
		t.Error("device should be online")
	}
	// A second connection from the same device does not re-announce.
	dev2 := h.Subscribe(Devices, "dev-1")
	h.Unsubscribe(dev2)
	select {
	case raw := <-op.Out():
		t.Fatalf("unexpected event while one connection remains: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
	h.Unsubscribe(dev)
	if env := recvEnvelope(t, op); env.Type != EventDeviceDisconnected {
		t.Fatalf("want device_disconnected, got %s", env.Type)
	}
	if h.DeviceOnline("dev-1") {
		t.Error("device should be offline")
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	h := testHub()
	sub := h.Subscribe(Operators, "op")
	// Never drain: overflow the buffer plus one.
	for i := 0; i < sendBuffer+1; i++ {
		h.Publish(Operators, Envelope{Type: EventLog, Payload: i})
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not dropped")
	}
	_, dropped := h.Stats()
	if dropped == 0 {
		t.Error("dropped counter should be nonzero")
	}
}

func TestPublishDoesNotBlock(t *testing.T) {
	h := testHub()
	_ = h.Subscribe(Operators, "stuck")
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*4; i++ {
			h.Publish(Operators, Envelope{Type: EventLog, Payload: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
