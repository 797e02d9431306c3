package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	s := New(5, time.Minute, 100)
	for i := 0; i < 5; i++ {
		if ok, _ := s.Allow("1.2.3.4"); !ok {
			t.Fatalf("hit %d should be allowed", i)
		}
	}
	ok, wait := s.Allow("1.2.3.4")
	if ok {
		t.Fatal("sixth hit should be rejected")
	}
	if wait <= 0 {
		t.Fatal("rejection should report a retry delay")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	s := New(1, time.Minute, 100)
	if ok, _ := s.Allow("a"); !ok {
		t.Fatal("first key should pass")
	}
	if ok, _ := s.Allow("b"); !ok {
		t.Fatal("second key should pass")
	}
	if ok, _ := s.Allow("a"); ok {
		t.Fatal("first key should now be limited")
	}
}

func TestRefill(t *testing.T) {
	s := New(60, time.Minute, 100) // 1 token/sec
	base := time.Now().Truncate(time.Second)
	s.now = func() time.Time { return base }
	for i := 0; i < 60; i++ {
		s.Allow("k")
	}
	if ok, _ := s.Allow("k"); ok {
		t.Fatal("bucket should be empty")
	}
	s.now = func() time.Time { return base.Add(2 * time.Second) }
	if ok, _ := s.Allow("k"); !ok {
		t.Fatal("bucket should have refilled after 2s")
	}
}

func TestLRUEviction(t *testing.T) {
	s := New(1, time.Minute, 3)
	for i := 0; i < 10; i++ {
		s.Allow(fmt.Sprintf("ip-%d", i))
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("tracked keys = %d, want 3", got)
	}
	// Evicted keys start fresh: ip-0 was evicted, so it gets a full bucket.
	if ok, _ := s.Allow("ip-0"); !ok {
		t.Fatal("evicted key should be readmitted with a fresh bucket")
	}
}
