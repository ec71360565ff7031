package monitor

import (
	"testing"
	"time"

	"github.com/x2e/lora-link/internal/linkstate"
)

// TestPublishWithNoClientsNeverBlocks: broadcasting into an empty client
// set must return immediately; the Link Controller calls Publish while
// holding its own mutex.
func TestPublishWithNoClientsNeverBlocks(t *testing.T) {
	s := New(DefaultConfig())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Publish(linkstate.MonitorSnapshot{State: "Waiting", AckCount: uint32(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no clients connected")
	}
}

// TestPublishDropsOldestForSlowClient: a client that never drains its
// buffer must not stall the broadcaster; newer snapshots displace older
// pending ones.
func TestPublishDropsOldestForSlowClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientBuffer = 2
	s := New(cfg)

	// Register a client whose writePump is never started, simulating a
	// peer that has stopped reading.
	c := &client{send: make(chan linkstate.MonitorSnapshot, cfg.ClientBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(linkstate.MonitorSnapshot{AckCount: uint32(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow client")
	}

	// The pending buffer holds recent snapshots, not the earliest ones.
	first := <-c.send
	if first.AckCount < uint32(100-cfg.ClientBuffer-1) {
		t.Errorf("oldest pending snapshot is %d, expected only recent ones to remain", first.AckCount)
	}
}

func TestLastSnapshotReplayedToNewClient(t *testing.T) {
	s := New(DefaultConfig())
	s.Publish(linkstate.MonitorSnapshot{State: "Joined", AckCount: 7})

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil || last.AckCount != 7 {
		t.Fatalf("last snapshot = %+v, want the published one", last)
	}
}
