package radio

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

// deadPeer listens on command and event endpoints but never services a
// single request, standing in for a radio server that has hung.
func deadPeer(t *testing.T) (cmdURL, eventURL string, teardown func()) {
	t.Helper()

	rep := zmq4.NewRep(context.Background())
	if err := rep.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("listen rep: %v", err)
	}
	pub := zmq4.NewPub(context.Background())
	if err := pub.Listen("tcp://127.0.0.1:0"); err != nil {
		rep.Close()
		t.Fatalf("listen pub: %v", err)
	}

	cmdURL = fmt.Sprintf("tcp://%s", rep.Addr().String())
	eventURL = fmt.Sprintf("tcp://%s", pub.Addr().String())
	return cmdURL, eventURL, func() {
		rep.Close()
		pub.Close()
	}
}

// TestTransactTimesOutAndLatchesError: a cmd request the radio server
// never answers must come back as an error after the busy-wait timeout
// with IsError latched, never wedge the caller.
func TestTransactTimesOutAndLatchesError(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out BusyTimeout against a dead peer")
	}

	cmdURL, eventURL, teardown := deadPeer(t)
	defer teardown()

	tr := NewZmqTransceiver(ZmqConfig{Band: SubGhz, CommandURL: cmdURL, EventURL: eventURL})
	if err := tr.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer tr.Close()

	start := time.Now()
	err := tr.WriteCommand(OpGetStatus, nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected WriteCommand against a dead peer to fail")
	}
	if !tr.IsError() {
		t.Error("expected IsError latched after the transport timeout")
	}
	// One BusyTimeout for the BUSY probe, one for the command itself.
	if elapsed < BusyTimeout {
		t.Errorf("WriteCommand returned after %s, before the %s timeout", elapsed, BusyTimeout)
	}
	if elapsed > 3*BusyTimeout {
		t.Errorf("WriteCommand took %s, far past the bounded %s per round trip", elapsed, BusyTimeout)
	}
}

// TestAwaitBusyTimesOutAndLatchesError pins the busy-wait contract at its
// core: a BUSY line that never clears makes awaitBusy return an error
// after BusyTimeout with the error flag latched.
func TestAwaitBusyTimesOutAndLatchesError(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out BusyTimeout")
	}

	var w busyWaiter
	start := time.Now()
	err := w.awaitBusy(context.Background(), func() bool { return true })
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected awaitBusy to fail against a permanently busy pin")
	}
	if !w.isError() {
		t.Error("expected the error flag latched after the busy-wait timeout")
	}
	if elapsed < BusyTimeout {
		t.Errorf("awaitBusy returned after %s, before the %s timeout", elapsed, BusyTimeout)
	}
	if elapsed > 2*BusyTimeout {
		t.Errorf("awaitBusy took %s, well past the %s timeout", elapsed, BusyTimeout)
	}
}

// TestTransactAgainstLivePeer: the happy path against a minimal radio
// server that answers every request with "ok" and reports BUSY low.
func TestTransactAgainstLivePeer(t *testing.T) {
	rep := zmq4.NewRep(context.Background())
	if err := rep.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("listen rep: %v", err)
	}
	defer rep.Close()
	pub := zmq4.NewPub(context.Background())
	if err := pub.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("listen pub: %v", err)
	}
	defer pub.Close()

	go func() {
		for {
			msg, err := rep.Recv()
			if err != nil {
				return
			}
			reply := zmq4.NewMsgFrom([]byte("ok"), nil)
			if len(msg.Frames) > 0 && string(msg.Frames[0]) == "busy" {
				reply = zmq4.NewMsgFrom([]byte("ok"), []byte{0})
			}
			if err := rep.Send(reply); err != nil {
				return
			}
		}
	}()

	tr := NewZmqTransceiver(ZmqConfig{
		Band:       Ism2400,
		CommandURL: fmt.Sprintf("tcp://%s", rep.Addr().String()),
		EventURL:   fmt.Sprintf("tcp://%s", pub.Addr().String()),
	})
	if err := tr.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer tr.Close()

	if err := tr.WriteCommand(OpSetStandby, nil); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if tr.IsError() {
		t.Error("IsError latched on a healthy exchange")
	}
}
