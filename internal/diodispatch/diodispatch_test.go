package diodispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/x2e/lora-link/internal/radio"
)

// fakeTransceiver is the minimal radio.Transceiver double this package's
// tests drive: it tracks how many times Process/ClearIrqAndStandby ran and
// lets the test flip Dio1Pin on and off the way a real chip's level
// interrupt would.
type fakeTransceiver struct {
	band radio.Band

	mu       sync.Mutex
	dio1     bool
	processN int32
	clearN   int32
}

func (f *fakeTransceiver) Init() error                         { return nil }
func (f *fakeTransceiver) Reset() error                        { return nil }
func (f *fakeTransceiver) WriteCommand(radio.Op, []byte) error { return nil }
func (f *fakeTransceiver) ReadCommand(radio.Op, []byte) error  { return nil }
func (f *fakeTransceiver) WriteRegister(uint16, []byte) error  { return nil }
func (f *fakeTransceiver) ReadRegister(uint16, []byte) error   { return nil }
func (f *fakeTransceiver) WriteBuffer(uint8, []byte) error     { return nil }
func (f *fakeTransceiver) ReadBuffer(uint8, []byte) error      { return nil }
func (f *fakeTransceiver) BusyPin() bool                       { return false }
func (f *fakeTransceiver) IsError() bool                       { return false }
func (f *fakeTransceiver) Band() radio.Band                    { return f.band }

func (f *fakeTransceiver) Dio1Pin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dio1
}

func (f *fakeTransceiver) setDio1(v bool) {
	f.mu.Lock()
	f.dio1 = v
	f.mu.Unlock()
}

func (f *fakeTransceiver) Process() {
	atomic.AddInt32(&f.processN, 1)
	f.setDio1(false)
}

func (f *fakeTransceiver) ClearIrqAndStandby() error {
	atomic.AddInt32(&f.clearN, 1)
	f.setDio1(false)
	return nil
}

func TestDispatcherServicesActiveChipOnEdge(t *testing.T) {
	active := &fakeTransceiver{band: radio.SubGhz}
	other := &fakeTransceiver{band: radio.Ism2400}
	sel := radio.NewSelector(active, other)

	d := New(sel)
	d.Start()
	defer d.Stop()

	active.setDio1(true)
	d.NotifyEdge(radio.SubGhz)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&active.processN) == 0 {
		time.Sleep(time.Millisecond)
	}
	if n := atomic.LoadInt32(&active.processN); n == 0 {
		t.Fatalf("expected active chip's Process to run after NotifyEdge, processN=%d", n)
	}
}

func TestDispatcherRecoversStrayIrqOnInactiveChip(t *testing.T) {
	active := &fakeTransceiver{band: radio.SubGhz}
	other := &fakeTransceiver{band: radio.Ism2400}
	sel := radio.NewSelector(active, other)

	d := New(sel)
	d.Start()
	defer d.Stop()

	other.setDio1(true)
	d.NotifyEdge(radio.Ism2400)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&other.clearN) == 0 {
		time.Sleep(time.Millisecond)
	}
	if n := atomic.LoadInt32(&other.clearN); n == 0 {
		t.Fatalf("expected stray IRQ on inactive chip to trigger ClearIrqAndStandby, clearN=%d", n)
	}
}

func TestNotifyEdgeNeverBlocksOnFullQueue(t *testing.T) {
	sel := radio.NewSelector(nil, nil)
	d := New(sel)
	// Deliberately never Start the worker, so the queue fills and every
	// further NotifyEdge exercises the drop path.
	done := make(chan struct{})
	go func() {
		for i := 0; i < QueueDepth+10; i++ {
			d.NotifyEdge(radio.SubGhz)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyEdge blocked on a full queue")
	}
}
