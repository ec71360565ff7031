package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSetClampsReloadToMinimum(t *testing.T) {
	r := New()
	if err := r.Set(1, 1, func(any) {}, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	remaining, started := r.Remaining(1)
	if !started {
		t.Fatal("expected slot started")
	}
	if remaining > MinReloadMs {
		t.Errorf("Remaining = %d, want <= clamped %d", remaining, MinReloadMs)
	}
}

func TestTickFiresExpiredSlot(t *testing.T) {
	r := New()
	var fired atomic.Int32
	if err := r.Set(1, 10, func(any) { fired.Add(1) }, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := r.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r.Tick()
	if fired.Load() != 0 {
		t.Fatal("slot fired before its reload elapsed")
	}

	time.Sleep(15 * time.Millisecond)
	r.Tick()
	if fired.Load() != 1 {
		t.Fatalf("fired = %d after expiry, want 1", fired.Load())
	}

	// One-shot: a second tick without a re-Start must not fire again.
	time.Sleep(15 * time.Millisecond)
	r.Tick()
	if fired.Load() != 1 {
		t.Fatalf("fired = %d after second tick, want still 1", fired.Load())
	}
}

func TestStopPreventsFiring(t *testing.T) {
	r := New()
	var fired atomic.Int32
	r.Set(1, 10, func(any) { fired.Add(1) }, nil)
	r.Start(1)
	r.Stop(1)

	time.Sleep(15 * time.Millisecond)
	r.Tick()
	if fired.Load() != 0 {
		t.Errorf("stopped slot fired %d times", fired.Load())
	}
	if _, started := r.Remaining(1); started {
		t.Error("Remaining reports a stopped slot as started")
	}
}

func TestTableFullReturnsError(t *testing.T) {
	r := New()
	for i := 0; i < MaxSlots; i++ {
		if err := r.Set(i, 100, func(any) {}, nil); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if err := r.Set(MaxSlots, 100, func(any) {}, nil); err == nil {
		t.Fatal("expected an error once the table is full")
	}
	// Re-setting an existing handle must still work.
	if err := r.Set(0, 200, func(any) {}, nil); err != nil {
		t.Fatalf("re-Set of existing handle: %v", err)
	}
}

func TestCallbackMayReenterRegistry(t *testing.T) {
	r := New()
	var fired atomic.Int32
	r.Set(1, 10, func(any) {
		fired.Add(1)
		// Re-arming from inside the callback must not deadlock: Tick
		// invokes callbacks outside its critical section.
		r.Start(1)
	}, nil)
	r.Start(1)

	time.Sleep(15 * time.Millisecond)
	r.Tick()
	time.Sleep(15 * time.Millisecond)
	r.Tick()

	if fired.Load() != 2 {
		t.Errorf("fired = %d across two re-armed cycles, want 2", fired.Load())
	}
}

func TestElapsedHandlesCounterWrap(t *testing.T) {
	past := uint32(0xFFFFFFF0)
	now := uint32(0x00000010)
	if got := Elapsed(now, past); got != 0x20 {
		t.Errorf("Elapsed across wrap = %#x, want 0x20", got)
	}
}

func TestStartUnknownHandleFails(t *testing.T) {
	r := New()
	if err := r.Start(42); err == nil {
		t.Fatal("expected Start of an unknown handle to fail")
	}
}
