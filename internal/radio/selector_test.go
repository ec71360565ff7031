package radio

import (
	"sync"
	"testing"
)

// stubTransceiver is a minimal in-memory Transceiver for selector tests.
type stubTransceiver struct {
	band Band

	mu        sync.Mutex
	inError   bool
	initCalls int
}

func (s *stubTransceiver) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	s.inError = false
	return nil
}

func (s *stubTransceiver) Reset() error                       { return nil }
func (s *stubTransceiver) WriteCommand(Op, []byte) error      { return nil }
func (s *stubTransceiver) ReadCommand(Op, []byte) error       { return nil }
func (s *stubTransceiver) WriteRegister(uint16, []byte) error { return nil }
func (s *stubTransceiver) ReadRegister(uint16, []byte) error  { return nil }
func (s *stubTransceiver) WriteBuffer(uint8, []byte) error    { return nil }
func (s *stubTransceiver) ReadBuffer(uint8, []byte) error     { return nil }
func (s *stubTransceiver) BusyPin() bool                      { return false }
func (s *stubTransceiver) Dio1Pin() bool                      { return false }
func (s *stubTransceiver) Process()                           {}
func (s *stubTransceiver) ClearIrqAndStandby() error          { return nil }
func (s *stubTransceiver) Band() Band                         { return s.band }

func (s *stubTransceiver) IsError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inError
}

func (s *stubTransceiver) setError() {
	s.mu.Lock()
	s.inError = true
	s.mu.Unlock()
}

func TestSelectorSwitchesActiveBand(t *testing.T) {
	sub := &stubTransceiver{band: SubGhz}
	ism := &stubTransceiver{band: Ism2400}
	sel := NewSelector(sub, ism)

	if sel.ActiveBand() != SubGhz {
		t.Fatalf("initial band = %s, want SubGHz", sel.ActiveBand())
	}
	if sel.Active() != Transceiver(sub) {
		t.Fatal("Active() did not return the sub-GHz chip")
	}
	if sel.Other() != Transceiver(ism) {
		t.Fatal("Other() did not return the ISM2400 chip")
	}

	if err := sel.Select(Ism2400); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Active() != Transceiver(ism) || sel.Other() != Transceiver(sub) {
		t.Fatal("Select(Ism2400) did not swap active/other")
	}
}

func TestSelectorFallbackFlipsBands(t *testing.T) {
	sub := &stubTransceiver{band: SubGhz}
	ism := &stubTransceiver{band: Ism2400}
	sel := NewSelector(sub, ism)

	next, err := sel.Fallback()
	if err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	if next != Ism2400 {
		t.Errorf("Fallback -> %s, want ISM2400", next)
	}
	next, err = sel.Fallback()
	if err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	if next != SubGhz {
		t.Errorf("second Fallback -> %s, want SubGHz", next)
	}
}

func TestSelectorRejectsMissingBand(t *testing.T) {
	sel := NewSelector(&stubTransceiver{band: SubGhz}, nil)
	if err := sel.Select(Ism2400); err == nil {
		t.Fatal("expected Select of an unwired band to fail")
	}
	if _, err := sel.Fallback(); err == nil {
		t.Fatal("expected Fallback to an unwired band to fail")
	}
	if sel.ActiveBand() != SubGhz {
		t.Errorf("failed switches must leave the active band untouched, got %s", sel.ActiveBand())
	}
}

func TestHandleChipErrorReinitsOnlyErroredChips(t *testing.T) {
	sub := &stubTransceiver{band: SubGhz}
	ism := &stubTransceiver{band: Ism2400}
	sel := NewSelector(sub, ism)

	ism.setError()
	sel.HandleChipError()

	if sub.initCalls != 0 {
		t.Errorf("healthy chip re-initialized %d times", sub.initCalls)
	}
	if ism.initCalls != 1 {
		t.Errorf("errored chip init calls = %d, want 1", ism.initCalls)
	}
	if ism.IsError() {
		t.Error("recovery sweep left the error flag latched")
	}
}
