package radio

import (
	"fmt"
	"log"
	"sync"
)

// Selector owns both chip transceivers and hands the Link Controller a
// single active Transceiver, swapped atomically whenever the link falls
// back to the other band.
type Selector struct {
	mu     sync.RWMutex
	subGhz Transceiver
	ism    Transceiver
	active Band
}

// NewSelector wires both concrete transceivers in. Either may be nil in a
// single-radio test harness; Select and Fallback then return an error for
// the missing band, and Active or Other return nil for it.
func NewSelector(subGhz, ism Transceiver) *Selector {
	return &Selector{subGhz: subGhz, ism: ism, active: SubGhz}
}

// Active returns the currently selected Transceiver.
func (s *Selector) Active() Transceiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transceiverFor(s.active)
}

// ActiveBand reports which band is currently selected.
func (s *Selector) ActiveBand() Band {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Other returns the Transceiver for the band that is NOT currently
// selected, for the DIO dispatcher's clear-IRQ-on-the-inactive-chip
// recovery path.
func (s *Selector) Other() Transceiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == SubGhz {
		return s.transceiverFor(Ism2400)
	}
	return s.transceiverFor(SubGhz)
}

// Select switches the active band. Callers must hold the Link
// Controller's own mutex around a Select call that is followed by any
// radio traffic, so no transaction is ever issued against the band being
// switched away from.
func (s *Selector) Select(b Band) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transceiverFor(b) == nil {
		return fmt.Errorf("radio: no transceiver wired for band %s", b)
	}
	s.active = b
	return nil
}

// Fallback flips the active band to whichever is not currently selected.
// The Link Controller does not call it: its join-failure round robin
// flips linkstate.Vars.UsingIsm2400 and reselects through Select.
func (s *Selector) Fallback() (Band, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := Ism2400
	if s.active == Ism2400 {
		next = SubGhz
	}
	if s.transceiverFor(next) == nil {
		return s.active, fmt.Errorf("radio: no transceiver wired for fallback band %s", next)
	}
	s.active = next
	return s.active, nil
}

func (s *Selector) transceiverFor(b Band) Transceiver {
	if b == Ism2400 {
		return s.ism
	}
	return s.subGhz
}

// HandleChipError is the recovery sweep: re-initialize whichever of the
// two chips currently has its error flag latched. The Link Controller
// calls this periodically; a chip with no wired Transceiver or that isn't
// in error is skipped.
func (s *Selector) HandleChipError() {
	s.mu.RLock()
	subGhz, ism := s.subGhz, s.ism
	s.mu.RUnlock()

	for _, t := range []Transceiver{subGhz, ism} {
		if t == nil || !t.IsError() {
			continue
		}
		if err := t.Init(); err != nil {
			log.Printf("radio(%s): recovery re-init failed: %v", t.Band(), err)
		} else {
			log.Printf("radio(%s): recovered from chip error", t.Band())
		}
	}
}
