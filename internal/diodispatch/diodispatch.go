// Package diodispatch runs the GPIO-ISR-to-worker-goroutine handoff for
// both radio chips' DIO1 lines. A real ISR cannot safely call into the
// LoRaMAC service, so it only pushes an edge marker onto a small bounded
// queue; this package's worker goroutine drains that queue and pumps each
// chip's Transceiver.Process in its place.
package diodispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/x2e/lora-link/internal/radio"
)

// QueueDepth is the bound on pending edges. The source sizes this well
// above worst-case edge bursts (both chips asserting back to back across
// a join retry) so ISR pushes never block.
const QueueDepth = 200

// MaxIterations is how many times the worker re-polls both chips after a
// single edge wakeup before going back to sleep, covering the case where
// servicing one IRQ immediately raises another.
const MaxIterations = 10

const (
	shortBackoff = 1 * time.Millisecond
	longBackoff  = 4 * time.Millisecond
)

// Edge names which chip produced a DIO1 transition.
type Edge radio.Band

// Dispatcher owns the bounded edge queue and the worker goroutine that
// drains it.
type Dispatcher struct {
	sel *radio.Selector

	mu      sync.Mutex
	queue   chan Edge
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

// New creates a dispatcher over the given Selector. It does not start the
// worker; call Start.
func New(sel *radio.Selector) *Dispatcher {
	return &Dispatcher{sel: sel, queue: make(chan Edge, QueueDepth)}
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the worker to exit and waits for it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}

// NotifyEdge is the ISR-side call: it must never block. A full queue drops
// the edge; the edges already queued still wake the worker, and every
// service pass re-reads both chips' Dio1Pin, so a chip left asserting is
// still seen while servicing one of those.
func (d *Dispatcher) NotifyEdge(band radio.Band) {
	select {
	case d.queue <- Edge(band):
	default:
		log.Printf("diodispatch: queue full, dropped edge for %s", radio.Band(band))
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			d.service(radio.Band(e))
		}
	}
}

// service runs the recovery sequence for one edge, whichever chip raised
// it: (a) if the active chip is asserting DIO1, pump it via Process; (b)
// if the OTHER (inactive) chip is asserting DIO1, that is unexpected:
// clear its IRQ status and force it to standby rather than servicing it
// as a real event; (c) stop once neither chip is asserting, otherwise
// sleep (1ms after each of the first two passes, 4ms after later ones)
// and re-check, for at most MaxIterations passes.
func (d *Dispatcher) service(origin radio.Band) {
	active := d.sel.Active()
	other := d.sel.Other()

	for i := 0; i < MaxIterations; i++ {
		serviced := false

		if active != nil && active.Dio1Pin() {
			active.Process()
			serviced = true
		}

		if other != nil && other.Dio1Pin() {
			log.Printf("diodispatch: unexpected DIO1 on inactive %s chip (edge from %s), recovering", other.Band(), origin)
			if err := other.ClearIrqAndStandby(); err != nil {
				log.Printf("diodispatch: recovery on inactive chip failed: %v", err)
			}
			serviced = true
		}

		if !serviced {
			return
		}

		backoff := shortBackoff
		if i >= 2 {
			backoff = longBackoff
		}
		time.Sleep(backoff)
	}
}
