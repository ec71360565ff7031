// Package radio implements the dual radio-chip HAL and the selector the
// Link Controller and the consumed LoRaMAC service address through a
// single active-transceiver handle.
//
// Register-level SPI command sequences to the SX126x/SX1280 silicon
// belong to the out-of-repo chip driver; each chip here is reached over a
// pair of ZeroMQ sockets dialed to a per-chip radio server; the
// transport is a socket, not silicon.
package radio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BusyTimeout is the hard timeout on every transport call. Expiry latches
// IsError and returns; it is the only hard timeout in low-level code,
// enforced here rather than by preemption.
const BusyTimeout = 1000 * time.Millisecond

// Op identifies a radio command opcode. The concrete values are chip
// firmware command codes (SetSleep, SetTx, SetRx, ...); this package does
// not interpret them, it only transports them.
type Op uint8

// Transceiver is the capability set both chips implement. LoRaMAC and the
// Link Controller only ever hold a Transceiver obtained from a Selector;
// they never name either chip directly.
type Transceiver interface {
	Init() error
	Reset() error
	WriteCommand(op Op, payload []byte) error
	ReadCommand(op Op, out []byte) error
	WriteRegister(addr uint16, data []byte) error
	ReadRegister(addr uint16, out []byte) error
	WriteBuffer(offset uint8, data []byte) error
	ReadBuffer(offset uint8, out []byte) error
	BusyPin() bool
	Dio1Pin() bool
	IsError() bool

	// Process pumps the chip's IRQ status register: it is called by the
	// DIO dispatcher to read and clear pending flags and invoke whatever LoRaMAC has wired as this
	// chip's IRQ handler. Real MAC-level frame handling lives in the
	// consumed LoRaMAC service (internal/mac); Process here only pumps
	// the transport.
	Process()

	// ClearIrqAndStandby is the recovery action the DIO dispatcher takes
	// against the chip that is NOT currently selected but still asserted
	// DIO1.
	ClearIrqAndStandby() error

	// Band reports which logical band this transceiver instance backs,
	// for logging/selection bookkeeping only.
	Band() Band
}

// Band names a radio chip's logical role.
type Band int

const (
	SubGhz Band = iota
	Ism2400
)

func (b Band) String() string {
	if b == Ism2400 {
		return "ISM2400"
	}
	return "SubGHz"
}

// busyWaiter is embedded by concrete Transceiver implementations to give
// every transport call the same busy-wait-then-latch-error-on-timeout
// shape.
type busyWaiter struct {
	mu      sync.Mutex
	inError bool
}

func (b *busyWaiter) isError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inError
}

func (b *busyWaiter) latchError() {
	b.mu.Lock()
	b.inError = true
	b.mu.Unlock()
}

func (b *busyWaiter) clearError() {
	b.mu.Lock()
	b.inError = false
	b.mu.Unlock()
}

// awaitBusy polls isBusy until it clears or BusyTimeout elapses. On
// timeout it latches the error flag itself and returns an error; callers
// should treat that as "do not issue the transport call."
func (b *busyWaiter) awaitBusy(ctx context.Context, isBusy func() bool) error {
	deadline := time.Now().Add(BusyTimeout)
	for isBusy() {
		if time.Now().After(deadline) {
			b.latchError()
			return fmt.Errorf("radio: busy-wait timed out after %s", BusyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Microsecond):
		}
	}
	return nil
}
