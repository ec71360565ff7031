// Package api is the public façade the host application calls: a
// thread-safe surface over internal/link.Controller that bounds how long
// every call waits for admission (LockTimeout). Once admitted, a call runs
// the controller method, which takes the link mutex without a timeout.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/x2e/lora-link/internal/link"
	"github.com/x2e/lora-link/internal/linkstate"
)

// LockTimeout bounds how long a Public API call waits to acquire access to
// the controller before giving up.
const LockTimeout = 50 * time.Millisecond

// ErrTimeout is returned by any API call that could not reach the
// controller within LockTimeout.
var ErrTimeout = fmt.Errorf("api: timed out acquiring link controller")

// API wraps a *link.Controller with the timeout-bounded surface
// applications call into. Unlike the controller's own methods (already
// individually mutex-safe), this adds a single admission gate so a wedged
// caller cannot starve others.
type API struct {
	ctrl *link.Controller
	sem  chan struct{}
}

// New wraps ctrl. The controller must already be constructed (and will
// typically already be Start-ed) by the caller.
func New(ctrl *link.Controller) *API {
	return &API{ctrl: ctrl, sem: make(chan struct{}, 1)}
}

func (a *API) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

func (a *API) release() { <-a.sem }

func (a *API) withTimeout(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()
	return fn()
}

// Start brings the underlying controller's background loop up.
// wakeFromSleep tells it to attempt a preserved-state resume first.
func (a *API) Start(wakeFromSleep bool) error {
	var err error
	a.withTimeout(func() error {
		err = a.ctrl.Start(wakeFromSleep)
		return nil
	})
	return err
}

// Stop drains the controller's background loop.
func (a *API) Stop() error {
	return a.withTimeout(func() error {
		a.ctrl.Stop()
		return nil
	})
}

// Send queues an application payload for transmission on the next
// Waiting->Send transition. Confirmation policy is owned by the link
// controller's ratchet, not the caller.
func (a *API) Send(payload []byte, fport uint8) error {
	return a.withTimeout(func() error {
		return a.ctrl.Queue(payload, fport)
	})
}

// IsBusy reports whether the link is mid-cycle. On a timed-out lock
// acquisition this conservatively reports true: a caller that can't even
// ask should assume busy rather than racing ahead.
func (a *API) IsBusy() bool {
	busy := true
	a.withTimeout(func() error {
		busy = a.ctrl.IsBusy()
		return nil
	})
	return busy
}

// WaitingTimeMs reports milliseconds until the next scheduled transition.
func (a *API) WaitingTimeMs() uint32 {
	var ms uint32
	a.withTimeout(func() error {
		ms = a.ctrl.WaitingTimeMs()
		return nil
	})
	return ms
}

// State returns the controller's current state name.
func (a *API) State() string {
	state := "unknown"
	a.withTimeout(func() error {
		state = a.ctrl.State().String()
		return nil
	})
	return state
}

// Snapshot returns the controller's current MonitorSnapshot.
func (a *API) Snapshot() (linkstate.MonitorSnapshot, error) {
	var snap linkstate.MonitorSnapshot
	err := a.withTimeout(func() error {
		snap = a.ctrl.Snapshot()
		return nil
	})
	return snap, err
}

// HwInit calls the controller's HwInit, which initializes only the active
// radio transceiver; the inactive one is not touched.
func (a *API) HwInit() error {
	var err error
	a.withTimeout(func() error {
		err = a.ctrl.HwInit()
		return nil
	})
	return err
}

// IsProvisioned reports whether the node has completed the device
// provisioning handshake.
func (a *API) IsProvisioned() bool {
	var v bool
	a.withTimeout(func() error { v = a.ctrl.IsProvisioned(); return nil })
	return v
}

// IsJoined reports whether the node currently holds a valid network session.
func (a *API) IsJoined() bool {
	var v bool
	a.withTimeout(func() error { v = a.ctrl.IsJoined(); return nil })
	return v
}

// IsSendDone reports whether the most recent send cycle has concluded,
// successfully or not.
func (a *API) IsSendDone() bool {
	var v bool
	a.withTimeout(func() error { v = a.ctrl.IsSendDone(); return nil })
	return v
}

// IsSendSuccess reports whether the most recent send cycle concluded
// successfully.
func (a *API) IsSendSuccess() bool {
	var v bool
	a.withTimeout(func() error { v = a.ctrl.IsSendSuccess(); return nil })
	return v
}

// IsIsm2400 reports whether the link is currently using the 2.4GHz ISM
// radio rather than the sub-GHz one.
func (a *API) IsIsm2400() bool {
	var v bool
	a.withTimeout(func() error { v = a.ctrl.IsIsm2400(); return nil })
	return v
}

// IsTxReady reports whether the link is ready to accept a new Queue call.
func (a *API) IsTxReady() bool {
	var v bool
	a.withTimeout(func() error { v = a.ctrl.IsTxReady(); return nil })
	return v
}

// IsRxReady reports whether a downlink application payload is waiting to be
// read with GetData.
func (a *API) IsRxReady() bool {
	var v bool
	a.withTimeout(func() error { v = a.ctrl.IsRxReady(); return nil })
	return v
}

// GetData copies the pending downlink application payload into buf,
// returning its length and FPort.
func (a *API) GetData(buf []byte) (int, uint8, error) {
	var n int
	var fport uint8
	err := a.withTimeout(func() error {
		n, fport = a.ctrl.GetData(buf)
		return nil
	})
	return n, fport, err
}

// SetDatarate overrides the datarate used on the next uplink.
func (a *API) SetDatarate(dr int8) error {
	return a.withTimeout(func() error {
		a.ctrl.SetDatarate(dr)
		return nil
	})
}

// SetBatteryPercent reports the node's battery level for the next
// DevStatusReq reply.
func (a *API) SetBatteryPercent(pct float64) error {
	return a.withTimeout(func() error {
		a.ctrl.SetBatteryPercent(pct)
		return nil
	})
}

// SetExtPower marks the node as externally powered for DevStatusReq
// replies.
func (a *API) SetExtPower() error {
	return a.withTimeout(func() error {
		a.ctrl.SetExtPower()
		return nil
	})
}

// PrepareForSleep flushes any pending send and tells the controller the
// host is about to sleep. deep selects whether preserved state must be
// saved for a deep-sleep wakeup.
func (a *API) PrepareForSleep(deep bool) error {
	return a.withTimeout(func() error {
		a.ctrl.PrepareForSleep(deep)
		return nil
	})
}

// ResumeFromSleep tells the controller the host has woken up.
func (a *API) ResumeFromSleep() error {
	return a.withTimeout(func() error {
		a.ctrl.ResumeFromSleep()
		return nil
	})
}
