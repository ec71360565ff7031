package radio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ZmqConfig dials a per-chip radio server over an event/command socket
// pair.
type ZmqConfig struct {
	Band       Band
	CommandURL string // REQ socket: SPI-style command/response transactions
	EventURL   string // SUB socket: DIO1 edge notifications
}

// ZmqTransceiver is a Transceiver backed by a radio server reached over
// ZeroMQ. It stands in for direct SPI register access to an SX126x
// (sub-GHz) or SX1280 (2.4GHz) part, which belongs to the out-of-repo
// register-level driver.
type ZmqTransceiver struct {
	busyWaiter

	cfg       ZmqConfig
	ctx       context.Context
	cancel    context.CancelFunc
	cmdSock   zmq4.Socket
	eventSock zmq4.Socket

	// reqMu serializes request/reply pairs on cmdSock, including any pair
	// a timed-out roundTrip abandoned mid-flight, so two goroutines never
	// touch the REQ socket at once.
	reqMu sync.Mutex

	mu      sync.Mutex
	dio1    bool
	onIrq   func()
	onEdge  func()
	running bool
	wg      sync.WaitGroup
}

// NewZmqTransceiver creates a transceiver bound to cfg but does not yet
// dial either socket; call Init to bring the chip up.
func NewZmqTransceiver(cfg ZmqConfig) *ZmqTransceiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZmqTransceiver{cfg: cfg, ctx: ctx, cancel: cancel}
}

// SetIrqHandler registers the callback Process invokes after pumping the
// IRQ status register. No package in this module registers one; with none
// set, Process only pumps the transport.
func (t *ZmqTransceiver) SetIrqHandler(cb func()) {
	t.mu.Lock()
	t.onIrq = cb
	t.mu.Unlock()
}

// SetEdgeNotifier registers the callback eventLoop invokes the instant a
// DIO1 rising edge arrives over the event socket; the ISR-equivalent
// hook. cmd/linkctl wires this to Dispatcher.NotifyEdge so a raw
// edge reaching this transport actually wakes the dispatcher worker,
// rather than only being visible the next time something else polls
// Dio1Pin.
func (t *ZmqTransceiver) SetEdgeNotifier(cb func()) {
	t.mu.Lock()
	t.onEdge = cb
	t.mu.Unlock()
}

func (t *ZmqTransceiver) Band() Band { return t.cfg.Band }

// Init dials the command and event sockets and starts the event loop that
// tracks DIO1 level. Init only brings the transport up; neither this
// package nor internal/link issues a wake-from-chip-sleep GetStatus. A
// second call returns an "already initialized" error rather than
// re-dialing.
func (t *ZmqTransceiver) Init() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("radio(%s): already initialized", t.cfg.Band)
	}
	t.running = true
	t.mu.Unlock()

	t.cmdSock = zmq4.NewReq(t.ctx)
	if err := t.cmdSock.Dial(t.cfg.CommandURL); err != nil {
		return fmt.Errorf("radio(%s): dial command socket: %w", t.cfg.Band, err)
	}

	t.eventSock = zmq4.NewSub(t.ctx)
	if err := t.eventSock.Dial(t.cfg.EventURL); err != nil {
		t.cmdSock.Close()
		return fmt.Errorf("radio(%s): dial event socket: %w", t.cfg.Band, err)
	}
	if err := t.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		t.cmdSock.Close()
		t.eventSock.Close()
		return fmt.Errorf("radio(%s): subscribe: %w", t.cfg.Band, err)
	}

	t.wg.Add(1)
	go t.eventLoop()

	t.clearError()
	log.Printf("radio(%s): initialized, cmd=%s event=%s", t.cfg.Band, t.cfg.CommandURL, t.cfg.EventURL)
	return nil
}

func (t *ZmqTransceiver) eventLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		if _, err := t.eventSock.Recv(); err != nil {
			if t.ctx.Err() != nil {
				return
			}
			continue
		}
		t.mu.Lock()
		t.dio1 = true
		edge := t.onEdge
		t.mu.Unlock()
		if edge != nil {
			edge()
		}
	}
}

// Close tears down both sockets. Not part of the Transceiver interface;
// only the owning Selector/test harness calls it at shutdown. Sockets are
// closed before waiting so a Recv blocked in the event loop or in an
// abandoned round trip unblocks.
func (t *ZmqTransceiver) Close() {
	t.cancel()
	if t.cmdSock != nil {
		t.cmdSock.Close()
	}
	if t.eventSock != nil {
		t.eventSock.Close()
	}
	t.wg.Wait()
}

// roundTrip runs one request/reply pair against the command socket,
// bounded by BusyTimeout. A radio server that never answers must not
// wedge the HAL: the caller gets an error after the timeout and the
// send/recv goroutine is abandoned to die with the socket.
func (t *ZmqTransceiver) roundTrip(verb string, payload []byte) (zmq4.Msg, error) {
	type result struct {
		msg zmq4.Msg
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t.reqMu.Lock()
		defer t.reqMu.Unlock()
		msg := zmq4.NewMsgFrom([]byte(verb), payload)
		if err := t.cmdSock.Send(msg); err != nil {
			ch <- result{err: fmt.Errorf("send %s: %w", verb, err)}
			return
		}
		reply, err := t.cmdSock.Recv()
		if err != nil {
			ch <- result{err: fmt.Errorf("recv reply to %s: %w", verb, err)}
			return
		}
		ch <- result{msg: reply}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-t.ctx.Done():
		return zmq4.Msg{}, t.ctx.Err()
	case <-time.After(BusyTimeout):
		return zmq4.Msg{}, fmt.Errorf("%s timed out after %s", verb, BusyTimeout)
	}
}

func (t *ZmqTransceiver) transact(verb string, payload []byte) ([]byte, error) {
	if err := t.awaitBusy(t.ctx, t.BusyPin); err != nil {
		return nil, err
	}

	reply, err := t.roundTrip(verb, payload)
	if err != nil {
		t.latchError()
		return nil, fmt.Errorf("radio(%s): %w", t.cfg.Band, err)
	}
	if len(reply.Frames) < 1 || string(reply.Frames[0]) != "ok" {
		t.latchError()
		return nil, fmt.Errorf("radio(%s): %s rejected by radio server", t.cfg.Band, verb)
	}
	if len(reply.Frames) > 1 {
		return reply.Frames[1], nil
	}
	return nil, nil
}

func (t *ZmqTransceiver) Reset() error {
	_, err := t.transact("reset", nil)
	return err
}

func (t *ZmqTransceiver) WriteCommand(op Op, payload []byte) error {
	buf := append([]byte{byte(op)}, payload...)
	_, err := t.transact("cmd", buf)
	return err
}

func (t *ZmqTransceiver) ReadCommand(op Op, out []byte) error {
	reply, err := t.transact("read_cmd", []byte{byte(op)})
	if err != nil {
		return err
	}
	copy(out, reply)
	return nil
}

func (t *ZmqTransceiver) WriteRegister(addr uint16, data []byte) error {
	buf := append([]byte{byte(addr >> 8), byte(addr)}, data...)
	_, err := t.transact("write_reg", buf)
	return err
}

func (t *ZmqTransceiver) ReadRegister(addr uint16, out []byte) error {
	reply, err := t.transact("read_reg", []byte{byte(addr >> 8), byte(addr), byte(len(out))})
	if err != nil {
		return err
	}
	copy(out, reply)
	return nil
}

func (t *ZmqTransceiver) WriteBuffer(offset uint8, data []byte) error {
	buf := append([]byte{offset}, data...)
	_, err := t.transact("write_buf", buf)
	return err
}

func (t *ZmqTransceiver) ReadBuffer(offset uint8, out []byte) error {
	reply, err := t.transact("read_buf", []byte{offset, byte(len(out))})
	if err != nil {
		return err
	}
	copy(out, reply)
	return nil
}

// BusyPin reports the chip's BUSY line. Over the ZMQ transport this is
// itself a request/reply round trip against the radio server rather than
// a GPIO read, so Process/transact only call it where the contract
// requires a pre-transaction busy check.
func (t *ZmqTransceiver) BusyPin() bool {
	reply, err := t.queryNoBusyWait("busy")
	if err != nil {
		return false
	}
	return len(reply) > 0 && reply[0] != 0
}

func (t *ZmqTransceiver) Dio1Pin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dio1
}

func (t *ZmqTransceiver) IsError() bool { return t.isError() }

// Process reads and clears the chip's IRQ status register and invokes
// whatever has been wired via SetIrqHandler. DIO stays level-high until
// the IRQ status register is cleared over the transport, so this
// read-then-clear must run before the dispatcher returns to idle.
func (t *ZmqTransceiver) Process() {
	if _, err := t.transact("status", nil); err != nil {
		log.Printf("radio(%s): process: %v", t.cfg.Band, err)
		return
	}
	t.mu.Lock()
	t.dio1 = false
	cb := t.onIrq
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ClearIrqAndStandby is issued against a chip that is not the selected
// radio but still asserted DIO1: clear its IRQ status and force it to
// standby so it stops re-asserting.
func (t *ZmqTransceiver) ClearIrqAndStandby() error {
	if _, err := t.transact("status", nil); err != nil {
		return err
	}
	t.mu.Lock()
	t.dio1 = false
	t.mu.Unlock()
	_, err := t.transact("cmd", []byte{byte(OpSetStandby)})
	return err
}

// queryNoBusyWait issues a transport call without the pre-transaction
// busy-wait, for the handful of reads (BUSY/status probes) that must not
// recurse into awaitBusy themselves. Still bounded by roundTrip's
// timeout, but never latches the error flag itself.
func (t *ZmqTransceiver) queryNoBusyWait(verb string) ([]byte, error) {
	reply, err := t.roundTrip(verb, nil)
	if err != nil {
		return nil, err
	}
	if len(reply.Frames) > 1 {
		return reply.Frames[1], nil
	}
	return nil, nil
}

// A minimal set of SX126x/SX1280-family opcodes this package needs to name
// for standby recovery. The full command set belongs to the out-of-scope
// register-level driver; only what the dispatcher and Link Controller
// reference directly is declared here.
const (
	OpSetStandby Op = 0x80
	OpSetSleep   Op = 0x84
	OpGetStatus  Op = 0xC0
)
