package mac

import (
	"fmt"
	"sync"
)

// FakeConfig tunes how the fake LoRaMAC service behaves, so the Link
// Controller's tests can drive join/send success and failure paths
// deterministically without real radio traffic.
type FakeConfig struct {
	JoinSucceeds bool
	SendSucceeds bool
	AckUplinks   bool
}

func DefaultFakeConfig() FakeConfig {
	return FakeConfig{JoinSucceeds: true, SendSucceeds: true, AckUplinks: true}
}

// Fake is a Service that resolves joins and sends immediately and
// synchronously from Process, standing in for the real LoRaMAC-node
// binding this module does not vendor. Every exported method is
// goroutine-safe; Process must still be called on a single goroutine, the
// same contract the real service has.
type Fake struct {
	cfg FakeConfig

	mu       sync.Mutex
	handlers EventHandlers
	started  bool
	joined   bool
	busy     bool

	devEui          [8]byte
	joinEui         [8]byte
	nwkKey          [16]byte
	appKey          [16]byte
	dataRate        int8
	defaultDataRate int8
	joinRequests    int
	adr             bool
	activation      NetworkActivation
	channelMask     [6]uint16
	publicNetwork   bool
	rxError         uint16

	pendingJoin *JoinType
	pendingMcps *McpsRequest

	lastSent    McpsRequest
	hasLastSent bool

	region Region
}

func NewFake(cfg FakeConfig) *Fake {
	return &Fake{cfg: cfg, dataRate: 0, defaultDataRate: 3}
}

func (f *Fake) Initialize(h EventHandlers, region Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
	f.region = region
	return nil
}

// Region reports the region Initialize was most recently called with, for
// tests asserting the Link Controller selects the right one.
func (f *Fake) Region() Region {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.region
}

func (f *Fake) Deinitialize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.joined = false
}

func (f *Fake) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

// Process resolves whatever join or send request is pending, invoking the
// registered callback. A real LoRaMAC service resolves these
// asynchronously across RX1/RX2; the fake resolves on the very next
// Process call so tests don't need to simulate radio timing.
func (f *Fake) Process() {
	f.mu.Lock()
	join := f.pendingJoin
	f.pendingJoin = nil
	req := f.pendingMcps
	f.pendingMcps = nil
	handlers := f.handlers
	f.busy = false
	f.mu.Unlock()

	if join != nil {
		st := StatusNoNetwork
		if f.cfg.JoinSucceeds {
			st = StatusOK
			f.mu.Lock()
			f.joined = true
			f.mu.Unlock()
		}
		if handlers.OnMlmeConfirm != nil {
			handlers.OnMlmeConfirm(JoinConfirm{Status: st})
		}
	}

	if req != nil {
		st := StatusError
		if f.cfg.SendSucceeds {
			st = StatusOK
		}
		if handlers.OnMcpsConfirm != nil {
			handlers.OnMcpsConfirm(Indication{Status: st})
		}
		// A real MAC surfaces the network's ACK for a confirmed uplink as a
		// separate MCPS indication once the downlink carrying it is decoded.
		if st == StatusOK && req.Type == McpsConfirmed && f.cfg.AckUplinks {
			if handlers.OnMcpsIndication != nil {
				handlers.OnMcpsIndication(Indication{Status: StatusOK, AckReceived: true})
			}
		}
	}
}

func (f *Fake) MibGet(id MibID) (MibValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch id {
	case MibDevEui:
		return MibValue{Uint8Array8: f.devEui}, nil
	case MibJoinEui:
		return MibValue{Uint8Array8: f.joinEui}, nil
	case MibNwkKey:
		return MibValue{Uint8Array16: f.nwkKey}, nil
	case MibAppKey:
		return MibValue{Uint8Array16: f.appKey}, nil
	case MibDataRate:
		return MibValue{Int8: f.dataRate}, nil
	case MibDefaultDataRate:
		return MibValue{Int8: f.defaultDataRate}, nil
	case MibAdrEnable:
		return MibValue{Bool: f.adr}, nil
	case MibNetworkActivation:
		return MibValue{NetworkActivation: f.activation}, nil
	case MibChannelsMask, MibChannelsDefaultMask:
		return MibValue{ChannelMask: f.channelMask}, nil
	case MibPublicNetwork:
		return MibValue{Bool: f.publicNetwork}, nil
	case MibSystemMaxRxError:
		return MibValue{Uint16: f.rxError}, nil
	default:
		return MibValue{}, nil
	}
}

func (f *Fake) MibSet(id MibID, v MibValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch id {
	case MibDevEui:
		f.devEui = v.Uint8Array8
	case MibJoinEui:
		f.joinEui = v.Uint8Array8
	case MibNwkKey:
		f.nwkKey = v.Uint8Array16
	case MibAppKey:
		f.appKey = v.Uint8Array16
	case MibDataRate:
		f.dataRate = v.Int8
	case MibDefaultDataRate:
		f.defaultDataRate = v.Int8
	case MibAdrEnable:
		f.adr = v.Bool
	case MibNetworkActivation:
		f.activation = v.NetworkActivation
	case MibChannelsMask, MibChannelsDefaultMask:
		f.channelMask = v.ChannelMask
	case MibPublicNetwork:
		f.publicNetwork = v.Bool
	case MibSystemMaxRxError:
		f.rxError = v.Uint16
	case MibNvmContexts:
		// accepted and discarded: the fake has no NVM of its own
	default:
		return fmt.Errorf("mac: unknown mib id %d", id)
	}
	return nil
}

func (f *Fake) MlmeJoin(jt JoinType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devEui == ([8]byte{}) || f.appKey == ([16]byte{}) {
		return ErrNotProvisioned
	}
	if f.busy {
		return fmt.Errorf("mac: join requested while busy")
	}
	f.busy = true
	f.pendingJoin = &jt
	f.joinRequests++
	return nil
}

// JoinRequests reports how many MlmeJoin calls the fake has accepted, so
// a wake-from-sleep test can assert no fresh join was ever issued.
func (f *Fake) JoinRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joinRequests
}

func (f *Fake) MlmeDeviceTime() error { return nil }
func (f *Fake) MlmeLinkCheck() error  { return nil }

func (f *Fake) McpsRequestSend(req McpsRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Proprietary-port frames carry the device-provisioning handshake,
	// which runs before the node has ever joined, so only
	// Confirmed/Unconfirmed application uplinks require a joined session.
	if !f.joined && req.Type != McpsProprietary {
		return fmt.Errorf("mac: send requested before join")
	}
	if f.busy {
		return fmt.Errorf("mac: send requested while busy")
	}
	f.busy = true
	f.pendingMcps = &req
	f.lastSent = req
	f.hasLastSent = true
	return nil
}

// LastSent returns the most recent request passed to McpsRequestSend, so a
// test can pull a provisioning or application payload back out of the fake
// and hand it to a peer (e.g. internal/provisioning.Server) without the
// fake having to understand frame contents itself.
func (f *Fake) LastSent() (McpsRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSent, f.hasLastSent
}

// maxPayloadForDR mirrors a sub-GHz region's per-datarate payload caps
// closely enough for length-error paths to be exercised.
func maxPayloadForDR(dr int8) int {
	switch {
	case dr <= 0:
		return 51
	case dr == 1:
		return 51
	case dr == 2:
		return 115
	default:
		return 242
	}
}

func (f *Fake) QueryTxPossible(size int) (TxPossible, error) {
	f.mu.Lock()
	max := maxPayloadForDR(f.dataRate)
	f.mu.Unlock()
	if size > max {
		return TxPossible{LengthError: true, CurrentMax: max}, nil
	}
	return TxPossible{Ok: true, CurrentMax: max}, nil
}

func (f *Fake) IsBusy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *Fake) QueryMacCommandsSize() (int, error) {
	return 0, nil
}
