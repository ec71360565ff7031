// Package link implements the Link Controller: the cooperative state
// machine that owns provisioning, join, and the send/retry/sleep cycle,
// driving the consumed LoRaMAC service (internal/mac) and the radio
// selector (internal/radio) while publishing its state to the audit log
// and the link monitor feed.
package link

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x2e/lora-link/internal/audit"
	"github.com/x2e/lora-link/internal/linkstate"
	"github.com/x2e/lora-link/internal/mac"
	"github.com/x2e/lora-link/internal/monitor"
	"github.com/x2e/lora-link/internal/preserved"
	"github.com/x2e/lora-link/internal/provisioning"
	"github.com/x2e/lora-link/internal/radio"
	"github.com/x2e/lora-link/internal/settings"
	"github.com/x2e/lora-link/internal/timer"
)

// State names a node in the Link Controller's state machine.
type State int

const (
	StateInit State = iota
	StateProvStart
	StateProvHello
	StateProvAuth
	StateProvWait
	StateJoin
	StateJoinWait
	StateJoined
	StateSend
	StateSendMac
	StateSendWaiting
	StateSendSuccess
	StateSendFailure
	StateRetryWaiting
	StateWaiting
	StateSleep
	StateWakeup
)

func (s State) String() string {
	names := [...]string{
		"Init", "ProvStart", "ProvHello", "ProvAuth", "ProvWait",
		"Join", "JoinWait", "Joined",
		"Send", "SendMac", "SendWaiting", "SendSuccess", "SendFailure",
		"RetryWaiting", "Waiting", "Sleep", "Wakeup",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Timing constants for the state machine's dwell states.
const (
	TxCheckInterval    = 10 * time.Second
	TimeoutSendWaiting = 17500 * time.Millisecond
	NoAckRetryInterval = 20 * time.Second
	JoinIntervalMin    = 90000 * time.Millisecond
	JoinIntervalMax    = 120000 * time.Millisecond
	tickInterval       = 100 * time.Millisecond

	// ProvRespTimeout bounds how long ProvHello/ProvWait wait for their
	// downlink; expiry restarts provisioning after a fresh random backoff
	// in [ProvRetryMin, ProvRetryMax].
	ProvRespTimeout = 10 * time.Second
	ProvRetryMin    = 5 * time.Second
	ProvRetryMax    = 15 * time.Second
)

// SwRadioCount is the number of switchable radio bands. Each join failure
// bumps joinRetryTimes; reaching SwRadioCount flips the band and resets
// the counter. Zero disables band fallback entirely (single-radio build).
const SwRadioCount = 2

// Timer registry handles the controller schedules its dwell states on.
const (
	timerRetry        = 1 // RetryWaiting dwell (join backoff, no-ack retry, prov backoff)
	timerJoinDeadline = 2 // JoinWait deadline when no MLME confirm ever arrives
	timerSendTimeout  = 3 // SendWaiting confirmation timeout
	timerProvTimeout  = 4 // ProvHello/ProvWait downlink timeout
)

// Region/datarate defaults applied on every Init entry.
const (
	Ism2400Dr = int8(3)
	DefaultDr = int8(0)
	JoinDrMin = int8(0)
	JoinDrMax = int8(4)

	RxErrorBudgetIsm2400 = 50 * time.Millisecond
	RxErrorBudgetSubGhz  = 60 * time.Millisecond
)

// us915ChannelMask enables only the 8 channels of US915 sub-band 2 plus
// their shared 500kHz channel.
var us915ChannelMask = [6]uint16{0xFF00, 0, 0, 0, 0x0001, 0}

// ism2400ChannelMask enables only channel 0; the 2.4GHz plan runs a
// single fixed channel.
var ism2400ChannelMask = [6]uint16{0x0001, 0, 0, 0, 0, 0}

// Config wires every collaborator the Link Controller needs. Every field
// is required except Audit/Monitor, which are optional observability
// sinks, and Dispatch, which may be nil when no DIO dispatcher runs.
type Config struct {
	Mac       mac.Service
	Selector  *radio.Selector
	Dispatch  Dispatcher
	Settings  *settings.Store
	Preserved *preserved.Store
	Audit     *audit.DB
	Monitor   *monitor.Server
	HWMac     [6]byte

	// ProvisionID is the ASCII provisioning identity presented during the
	// device-provisioning handshake; Mainnet selects which network the
	// HELLO asks to be provisioned onto. Both are ignored once
	// settings.ProvisionDone holds.
	ProvisionID string
	Mainnet     bool

	// Adr enables adaptive data rate on sub-GHz regions. ISM2400 always
	// runs with ADR off regardless.
	Adr bool
}

// Dispatcher is the subset of *diodispatch.Dispatcher the controller
// needs, narrowed to an interface so tests can run without a real
// dispatcher goroutine.
type Dispatcher interface {
	Start()
	Stop()
}

// Controller is the Link Controller. Every exported method is safe to
// call from any goroutine; the façade in internal/api puts its own
// timeout-bounded admission gate in front of these methods.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	state    State
	settings linkstate.Settings
	vars     linkstate.Vars
	status   linkstate.Status
	txFrame  linkstate.AppFrame
	rxFrame  linkstate.AppFrame

	provClient *provisioning.Client

	// sendConfirmed records whether the in-flight uplink was issued
	// confirmed, deciding whether the MCPS confirm alone resolves the send
	// or an ACK indication is still required.
	sendConfirmed bool

	// joinAttemptID and provAttemptID correlate one join or provisioning
	// attempt's log lines and audit rows; they are log/debugging aids
	// only and are never parsed back by the controller itself.
	joinAttemptID string
	provAttemptID string

	handlers mac.EventHandlers

	timers   *timer.Registry
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New constructs a Controller from cfg. It does not start any goroutine;
// call Start.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:      cfg,
		timers:   timer.New(),
		stopChan: make(chan struct{}),
	}
}

// Start brings the controller's background loop up: it loads persisted
// settings (falling back to hardware-derived defaults), registers MAC
// callbacks, and begins the 100ms tick loop that drives the state machine.
//
// Only when the caller asserts wakeFromSleep do we even attempt to load
// preserved state, and only a magic+CRC-valid snapshot whose restored MAC
// activation reports OTAA skips straight to Joined; any other case falls
// through to a cold boot at Init.
func (c *Controller) Start(wakeFromSleep bool) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("link: already started")
	}
	c.running = true

	loaded, err := c.cfg.Settings.Load()
	if err != nil {
		loaded = linkstate.DefaultSettings(c.cfg.HWMac)
		log.Printf("link: no valid persisted settings (%v), using hardware defaults", err)
	}
	c.settings = loaded
	// TxConfirmed starts true; with UnconfirmedBudget at its default of 0
	// the ratchet in SendSuccess keeps it there. FailCount starts at 0
	// (failure gating enabled); a build that wants gating off seeds -1
	// through preserved state instead.
	c.vars = linkstate.Vars{
		TxConfirmed:  true,
		BatteryValue: linkstate.BatteryUnmeasured,
		JoinInterval: uint32(JoinIntervalMin / time.Millisecond),
	}
	c.txFrame.Clear()
	c.rxFrame.Clear()
	c.syncFrameBitsLocked()
	c.state = StateInit

	var wakeSnap *preserved.Snapshot
	if wakeFromSleep {
		if snap, err := c.cfg.Preserved.Load(); err == nil {
			wakeSnap = &snap
			log.Println("link: valid preserved state found, attempting wake resume")
		} else {
			log.Printf("link: wakeFromSleep set but no valid preserved state (%v), cold booting", err)
		}
	}
	c.mu.Unlock()

	c.handlers = mac.EventHandlers{
		OnMlmeConfirm:    c.onMlmeConfirm,
		OnMcpsConfirm:    c.onMcpsConfirm,
		OnMcpsIndication: c.onMcpsIndication,
		GetBatteryLevel:  c.batteryLevel,
	}
	initialRegion := regionFor(wakeFromSleep && wakeSnap != nil && wakeSnap.Vars.UsingIsm2400)
	if err := c.cfg.Mac.Initialize(c.handlers, initialRegion); err != nil {
		return fmt.Errorf("link: initialize mac: %w", err)
	}

	if wakeSnap != nil && len(wakeSnap.NvmContexts) > 0 {
		if err := c.cfg.Mac.MibSet(mac.MibNvmContexts, mac.MibValue{Nvm: wakeSnap.NvmContexts}); err != nil {
			log.Printf("link: restore nvm contexts: %v", err)
		}
	}

	if err := c.cfg.Mac.Start(); err != nil {
		return fmt.Errorf("link: start mac: %w", err)
	}

	if wakeSnap != nil {
		activation, _ := c.cfg.Mac.MibGet(mac.MibNetworkActivation)
		c.mu.Lock()
		if activation.NetworkActivation == mac.ActivationOTAA {
			c.vars = wakeSnap.Vars
			if c.cfg.Selector != nil {
				band := radio.SubGhz
				if c.vars.UsingIsm2400 {
					band = radio.Ism2400
				}
				if err := c.cfg.Selector.Select(band); err != nil {
					log.Printf("link: select %s radio on wake: %v", band, err)
				}
			}
			c.status.Set(linkstate.StatusJoinPass)
			c.transitionLocked(StateJoined)
		} else {
			log.Println("link: restored MAC reports no OTAA activation, falling through to cold boot")
		}
		c.mu.Unlock()
	}

	if c.cfg.Dispatch != nil {
		c.cfg.Dispatch.Start()
	}

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop drains the background loop and, if a link monitor is wired,
// publishes a final snapshot before returning.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.mu.Lock()
	c.publishLocked()
	c.mu.Unlock()

	if c.cfg.Dispatch != nil {
		c.cfg.Dispatch.Stop()
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.timers.Tick()
			c.cfg.Mac.Process()
			if c.cfg.Selector != nil {
				c.cfg.Selector.HandleChipError()
			}
			c.step()
		}
	}
}

// step runs one iteration of the state machine under the controller's
// mutex. Every transition is a plain switch on the current state.
func (c *Controller) step() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateInit:
		c.enterInit()
	case StateProvStart:
		c.enterProvStart()
	case StateProvHello:
		// waits for HELLO_RESP via deliverProvisioningDownlinkLocked
	case StateProvAuth:
		c.enterProvAuth()
	case StateProvWait:
		// waits for AUTH_RESP via deliverProvisioningDownlinkLocked
	case StateJoin:
		c.enterJoin()
	case StateJoinWait:
		// waits for onMlmeConfirm
	case StateJoined:
		c.enterJoined()
	case StateSend:
		c.enterSend()
	case StateSendMac:
		c.enterSendMac()
	case StateSendWaiting:
		// waits for onMcpsConfirm or TimeoutSendWaiting
	case StateSendSuccess:
		c.enterSendSuccess()
	case StateSendFailure:
		c.enterSendFailure()
	case StateRetryWaiting:
		// waits for retry timer
	case StateWaiting:
		c.enterWaiting()
	case StateSleep:
		// external: a real board powers down here; this controller just idles
	case StateWakeup:
		c.enterWakeup()
	}
}

func (c *Controller) transitionLocked(s State) {
	log.Printf("link: %s -> %s", c.state, s)
	c.state = s
	c.publishLocked()
}

func (c *Controller) publishLocked() {
	if c.cfg.Monitor == nil {
		return
	}
	snap := linkstate.MonitorSnapshot{
		State:            c.state.String(),
		Status:           c.status.String(),
		AckCount:         c.vars.AckCount,
		NakCount:         c.vars.NakCount,
		FailCount:        c.vars.FailCount,
		UsingIsm2400:     c.vars.UsingIsm2400,
		JoinRetryTimes:   c.vars.JoinRetryTimes,
		UnconfirmedCount: c.vars.UnconfirmedCount,
		TxConfirmed:      c.vars.TxConfirmed,
	}
	c.cfg.Monitor.Publish(snap)
}

// enterInit re-initializes the MAC for the active band and applies its
// region/DR/channel-mask setup: ISM2400 forces a fixed DR with ADR off
// and enables only channel 0; a sub-GHz region uses DefaultDr with ADR
// left as configured and US915 sub-band 2's channel mask. This runs on
// every Init entry, including the rejoin path out of Waiting when
// failCount trips LinkFailCount, so a band flip from the join retry
// policy always takes effect on the very next cold pass through Init.
func (c *Controller) enterInit() {
	c.cfg.Mac.Deinitialize()
	region := regionFor(c.vars.UsingIsm2400)
	if err := c.cfg.Mac.Initialize(c.handlers, region); err != nil {
		// The one fatal condition: a MAC that cannot initialize. The host
		// is expected to watchdog-reset, so this just logs and leaves the
		// state machine parked in Init to retry on the next tick.
		log.Printf("link: FATAL: re-initialize mac for region %s: %v", region, err)
		return
	}
	if err := c.cfg.Mac.Start(); err != nil {
		log.Printf("link: FATAL: restart mac after region %s init: %v", region, err)
		return
	}

	if c.vars.UsingIsm2400 {
		c.vars.DateRate = Ism2400Dr
		c.cfg.Mac.MibSet(mac.MibAdrEnable, mac.MibValue{Bool: false})
		c.cfg.Mac.MibSet(mac.MibSystemMaxRxError, mac.MibValue{Uint16: uint16(RxErrorBudgetIsm2400 / time.Millisecond)})
		c.cfg.Mac.MibSet(mac.MibChannelsMask, mac.MibValue{ChannelMask: ism2400ChannelMask})
	} else {
		c.vars.DateRate = DefaultDr
		c.cfg.Mac.MibSet(mac.MibAdrEnable, mac.MibValue{Bool: c.cfg.Adr})
		c.cfg.Mac.MibSet(mac.MibSystemMaxRxError, mac.MibValue{Uint16: uint16(RxErrorBudgetSubGhz / time.Millisecond)})
		c.cfg.Mac.MibSet(mac.MibChannelsMask, mac.MibValue{ChannelMask: us915ChannelMask})
	}
	c.cfg.Mac.MibSet(mac.MibDataRate, mac.MibValue{Int8: c.vars.DateRate})
	c.cfg.Mac.MibSet(mac.MibPublicNetwork, mac.MibValue{Bool: true})

	if c.cfg.Selector != nil {
		band := radio.SubGhz
		if c.vars.UsingIsm2400 {
			band = radio.Ism2400
		}
		if err := c.cfg.Selector.Select(band); err != nil {
			log.Printf("link: select %s radio: %v", band, err)
		}
	}

	c.status = 0
	c.txFrame.Clear()
	c.rxFrame.Clear()
	c.syncFrameBitsLocked()

	if !c.settings.ProvisionDone {
		c.status.Set(linkstate.StatusDevProv)
		c.transitionLocked(StateProvStart)
		return
	}
	c.transitionLocked(StateJoin)
}

// enterWakeup handles the Wakeup state reached via ResumeFromSleep:
// JOIN_PASS held across the sleep means the link is still joined, so
// resume in Waiting; otherwise fall back to JoinWait to re-attempt the
// in-flight join.
func (c *Controller) enterWakeup() {
	if c.status.Has(linkstate.StatusJoinPass) {
		c.transitionLocked(StateWaiting)
		return
	}
	c.transitionLocked(StateJoinWait)
}

func (c *Controller) enterProvStart() {
	c.provAttemptID = uuid.New().String()
	client, err := provisioning.NewClient(c.settings.DevEui, c.cfg.ProvisionID, c.cfg.Mainnet)
	if err != nil {
		log.Printf("link: provisioning[%s] NewClient: %v", c.provAttemptID, err)
		return
	}
	c.provClient = client
	c.status.Set(linkstate.StatusDevProv)
	c.transitionLocked(StateProvHello)
	if err := c.cfg.Mac.McpsRequestSend(mac.McpsRequest{Type: mac.McpsProprietary, FPort: proprietaryFPort, Buffer: client.BuildHello()}); err != nil {
		log.Printf("link: send HELLO: %v", err)
	}
	c.armProvTimeoutLocked()
}

func (c *Controller) enterProvAuth() {
	payload, err := c.provClient.BuildAuth()
	if err != nil {
		log.Printf("link: BuildAuth: %v", err)
		return
	}
	if err := c.cfg.Mac.McpsRequestSend(mac.McpsRequest{Type: mac.McpsProprietary, FPort: proprietaryFPort, Buffer: payload}); err != nil {
		log.Printf("link: send AUTH: %v", err)
		return
	}
	c.transitionLocked(StateProvWait)
	c.armProvTimeoutLocked()
}

// armProvTimeoutLocked bounds the wait for a HELLO_RESP or AUTH_RESP
// downlink. On expiry the attempt is abandoned and provisioning restarts
// from ProvStart after a fresh random backoff.
func (c *Controller) armProvTimeoutLocked() {
	c.timers.Set(timerProvTimeout, uint32(ProvRespTimeout/time.Millisecond), func(any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateProvHello && c.state != StateProvWait {
			return
		}
		backoff := ProvRetryMin + time.Duration(rand.Int63n(int64(ProvRetryMax-ProvRetryMin)))
		log.Printf("link: provisioning[%s] timed out waiting for downlink, restarting in %s", c.provAttemptID, backoff)
		c.provClient = nil
		c.armRetryLocked(backoff, StateProvStart)
	}, nil)
	c.timers.Start(timerProvTimeout)
}

// deliverProvisioningDownlinkLocked is called from onMcpsIndication when a
// proprietary-port downlink arrives while in ProvHello or ProvWait.
func (c *Controller) deliverProvisioningDownlinkLocked(payload []byte) {
	switch c.state {
	case StateProvHello:
		if err := c.provClient.HandleHelloResp(payload); err != nil {
			log.Printf("link: provisioning[%s] HandleHelloResp: %v", c.provAttemptID, err)
			return
		}
		c.timers.Stop(timerProvTimeout)
		c.transitionLocked(StateProvAuth)

	case StateProvWait:
		result, err := c.provClient.HandleAuthResp(payload)
		if err != nil {
			log.Printf("link: provisioning[%s] HandleAuthResp: %v", c.provAttemptID, err)
			if c.cfg.Audit != nil {
				if aerr := c.cfg.Audit.InsertProvisioningStep(audit.ProvisioningStep{
					DevEui: devEuiHex(c.settings.DevEui), Step: "auth", Success: false,
					Detail: fmt.Sprintf("attempt=%s: %v", c.provAttemptID, err),
				}); aerr != nil {
					log.Printf("link: %v", aerr)
				}
			}
			c.timers.Stop(timerProvTimeout)
			c.transitionLocked(StateProvStart)
			return
		}
		c.timers.Stop(timerProvTimeout)
		c.settings.DevEui = result.DevEui
		c.settings.JoinEui = result.JoinEui
		c.settings.AppKey = result.AppKey
		c.settings.NwkKey = result.NwkKey
		c.settings.ProvisionDone = true
		if err := c.cfg.Settings.Save(c.settings); err != nil {
			log.Printf("link: persist provisioned settings: %v", err)
		}
		if c.cfg.Audit != nil {
			if err := c.cfg.Audit.InsertProvisioningStep(audit.ProvisioningStep{
				DevEui: devEuiHex(c.settings.DevEui), Step: "auth", Success: true,
				Detail: fmt.Sprintf("attempt=%s", c.provAttemptID),
			}); err != nil {
				log.Printf("link: %v", err)
			}
		}
		c.provAttemptID = ""
		c.status.Clear(linkstate.StatusDevProv)
		c.transitionLocked(StateJoin)
	}
}

// enterJoin builds and issues the OTAA join request: the datarate is
// fixed on ISM2400 and uniform-random in [JoinDrMin, JoinDrMax] on
// sub-GHz, and the next retry's joinInterval is armed as a fresh uniform
// random draw in [JoinIntervalMin, JoinIntervalMax] before the request is
// even issued, so a JoinWait entered here always has a backoff ready
// regardless of how the confirm resolves.
func (c *Controller) enterJoin() {
	if c.joinAttemptID == "" {
		c.joinAttemptID = uuid.New().String()
	}

	dr := Ism2400Dr
	if !c.vars.UsingIsm2400 {
		dr = JoinDrMin + int8(rand.Intn(int(JoinDrMax-JoinDrMin+1)))
	}
	c.vars.DateRate = dr
	c.cfg.Mac.MibSet(mac.MibDataRate, mac.MibValue{Int8: dr})

	interval := JoinIntervalMin + time.Duration(rand.Int63n(int64(JoinIntervalMax-JoinIntervalMin)))
	c.vars.JoinInterval = uint32(interval / time.Millisecond)

	if err := c.applyKeysLocked(); err != nil {
		log.Printf("link: join[%s] applyKeys: %v", c.joinAttemptID, err)
		return
	}
	if err := c.cfg.Mac.MlmeJoin(mac.JoinOTAA); err != nil {
		log.Printf("link: join[%s] MlmeJoin: %v", c.joinAttemptID, err)
		return
	}
	c.transitionLocked(StateJoinWait)

	// JoinWait's deadline: if no MLME confirm ever arrives within the
	// armed joinInterval, treat it as a failed attempt and run the retry
	// policy back through Init.
	c.timers.Set(timerJoinDeadline, c.vars.JoinInterval, func(any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateJoinWait {
			return
		}
		log.Printf("link: join[%s] deadline elapsed with no confirm", c.joinAttemptID)
		c.status.Set(linkstate.StatusJoinFail)
		c.processJoinRetryLocked()
		c.transitionLocked(StateInit)
	}, nil)
	c.timers.Start(timerJoinDeadline)
}

// processJoinRetryLocked is the dual-band round-robin fallback: each
// failed attempt bumps joinRetryTimes, and once it reaches SwRadioCount
// the controller flips to the other band and resets the counter. The next
// pass through Init reconfigures the MAC region and reselects the radio
// from the flipped flag. With SwRadioCount at 0 the band never flips.
func (c *Controller) processJoinRetryLocked() {
	if SwRadioCount == 0 {
		return
	}
	c.vars.JoinRetryTimes++
	if int(c.vars.JoinRetryTimes) >= SwRadioCount {
		c.vars.UsingIsm2400 = !c.vars.UsingIsm2400
		c.vars.JoinRetryTimes = 0
		log.Printf("link: %d consecutive join failures, switching to ism2400=%v", SwRadioCount, c.vars.UsingIsm2400)
	}
}

func (c *Controller) applyKeysLocked() error {
	if err := c.cfg.Mac.MibSet(mac.MibDevEui, mac.MibValue{Uint8Array8: c.settings.DevEui}); err != nil {
		return err
	}
	if err := c.cfg.Mac.MibSet(mac.MibJoinEui, mac.MibValue{Uint8Array8: c.settings.JoinEui}); err != nil {
		return err
	}
	if err := c.cfg.Mac.MibSet(mac.MibNwkKey, mac.MibValue{Uint8Array16: c.settings.NwkKey}); err != nil {
		return err
	}
	if err := c.cfg.Mac.MibSet(mac.MibAppKey, mac.MibValue{Uint8Array16: c.settings.AppKey}); err != nil {
		return err
	}
	return nil
}

func (c *Controller) onMlmeConfirm(jc mac.JoinConfirm) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoinWait {
		return
	}

	success := jc.Status == mac.StatusOK
	if c.cfg.Audit != nil {
		if err := c.cfg.Audit.InsertJoinAttempt(audit.JoinAttempt{
			DevEui:     devEuiHex(c.settings.DevEui),
			Band:       c.cfg.Selector.ActiveBand().String(),
			Success:    success,
			RetryCount: c.vars.JoinRetryTimes,
		}); err != nil {
			log.Printf("link: %v", err)
		}
	}
	log.Printf("link: join[%s] confirm status=%v success=%v", c.joinAttemptID, jc.Status, success)
	c.timers.Stop(timerJoinDeadline)

	if success {
		c.status.Set(linkstate.StatusJoinPass)
		c.status.Clear(linkstate.StatusJoinFail)
		c.vars.JoinRetryTimes = 0
		c.joinAttemptID = ""
		c.transitionLocked(StateJoined)
		return
	}

	c.status.Set(linkstate.StatusJoinFail)
	c.processJoinRetryLocked()

	interval := JoinIntervalMin + time.Duration(rand.Int63n(int64(JoinIntervalMax-JoinIntervalMin)))
	c.vars.JoinInterval = uint32(interval / time.Millisecond)
	// Back to Init, not straight to Join, so a band flip from
	// processJoinRetryLocked takes its region/channel-mask setup through
	// enterInit before the next join attempt is built.
	c.armRetryLocked(interval, StateInit)
}

func (c *Controller) armRetryLocked(d time.Duration, next State) {
	c.transitionLocked(StateRetryWaiting)
	c.timers.Set(timerRetry, uint32(d/time.Millisecond), func(any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateRetryWaiting {
			c.transitionLocked(next)
		}
	}, nil)
	c.timers.Start(timerRetry)
}

func (c *Controller) enterJoined() {
	c.transitionLocked(StateWaiting)
}

// enterWaiting is re-entered every tick while parked in StateWaiting
// (step's dispatch calls it unconditionally for that state), so a pending
// frame is picked up within one tick interval without a dedicated timer.
// TxCheckInterval is how often a real board would wake its MCU from an
// idle spin to re-check for application data; the continuous tick loop
// here subsumes it.
func (c *Controller) enterWaiting() {
	if c.vars.FailCount >= linkstate.LinkFailCount {
		log.Printf("link: failCount %d >= LinkFailCount %d, declaring link lost", c.vars.FailCount, linkstate.LinkFailCount)
		c.status.Clear(linkstate.StatusJoinPass)
		c.transitionLocked(StateInit)
		return
	}
	if !c.txFrame.Empty() {
		c.transitionLocked(StateSend)
	}
}

// enterSend implements the SendFrame pre-flight: with ADR off or on
// ISM2400 the active datarate is forced onto the MAC, then the payload is
// checked against the current datarate's capacity. A length error bumps
// the datarate to the MAC's default and retries the check exactly once; a
// second length error drops the frame outright rather than burning retry
// budget on a payload no retry can shrink.
func (c *Controller) enterSend() {
	adr, _ := c.cfg.Mac.MibGet(mac.MibAdrEnable)
	if !adr.Bool || c.vars.UsingIsm2400 {
		c.cfg.Mac.MibSet(mac.MibDataRate, mac.MibValue{Int8: c.vars.DateRate})
	}

	possible, err := c.cfg.Mac.QueryTxPossible(int(c.txFrame.Size))
	if err == nil && possible.LengthError {
		def, derr := c.cfg.Mac.MibGet(mac.MibDefaultDataRate)
		if derr == nil {
			log.Printf("link: payload %d too large at DR%d (max %d), retrying at default DR%d",
				c.txFrame.Size, c.vars.DateRate, possible.CurrentMax, def.Int8)
			c.vars.DateRate = def.Int8
			c.cfg.Mac.MibSet(mac.MibDataRate, mac.MibValue{Int8: def.Int8})
			possible, err = c.cfg.Mac.QueryTxPossible(int(c.txFrame.Size))
		}
	}
	if err == nil && possible.LengthError {
		log.Printf("link: payload %d still too large at default DR, dropping frame", c.txFrame.Size)
		c.status.Set(linkstate.StatusSendFail)
		c.status.Clear(linkstate.StatusSendPass)
		c.vars.NakCount++
		if c.vars.FailCount >= 0 {
			c.vars.FailCount++
		}
		c.txFrame.Clear()
		c.syncFrameBitsLocked()
		c.transitionLocked(StateWaiting)
		return
	}
	if err != nil || !possible.Ok {
		// MAC busy or duty-cycle restricted: stay in Send and re-enter on
		// the next tick.
		return
	}
	c.transitionLocked(StateSendMac)
}

func (c *Controller) enterSendMac() {
	reqType := mac.McpsUnconfirmed
	if c.vars.TxConfirmed {
		reqType = mac.McpsConfirmed
	}
	c.sendConfirmed = reqType == mac.McpsConfirmed

	err := c.cfg.Mac.McpsRequestSend(mac.McpsRequest{
		Type:   reqType,
		FPort:  c.txFrame.FPort,
		Buffer: c.txFrame.Buffer[:c.txFrame.Size],
	})
	if err != nil {
		log.Printf("link: McpsRequestSend: %v", err)
		c.transitionLocked(StateSendFailure)
		return
	}

	c.transitionLocked(StateSendWaiting)
	c.timers.Set(timerSendTimeout, uint32(TimeoutSendWaiting/time.Millisecond), func(any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateSendWaiting {
			log.Println("link: send confirmation timed out")
			c.transitionLocked(StateSendFailure)
		}
	}, nil)
	c.timers.Start(timerSendTimeout)
}

func (c *Controller) onMcpsConfirm(ind mac.Indication) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSendWaiting {
		// proprietary provisioning confirms and stale confirms are not a
		// data send outcome
		return
	}

	if ind.Status != mac.StatusOK {
		c.timers.Stop(timerSendTimeout)
		c.transitionLocked(StateSendFailure)
		return
	}
	if !c.sendConfirmed {
		// An unconfirmed uplink is done once the MAC confirms the TX.
		c.timers.Stop(timerSendTimeout)
		c.transitionLocked(StateSendSuccess)
	}
	// A confirmed uplink stays in SendWaiting until the network's ACK
	// arrives as an MCPS indication, or the timeout fires.
}

func (c *Controller) onMcpsIndication(ind mac.Indication) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateProvHello || c.state == StateProvWait {
		c.deliverProvisioningDownlinkLocked(ind.Buffer)
		return
	}

	if c.state == StateSendWaiting && c.sendConfirmed && ind.AckReceived {
		c.vars.AckCount++
		c.timers.Stop(timerSendTimeout)
		c.transitionLocked(StateSendSuccess)
	}

	// FPort 224 is reserved for the LoRaWAN compliance protocol; frames
	// on it are never surfaced to the application.
	if ind.RxData && ind.FPort != proprietaryFPort {
		c.rxFrame.SetData(ind.Buffer, ind.FPort)
		c.status.Set(linkstate.StatusRxReady)
	}
}

func (c *Controller) enterSendSuccess() {
	c.status.Set(linkstate.StatusSendPass)
	c.status.Clear(linkstate.StatusSendFail)
	if c.vars.FailCount > 0 {
		c.vars.FailCount = 0
	}

	if c.cfg.Audit != nil {
		if err := c.cfg.Audit.InsertSendOutcome(audit.SendOutcome{
			DevEui: devEuiHex(c.settings.DevEui), FPort: c.txFrame.FPort,
			Confirmed: c.sendConfirmed, Acked: true, FailCount: c.vars.FailCount,
		}); err != nil {
			log.Printf("link: %v", err)
		}
	}

	// Confirmation ratchet: the budget check runs before the counter is
	// bumped, so with UnconfirmedBudget at 0 every uplink comes out
	// confirmed.
	if c.vars.UnconfirmedCount >= linkstate.UnconfirmedBudget {
		c.vars.UnconfirmedCount = 0
		c.vars.TxConfirmed = true
	} else {
		c.vars.UnconfirmedCount++
		c.vars.TxConfirmed = false
	}

	c.txFrame.Clear()
	c.syncFrameBitsLocked()
	c.savePreservedLocked()
	c.transitionLocked(StateWaiting)
}

func (c *Controller) enterSendFailure() {
	c.status.Set(linkstate.StatusSendFail)
	c.vars.NakCount++
	if c.vars.FailCount >= 0 {
		c.vars.FailCount++
	}
	c.txFrame.Retry++

	if c.cfg.Audit != nil {
		if err := c.cfg.Audit.InsertSendOutcome(audit.SendOutcome{
			DevEui: devEuiHex(c.settings.DevEui), FPort: c.txFrame.FPort,
			Confirmed: c.sendConfirmed, Acked: false, FailCount: c.vars.FailCount, RetryCount: c.txFrame.Retry,
		}); err != nil {
			log.Printf("link: %v", err)
		}
	}

	c.savePreservedLocked()

	if int(c.txFrame.Retry) <= linkstate.MaxNoAckRetry && c.vars.FailCount < linkstate.LinkFailCount {
		c.status.Clear(linkstate.StatusSendPass)
		c.status.Clear(linkstate.StatusSendFail)
		c.armRetryLocked(NoAckRetryInterval, StateSend)
		return
	}

	c.txFrame.Clear()
	c.syncFrameBitsLocked()
	c.transitionLocked(StateWaiting)
}

// syncFrameBitsLocked keeps the TX_RDY status bit in lockstep with the TX
// slot: the bit holds exactly when the slot is free to accept a payload.
func (c *Controller) syncFrameBitsLocked() {
	if c.txFrame.Empty() {
		c.status.Set(linkstate.StatusTxReady)
	} else {
		c.status.Clear(linkstate.StatusTxReady)
	}
}

func (c *Controller) savePreservedLocked() {
	nvm, err := c.cfg.Mac.MibGet(mac.MibNvmContexts)
	var nvmBytes []byte
	if err == nil {
		nvmBytes = nvm.Nvm
	}
	if err := c.cfg.Preserved.Save(preserved.Snapshot{Vars: c.vars, NvmContexts: nvmBytes}); err != nil {
		log.Printf("link: save preserved state: %v", err)
	}
}

// regionFor maps UsingIsm2400 onto the mac.Region Initialize expects.
func regionFor(usingIsm2400 bool) mac.Region {
	if usingIsm2400 {
		return mac.RegionIsm2400
	}
	return mac.RegionSubGhz
}

const proprietaryFPort uint8 = 224

func devEuiHex(d [8]byte) string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x%02x%02x", d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7])
}

// Queue places payload into the pending TX slot for the next Waiting->Send
// transition. It returns an error if a frame is already pending. Whether
// the uplink goes out confirmed is owned by the confirmation ratchet, not
// the caller.
func (c *Controller) Queue(payload []byte, fport uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.txFrame.Empty() {
		return fmt.Errorf("link: a frame is already pending")
	}
	if err := c.txFrame.SetData(payload, fport); err != nil {
		return err
	}
	c.syncFrameBitsLocked()
	return nil
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsBusy reports whether the controller is mid-cycle rather than parked
// in a dwell state: it is false exactly when the MAC reports idle and the
// state is one of Waiting, JoinWait, or ProvStart.
func (c *Controller) IsBusy() bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateWaiting, StateJoinWait, StateProvStart:
		return c.cfg.Mac.IsBusy()
	default:
		return true
	}
}

// WaitingTimeMs reports how long until the next scheduled transition:
// math.MaxUint32 means nothing is pending at all, 0 means an action is due
// now, anything else is the shortest remaining dwell.
func (c *Controller) WaitingTimeMs() uint32 {
	c.mu.Lock()
	dueNow := c.state == StateWaiting && !c.txFrame.Empty()
	c.mu.Unlock()
	if dueNow {
		return 0
	}

	best := uint32(math.MaxUint32)
	for _, handle := range []int{timerRetry, timerJoinDeadline, timerSendTimeout, timerProvTimeout} {
		if remaining, started := c.timers.Remaining(handle); started && remaining < best {
			best = remaining
		}
	}
	return best
}

// Snapshot returns the current MonitorSnapshot, for callers that want a
// one-shot read rather than subscribing to the monitor feed.
func (c *Controller) Snapshot() linkstate.MonitorSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return linkstate.MonitorSnapshot{
		State:            c.state.String(),
		Status:           c.status.String(),
		AckCount:         c.vars.AckCount,
		NakCount:         c.vars.NakCount,
		FailCount:        c.vars.FailCount,
		UsingIsm2400:     c.vars.UsingIsm2400,
		JoinRetryTimes:   c.vars.JoinRetryTimes,
		UnconfirmedCount: c.vars.UnconfirmedCount,
		TxConfirmed:      c.vars.TxConfirmed,
	}
}

// HwInit brings the radio HAL transport (internal/radio) up by calling
// Init on the active transceiver only. Board bring-up (GPIO, SPI bus,
// timer hardware) belongs to the host. The call is not guarded against
// repetition: a ZmqTransceiver that is already initialized returns an
// error from Init, and that error is returned here.
func (c *Controller) HwInit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Selector == nil {
		return nil
	}
	if active := c.cfg.Selector.Active(); active != nil {
		return active.Init()
	}
	return nil
}

// IsProvisioned reports whether the device-provisioning handshake (C6) has
// completed and LinkSettings carries network-assigned keys.
func (c *Controller) IsProvisioned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.ProvisionDone
}

// IsJoined reports whether JOIN_PASS currently holds.
func (c *Controller) IsJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Has(linkstate.StatusJoinPass)
}

// IsSendDone reports whether the last send cycle has resolved, i.e.
// exactly one of SEND_PASS/SEND_FAIL is set.
func (c *Controller) IsSendDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Has(linkstate.StatusSendPass) || c.status.Has(linkstate.StatusSendFail)
}

// IsSendSuccess reports whether the last resolved send cycle set SEND_PASS.
func (c *Controller) IsSendSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Has(linkstate.StatusSendPass)
}

// IsIsm2400 reports whether the link is currently operating on the 2.4GHz
// ISM band rather than a sub-GHz region.
func (c *Controller) IsIsm2400() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars.UsingIsm2400
}

// IsTxReady reports whether the TX slot is free to accept a new payload.
func (c *Controller) IsTxReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txFrame.Empty()
}

// IsRxReady reports whether an RX frame is waiting to be read via GetData.
func (c *Controller) IsRxReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Has(linkstate.StatusRxReady)
}

// GetData copies the pending RX frame into buf, returning the number of
// bytes copied and the fport it arrived on, then frees the RX slot and
// clears RX_RDY. Returns 0, 0 if no frame is pending.
func (c *Controller) GetData(buf []byte) (int, uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rxFrame.Empty() {
		return 0, 0
	}
	n := copy(buf, c.rxFrame.Buffer[:c.rxFrame.Size])
	fport := c.rxFrame.FPort
	c.rxFrame.Clear()
	c.status.Clear(linkstate.StatusRxReady)
	return n, fport
}

// SetDatarate overrides the active datarate index used on the next join or
// send cycle.
func (c *Controller) SetDatarate(dr int8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars.DateRate = dr
}

// SetBatteryPercent maps a 0-100 battery percentage onto LoRaMAC's
// DevStatusReq battery-level encoding: NaN -> unmeasured, >=100 -> max,
// <=0 -> min, otherwise a linear map into [1, 254].
func (c *Controller) SetBatteryPercent(pct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case math.IsNaN(pct):
		c.vars.BatteryValue = linkstate.BatteryUnmeasured
	case pct >= 100:
		c.vars.BatteryValue = linkstate.BatteryMax
	case pct <= 0:
		c.vars.BatteryValue = linkstate.BatteryMin
	default:
		span := float64(linkstate.BatteryMax - linkstate.BatteryMin)
		c.vars.BatteryValue = linkstate.BatteryMin + uint8(pct/100*span)
	}
}

// batteryLevel answers the MAC's DevStatusReq callback with the last
// value SetBatteryPercent/SetExtPower recorded.
func (c *Controller) batteryLevel() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars.BatteryValue
}

// SetExtPower marks the node as externally powered rather than
// battery-powered.
func (c *Controller) SetExtPower() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars.BatteryValue = linkstate.BatteryExternallyPowered
}

// PrepareForSleep readies the node for a host sleep cycle: if a MAC
// command is still queued for transmission, a zero-length MAC-only frame
// is sent first and given two seconds to clear before the preserved-state
// snapshot is taken. Both sleep depths snapshot identically here since
// this module never actually powers the host MCU down.
func (c *Controller) PrepareForSleep(deep bool) {
	if n, err := c.cfg.Mac.QueryMacCommandsSize(); err == nil && n > 0 {
		c.mu.Lock()
		c.txFrame.SetData(nil, 0)
		c.syncFrameBitsLocked()
		c.mu.Unlock()
		c.enterSendIfPendingNow()
		time.Sleep(2 * time.Second)
	}

	c.mu.Lock()
	c.savePreservedLocked()
	c.transitionLocked(StateSleep)
	c.mu.Unlock()
}

// enterSendIfPendingNow nudges a just-queued MAC-only frame out immediately
// rather than waiting for the next Waiting-state tick, since
// PrepareForSleep cannot afford to wait a full tick interval before its
// 2-second MAC-command drain window starts.
func (c *Controller) enterSendIfPendingNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateWaiting && !c.txFrame.Empty() {
		c.transitionLocked(StateSend)
	}
}

// ResumeFromSleep moves the controller from Sleep to Wakeup: the caller
// (a real board, right after waking its MCU from deep sleep) calls this
// before resuming the state machine's normal tick loop.
func (c *Controller) ResumeFromSleep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(StateWakeup)
}
