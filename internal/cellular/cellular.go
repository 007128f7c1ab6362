// Package cellular implements the Cellular Adapter (spec §4.3): one
// per-profile connection state machine gated on packet-switched (PS)
// attach status, with a capped exponential backoff retry discipline.
package cellular

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/registry"
)

// maxRetries bounds the number of automatic reconnect attempts before the
// adapter gives up and reports the channel Down.
const maxRetries = 4

// initialBackoff is the delay before the first retry; it doubles on each
// subsequent attempt (1s, 2s, 4s, 8s).
const initialBackoff = time.Second

// Driver is the modem control surface the adapter drives. A production
// build backs this with the operator's modem-management stack (ModemManager
// over D-Bus, a vendor AT-command shim, or similar); tests use a fake.
type Driver interface {
	Connect(profileIndex int) error
	Disconnect(profileIndex int) error
	// PSAttached reports whether the modem currently has a packet-switched
	// data attach on the given profile's bearer.
	PSAttached(profileIndex int) (bool, error)
	InterfaceName(profileIndex int) string
}

// EventSink is the techdispatch.EventSink contract, reproduced here to
// avoid importing the techdispatch package from an adapter.
type EventSink interface {
	Dispatch(tech api.Tech, techRef registry.TechRef, kind api.EventKind, code int)
}

type conn struct {
	mu           sync.Mutex
	techRef      registry.TechRef
	profileIndex int
	state        api.OpState
	retries      int
	timer        *time.Timer
	stopped      bool
	started      bool
}

// Adapter is the Cellular Adapter singleton.
type Adapter struct {
	log    *slog.Logger
	sink   EventSink
	driver Driver

	mu        sync.Mutex
	byRef     map[registry.TechRef]*conn
	byProfile map[int]*conn
	nextRef   uint64
}

// New constructs a cellular Adapter.
func New(log *slog.Logger, sink EventSink, driver Driver) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:       log,
		sink:      sink,
		driver:    driver,
		byRef:     make(map[registry.TechRef]*conn),
		byProfile: make(map[int]*conn),
	}
}

func parseProfileIndex(name string) (int, error) {
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, dcserr.New(dcserr.BadParameter, "cellular: channel name %q is not a profile index", name)
	}
	return n, nil
}

// CreateRef implements techdispatch.Adapter.
func (a *Adapter) CreateRef(name string) (registry.TechRef, error) {
	profileIndex, err := parseProfileIndex(name)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.byProfile[profileIndex]; ok {
		return c.techRef, nil
	}

	a.nextRef++
	ref := registry.TechRef(a.nextRef)
	c := &conn{techRef: ref, profileIndex: profileIndex, state: api.OpDown}
	a.byRef[ref] = c
	a.byProfile[profileIndex] = c
	return ref, nil
}

// ReleaseRef implements techdispatch.Adapter.
func (a *Adapter) ReleaseRef(ref registry.TechRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byRef[ref]
	if !ok {
		return
	}
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.stopped = true
	c.mu.Unlock()
	delete(a.byRef, ref)
	delete(a.byProfile, c.profileIndex)
}

func (a *Adapter) lookup(ref registry.TechRef) (*conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byRef[ref]
	if !ok {
		return nil, dcserr.New(dcserr.NotFound, "cellular: unknown tech ref %d", ref)
	}
	return c, nil
}

// AllowStart implements the PS-gate: a start is refused outright if the
// modem does not currently report a packet-switched attach.
func (a *Adapter) AllowStart(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}
	attached, err := a.driver.PSAttached(c.profileIndex)
	if err != nil {
		return dcserr.New(dcserr.Fault, "cellular: error querying PS attach for profile %d: %v", c.profileIndex, err)
	}
	if !attached {
		return dcserr.New(dcserr.Unavailable, "cellular: profile %d has no packet-switched attach", c.profileIndex)
	}
	return nil
}

// GetOpState implements techdispatch.Adapter.
func (a *Adapter) GetOpState(ref registry.TechRef) (api.OpState, string) {
	c, err := a.lookup(ref)
	if err != nil {
		return api.OpDown, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, a.driver.InterfaceName(c.profileIndex)
}

// Start attempts to bring the profile's bearer up, arming the retry
// discipline on failure.
func (a *Adapter) Start(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	a.attempt(c, 0)
	return nil
}

func (a *Adapter) attempt(c *conn, attemptNum int) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := a.driver.Connect(c.profileIndex)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.state = api.OpUp
		// Success resets the retry counter to 1, not 0: a historical quirk
		// of this adapter's retry bookkeeping, preserved deliberately.
		c.retries = 1
		c.mu.Unlock()
		a.sink.Dispatch(api.TechCellular, c.techRef, api.EventUp, 0)
		return
	}

	c.retries++
	retries := c.retries
	c.mu.Unlock()

	if retries > maxRetries {
		a.log.Warn("cellular: retry attempts exhausted, channel down", "profile", c.profileIndex, "attempts", retries)
		c.mu.Lock()
		c.state = api.OpDown
		c.mu.Unlock()
		a.sink.Dispatch(api.TechCellular, c.techRef, api.EventDown, retries)
		return
	}

	backoff := initialBackoff << uint(retries-1)
	a.log.Info("cellular: connect failed, retrying", "profile", c.profileIndex, "attempt", retries, "backoff", backoff, "error", err)

	c.mu.Lock()
	c.state = api.OpTempDown
	c.timer = time.AfterFunc(backoff, func() { a.attempt(c, retries) })
	c.mu.Unlock()
	a.sink.Dispatch(api.TechCellular, c.techRef, api.EventTempDown, retries)
}

// Stop tears down the bearer and cancels any pending retry timer.
func (a *Adapter) Stop(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = api.OpDown
	c.retries = 0
	c.started = false
	c.mu.Unlock()
	return a.driver.Disconnect(c.profileIndex)
}

// RetryChannel cancels any pending backoff timer and attempts immediately.
func (a *Adapter) RetryChannel(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	retries := c.retries
	c.mu.Unlock()
	go a.attempt(c, retries)
	return nil
}

// NotifyPSChange is the driver callback the spec calls
// add_packet_switched_change_handler: on PS detach every started channel
// is synthesized TempDown, since no bearer survives the loss of its
// packet-switched attach; on PS re-attach every started channel gets an
// immediate connect attempt, keeping its current retry count.
func (a *Adapter) NotifyPSChange(attached bool) {
	a.mu.Lock()
	conns := make([]*conn, 0, len(a.byRef))
	for _, c := range a.byRef {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		if attached {
			a.retryStartedConn(c)
			continue
		}
		a.synthesizeTempDownOnPSDetach(c)
	}
}

// NotifyNetRegReject is the driver callback the spec calls
// add_net_reg_reject_handler: a registration reject is an implicit PS
// detach, so the affected profile restarts from a fresh attempt rather
// than continuing whatever backoff it was already in.
func (a *Adapter) NotifyNetRegReject(profileIndex int) {
	a.mu.Lock()
	c, ok := a.byProfile[profileIndex]
	a.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.retries = 0
	c.mu.Unlock()
	go a.attempt(c, 0)
}

func (a *Adapter) synthesizeTempDownOnPSDetach(c *conn) {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = api.OpTempDown
	c.mu.Unlock()
	a.sink.Dispatch(api.TechCellular, c.techRef, api.EventTempDown, 0)
}

func (a *Adapter) retryStartedConn(c *conn) {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	retries := c.retries
	c.mu.Unlock()
	go a.attempt(c, retries)
}

// GetLease never returns a lease: a cellular bearer's address is assigned by
// the modem's PDP context negotiation, not DHCP, so there is nothing here
// for the Default Connection Coordinator to prefer over its own gateway
// guess.
func (a *Adapter) GetLease(ref registry.TechRef) (net.IP, []net.IP, bool) {
	return nil, nil, false
}

// GetChannelList enumerates the profiles this adapter currently tracks.
func (a *Adapter) GetChannelList(cb func([]api.Channel, error)) {
	a.mu.Lock()
	channels := make([]api.Channel, 0, len(a.byProfile))
	for profileIndex := range a.byProfile {
		channels = append(channels, api.Channel{Name: fmt.Sprintf("%d", profileIndex), Tech: api.TechCellular})
	}
	a.mu.Unlock()
	cb(channels, nil)
}
