// Package ethernet implements the Ethernet Adapter (spec §4.5): per-link
// op-state tracking, updated by Start/Stop and by carrier events passed to
// NotifyLinkEvent, with no retry discipline of its own — a cable is either
// carrying a link or it isn't.
package ethernet

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/registry"
)

// scanCacheTTL bounds how often the adapter re-enumerates interfaces.
const scanCacheTTL = 30 * time.Second

// Driver is the link control surface. A production build backs this with
// vishvananda/netlink (see internal/platform); tests use a fake.
type Driver interface {
	SetLinkUp(ifaceName string) error
	SetLinkDown(ifaceName string) error
	LinkState(ifaceName string) (api.OpState, error)
	ListInterfaces() ([]api.Channel, error)
	// HasAddress reports whether the interface currently carries an
	// assigned IPv4 and/or IPv6 address.
	HasAddress(ifaceName string) (hasIPv4, hasIPv6 bool, err error)
	// AcquireLease runs a DHCPv4 exchange on the interface (spec §4.5: a
	// link that comes up with no IPv4 address triggers this), returning
	// the offered gateway and DNS servers.
	AcquireLease(ifaceName string) (gw net.IP, dns []net.IP, err error)
	// ReleaseLease stops any outstanding DHCP client for the interface.
	ReleaseLease(ifaceName string)
}

// EventSink is the techdispatch.EventSink contract.
type EventSink interface {
	Dispatch(tech api.Tech, techRef registry.TechRef, kind api.EventKind, code int)
}

type conn struct {
	mu      sync.Mutex
	techRef registry.TechRef
	ifname  string
	started bool
	state   api.OpState
	gw      net.IP
	dns     []net.IP
}

// Adapter is the Ethernet Adapter singleton.
type Adapter struct {
	log    *slog.Logger
	sink   EventSink
	driver Driver

	mu      sync.Mutex
	byRef   map[registry.TechRef]*conn
	byName  map[string]*conn
	nextRef uint64

	scanMu    sync.Mutex
	scanAt    time.Time
	scanCache []api.Channel
}

// New constructs an Ethernet Adapter.
func New(log *slog.Logger, sink EventSink, driver Driver) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:    log,
		sink:   sink,
		driver: driver,
		byRef:  make(map[registry.TechRef]*conn),
		byName: make(map[string]*conn),
	}
}

// CreateRef implements techdispatch.Adapter. name is the interface name.
func (a *Adapter) CreateRef(name string) (registry.TechRef, error) {
	if name == "" {
		return 0, dcserr.New(dcserr.BadParameter, "ethernet: interface name must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.byName[name]; ok {
		return c.techRef, nil
	}
	a.nextRef++
	ref := registry.TechRef(a.nextRef)
	c := &conn{techRef: ref, ifname: name, state: api.OpDown}
	a.byRef[ref] = c
	a.byName[name] = c
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
	delete(a.byRef, ref)
	delete(a.byName, c.ifname)
}

func (a *Adapter) lookup(ref registry.TechRef) (*conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byRef[ref]
	if !ok {
		return nil, dcserr.New(dcserr.NotFound, "ethernet: unknown tech ref %d", ref)
	}
	return c, nil
}

// AllowStart always permits a start; there is no gating condition for a
// wired link beyond the link itself existing.
func (a *Adapter) AllowStart(ref registry.TechRef) error {
	_, err := a.lookup(ref)
	return err
}

// GetOpState implements techdispatch.Adapter.
func (a *Adapter) GetOpState(ref registry.TechRef) (api.OpState, string) {
	c, err := a.lookup(ref)
	if err != nil {
		return api.OpDown, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.ifname
}

// Start brings the link administratively up. Per spec §4.5, the channel is
// Unavailable if the link never carries a signal, and Unavailable if the
// link is up but neither an IPv4 nor an IPv6 address is assigned — running
// DHCP once to try to acquire one before giving up. Otherwise Up is
// synthesized immediately; there is no retry discipline of its own for a
// wired link.
func (a *Adapter) Start(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	if err := a.driver.SetLinkUp(c.ifname); err != nil {
		return dcserr.New(dcserr.Fault, "ethernet: error bringing up %s: %v", c.ifname, err)
	}

	state, err := a.driver.LinkState(c.ifname)
	if err != nil || state != api.OpUp {
		return dcserr.New(dcserr.Unavailable, "ethernet: %s has no carrier", c.ifname)
	}

	if !a.ensureAddress(c) {
		return dcserr.New(dcserr.Unavailable, "ethernet: %s has link but no IPv4 or IPv6 address", c.ifname)
	}

	c.mu.Lock()
	c.state = api.OpUp
	c.mu.Unlock()
	a.sink.Dispatch(api.TechEthernet, c.techRef, api.EventUp, 0)
	return nil
}

// ensureAddress reports whether c's interface already carries an IPv4 or
// IPv6 address, running a DHCPv4 exchange once if neither is present yet.
func (a *Adapter) ensureAddress(c *conn) bool {
	hasIPv4, hasIPv6, err := a.driver.HasAddress(c.ifname)
	if err != nil {
		a.log.Warn("ethernet: error reading address state", "interface", c.ifname, "error", err)
		return false
	}
	if hasIPv4 || hasIPv6 {
		return true
	}
	a.acquireLease(c)
	hasIPv4, hasIPv6, err = a.driver.HasAddress(c.ifname)
	return err == nil && (hasIPv4 || hasIPv6)
}

func (a *Adapter) acquireLease(c *conn) {
	gw, dns, err := a.driver.AcquireLease(c.ifname)
	if err != nil {
		a.log.Warn("ethernet: DHCP lease failed", "interface", c.ifname, "error", err)
		return
	}
	c.mu.Lock()
	c.gw, c.dns = gw, dns
	c.mu.Unlock()
}

// Stop brings the link administratively down.
func (a *Adapter) Stop(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.started = false
	c.state = api.OpDown
	c.gw = nil
	c.dns = nil
	c.mu.Unlock()
	a.driver.ReleaseLease(c.ifname)
	return a.driver.SetLinkDown(c.ifname)
}

// GetLease returns the DHCP-assigned gateway and DNS servers held for ref,
// if the link has one.
func (a *Adapter) GetLease(ref registry.TechRef) (net.IP, []net.IP, bool) {
	c, err := a.lookup(ref)
	if err != nil {
		return nil, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gw == nil {
		return nil, nil, false
	}
	return c.gw, c.dns, true
}

// RetryChannel re-polls the link state and resumes if it already carries a
// signal; there is no backoff to force through for a wired link.
func (a *Adapter) RetryChannel(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}
	state, err := a.driver.LinkState(c.ifname)
	if err != nil {
		return err
	}
	if state == api.OpUp {
		c.mu.Lock()
		c.state = api.OpUp
		c.mu.Unlock()
		a.sink.Dispatch(api.TechEthernet, c.techRef, api.EventUp, 0)
	}
	return nil
}

// NotifyLinkEvent applies a carrier-state change on an interface this
// adapter owns. Nothing in this module subscribes to kernel link-state
// updates, so a change is seen only when a caller invokes this method.
// Events for interfaces that were never started, or that
// are not currently tracked, are dropped. On a transition to carrier-up
// with no IPv4 address yet assigned, any running DHCP client is stopped and
// restarted, per spec §4.5 — a re-plug into a different network leaves a
// stale lease behind otherwise.
func (a *Adapter) NotifyLinkEvent(ifname string, up bool) {
	a.mu.Lock()
	c, ok := a.byName[ifname]
	a.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	wasUp := c.state == api.OpUp
	techRef := c.techRef
	c.mu.Unlock()

	if !up {
		c.mu.Lock()
		c.state = api.OpDown
		c.mu.Unlock()
		if wasUp {
			a.sink.Dispatch(api.TechEthernet, techRef, api.EventDown, 0)
		}
		return
	}

	hasIPv4, hasIPv6, err := a.driver.HasAddress(ifname)
	if err == nil && !hasIPv4 {
		a.driver.ReleaseLease(ifname)
		a.acquireLease(c)
		hasIPv4, hasIPv6, err = a.driver.HasAddress(ifname)
	}
	if err != nil || (!hasIPv4 && !hasIPv6) {
		c.mu.Lock()
		c.state = api.OpDown
		c.mu.Unlock()
		if wasUp {
			a.sink.Dispatch(api.TechEthernet, techRef, api.EventDown, 0)
		}
		return
	}

	c.mu.Lock()
	c.state = api.OpUp
	c.mu.Unlock()
	if !wasUp {
		a.sink.Dispatch(api.TechEthernet, techRef, api.EventUp, 0)
	}
}

// GetChannelList enumerates ethernet interfaces, caching for scanCacheTTL.
func (a *Adapter) GetChannelList(cb func([]api.Channel, error)) {
	a.scanMu.Lock()
	if time.Since(a.scanAt) < scanCacheTTL && a.scanCache != nil {
		cached := a.scanCache
		a.scanMu.Unlock()
		cb(cached, nil)
		return
	}
	a.scanMu.Unlock()

	results, err := a.driver.ListInterfaces()
	if err != nil {
		cb(nil, err)
		return
	}

	a.scanMu.Lock()
	a.scanCache = results
	a.scanAt = time.Now()
	a.scanMu.Unlock()

	cb(results, nil)
}
