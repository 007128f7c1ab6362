// Package defaultconn implements the Default Connection Coordinator (spec
// §4.7): the single arbiter of which technology currently owns the
// system's default route, trying a ranked technology list in order and
// falling through on failure with a capped exponential backoff.
package defaultconn

import (
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/config"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/platform"
	"github.com/corenet/dcsd/internal/registry"
)

// defaultChannelName is the well-known channel name the coordinator asks
// each technology for, representing "whatever that technology considers
// its primary data connection" rather than a specific profile/SSID/
// interface — adapters resolve it to their own default (lowest profile
// index, last-known SSID, first wired interface).
const defaultChannelName = "default"

const retryInitialBackoff = time.Second
const retryMaxBackoff = 6 * time.Hour

// settleDelay is how long the coordinator waits after a technology reports
// Up before installing it as the default route, absorbing a link that
// flaps immediately after connecting.
const settleDelay = 2 * time.Second

// dnsRetryDelay is how long the coordinator waits before retrying a failed
// DNS resolver install.
const dnsRetryDelay = 30 * time.Second

// Coordinator is the Default Connection Coordinator singleton.
type Coordinator struct {
	log  *slog.Logger
	reg  *registry.Registry
	cfg  *config.Store
	plat *platform.Adapter

	mu sync.Mutex

	// rank is the authoritative, ordered technology preference list.
	rank []api.Tech
	// legacyRank is a separate copy of rank, written alongside it by New
	// and SetRank and read only by GetNextUsedTechnology — a duplication
	// carried over unchanged from the system this coordinator is modeled
	// on, where two call paths each kept their own copy of the same ordering.
	legacyRank []api.Tech

	refCount int
	current  api.Tech
	haveSession bool
	channelRef  api.ChannelRef
	requestRef  api.RequestRef
	handlerRef  api.HandlerRef

	retryTimer    *time.Timer
	settleTimer   *time.Timer
	dnsRetryTimer *time.Timer
	backoff       time.Duration
}

// New constructs a Coordinator with the given initial rank (highest
// preference first).
func New(log *slog.Logger, reg *registry.Registry, cfg *config.Store, plat *platform.Adapter, rank []api.Tech) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	rankCopy := append([]api.Tech(nil), rank...)
	return &Coordinator{
		log:        log,
		reg:        reg,
		cfg:        cfg,
		plat:       plat,
		rank:       rankCopy,
		legacyRank: append([]api.Tech(nil), rankCopy...),
		current:    api.TechUnknown,
		backoff:    retryInitialBackoff,
	}
}

// SetRank replaces the technology preference order, taking effect on the
// next fall-through decision rather than forcing an immediate switch.
func (c *Coordinator) SetRank(rank []api.Tech) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rank = append([]api.Tech(nil), rank...)
	c.legacyRank = append([]api.Tech(nil), rank...)
}

// GetFirstUsedTechnology returns the top of the authoritative rank list.
func (c *Coordinator) GetFirstUsedTechnology() (api.Tech, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rank) == 0 {
		return api.TechUnknown, false
	}
	return c.rank[0], true
}

// GetNextUsedTechnology returns the technology ranked immediately after
// cur, reading from the independently-tracked legacy list.
func (c *Coordinator) GetNextUsedTechnology(cur api.Tech) (api.Tech, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.legacyRank {
		if t == cur && i+1 < len(c.legacyRank) {
			return c.legacyRank[i+1], true
		}
	}
	return api.TechUnknown, false
}

// Request registers interest in having a default route present. The first
// caller triggers technology selection; subsequent callers are no-ops
// beyond the refcount.
func (c *Coordinator) Request(session api.SessionID) {
	c.mu.Lock()
	c.refCount++
	first := c.refCount == 1
	c.mu.Unlock()

	if first {
		c.startFrom(0)
	}
}

// Release withdraws interest; when the last caller releases, the current
// default route technology is torn down.
func (c *Coordinator) Release(session api.SessionID) {
	c.mu.Lock()
	if c.refCount > 0 {
		c.refCount--
	}
	last := c.refCount == 0
	c.mu.Unlock()

	if last {
		c.teardown()
	}
}

func (c *Coordinator) startFrom(rankIndex int) {
	c.mu.Lock()
	if rankIndex >= len(c.rank) {
		c.mu.Unlock()
		c.log.Warn("defaultconn: exhausted technology rank list without a usable default connection")
		return
	}
	tech := c.rank[rankIndex]
	c.mu.Unlock()

	if c.isActiveElsewhere(tech) {
		c.log.Info("defaultconn: reusing already-active channel for default route", "tech", tech)
	}

	ref, err := c.reg.GetReference(tech, defaultChannelName)
	if err != nil {
		c.log.Warn("defaultconn: no reference for technology, trying next", "tech", tech, "error", err)
		c.scheduleRetry(rankIndex + 1)
		return
	}

	reqRef, err := c.reg.StartForApp(defaultSessionID, ref, "dcsd-defaultconn")
	if err != nil {
		c.log.Warn("defaultconn: start failed, trying next", "tech", tech, "error", err)
		c.scheduleRetry(rankIndex + 1)
		return
	}

	href, err := c.reg.AddEventHandler(defaultSessionID, ref, c.onChannelEvent, rankIndex)
	if err != nil {
		c.log.Warn("defaultconn: could not subscribe to channel events", "tech", tech, "error", err)
	}

	c.mu.Lock()
	c.current = tech
	c.haveSession = true
	c.channelRef = ref
	c.requestRef = reqRef
	c.handlerRef = href
	c.backoff = retryInitialBackoff
	c.mu.Unlock()

	state, _, _ := c.reg.GetState(ref)
	if state == api.StateUp {
		c.armSettleTimer(ref)
	}
}

// defaultSessionID is the synthetic session the coordinator itself holds
// requests under; it never corresponds to a real external client.
const defaultSessionID api.SessionID = 0xffffffff00000001

func (c *Coordinator) isActiveElsewhere(tech api.Tech) bool {
	ref, err := c.reg.GetReference(tech, defaultChannelName)
	if err != nil {
		return false
	}
	state, _, err := c.reg.GetState(ref)
	return err == nil && state == api.StateUp
}

func (c *Coordinator) onChannelEvent(ref api.ChannelRef, kind api.EventKind, code int, ctx any) {
	rankIndex, _ := ctx.(int)
	switch kind {
	case api.EventUp:
		c.armSettleTimer(ref)
	case api.EventDown:
		c.log.Info("defaultconn: current default technology went down, falling through", "rank_index", rankIndex)
		c.teardown()
		c.scheduleRetry(rankIndex + 1)
	case api.EventTempDown:
		c.cancelSettleTimer()
	}
}

func (c *Coordinator) armSettleTimer(ref api.ChannelRef) {
	c.mu.Lock()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
	c.settleTimer = time.AfterFunc(settleDelay, func() { c.installDefaultRoute(ref) })
	c.mu.Unlock()
}

func (c *Coordinator) cancelSettleTimer() {
	c.mu.Lock()
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) installDefaultRoute(ref api.ChannelRef) {
	state, ifaceName, err := c.reg.GetState(ref)
	if err != nil || state != api.StateUp || ifaceName == "" {
		return
	}
	if !c.cfg.GetBool(config.KeyUseDefaultRoute, true) {
		c.log.Info("defaultconn: default route installation disabled by config")
		return
	}

	leaseGW, leaseDNS, haveLease := c.reg.GetLease(ref)
	gw := leaseGW
	if !haveLease || gw == nil {
		var err error
		gw, err = firstHopGuess(ifaceName)
		if err != nil {
			c.log.Warn("defaultconn: could not determine gateway for default route", "interface", ifaceName, "error", err)
			return
		}
	}

	if err := c.plat.SetDefaultGateway(syscall.AF_INET, ifaceName, gw); err != nil {
		c.log.Error("defaultconn: error installing default route", "interface", ifaceName, "error", err)
		return
	}
	c.log.Info("defaultconn: installed default route", "interface", ifaceName, "gateway", gw)

	c.installDNS(ifaceName, leaseDNS)
}

// installDNS installs nameservers, preferring any servers a DHCP lease on
// the interface already offered over the configured /dns/nameServers
// fallback, and arms a one-shot 30s re-attempt timer if the install fails
// rather than giving up on DNS for the lifetime of this default connection.
func (c *Coordinator) installDNS(ifaceName string, leaseDNS []net.IP) {
	c.mu.Lock()
	if c.dnsRetryTimer != nil {
		c.dnsRetryTimer.Stop()
		c.dnsRetryTimer = nil
	}
	c.mu.Unlock()

	var servers []string
	for _, ip := range leaseDNS {
		servers = append(servers, ip.String())
	}
	if len(servers) == 0 {
		raw := c.cfg.GetString(config.KeyDNSNameServers, "")
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				servers = append(servers, s)
			}
		}
	}
	if len(servers) == 0 {
		return
	}

	if err := c.plat.SetDNSNameServers(servers); err != nil {
		c.log.Warn("defaultconn: error installing DNS nameservers, will retry", "interface", ifaceName, "error", err, "retry_in", dnsRetryDelay)
		c.mu.Lock()
		c.dnsRetryTimer = time.AfterFunc(dnsRetryDelay, func() { c.installDNS(ifaceName, leaseDNS) })
		c.mu.Unlock()
		return
	}
	c.log.Info("defaultconn: installed DNS nameservers", "interface", ifaceName, "servers", servers)
}

// firstHopGuess derives the likely gateway for a freshly-up interface as
// the ".1" address of its assigned /24, a reasonable default for the
// consumer-grade Wi-Fi/cellular CPEs this coordinator targets when the
// adapter hasn't already surfaced an explicit gateway (e.g. from a DHCP
// lease). Callers with a DHCP lease on hand should prefer its gateway.
func firstHopGuess(ifaceName string) (net.IP, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		gw := append(net.IP(nil), ipnet.IP.To4()...)
		gw[3] = 1
		return gw, nil
	}
	return nil, dcserr.New(dcserr.Unavailable, "defaultconn: no IPv4 address on %s", ifaceName)
}

func (c *Coordinator) scheduleRetry(nextRankIndex int) {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	backoff := c.backoff
	if backoff <= 0 {
		backoff = retryInitialBackoff
	}
	next := backoff * 2
	if next > retryMaxBackoff {
		next = retryMaxBackoff
	}
	c.backoff = next
	c.retryTimer = time.AfterFunc(backoff, func() { c.startFrom(c.wrapRankIndex(nextRankIndex)) })
	c.mu.Unlock()
}

// wrapRankIndex wraps past the end of the rank list back to its start, so a
// fully-exhausted fall-through sequence eventually retries from the top
// rather than giving up on the default route forever.
func (c *Coordinator) wrapRankIndex(idx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rank) == 0 {
		return 0
	}
	return idx % len(c.rank)
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	if c.dnsRetryTimer != nil {
		c.dnsRetryTimer.Stop()
		c.dnsRetryTimer = nil
	}
	if !c.haveSession {
		c.mu.Unlock()
		return
	}
	href, reqRef := c.handlerRef, c.requestRef
	c.haveSession = false
	tech := c.current
	c.current = api.TechUnknown
	c.mu.Unlock()

	if href != 0 {
		_ = c.reg.RemoveEventHandler(defaultSessionID, href)
	}
	if reqRef != 0 {
		if err := c.reg.Stop(defaultSessionID, reqRef); err != nil {
			c.log.Warn("defaultconn: error stopping default technology session", "tech", tech, "error", err)
		}
	}
	_ = c.plat.RestoreDefaultGateway(syscall.AF_INET)
	_ = c.plat.RestoreInitialDNSNameServers()
}
