// Package wifi implements the Wi-Fi Adapter (spec §4.4). Unlike cellular's
// one-state-machine-per-profile model, the underlying radio can only ever
// be associated with a single access point at a time, so the adapter
// enforces a process-wide "selected connection" singleton, gated up front
// in AllowStart: NotPermitted while a different SSID is selected or a scan
// is in flight, Duplicate for the SSID that is already selected. Start
// itself still logs and ignores a conflicting request defensively, in
// case it is ever reached without going through AllowStart first.
package wifi

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/registry"
)

const maxRetries = 3

const initialBackoff = time.Second

// scanCacheTTL bounds how often a fresh over-the-air scan is issued; callers
// asking for the channel list more often than this get the cached result.
const scanCacheTTL = 10 * time.Second

// Driver is the radio control surface. A production build backs this with
// nl80211 and wpa_cli (see internal/wifidriver); tests use a fake. Connect
// and Scan are synchronous from this adapter's point of view, but a
// driver that also monitors wpa_supplicant's own event stream should call
// back through NotifyDisconnected when an established association drops
// on its own, outside of any attempt this adapter initiated.
type Driver interface {
	Connect(ssid, secProtocol, passphrase string) error
	Disconnect() error
	Scan() ([]api.Channel, error)
	// AcquireLease runs a DHCPv4 exchange on the associated interface once
	// Connect succeeds (spec §4.4 ask_for_ip_address), returning the
	// offered gateway and DNS servers.
	AcquireLease() (gw net.IP, dns []net.IP, err error)
	// ReleaseLease stops any outstanding DHCP client for the interface.
	ReleaseLease()
}

// EventSink is the techdispatch.EventSink contract.
type EventSink interface {
	Dispatch(tech api.Tech, techRef registry.TechRef, kind api.EventKind, code int)
}

// CredentialSource supplies the secProtocol/passphrase for an SSID, backed
// by the config store's /wifi/* keys.
type CredentialSource interface {
	WifiSecProtocol() string
	WifiPassphrase() string
}

type conn struct {
	mu      sync.Mutex
	techRef registry.TechRef
	ssid    string
	state   api.OpState
	retries int
	timer   *time.Timer
	stopped bool
	gw      net.IP
	dns     []net.IP
}

// Adapter is the Wi-Fi Adapter singleton.
type Adapter struct {
	log    *slog.Logger
	sink   EventSink
	driver Driver
	creds  CredentialSource

	mu       sync.Mutex
	byRef    map[registry.TechRef]*conn
	byName   map[string]*conn
	selected *conn
	nextRef  uint64

	scanMu    sync.Mutex
	scanAt    time.Time
	scanCache []api.Channel
	scanning  bool
}

// New constructs a Wi-Fi Adapter.
func New(log *slog.Logger, sink EventSink, driver Driver, creds CredentialSource) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:    log,
		sink:   sink,
		driver: driver,
		creds:  creds,
		byRef:  make(map[registry.TechRef]*conn),
		byName: make(map[string]*conn),
	}
}

// CreateRef implements techdispatch.Adapter. name is the SSID.
func (a *Adapter) CreateRef(name string) (registry.TechRef, error) {
	if name == "" {
		return 0, dcserr.New(dcserr.BadParameter, "wifi: SSID must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.byName[name]; ok {
		return c.techRef, nil
	}
	a.nextRef++
	ref := registry.TechRef(a.nextRef)
	c := &conn{techRef: ref, ssid: name, state: api.OpDown}
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
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.stopped = true
	c.mu.Unlock()
	if a.selected == c {
		a.selected = nil
	}
	delete(a.byRef, ref)
	delete(a.byName, c.ssid)
}

func (a *Adapter) lookup(ref registry.TechRef) (*conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byRef[ref]
	if !ok {
		return nil, dcserr.New(dcserr.NotFound, "wifi: unknown tech ref %d", ref)
	}
	return c, nil
}

// AllowStart implements allow_channel_start: NotPermitted if a scan is
// currently in progress or a different SSID is already the selected
// connection, Duplicate if this SSID is already selected.
func (a *Adapter) AllowStart(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}

	a.scanMu.Lock()
	scanning := a.scanning
	a.scanMu.Unlock()
	if scanning {
		return dcserr.New(dcserr.NotPermitted, "wifi: a scan is in progress")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == c {
		return dcserr.New(dcserr.Duplicate, "wifi: %s is already the selected connection", c.ssid)
	}
	if a.selected != nil {
		return dcserr.New(dcserr.NotPermitted, "wifi: %s is already selected", a.selected.ssid)
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
	return c.state, "wlan0"
}

// Start associates with c.ssid. The registry is expected to have already
// called AllowStart, which rejects a conflicting SSID before Start is ever
// reached; this is a defensive second check against races, not the primary
// enforcement.
func (a *Adapter) Start(ref registry.TechRef) error {
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.selected != nil && a.selected != c {
		other := a.selected.ssid
		a.mu.Unlock()
		a.log.Warn("wifi: start ignored, another SSID is already selected", "requested", c.ssid, "selected", other)
		return nil
	}
	a.selected = c
	a.mu.Unlock()

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

	secProtocol, passphrase := "", ""
	if a.creds != nil {
		secProtocol = a.creds.WifiSecProtocol()
		passphrase = a.creds.WifiPassphrase()
	}
	err := a.driver.Connect(c.ssid, secProtocol, passphrase)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.mu.Unlock()
		gw, dns, lerr := a.driver.AcquireLease()
		if lerr != nil {
			a.log.Warn("wifi: DHCP lease failed after association, channel down", "ssid", c.ssid, "error", lerr)
			c.mu.Lock()
			c.state = api.OpDown
			c.retries = 0
			c.mu.Unlock()
			a.mu.Lock()
			if a.selected == c {
				a.selected = nil
			}
			a.mu.Unlock()
			a.sink.Dispatch(api.TechWifi, c.techRef, api.EventDown, 0)
			return
		}
		c.mu.Lock()
		c.state = api.OpUp
		c.retries = 0
		c.gw = gw
		c.dns = dns
		c.mu.Unlock()
		a.sink.Dispatch(api.TechWifi, c.techRef, api.EventUp, 0)
		return
	}

	c.retries++
	retries := c.retries
	c.mu.Unlock()

	if retries > maxRetries {
		a.log.Warn("wifi: connect retries exhausted, channel down", "ssid", c.ssid, "attempts", retries)
		c.mu.Lock()
		c.state = api.OpDown
		c.mu.Unlock()
		a.mu.Lock()
		if a.selected == c {
			a.selected = nil
		}
		a.mu.Unlock()
		a.sink.Dispatch(api.TechWifi, c.techRef, api.EventDown, retries)
		return
	}

	backoff := initialBackoff << uint(retries-1)
	a.log.Info("wifi: connect failed, retrying", "ssid", c.ssid, "attempt", retries, "backoff", backoff, "error", err)
	c.mu.Lock()
	c.state = api.OpTempDown
	c.timer = time.AfterFunc(backoff, func() { a.attempt(c, retries) })
	c.mu.Unlock()
	a.sink.Dispatch(api.TechWifi, c.techRef, api.EventTempDown, retries)
}

// Stop disassociates, releases the singleton slot if held, and cancels any
// pending connect-retry timer. The disconnect request itself is retried on
// a separate backoff timer (capped at maxRetries) if the driver reports an
// error; the channel is considered stopped from the caller's perspective
// regardless of whether the disconnect has actually completed yet.
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
	c.gw = nil
	c.dns = nil
	c.mu.Unlock()

	a.mu.Lock()
	if a.selected == c {
		a.selected = nil
	}
	a.mu.Unlock()

	a.driver.ReleaseLease()
	a.disconnect(c, 0)
	return nil
}

// disconnect drives the stop-path retry discipline: the first Disconnect
// request plus up to maxRetries retries, doubling backoff from
// initialBackoff.
func (a *Adapter) disconnect(c *conn, attemptNum int) {
	err := a.driver.Disconnect()
	if err == nil {
		return
	}
	if attemptNum >= maxRetries {
		a.log.Warn("wifi: disconnect retries exhausted", "ssid", c.ssid, "attempts", attemptNum, "error", err)
		return
	}
	backoff := initialBackoff << uint(attemptNum)
	a.log.Info("wifi: disconnect failed, retrying", "ssid", c.ssid, "attempt", attemptNum+1, "backoff", backoff, "error", err)
	c.mu.Lock()
	c.timer = time.AfterFunc(backoff, func() { a.disconnect(c, attemptNum+1) })
	c.mu.Unlock()
}

// NotifyDisconnected reports the driver's own CTRL-EVENT-DISCONNECTED
// notification: an unsolicited loss of an already-established association,
// outside of any attempt this adapter itself initiated. It is retried with
// the same backoff discipline as a failed Start.
func (a *Adapter) NotifyDisconnected(reason error) {
	a.mu.Lock()
	c := a.selected
	a.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	established := c.state == api.OpUp && !c.stopped
	c.mu.Unlock()
	if !established {
		return
	}
	a.log.Warn("wifi: unsolicited disconnect", "ssid", c.ssid, "error", reason)
	a.attempt(c, 0)
}

// NotifyScanDone reports completion of an over-the-air scan, clearing the
// in-progress flag AllowStart consults.
func (a *Adapter) NotifyScanDone() {
	a.scanMu.Lock()
	a.scanning = false
	a.scanMu.Unlock()
}

// RetryChannel forces an immediate reconnect attempt for the selected SSID,
// with disconnect-reconnect retries capped at maxRetries each.
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

// GetLease returns the DHCP-assigned gateway and DNS servers held for ref,
// if the connection has one.
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

// GetChannelList returns the most recent scan, reissuing one over the air
// only when the cache has expired.
func (a *Adapter) GetChannelList(cb func([]api.Channel, error)) {
	a.scanMu.Lock()
	if time.Since(a.scanAt) < scanCacheTTL && a.scanCache != nil {
		cached := a.scanCache
		a.scanMu.Unlock()
		cb(cached, nil)
		return
	}
	a.scanning = true
	a.scanMu.Unlock()
	defer a.NotifyScanDone()

	results, err := a.driver.Scan()
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
