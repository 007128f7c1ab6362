// Package platform implements the Platform Adapter (spec §6) and the
// Network Config Helper it is built from (spec §4.6): the thin layer
// between the core and the kernel's routing tables, DNS configuration,
// DHCP leasing, and wall-clock synchronization. Route and link operations
// are grounded on vishvananda/netlink, the same library the teacher uses
// for its own tunnel/route management.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/beevik/ntp"
	nl "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/config"
	"github.com/corenet/dcsd/internal/dcserr"
)

// resolvConfPath is where restore_dns and set_dns operate, matching every
// mainstream Linux distribution's default resolver config location.
const resolvConfPath = "/etc/resolv.conf"

// Netlinker is the subset of netlink operations the platform adapter needs.
// Defined as an interface so tests can substitute a fake without a network
// namespace.
type Netlinker interface {
	LinkByName(name string) (nl.Link, error)
	LinkByIndex(index int) (nl.Link, error)
	LinkSetUp(link nl.Link) error
	LinkSetDown(link nl.Link) error
	RouteAdd(route *nl.Route) error
	RouteDel(route *nl.Route) error
	RouteList(link nl.Link, family int) ([]nl.Route, error)
}

type realNetlink struct{}

func (realNetlink) LinkByName(name string) (nl.Link, error)  { return nl.LinkByName(name) }
func (realNetlink) LinkByIndex(index int) (nl.Link, error)    { return nl.LinkByIndex(index) }
func (realNetlink) LinkSetUp(link nl.Link) error              { return nl.LinkSetUp(link) }
func (realNetlink) LinkSetDown(link nl.Link) error            { return nl.LinkSetDown(link) }
func (realNetlink) RouteAdd(route *nl.Route) error            { return nl.RouteReplace(route) }
func (realNetlink) RouteDel(route *nl.Route) error            { return nl.RouteDel(route) }
func (realNetlink) RouteList(link nl.Link, family int) ([]nl.Route, error) {
	return nl.RouteList(link, family)
}

// Adapter is the Linux implementation of the Platform Adapter.
type Adapter struct {
	nlk Netlinker

	mu             sync.Mutex
	backedUpGw     map[int]net.IP // family -> gateway IP backed up before override
	backedUpLink   map[int]string
	backedUpDNS    []string
	dnsBackedUp    bool
}

// New constructs a Linux Platform Adapter using the real kernel netlink
// socket.
func New() *Adapter {
	return &Adapter{
		nlk:          realNetlink{},
		backedUpGw:   make(map[int]net.IP),
		backedUpLink: make(map[int]string),
	}
}

// NewWithNetlinker is used by tests to inject a fake.
func NewWithNetlinker(nlk Netlinker) *Adapter {
	return &Adapter{
		nlk:          nlk,
		backedUpGw:   make(map[int]net.IP),
		backedUpLink: make(map[int]string),
	}
}

// SetLinkUp brings an interface administratively up.
func (a *Adapter) SetLinkUp(ifaceName string) error {
	link, err := a.nlk.LinkByName(ifaceName)
	if err != nil {
		return dcserr.New(dcserr.NotFound, "platform: interface %q not found: %v", ifaceName, err)
	}
	if err := a.nlk.LinkSetUp(link); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error bringing up %s: %v", ifaceName, err)
	}
	return nil
}

// SetLinkDown brings an interface administratively down.
func (a *Adapter) SetLinkDown(ifaceName string) error {
	link, err := a.nlk.LinkByName(ifaceName)
	if err != nil {
		return dcserr.New(dcserr.NotFound, "platform: interface %q not found: %v", ifaceName, err)
	}
	if err := a.nlk.LinkSetDown(link); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error bringing down %s: %v", ifaceName, err)
	}
	return nil
}

// GetInterfaceState reports the current op-state of an interface as seen by
// the kernel (spec: get_interface_state / get_net_intf_state).
func (a *Adapter) GetInterfaceState(ifaceName string) (api.OpState, error) {
	link, err := a.nlk.LinkByName(ifaceName)
	if err != nil {
		return api.OpDown, dcserr.New(dcserr.NotFound, "platform: interface %q not found: %v", ifaceName, err)
	}
	attrs := link.Attrs()
	if attrs.OperState == nl.OperUp {
		return api.OpUp, nil
	}
	return api.OpDown, nil
}

// SetDefaultGateway installs ifaceName/gw as the default route for family
// (syscall.AF_INET or syscall.AF_INET6), backing up the previous default
// gateway on that family first so RestoreDefaultGateway can undo it.
func (a *Adapter) SetDefaultGateway(family int, ifaceName string, gw net.IP) error {
	link, err := a.nlk.LinkByName(ifaceName)
	if err != nil {
		return dcserr.New(dcserr.NotFound, "platform: interface %q not found: %v", ifaceName, err)
	}

	a.backupDefaultGatewayLocked(family, link)

	// Remove the current default route(s) on this family first, so the new
	// gateway is the only default left once it is installed.
	if routes, err := a.nlk.RouteList(nil, family); err == nil {
		var stale []nl.Route
		for _, r := range routes {
			if isDefaultDst(r.Dst) && r.Gw != nil {
				stale = append(stale, r)
			}
		}
		for i := range stale {
			if err := a.nlk.RouteDel(&stale[i]); err != nil && !errors.Is(err, syscall.ESRCH) {
				return dcserr.New(dcserr.Fault, "platform: error removing current default route: %v", err)
			}
		}
	}

	dst := defaultDst(family)
	route := &nl.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Gw:        gw,
	}
	if err := a.nlk.RouteAdd(route); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error installing default route via %s: %v", ifaceName, err)
	}
	return nil
}

// DeleteDefaultGateway removes whatever default route currently exists for
// family, without restoring a prior one.
func (a *Adapter) DeleteDefaultGateway(family int) error {
	link, gw, ok := a.currentDefaultGateway(family)
	if !ok {
		return nil
	}
	route := &nl.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       defaultDst(family),
		Gw:        gw,
	}
	if err := a.nlk.RouteDel(route); err != nil && !errors.Is(err, syscall.ESRCH) {
		return dcserr.New(dcserr.Fault, "platform: error removing default route: %v", err)
	}
	return nil
}

// RestoreDefaultGateway reinstalls the gateway that SetDefaultGateway
// overwrote, if one was backed up.
func (a *Adapter) RestoreDefaultGateway(family int) error {
	a.mu.Lock()
	gw, ok := a.backedUpGw[family]
	ifaceName, ifOk := a.backedUpLink[family]
	a.mu.Unlock()
	if !ok || !ifOk {
		return nil
	}

	link, err := a.nlk.LinkByName(ifaceName)
	if err != nil {
		return dcserr.New(dcserr.NotFound, "platform: interface %q not found: %v", ifaceName, err)
	}
	route := &nl.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       defaultDst(family),
		Gw:        gw,
	}
	if err := a.nlk.RouteAdd(route); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error restoring default route: %v", err)
	}

	a.mu.Lock()
	delete(a.backedUpGw, family)
	delete(a.backedUpLink, family)
	a.mu.Unlock()
	return nil
}

// GetDefaultGateway returns the current default gateway's interface name
// and IP for family, if any.
func (a *Adapter) GetDefaultGateway(family int) (string, net.IP, bool) {
	link, gw, ok := a.currentDefaultGateway(family)
	if !ok {
		return "", nil, false
	}
	return link.Attrs().Name, gw, true
}

func (a *Adapter) currentDefaultGateway(family int) (nl.Link, net.IP, bool) {
	routes, err := a.nlk.RouteList(nil, family)
	if err != nil {
		return nil, nil, false
	}
	for _, r := range routes {
		if isDefaultDst(r.Dst) && r.Gw != nil {
			link, err := a.nlk.LinkByIndex(r.LinkIndex)
			if err != nil {
				continue
			}
			return link, r.Gw, true
		}
	}
	return nil, nil, false
}

// isDefaultDst reports whether dst names a default route: either no
// destination at all or the all-zeros /0 network that defaultDst builds.
func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}

func (a *Adapter) backupDefaultGatewayLocked(family int, newLink nl.Link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.backedUpGw[family]; ok {
		return // already holding a backup from an earlier override
	}
	link, gw, ok := a.currentDefaultGateway(family)
	if !ok {
		return
	}
	a.backedUpGw[family] = gw
	a.backedUpLink[family] = link.Attrs().Name
}

// ChangeRoute installs or removes a single non-default route via ifaceName,
// per spec §4.6 change_route. destAddr is an IPv4/IPv6 literal, or "" for a
// host route to gw; prefixLen is a decimal prefix length (0..32 for IPv4,
// 0..128 for IPv6) or, for callers still passing the legacy form, a
// dotted-decimal subnet mask, converted with a logged warning.
func (a *Adapter) ChangeRoute(ifaceName, destAddr, prefixLen string, gw net.IP, add bool) error {
	link, err := a.nlk.LinkByName(ifaceName)
	if err != nil {
		return dcserr.New(dcserr.NotFound, "platform: interface %q not found: %v", ifaceName, err)
	}

	dst, err := parseRouteDestination(destAddr, prefixLen, gw)
	if err != nil {
		return err
	}

	route := &nl.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Gw:        gw,
	}
	if add {
		if err := a.nlk.RouteAdd(route); err != nil {
			return dcserr.New(dcserr.Fault, "platform: error adding route %s: %v", dst, err)
		}
		return nil
	}
	if err := a.nlk.RouteDel(route); err != nil && !errors.Is(err, syscall.ESRCH) {
		return dcserr.New(dcserr.Fault, "platform: error deleting route %s: %v", dst, err)
	}
	return nil
}

// parseRouteDestination implements change_route's destination validation.
func parseRouteDestination(destAddr, prefixLen string, gw net.IP) (*net.IPNet, error) {
	if destAddr == "" {
		if gw == nil {
			return nil, dcserr.New(dcserr.BadParameter, "platform: change_route requires a gateway for a host route")
		}
		if gw.To4() != nil {
			return &net.IPNet{IP: gw.To4(), Mask: net.CIDRMask(32, 32)}, nil
		}
		return &net.IPNet{IP: gw.To16(), Mask: net.CIDRMask(128, 128)}, nil
	}

	ip := net.ParseIP(destAddr)
	if ip == nil {
		return nil, dcserr.New(dcserr.BadParameter, "platform: change_route: %q is not a valid IPv4/IPv6 address", destAddr)
	}
	is4 := ip.To4() != nil

	bits, err := config.ParsePrefixLength(prefixLen, !is4)
	if err != nil {
		converted, convErr := legacySubnetMaskPrefix(prefixLen)
		if !is4 || convErr != nil {
			return nil, dcserr.New(dcserr.BadParameter, "platform: change_route: %v", err)
		}
		slog.Default().Warn("platform: change_route received a legacy subnet mask, converting to prefix length", "mask", prefixLen, "prefix_length", converted)
		bits = converted
	}

	maxBits := 128
	if is4 {
		maxBits = 32
	}
	if bits < 0 || bits > maxBits {
		return nil, dcserr.New(dcserr.BadParameter, "platform: change_route: prefix length %d out of range for %q", bits, destAddr)
	}
	if is4 {
		return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(bits, 32)}, nil
	}
	return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(bits, 128)}, nil
}

// legacySubnetMaskPrefix converts a dotted-decimal IPv4 subnet mask (the
// form some older clients still send instead of a decimal prefix length)
// into its prefix-length equivalent.
func legacySubnetMaskPrefix(s string) (int, error) {
	maskIP := net.ParseIP(s)
	if maskIP == nil {
		return 0, fmt.Errorf("platform: %q is not an address", s)
	}
	mask4 := maskIP.To4()
	if mask4 == nil {
		return 0, fmt.Errorf("platform: %q is not an IPv4 subnet mask", s)
	}
	ones, bits := net.IPMask(mask4).Size()
	if bits == 0 {
		return 0, fmt.Errorf("platform: %q is not a contiguous subnet mask", s)
	}
	return ones, nil
}

// SetDNSNameServers overwrites /etc/resolv.conf with the given nameservers,
// backing up the previous contents on first call so
// RestoreInitialDNSNameServers can undo it.
func (a *Adapter) SetDNSNameServers(servers []string) error {
	a.mu.Lock()
	if !a.dnsBackedUp {
		existing, err := readResolvers(resolvConfPath)
		if err == nil {
			a.backedUpDNS = existing
		}
		a.dnsBackedUp = true
	}
	a.mu.Unlock()

	return writeResolvers(resolvConfPath, servers)
}

// RestoreInitialDNSNameServers reinstalls the nameservers that were present
// before the first SetDNSNameServers call.
func (a *Adapter) RestoreInitialDNSNameServers() error {
	a.mu.Lock()
	servers := a.backedUpDNS
	backedUp := a.dnsBackedUp
	a.mu.Unlock()
	if !backedUp {
		return nil
	}
	return writeResolvers(resolvConfPath, servers)
}

func readResolvers(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "nameserver ") {
			servers = append(servers, strings.TrimSpace(strings.TrimPrefix(line, "nameserver ")))
		}
	}
	return servers, nil
}

func writeResolvers(path string, servers []string) error {
	var b strings.Builder
	b.WriteString("# managed by dcsd\n")
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	tmp := path + ".dcsd-tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error writing resolver config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error installing resolver config: %v", err)
	}
	return nil
}

func defaultDst(family int) *net.IPNet {
	if family == syscall.AF_INET6 {
		return &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
	}
	return &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}
}

// GetTimeWithTimeProtocol queries a time server over the legacy RFC 868 time
// protocol. Go's ecosystem has no maintained client for this 32-bit-epoch
// protocol; it is small enough (one TCP round trip, one 4-byte payload) that
// hand-rolling it here does not forgo any corpus library.
func GetTimeWithTimeProtocol(ctx context.Context, server string) (time.Time, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(server, "37"))
	if err != nil {
		return time.Time{}, dcserr.New(dcserr.Unavailable, "platform: error dialing time server %s: %v", server, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var buf [4]byte
	if _, err := conn.Read(buf[:]); err != nil {
		return time.Time{}, dcserr.New(dcserr.Unavailable, "platform: error reading time response from %s: %v", server, err)
	}
	secsSince1900 := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	const unixToTimeEpochOffset = 2208988800 // seconds between 1900-01-01 and 1970-01-01
	return time.Unix(int64(secsSince1900)-unixToTimeEpochOffset, 0).UTC(), nil
}

// SyncClock queries the config store's configured time source
// (/time/protocol, /time/server) and sets the system wall clock to match.
// A blank server disables time sync entirely. This is the wiring point for
// GetTimeWithTimeProtocol/GetTimeWithNetworkTimeProtocol; callers run it
// on a periodic timer, the original system's own cadence for wall-clock
// drift correction.
func SyncClock(ctx context.Context, cfg *config.Store) error {
	server := cfg.GetString(config.KeyTimeServer, "")
	if server == "" {
		return nil
	}

	var (
		t   time.Time
		err error
	)
	switch config.TimeProtocol(cfg.GetInt(config.KeyTimeProtocol, int(config.TimeProtocolNTP))) {
	case config.TimeProtocolTime:
		t, err = GetTimeWithTimeProtocol(ctx, server)
	default:
		t, err = GetTimeWithNetworkTimeProtocol(ctx, server)
	}
	if err != nil {
		return err
	}

	tv := unix.NsecToTimeval(t.UnixNano())
	if err := unix.Settimeofday(&tv); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error setting system clock: %v", err)
	}
	return nil
}

// GetTimeWithNetworkTimeProtocol queries server over NTP.
func GetTimeWithNetworkTimeProtocol(ctx context.Context, server string) (time.Time, error) {
	opts := ntp.QueryOptions{Timeout: 5 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
	}
	resp, err := ntp.QueryWithOptions(server, opts)
	if err != nil {
		return time.Time{}, dcserr.New(dcserr.Unavailable, "platform: error querying NTP server %s: %v", server, err)
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, dcserr.New(dcserr.Unavailable, "platform: NTP response from %s failed validation: %v", server, err)
	}
	return time.Now().Add(resp.ClockOffset), nil
}
