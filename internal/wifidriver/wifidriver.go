// Package wifidriver implements wifi.Driver against a real radio: interface
// discovery over nl80211 via mdlayher/wifi, and association control via
// wpa_supplicant's wpa_cli front-end. nl80211 itself exposes signal/station
// telemetry but not an "associate with SSID X using passphrase Y" verb —
// that lives in wpa_supplicant, so association is driven through its
// existing control-socket client rather than reimplementing WPA
// negotiation here.
package wifidriver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	mwifi "github.com/mdlayher/wifi"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/platform"
)

// Notifier receives unsolicited association-state changes observed by
// Monitor, outside of any Connect/Disconnect call this driver issued
// itself.
type Notifier interface {
	NotifyDisconnected(reason error)
}

// Driver drives a single wireless interface.
type Driver struct {
	ifaceName string
	client    *mwifi.Client
	execCtx   func() (context.Context, context.CancelFunc)
	notifier  Notifier
}

// New opens the nl80211 family and verifies ifaceName exists.
func New(ifaceName string) (*Driver, error) {
	client, err := mwifi.New()
	if err != nil {
		return nil, fmt.Errorf("wifidriver: error opening nl80211: %w", err)
	}
	ifaces, err := client.Interfaces()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("wifidriver: error listing interfaces: %w", err)
	}
	found := false
	for _, iface := range ifaces {
		if iface.Name == ifaceName {
			found = true
			break
		}
	}
	if !found {
		client.Close()
		return nil, dcserr.New(dcserr.NotFound, "wifidriver: no wireless interface named %q", ifaceName)
	}
	return &Driver{
		ifaceName: ifaceName,
		client:    client,
		execCtx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 10*time.Second)
		},
	}, nil
}

// Close releases the nl80211 handle.
func (d *Driver) Close() error {
	return d.client.Close()
}

// SetNotifier wires the background status Monitor to the adapter that
// consumes its events. Called after the wifi.Adapter wrapping this driver
// is constructed, since the driver itself is built first so its
// interface-existence check can gate whether Wi-Fi is enabled at all.
func (d *Driver) SetNotifier(n Notifier) {
	d.notifier = n
}

// Monitor polls wpa_cli status at a fixed interval and reports an
// unsolicited drop out of the COMPLETED association state through the
// configured Notifier. Intended to run in its own goroutine for the
// lifetime of the process; returns when ctx is canceled.
func (d *Driver) Monitor(ctx context.Context) {
	const pollInterval = 3 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wasConnected := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := d.wpaCli("status")
			connected := err == nil && strings.Contains(out, "wpa_state=COMPLETED")
			if wasConnected && !connected && d.notifier != nil {
				d.notifier.NotifyDisconnected(fmt.Errorf("wifidriver: wpa_state left COMPLETED"))
			}
			wasConnected = connected
		}
	}
}

func (d *Driver) wpaCli(args ...string) (string, error) {
	ctx, cancel := d.execCtx()
	defer cancel()
	cmd := exec.CommandContext(ctx, "wpa_cli", append([]string{"-i", d.ifaceName}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("wifidriver: wpa_cli %v: %w", args, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Connect adds and selects a network with the given SSID/credentials.
// secProtocol is either "wpa2-psk" or "open"; any other value is treated as
// open.
func (d *Driver) Connect(ssid, secProtocol, passphrase string) error {
	idOut, err := d.wpaCli("add_network")
	if err != nil {
		return err
	}
	netID := strings.TrimSpace(idOut)

	if _, err := d.wpaCli("set_network", netID, "ssid", fmt.Sprintf("%q", ssid)); err != nil {
		return err
	}
	if strings.EqualFold(secProtocol, "wpa2-psk") && passphrase != "" {
		if _, err := d.wpaCli("set_network", netID, "psk", fmt.Sprintf("%q", passphrase)); err != nil {
			return err
		}
	} else {
		if _, err := d.wpaCli("set_network", netID, "key_mgmt", "NONE"); err != nil {
			return err
		}
	}
	if _, err := d.wpaCli("enable_network", netID); err != nil {
		return err
	}
	out, err := d.wpaCli("select_network", netID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(out, "OK") && out != "" {
		return dcserr.New(dcserr.Fault, "wifidriver: select_network returned %q", out)
	}
	return nil
}

// Disconnect tears down the current association.
func (d *Driver) Disconnect() error {
	_, err := d.wpaCli("disconnect")
	return err
}

// Scan triggers an active scan and returns the resulting BSS list as
// channel candidates.
func (d *Driver) Scan() ([]api.Channel, error) {
	if _, err := d.wpaCli("scan"); err != nil {
		return nil, err
	}
	time.Sleep(2 * time.Second) // scan completion is asynchronous; give the radio time to finish

	out, err := d.wpaCli("scan_results")
	if err != nil {
		return nil, err
	}

	var channels []api.Channel
	scanner := bufio.NewScanner(strings.NewReader(out))
	first := true
	for scanner.Scan() {
		if first {
			first = false // header row: bssid / frequency / signal level / flags / ssid
			continue
		}
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 5 {
			continue
		}
		ssid := fields[4]
		if ssid == "" {
			continue
		}
		channels = append(channels, api.Channel{Name: ssid, Tech: api.TechWifi})
	}
	return channels, nil
}

// AcquireLease runs a DHCPv4 exchange on the associated interface, called by
// the adapter once Connect succeeds.
func (d *Driver) AcquireLease() (net.IP, []net.IP, error) {
	ctx, cancel := d.execCtx()
	defer cancel()
	lease, err := platform.AskForIPAddress(ctx, d.ifaceName)
	if err != nil {
		return nil, nil, err
	}
	return lease.Gateway, lease.DNS, nil
}

// ReleaseLease stops any outstanding DHCP client for the interface.
func (d *Driver) ReleaseLease() {
	_ = platform.StopDHCP(d.ifaceName)
}

// StationSignal reports the current station's signal strength in dBm, for
// diagnostics; not part of the wifi.Driver contract.
func (d *Driver) StationSignal() (int, error) {
	ifaces, err := d.client.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, iface := range ifaces {
		if iface.Name != d.ifaceName {
			continue
		}
		info, err := d.client.StationInfo(iface)
		if err != nil {
			return 0, err
		}
		if len(info) == 0 {
			return 0, dcserr.New(dcserr.Unavailable, "wifidriver: no station info for %s", d.ifaceName)
		}
		return info[0].Signal, nil
	}
	return 0, dcserr.New(dcserr.NotFound, "wifidriver: interface %q not found", d.ifaceName)
}
