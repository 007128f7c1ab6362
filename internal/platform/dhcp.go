package platform

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"

	"github.com/corenet/dcsd/internal/dcserr"
)

// leaseDir holds one lease file per interface, named <iface>.lease and
// written as KEY=VALUE lines, so other tooling on the host can find the
// current lease.
const leaseDir = "/var/lib/dcsd/dhcp"

// Lease is the result of a successful DHCPv4 exchange.
type Lease struct {
	IP      net.IP
	Mask    net.IPMask
	Gateway net.IP
	DNS     []net.IP
	LeaseAt time.Time
}

type dhcpClient struct {
	mu      sync.Mutex
	clients map[string]*nclient4.Client
}

var dhcpClients = &dhcpClient{clients: make(map[string]*nclient4.Client)}

// AskForIPAddress runs a full DHCPv4 DISCOVER/OFFER/REQUEST/ACK exchange on
// ifaceName and writes the resulting lease to disk (spec: ask_for_ip_address).
func AskForIPAddress(ctx context.Context, ifaceName string) (*Lease, error) {
	client, err := nclient4.New(ifaceName)
	if err != nil {
		return nil, dcserr.New(dcserr.Fault, "platform: error opening DHCP client on %s: %v", ifaceName, err)
	}

	dhcpClients.mu.Lock()
	dhcpClients.clients[ifaceName] = client
	dhcpClients.mu.Unlock()

	_, ack, err := client.Request(ctx)
	if err != nil {
		return nil, dcserr.New(dcserr.Unavailable, "platform: DHCP request on %s failed: %v", ifaceName, err)
	}

	lease := &Lease{
		IP:      ack.YourIPAddr,
		Mask:    ack.SubnetMask(),
		Gateway: firstIP(ack.Router()),
		DNS:     ack.DNS(),
		LeaseAt: time.Now(),
	}

	if err := writeLeaseFile(ifaceName, lease); err != nil {
		return lease, err
	}
	return lease, nil
}

// StopDHCP releases the client for ifaceName, if one is outstanding.
func StopDHCP(ifaceName string) error {
	dhcpClients.mu.Lock()
	client, ok := dhcpClients.clients[ifaceName]
	delete(dhcpClients.clients, ifaceName)
	dhcpClients.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

// GetDHCPLeaseFilePath returns the path the lease for ifaceName is written
// to (spec: get_dhcp_lease_file_path).
func GetDHCPLeaseFilePath(ifaceName string) string {
	return filepath.Join(leaseDir, ifaceName+".lease")
}

func writeLeaseFile(ifaceName string, lease *Lease) error {
	if err := os.MkdirAll(leaseDir, 0755); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error creating lease directory: %v", err)
	}
	var dns string
	for i, ip := range lease.DNS {
		if i > 0 {
			dns += ","
		}
		dns += ip.String()
	}
	contents := fmt.Sprintf("IPADDR=%s\nNETMASK=%s\nGATEWAY=%s\nDNS=%s\nLEASE_AT=%s\n",
		lease.IP, net.IP(lease.Mask), lease.Gateway, dns, lease.LeaseAt.Format(time.RFC3339))

	path := GetDHCPLeaseFilePath(ifaceName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0644); err != nil {
		return dcserr.New(dcserr.Fault, "platform: error writing lease file: %v", err)
	}
	return os.Rename(tmp, path)
}

func firstIP(ips []net.IP) net.IP {
	if len(ips) == 0 {
		return nil
	}
	return ips[0]
}
