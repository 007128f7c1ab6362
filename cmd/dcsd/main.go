//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/corenet/dcsd/internal/aggregator"
	dcsapi "github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/cellular"
	"github.com/corenet/dcsd/internal/config"
	"github.com/corenet/dcsd/internal/defaultconn"
	"github.com/corenet/dcsd/internal/ethernet"
	"github.com/corenet/dcsd/internal/loop"
	"github.com/corenet/dcsd/internal/platform"
	"github.com/corenet/dcsd/internal/registry"
	"github.com/corenet/dcsd/internal/techdispatch"
	"github.com/corenet/dcsd/internal/wifi"
	"github.com/corenet/dcsd/internal/wifidriver"
)

var (
	sockFile             = flag.String("sock-file", "/var/run/dcsd/dcsd.sock", "path to the dcsd domain socket")
	configFile           = flag.String("config-file", "/var/lib/dcsd/config.json", "path to the persisted configuration store")
	enableVerboseLogging = flag.Bool("v", false, "enables verbose logging")
	metricsEnable        = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr          = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	wifiInterface        = flag.String("wifi-interface", "wlan0", "wireless interface the Wi-Fi adapter controls")
	versionFlag          = flag.Bool("version", false, "print build version")

	version = "dev"
	commit  = "none"
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerboseLogging {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("version: %s\n", version)
		fmt.Printf("build: %s\n", commit)
		os.Exit(0)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dcsd_build_info", Help: "Build information of dcsd"},
			[]string{"version", "commit"},
		)
		buildInfo.WithLabelValues(version, commit).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				logger.Error("metrics: failed to start listener", "error", err)
				os.Exit(1)
			}
			http.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics: server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				log.Printf("metrics: server error: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("dcsd: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("error loading config store: %w", err)
	}
	if err := cfg.PurgeSessionCleanup(); err != nil {
		logger.Warn("config: error purging stale session-cleanup markers", "error", err)
	}

	l := loop.New(logger, 64)
	go l.Run(ctx)

	reg := registry.New(logger, l, cfg)

	plat := platform.New()

	ethDriver := &netlinkEthernetDriver{plat: plat}
	ethAdapter := ethernet.New(logger, reg, ethDriver)

	cellDriver := &unsupportedCellularDriver{}
	cellAdapter := cellular.New(logger, reg, cellDriver)

	wifiDrv, err := wifidriver.New(*wifiInterface)
	var adapters = map[dcsapi.Tech]techdispatch.Adapter{
		dcsapi.TechEthernet: ethAdapter,
		dcsapi.TechCellular: cellAdapter,
	}
	if err != nil {
		logger.Warn("wifi: no wireless interface available, Wi-Fi technology disabled", "error", err)
	} else {
		wifiAdapter := wifi.New(logger, reg, wifiDrv, &wifiCreds{cfg: cfg})
		adapters[dcsapi.TechWifi] = wifiAdapter
		wifiDrv.SetNotifier(wifiAdapter)
		go wifiDrv.Monitor(ctx)
	}

	disp := techdispatch.New(logger, adapters)
	reg.SetDispatcher(disp)

	aggr := aggregator.New(logger, disp)
	reg.SetAggregator(aggr)

	coord := defaultconn.New(logger, reg, cfg, plat, []dcsapi.Tech{dcsapi.TechEthernet, dcsapi.TechWifi, dcsapi.TechCellular})

	go runClockSync(ctx, logger, cfg)

	server := &dcsapi.Server{Registry: reg, Coordinator: coord, Routes: plat}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /channels/start", server.ServeStart)
	mux.HandleFunc("POST /channels/stop", server.ServeStop)
	mux.HandleFunc("GET /channels", server.ServeChannels)
	mux.HandleFunc("GET /channels/query", server.ServeChannelQuery)
	mux.HandleFunc("POST /routes", server.ServeChangeRoute)
	mux.HandleFunc("POST /default-connection/request", server.ServeDefaultConnectionRequest)
	mux.HandleFunc("POST /default-connection/release", server.ServeDefaultConnectionRelease)
	mux.HandleFunc("POST /config", config.NewUpdateHandler(logger, cfg))

	_ = os.Remove(*sockFile)
	lis, err := net.Listen("unix", *sockFile)
	if err != nil {
		return fmt.Errorf("error creating socket listener: %w", err)
	}
	defer unix.Unlink(*sockFile) //nolint:errcheck
	if err := os.Chmod(*sockFile, 0660); err != nil {
		logger.Warn("error setting socket file permissions", "error", err)
	}

	httpServer := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dcsd: api server started", "socket", *sockFile)
		errCh <- httpServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("dcsd: shutting down")
		_ = httpServer.Close()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// clockSyncInterval is how often runClockSync re-queries the configured
// time source, in case the clock has drifted or the config changed.
const clockSyncInterval = time.Hour

// runClockSync periodically synchronizes the system clock against the
// config store's /time/protocol and /time/server keys, syncing once
// immediately on startup. A config with no time server configured is a
// silent no-op on every tick.
func runClockSync(ctx context.Context, logger *slog.Logger, cfg *config.Store) {
	sync := func() {
		if err := platform.SyncClock(ctx, cfg); err != nil {
			logger.Warn("clock: error syncing system time", "error", err)
		}
	}
	sync()
	ticker := time.NewTicker(clockSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		}
	}
}

// netlinkEthernetDriver adapts the platform package's link operations to
// ethernet.Driver.
type netlinkEthernetDriver struct {
	plat *platform.Adapter
}

func (d *netlinkEthernetDriver) SetLinkUp(ifaceName string) error {
	return d.plat.SetLinkUp(ifaceName)
}

func (d *netlinkEthernetDriver) SetLinkDown(ifaceName string) error {
	return d.plat.SetLinkDown(ifaceName)
}

func (d *netlinkEthernetDriver) LinkState(ifaceName string) (dcsapi.OpState, error) {
	return d.plat.GetInterfaceState(ifaceName)
}

func (d *netlinkEthernetDriver) ListInterfaces() ([]dcsapi.Channel, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var channels []dcsapi.Channel
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if !strings.HasPrefix(iface.Name, "eth") && !strings.HasPrefix(iface.Name, "en") {
			continue
		}
		channels = append(channels, dcsapi.Channel{Name: iface.Name, Tech: dcsapi.TechEthernet})
	}
	return channels, nil
}

func (d *netlinkEthernetDriver) HasAddress(ifaceName string) (bool, bool, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return false, false, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false, false, err
	}
	var hasIPv4, hasIPv6 bool
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.To4() != nil {
			hasIPv4 = true
		} else {
			hasIPv6 = true
		}
	}
	return hasIPv4, hasIPv6, nil
}

func (d *netlinkEthernetDriver) AcquireLease(ifaceName string) (net.IP, []net.IP, error) {
	lease, err := platform.AskForIPAddress(context.Background(), ifaceName)
	if err != nil {
		return nil, nil, err
	}
	return lease.Gateway, lease.DNS, nil
}

func (d *netlinkEthernetDriver) ReleaseLease(ifaceName string) {
	_ = platform.StopDHCP(ifaceName)
}

// unsupportedCellularDriver reports no PS attach ever, for builds with no
// modem-management stack wired in; CreateRef still succeeds so the channel
// is visible, but AllowStart always refuses.
type unsupportedCellularDriver struct{}

func (unsupportedCellularDriver) Connect(profileIndex int) error    { return fmt.Errorf("no modem management backend configured") }
func (unsupportedCellularDriver) Disconnect(profileIndex int) error { return nil }
func (unsupportedCellularDriver) PSAttached(profileIndex int) (bool, error) { return false, nil }
func (unsupportedCellularDriver) InterfaceName(profileIndex int) string    { return "" }

// wifiCreds adapts the config store's Wi-Fi keys to wifi.CredentialSource.
type wifiCreds struct {
	cfg *config.Store
}

func (c *wifiCreds) WifiSecProtocol() string { return c.cfg.GetString(config.KeyWifiSecProtocol, "wpa2-psk") }
func (c *wifiCreds) WifiPassphrase() string  { return c.cfg.GetString(config.KeyWifiPassphrase, "") }
