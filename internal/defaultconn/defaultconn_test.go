package defaultconn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	nl "github.com/vishvananda/netlink"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/config"
	"github.com/corenet/dcsd/internal/loop"
	"github.com/corenet/dcsd/internal/platform"
	"github.com/corenet/dcsd/internal/registry"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	nextRef uint64
	opState map[registry.TechRef]api.OpState
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{opState: make(map[registry.TechRef]api.OpState)}
}

func (f *fakeDispatcher) CreateTechRef(tech api.Tech, name string) (registry.TechRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRef++
	ref := registry.TechRef(f.nextRef)
	f.opState[ref] = api.OpDown
	return ref, nil
}
func (f *fakeDispatcher) ReleaseTechRef(tech api.Tech, ref registry.TechRef) {}
func (f *fakeDispatcher) AllowChannelStart(tech api.Tech, ref registry.TechRef) error { return nil }
func (f *fakeDispatcher) GetOpState(tech api.Tech, ref registry.TechRef) (api.OpState, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opState[ref], "eth0"
}
func (f *fakeDispatcher) Start(tech api.Tech, ref registry.TechRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opState[ref] = api.OpUp
	return nil
}
func (f *fakeDispatcher) Stop(tech api.Tech, ref registry.TechRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opState[ref] = api.OpDown
	return nil
}
func (f *fakeDispatcher) GetLease(tech api.Tech, ref registry.TechRef) (net.IP, []net.IP, bool) {
	return nil, nil, false
}

type fakeLink struct{ attrs nl.LinkAttrs }

func (l *fakeLink) Attrs() *nl.LinkAttrs { return &l.attrs }
func (l *fakeLink) Type() string         { return "fake" }

type fakeNetlinker struct {
	mu     sync.Mutex
	links  map[string]*fakeLink
	routes []nl.Route
}

func newFakeNetlinker() *fakeNetlinker {
	return &fakeNetlinker{links: map[string]*fakeLink{
		"eth0": {attrs: nl.LinkAttrs{Name: "eth0", Index: 2, OperState: nl.OperUp}},
	}}
}

func (f *fakeNetlinker) LinkByName(name string) (nl.Link, error) {
	l, ok := f.links[name]
	if !ok {
		return nil, net.UnknownNetworkError("no such link")
	}
	return l, nil
}
func (f *fakeNetlinker) LinkByIndex(index int) (nl.Link, error) {
	for _, l := range f.links {
		if l.attrs.Index == index {
			return l, nil
		}
	}
	return nil, net.UnknownNetworkError("no such link")
}
func (f *fakeNetlinker) LinkSetUp(link nl.Link) error   { return nil }
func (f *fakeNetlinker) LinkSetDown(link nl.Link) error { return nil }
func (f *fakeNetlinker) RouteAdd(route *nl.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, *route)
	return nil
}
func (f *fakeNetlinker) RouteDel(route *nl.Route) error { return nil }
func (f *fakeNetlinker) RouteList(link nl.Link, family int) ([]nl.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routes, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeNetlinker) {
	t.Helper()
	l := loop.New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	reg := registry.New(nil, l, nil)
	reg.SetDispatcher(newFakeDispatcher())

	cfg := config.New(t.TempDir() + "/store.json")
	fnl := newFakeNetlinker()
	plat := platform.NewWithNetlinker(fnl)

	c := New(nil, reg, cfg, plat, []api.Tech{api.TechEthernet, api.TechWifi, api.TechCellular})
	return c, fnl
}

func TestDefaultConn_GetFirstAndNextUsedTechnology(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)

	first, ok := c.GetFirstUsedTechnology()
	require.True(t, ok)
	require.Equal(t, api.TechEthernet, first)

	next, ok := c.GetNextUsedTechnology(api.TechEthernet)
	require.True(t, ok)
	require.Equal(t, api.TechWifi, next)
}

func TestDefaultConn_Request_InstallsDefaultRouteAfterSettle(t *testing.T) {
	t.Parallel()
	c, fnl := newTestCoordinator(t)

	c.Request(1)

	require.Eventually(t, func() bool {
		fnl.mu.Lock()
		defer fnl.mu.Unlock()
		return len(fnl.routes) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDefaultConn_Release_TearsDownSession(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)

	c.Request(1)
	time.Sleep(50 * time.Millisecond)
	c.Release(1)

	c.mu.Lock()
	haveSession := c.haveSession
	c.mu.Unlock()
	require.False(t, haveSession)
}
