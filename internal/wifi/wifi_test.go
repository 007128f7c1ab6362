package wifi

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/registry"
)

type fakeDriver struct {
	mu          sync.Mutex
	connectErr  error
	connects    []string
	disconnects int
	scanResult  []api.Channel
	scanErr     error
	leaseErr    error
	leaseGW     net.IP
	leaseDNS    []net.IP
	releases    int
}

func (f *fakeDriver) Connect(ssid, secProtocol, passphrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, ssid)
	return f.connectErr
}

func (f *fakeDriver) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeDriver) Scan() ([]api.Channel, error) {
	return f.scanResult, f.scanErr
}

func (f *fakeDriver) AcquireLease() (net.IP, []net.IP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaseGW, f.leaseDNS, f.leaseErr
}

func (f *fakeDriver) ReleaseLease() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]api.EventKind
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(map[string][]api.EventKind)}
}

func (s *recordingSink) Dispatch(tech api.Tech, techRef registry.TechRef, kind api.EventKind, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tech.String()
	s.events[key] = append(s.events[key], kind)
}

func (s *recordingSink) count(kind api.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, events := range s.events {
		for _, e := range events {
			if e == kind {
				n++
			}
		}
	}
	return n
}

type fakeCreds struct{}

func (fakeCreds) WifiSecProtocol() string { return "wpa2-psk" }
func (fakeCreds) WifiPassphrase() string  { return "hunter2" }

func TestWifi_Start_SecondSSIDIgnoredWhileFirstSelected(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{}
	sink := newRecordingSink()
	a := New(nil, sink, driver, fakeCreds{})

	ref1, err := a.CreateRef("home-ap")
	require.NoError(t, err)
	ref2, err := a.CreateRef("guest-ap")
	require.NoError(t, err)

	require.NoError(t, a.Start(ref1))
	require.Eventually(t, func() bool { return sink.count(api.EventUp) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Start(ref2))
	time.Sleep(20 * time.Millisecond)

	driver.mu.Lock()
	connects := append([]string{}, driver.connects...)
	driver.mu.Unlock()
	require.Equal(t, []string{"home-ap"}, connects, "second SSID must be ignored while first is selected")

	state, _ := a.GetOpState(ref2)
	require.Equal(t, api.OpDown, state)
}

func TestWifi_Stop_ReleasesSingletonSlotForNextSSID(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{}
	sink := newRecordingSink()
	a := New(nil, sink, driver, fakeCreds{})

	ref1, err := a.CreateRef("home-ap")
	require.NoError(t, err)
	ref2, err := a.CreateRef("guest-ap")
	require.NoError(t, err)

	require.NoError(t, a.Start(ref1))
	require.Eventually(t, func() bool { return sink.count(api.EventUp) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, a.Stop(ref1))

	require.NoError(t, a.Start(ref2))
	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		for _, s := range driver.connects {
			if s == "guest-ap" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestWifi_AllowStart_RejectsSecondSSIDAndDuplicate(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{}
	sink := newRecordingSink()
	a := New(nil, sink, driver, fakeCreds{})

	ref1, err := a.CreateRef("home-ap")
	require.NoError(t, err)
	ref2, err := a.CreateRef("guest-ap")
	require.NoError(t, err)

	require.NoError(t, a.AllowStart(ref1))
	require.NoError(t, a.Start(ref1))
	require.Eventually(t, func() bool { return sink.count(api.EventUp) == 1 }, time.Second, time.Millisecond)

	err = a.AllowStart(ref2)
	require.Error(t, err)
	require.Equal(t, dcserr.NotPermitted, err.(*dcserr.Error).Kind)

	err = a.AllowStart(ref1)
	require.Error(t, err)
	require.Equal(t, dcserr.Duplicate, err.(*dcserr.Error).Kind)
}

func TestWifi_Attempt_ThreeTempDownThenDown(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{connectErr: &dcserr.Error{Kind: dcserr.Unavailable}}
	sink := newRecordingSink()
	a := New(nil, sink, driver, fakeCreds{})

	ref, err := a.CreateRef("flaky-ap")
	require.NoError(t, err)
	require.NoError(t, a.Start(ref))

	require.Eventually(t, func() bool { return sink.count(api.EventDown) == 1 }, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, sink.count(api.EventTempDown), "expected 3 TempDown before the final Down")
	require.Equal(t, 1, sink.count(api.EventDown))
}

func TestWifi_Attempt_DHCPFailureEmitsDown(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{leaseErr: &dcserr.Error{Kind: dcserr.Unavailable}}
	sink := newRecordingSink()
	a := New(nil, sink, driver, fakeCreds{})

	ref, err := a.CreateRef("home-ap")
	require.NoError(t, err)
	require.NoError(t, a.Start(ref))

	require.Eventually(t, func() bool { return sink.count(api.EventDown) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, sink.count(api.EventUp))

	state, _ := a.GetOpState(ref)
	require.Equal(t, api.OpDown, state)
}

func TestWifi_NotifyDisconnected_RetriesEstablishedConnection(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{}
	sink := newRecordingSink()
	a := New(nil, sink, driver, fakeCreds{})

	ref, err := a.CreateRef("home-ap")
	require.NoError(t, err)
	require.NoError(t, a.Start(ref))
	require.Eventually(t, func() bool { return sink.count(api.EventUp) == 1 }, time.Second, time.Millisecond)

	a.NotifyDisconnected(&dcserr.Error{Kind: dcserr.Unavailable})
	require.Eventually(t, func() bool { return sink.count(api.EventUp) == 2 }, time.Second, time.Millisecond)
}

func TestWifi_GetChannelList_CachesScanResult(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{scanResult: []api.Channel{{Name: "home-ap", Tech: api.TechWifi}}}
	a := New(nil, newRecordingSink(), driver, fakeCreds{})

	var got []api.Channel
	a.GetChannelList(func(channels []api.Channel, err error) {
		require.NoError(t, err)
		got = channels
	})
	require.Len(t, got, 1)

	driver.scanResult = nil
	a.GetChannelList(func(channels []api.Channel, err error) {
		require.NoError(t, err)
		require.Len(t, channels, 1, "cached result should be reused within TTL")
	})
}
