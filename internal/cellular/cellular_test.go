package cellular

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/registry"
)

type fakeDriver struct {
	mu         sync.Mutex
	psAttached bool
	connectErr error
	connects   int
	disconnects int
}

func (f *fakeDriver) Connect(profileIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeDriver) Disconnect(profileIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeDriver) PSAttached(profileIndex int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.psAttached, nil
}

func (f *fakeDriver) InterfaceName(profileIndex int) string { return "wwan0" }

type recordingSink struct {
	mu     sync.Mutex
	events []api.EventKind
}

func (s *recordingSink) Dispatch(tech api.Tech, techRef registry.TechRef, kind api.EventKind, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, kind)
}

func (s *recordingSink) count(kind api.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == kind {
			n++
		}
	}
	return n
}

func TestCellular_AllowStart_RespectsPSGate(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{psAttached: false}
	a := New(nil, &recordingSink{}, driver)

	ref, err := a.CreateRef("0")
	require.NoError(t, err)

	err = a.AllowStart(ref)
	require.Error(t, err)

	driver.psAttached = true
	require.NoError(t, a.AllowStart(ref))
}

func TestCellular_Start_SuccessResetsRetryCounterToOne(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{psAttached: true}
	sink := &recordingSink{}
	a := New(nil, sink, driver)
	ref, err := a.CreateRef("3")
	require.NoError(t, err)

	require.NoError(t, a.Start(ref))
	require.Eventually(t, func() bool { return sink.count(api.EventUp) == 1 }, time.Second, time.Millisecond)

	c, err := a.lookup(ref)
	require.NoError(t, err)
	c.mu.Lock()
	retries := c.retries
	c.mu.Unlock()
	require.Equal(t, 1, retries)
}

func TestCellular_Start_ExhaustsRetriesThenReportsDown(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{psAttached: true, connectErr: errConnectFailed{}}
	sink := &recordingSink{}
	a := New(nil, sink, driver)
	ref, err := a.CreateRef("1")
	require.NoError(t, err)

	require.NoError(t, a.Start(ref))

	require.Eventually(t, func() bool {
		return sink.count(api.EventDown) == 1
	}, 20*time.Second, 10*time.Millisecond)

	driver.mu.Lock()
	connects := driver.connects
	driver.mu.Unlock()
	require.GreaterOrEqual(t, connects, maxRetries)
}

type errConnectFailed struct{}

func (errConnectFailed) Error() string { return "connect failed" }

func TestCellular_Stop_CancelsPendingRetryTimer(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{psAttached: true, connectErr: errConnectFailed{}}
	sink := &recordingSink{}
	a := New(nil, sink, driver)
	ref, err := a.CreateRef("2")
	require.NoError(t, err)

	require.NoError(t, a.Start(ref))
	require.Eventually(t, func() bool { return sink.count(api.EventTempDown) >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Stop(ref))

	state, _ := a.GetOpState(ref)
	require.Equal(t, api.OpDown, state)
}
