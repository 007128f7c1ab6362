package registry

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/loop"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	nextRef  uint64
	opState  map[TechRef]api.OpState
	allow    error
	createErr error
	startCalls int
	stopCalls  int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{opState: make(map[TechRef]api.OpState)}
}

func (f *fakeDispatcher) CreateTechRef(tech api.Tech, name string) (TechRef, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRef++
	ref := TechRef(f.nextRef)
	f.opState[ref] = api.OpDown
	return ref, nil
}

func (f *fakeDispatcher) ReleaseTechRef(tech api.Tech, ref TechRef) {}

func (f *fakeDispatcher) AllowChannelStart(tech api.Tech, ref TechRef) error {
	return f.allow
}

func (f *fakeDispatcher) GetOpState(tech api.Tech, ref TechRef) (api.OpState, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opState[ref], "eth0"
}

func (f *fakeDispatcher) Start(tech api.Tech, ref TechRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.opState[ref] = api.OpUp
	return nil
}

func (f *fakeDispatcher) Stop(tech api.Tech, ref TechRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.opState[ref] = api.OpDown
	return nil
}

func (f *fakeDispatcher) GetLease(tech api.Tech, ref TechRef) (net.IP, []net.IP, bool) {
	return nil, nil, false
}

func (f *fakeDispatcher) setOpState(ref TechRef, s api.OpState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opState[ref] = s
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDispatcher, func()) {
	t.Helper()
	l := loop.New(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	r := New(nil, l, nil)
	disp := newFakeDispatcher()
	r.SetDispatcher(disp)
	return r, disp, cancel
}

func TestRegistry_GetReference_CreatesChannelOnce(t *testing.T) {
	t.Parallel()
	r, disp, _ := newTestRegistry(t)

	ref1, err := r.GetReference(api.TechEthernet, "eth0")
	require.NoError(t, err)
	ref2, err := r.GetReference(api.TechEthernet, "eth0")
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)
	require.Equal(t, uint64(1), disp.nextRef)
}

func TestRegistry_GetReference_UnsupportedChannel(t *testing.T) {
	t.Parallel()
	r, disp, _ := newTestRegistry(t)
	disp.createErr = errUnsupported{}

	_, err := r.GetReference(api.TechCellular, "profile-9")
	require.Error(t, err)
}

type errUnsupported struct{}

func (errUnsupported) Error() string { return "unsupported" }

func TestRegistry_StartStop_FirstInLastOutRefcounting(t *testing.T) {
	t.Parallel()
	r, disp, _ := newTestRegistry(t)

	ref, err := r.GetReference(api.TechEthernet, "eth0")
	require.NoError(t, err)

	req1, err := r.Start(1, ref)
	require.NoError(t, err)
	req2, err := r.Start(2, ref)
	require.NoError(t, err)
	require.NotEqual(t, req1, req2)

	state, _, err := r.GetState(ref)
	require.NoError(t, err)
	require.Equal(t, api.StateUp, state)

	require.NoError(t, r.Stop(1, req1))
	state, _, err = r.GetState(ref)
	require.NoError(t, err)
	require.Equal(t, api.StateUp, state, "still held by second requester")

	require.NoError(t, r.Stop(2, req2))

	require.Eventually(t, func() bool {
		state, _, err := r.GetState(ref)
		return err == nil && state == api.StateDown
	}, time.Second, time.Millisecond, "channel should go down once ref count reaches zero")

	require.Equal(t, 1, disp.stopCalls)
}

func TestRegistry_Stop_UnknownRequestRef(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	err := r.Stop(1, api.RequestRef(999))
	require.Error(t, err)
}

func TestRegistry_Start_AlreadyUpSynthesizesEventWithoutAdapterCall(t *testing.T) {
	t.Parallel()
	r, disp, _ := newTestRegistry(t)

	ref, err := r.GetReference(api.TechEthernet, "eth0")
	require.NoError(t, err)

	_, err = r.Start(1, ref)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.startCalls == 1 }, time.Second, time.Millisecond)

	var events int32
	_, err = r.AddEventHandler(2, ref, func(ref api.ChannelRef, kind api.EventKind, code int, ctx any) {
		if kind == api.EventUp {
			atomic.AddInt32(&events, 1)
		}
	}, nil)
	require.NoError(t, err)

	_, err = r.Start(2, ref)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&events) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, disp.startCalls, "second start while already up must not re-invoke the adapter")
}

func TestRegistry_AddEventHandler_ReplacesPriorHandlerForSameSession(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ref, err := r.GetReference(api.TechWifi, "home-ap")
	require.NoError(t, err)

	var firstCalls, secondCalls int32
	_, err = r.AddEventHandler(1, ref, func(api.ChannelRef, api.EventKind, int, any) {
		atomic.AddInt32(&firstCalls, 1)
	}, nil)
	require.NoError(t, err)

	href2, err := r.AddEventHandler(1, ref, func(api.ChannelRef, api.EventKind, int, any) {
		atomic.AddInt32(&secondCalls, 1)
	}, nil)
	require.NoError(t, err)
	require.NotZero(t, href2)

	r.Dispatch(api.TechWifi, r.byRef[ref].techRef, api.EventUp, 0)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&secondCalls) == 1 }, time.Second, time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&firstCalls))
}

func TestRegistry_RemoveEventHandler_IsIdempotent(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ref, err := r.GetReference(api.TechWifi, "home-ap")
	require.NoError(t, err)
	href, err := r.AddEventHandler(1, ref, func(api.ChannelRef, api.EventKind, int, any) {}, nil)
	require.NoError(t, err)

	require.NoError(t, r.RemoveEventHandler(1, href))
	require.NoError(t, r.RemoveEventHandler(1, href))
}

func TestRegistry_Dispatch_DownInvalidatesOutstandingRequestRefs(t *testing.T) {
	t.Parallel()
	r, disp, _ := newTestRegistry(t)
	ref, err := r.GetReference(api.TechCellular, "profile-0")
	require.NoError(t, err)
	req, err := r.Start(1, ref)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.startCalls == 1 }, time.Second, time.Millisecond)

	techRef := r.byRef[ref].techRef
	r.Dispatch(api.TechCellular, techRef, api.EventDown, 7)

	// The request ref is now dangling; Stop on it must report not-found,
	// mirroring the registry's own bookkeeping having already cleared it.
	err = r.Stop(1, req)
	require.Error(t, err)
}

func TestRegistry_CloseSession_StopsOutstandingRequests(t *testing.T) {
	t.Parallel()
	r, disp, _ := newTestRegistry(t)
	ref, err := r.GetReference(api.TechEthernet, "eth0")
	require.NoError(t, err)
	_, err = r.Start(5, ref)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.startCalls == 1 }, time.Second, time.Millisecond)

	r.CloseSession(5)

	require.Eventually(t, func() bool { return disp.stopCalls == 1 }, time.Second, time.Millisecond)
	state, _, err := r.GetState(ref)
	require.NoError(t, err)
	require.Equal(t, api.StateDown, state)
}

func TestRegistry_Snapshot_ReportsKnownChannels(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	_, err := r.GetReference(api.TechEthernet, "eth0")
	require.NoError(t, err)
	_, err = r.GetReference(api.TechWifi, "home-ap")
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
}
