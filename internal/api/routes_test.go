package api

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	startRef RequestRef
	startErr error
	stopErr  error
	state    State
	iface    string
	snapshot []ChannelInfo
}

func (f *fakeRegistry) GetReference(tech Tech, name string) (ChannelRef, error) { return 1, nil }
func (f *fakeRegistry) Start(session SessionID, ref ChannelRef) (RequestRef, error) {
	return f.startRef, f.startErr
}
func (f *fakeRegistry) Stop(session SessionID, reqRef RequestRef) error { return f.stopErr }
func (f *fakeRegistry) GetState(ref ChannelRef) (State, string, error)  { return f.state, f.iface, nil }
func (f *fakeRegistry) GetChannels(cb func(err error, channels []Channel), ctx any) {
	cb(nil, []Channel{{Name: "eth0", Tech: TechEthernet}})
}
func (f *fakeRegistry) Snapshot() []ChannelInfo { return f.snapshot }

type fakeCoordinator struct {
	requested bool
	released  bool
}

func (f *fakeCoordinator) Request(session SessionID) { f.requested = true }
func (f *fakeCoordinator) Release(session SessionID) { f.released = true }

func TestAPI_ServeStart_ReturnsRequestRef(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{startRef: 42}
	s := &Server{Registry: reg, Coordinator: &fakeCoordinator{}}

	req := httptest.NewRequest(http.MethodPost, "/channels/start", strings.NewReader(`{"tech":"Ethernet","name":"eth0"}`))
	w := httptest.NewRecorder()
	s.ServeStart(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"request_ref":42`)
}

func TestAPI_ServeStop_PropagatesNotFound(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{stopErr: errNotFound{}}
	s := &Server{Registry: reg, Coordinator: &fakeCoordinator{}}

	req := httptest.NewRequest(http.MethodPost, "/channels/stop", strings.NewReader(`{"request_ref":7}`))
	w := httptest.NewRecorder()
	s.ServeStop(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func TestAPI_ServeChannelQuery_ReturnsAggregatedChannels(t *testing.T) {
	t.Parallel()
	s := &Server{Registry: &fakeRegistry{}, Coordinator: &fakeCoordinator{}}

	req := httptest.NewRequest(http.MethodGet, "/channels/query", nil)
	w := httptest.NewRecorder()
	s.ServeChannelQuery(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "eth0")
}

type fakeRoutes struct {
	calledIface, calledDest, calledPrefix string
	calledAdd                            bool
	err                                   error
}

func (f *fakeRoutes) ChangeRoute(ifaceName, destAddr, prefixLen string, gw net.IP, add bool) error {
	f.calledIface, f.calledDest, f.calledPrefix, f.calledAdd = ifaceName, destAddr, prefixLen, add
	return f.err
}

func TestAPI_ServeChangeRoute_DelegatesToRouteOps(t *testing.T) {
	t.Parallel()
	routes := &fakeRoutes{}
	s := &Server{Registry: &fakeRegistry{}, Coordinator: &fakeCoordinator{}, Routes: routes}

	body := `{"interface":"eth0","dest_addr":"10.10.0.0","prefix_length":"24","gateway":"10.0.0.1","add":true}`
	req := httptest.NewRequest(http.MethodPost, "/routes", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeChangeRoute(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "eth0", routes.calledIface)
	require.Equal(t, "10.10.0.0", routes.calledDest)
	require.True(t, routes.calledAdd)
}

func TestAPI_ServeDefaultConnectionRequestAndRelease(t *testing.T) {
	t.Parallel()
	coord := &fakeCoordinator{}
	s := &Server{Registry: &fakeRegistry{}, Coordinator: coord}

	s.ServeDefaultConnectionRequest(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/default-connection/request", nil))
	require.True(t, coord.requested)

	s.ServeDefaultConnectionRelease(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/default-connection/release", nil))
	require.True(t, coord.released)
}
