package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
)

// Server is the handler set the external IPC boundary is built from. It
// depends only on the small set of methods each core component exposes,
// so it can be wired against the real registry/coordinator/aggregator or
// fakes in tests.
type Server struct {
	Registry    RegistryOps
	Coordinator CoordinatorOps
	Routes      RouteOps
}

// RouteOps is the subset of the Network Config Helper's API the HTTP
// surface calls directly.
type RouteOps interface {
	ChangeRoute(ifaceName, destAddr, prefixLen string, gw net.IP, add bool) error
}

// RegistryOps is the subset of the Channel Registry's API the HTTP surface
// calls directly.
type RegistryOps interface {
	GetReference(tech Tech, name string) (ChannelRef, error)
	Start(session SessionID, ref ChannelRef) (RequestRef, error)
	Stop(session SessionID, reqRef RequestRef) error
	GetState(ref ChannelRef) (State, string, error)
	GetChannels(cb func(err error, channels []Channel), ctx any)
	Snapshot() []ChannelInfo
}

// CoordinatorOps is the subset of the Default Connection Coordinator's API
// the HTTP surface calls directly.
type CoordinatorOps interface {
	Request(session SessionID)
	Release(session SessionID)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Response{Status: "error", Description: err.Error()})
}

// sessionFromRequest reads the caller's session id from the X-DCS-Session
// header, used to scope Start/Stop/event-handler ownership and session
// cleanup on disconnect.
func sessionFromRequest(r *http.Request) SessionID {
	raw := r.Header.Get("X-DCS-Session")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return SessionID(n)
}

// ServeStart implements POST /channels/start.
func (s *Server) ServeStart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req StartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session := sessionFromRequest(r)
	ref, err := s.Registry.GetReference(req.Tech, req.Name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	reqRef, err := s.Registry.Start(session, ref)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok", Data: StopRequest{RequestRef: reqRef}})
}

// ServeStop implements POST /channels/stop.
func (s *Server) ServeStop(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req StopRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session := sessionFromRequest(r)
	if err := s.Registry.Stop(session, req.RequestRef); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

// ServeChannels implements GET /channels: a live introspection snapshot.
func (s *Server) ServeChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Snapshot())
}

// ServeChannelQuery implements GET /channels/query: the Channel Query
// Aggregator's fan-out, blocking until the response is ready.
func (s *Server) ServeChannelQuery(w http.ResponseWriter, r *http.Request) {
	done := make(chan struct{})
	var (
		channels []Channel
		queryErr error
	)
	s.Registry.GetChannels(func(err error, ch []Channel) {
		queryErr = err
		channels = ch
		close(done)
	}, nil)
	<-done

	if queryErr != nil {
		writeError(w, http.StatusInternalServerError, queryErr)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok", Data: channels})
}

// ServeChangeRoute implements POST /routes.
func (s *Server) ServeChangeRoute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req ChangeRouteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var gw net.IP
	if req.Gateway != "" {
		gw = net.ParseIP(req.Gateway)
		if gw == nil {
			writeError(w, http.StatusBadRequest, errInvalidGateway{req.Gateway})
			return
		}
	}

	if err := s.Routes.ChangeRoute(req.Interface, req.DestAddr, req.PrefixLength, gw, req.Add); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

type errInvalidGateway struct{ raw string }

func (e errInvalidGateway) Error() string { return "invalid gateway address: " + e.raw }

// ServeDefaultConnectionRequest implements POST /default-connection/request.
func (s *Server) ServeDefaultConnectionRequest(w http.ResponseWriter, r *http.Request) {
	s.Coordinator.Request(sessionFromRequest(r))
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

// ServeDefaultConnectionRelease implements POST /default-connection/release.
func (s *Server) ServeDefaultConnectionRelease(w http.ResponseWriter, r *http.Request) {
	s.Coordinator.Release(sessionFromRequest(r))
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}
