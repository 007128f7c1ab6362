// Package registry implements the Channel Registry (spec §4.1): the
// catalogue of known channels, per-client start-request tracking, per-client
// event subscription, and the rule that the underlying technology link is
// brought up on the first request and torn down on the last release.
package registry

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/config"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/loop"
)

// TechRef is the opaque handle a ChannelDb holds into its owning
// technology adapter's per-connection record (the tech_ref of spec §3).
type TechRef uint64

// Dispatcher is the registry's view of the Technology Dispatcher (spec
// §4.2). It is satisfied by techdispatch.Dispatcher; the interface lives
// here because the registry is the consumer.
type Dispatcher interface {
	CreateTechRef(tech api.Tech, name string) (TechRef, error)
	ReleaseTechRef(tech api.Tech, ref TechRef)
	AllowChannelStart(tech api.Tech, ref TechRef) error
	GetOpState(tech api.Tech, ref TechRef) (api.OpState, string)
	Start(tech api.Tech, ref TechRef) error
	Stop(tech api.Tech, ref TechRef) error
	GetLease(tech api.Tech, ref TechRef) (gw net.IP, dns []net.IP, ok bool)
}

// EventCallback is invoked with channel events. ctx is the opaque value
// passed to AddEventHandler and returned unmodified.
type EventCallback func(ref api.ChannelRef, kind api.EventKind, code int, ctx any)

// Aggregator is the registry's view of the Channel Query Aggregator (spec
// §4.8).
type Aggregator interface {
	GetChannels(cb func(err error, channels []api.Channel), ctx any)
}

type eventHandler struct {
	ref      api.HandlerRef
	session  api.SessionID
	callback EventCallback
	ctx      any
}

type channelDb struct {
	ref      api.ChannelRef
	name     string
	tech     api.Tech
	techRef  TechRef
	refCount int
	// requestRefs maps an issued RequestRef to the session that holds it.
	requestRefs map[api.RequestRef]api.SessionID
	handlers    []*eventHandler
}

type requestOwner struct {
	channel *channelDb
	session api.SessionID
	appName string
}

type nameTechKey struct {
	name string
	tech api.Tech
}

type techRefKey struct {
	tech api.Tech
	ref  TechRef
}

// Registry is the process-wide Channel Registry singleton.
type Registry struct {
	log   *slog.Logger
	loop  *loop.Loop
	cfg   *config.Store
	disp  Dispatcher
	aggr  Aggregator
	dispMu sync.Mutex // guards late-bound disp/aggr assignment only

	mu sync.Mutex

	byRef      map[api.ChannelRef]*channelDb
	byNameTech map[nameTechKey]*channelDb
	byTechRef  map[techRefKey]*channelDb

	requestOwners map[api.RequestRef]requestOwner
	sessionReqs   map[api.SessionID]map[api.RequestRef]struct{}

	nextChannelRef atomic.Uint64
	nextRequestRef atomic.Uint64
	nextHandlerRef atomic.Uint64
}

// New constructs a Registry. The Dispatcher and Aggregator must be attached
// with SetDispatcher/SetAggregator before any operation that touches a
// technology is called — this two-phase wiring exists because the
// dispatcher's adapters need the registry (as an event sink) at their own
// construction time.
func New(log *slog.Logger, l *loop.Loop, cfg *config.Store) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:           log,
		loop:          l,
		cfg:           cfg,
		byRef:         make(map[api.ChannelRef]*channelDb),
		byNameTech:    make(map[nameTechKey]*channelDb),
		byTechRef:     make(map[techRefKey]*channelDb),
		requestOwners: make(map[api.RequestRef]requestOwner),
		sessionReqs:   make(map[api.SessionID]map[api.RequestRef]struct{}),
	}
}

// SetDispatcher attaches the Technology Dispatcher. Must be called once,
// before any Start/Stop/GetReference call.
func (r *Registry) SetDispatcher(d Dispatcher) {
	r.dispMu.Lock()
	defer r.dispMu.Unlock()
	r.disp = d
}

// SetAggregator attaches the Channel Query Aggregator.
func (r *Registry) SetAggregator(a Aggregator) {
	r.dispMu.Lock()
	defer r.dispMu.Unlock()
	r.aggr = a
}

func (r *Registry) dispatcher() Dispatcher {
	r.dispMu.Lock()
	defer r.dispMu.Unlock()
	return r.disp
}

// GetReference returns the ChannelRef for (tech, name), creating a ChannelDb
// on first ask.
func (r *Registry) GetReference(tech api.Tech, name string) (api.ChannelRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := nameTechKey{name: name, tech: tech}
	if cdb, ok := r.byNameTech[key]; ok {
		return cdb.ref, nil
	}

	disp := r.dispatcher()
	if disp == nil {
		return 0, dcserr.New(dcserr.Fault, "registry: no dispatcher attached")
	}
	techRef, err := disp.CreateTechRef(tech, name)
	if err != nil {
		return 0, dcserr.New(dcserr.Unavailable, "registry: technology %s does not support channel %q: %v", tech, name, err)
	}

	ref := api.ChannelRef(r.nextChannelRef.Add(1))
	cdb := &channelDb{
		ref:         ref,
		name:        name,
		tech:        tech,
		techRef:     techRef,
		requestRefs: make(map[api.RequestRef]api.SessionID),
	}
	r.byRef[ref] = cdb
	r.byNameTech[key] = cdb
	r.byTechRef[techRefKey{tech: tech, ref: techRef}] = cdb

	r.log.Debug("registry: channel created", "tech", tech, "name", name, "ref", ref)
	return ref, nil
}

// GetTechnology returns the technology tag of a channel.
func (r *Registry) GetTechnology(ref api.ChannelRef) (api.Tech, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cdb, ok := r.byRef[ref]
	if !ok {
		return api.TechUnknown, dcserr.New(dcserr.NotFound, "registry: unknown channel ref %d", ref)
	}
	return cdb.tech, nil
}

// GetState returns the admin state (purely ref_count > 0) and current
// interface name of a channel.
func (r *Registry) GetState(ref api.ChannelRef) (api.State, string, error) {
	r.mu.Lock()
	cdb, ok := r.byRef[ref]
	if !ok {
		r.mu.Unlock()
		return api.StateDown, "", dcserr.New(dcserr.NotFound, "registry: unknown channel ref %d", ref)
	}
	tech, techRef, refCount := cdb.tech, cdb.techRef, cdb.refCount
	r.mu.Unlock()

	state := api.StateDown
	if refCount > 0 {
		state = api.StateUp
	}
	disp := r.dispatcher()
	if disp == nil {
		return state, "", nil
	}
	_, iface := disp.GetOpState(tech, techRef)
	return state, iface, nil
}

// GetLease returns the DHCP-assigned gateway and DNS servers for ref, if its
// owning adapter has one on hand, for callers (the Default Connection
// Coordinator) that prefer a lease's actual gateway over a guess.
func (r *Registry) GetLease(ref api.ChannelRef) (net.IP, []net.IP, bool) {
	r.mu.Lock()
	cdb, ok := r.byRef[ref]
	if !ok {
		r.mu.Unlock()
		return nil, nil, false
	}
	tech, techRef := cdb.tech, cdb.techRef
	r.mu.Unlock()

	disp := r.dispatcher()
	if disp == nil {
		return nil, nil, false
	}
	return disp.GetLease(tech, techRef)
}

// Start implements spec §4.1 start().
func (r *Registry) Start(session api.SessionID, ref api.ChannelRef) (api.RequestRef, error) {
	return r.start(session, ref, "")
}

// StartForApp is Start plus the appName used to evaluate the
// "stay on exit" session-cleanup exemption (spec §4.1 last paragraph).
func (r *Registry) StartForApp(session api.SessionID, ref api.ChannelRef, appName string) (api.RequestRef, error) {
	return r.start(session, ref, appName)
}

func (r *Registry) start(session api.SessionID, ref api.ChannelRef, appName string) (api.RequestRef, error) {
	disp := r.dispatcher()
	if disp == nil {
		return 0, dcserr.New(dcserr.Fault, "registry: no dispatcher attached")
	}

	r.mu.Lock()
	cdb, ok := r.byRef[ref]
	if !ok {
		r.mu.Unlock()
		return 0, dcserr.New(dcserr.NotFound, "registry: unknown channel ref %d", ref)
	}
	tech, techRef := cdb.tech, cdb.techRef
	r.mu.Unlock()

	if err := disp.AllowChannelStart(tech, techRef); err != nil && !dcserr.Is(err, dcserr.Duplicate) {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-fetch: cdb pointer is stable, no need to re-lookup by ref.

	opState, _ := disp.GetOpState(tech, techRef)
	reqRef := api.RequestRef(r.nextRequestRef.Add(1))

	if cdb.refCount > 0 && opState == api.OpUp {
		// Already up: synthesize ChannelUp to this subscriber only, no
		// adapter call.
		cdb.refCount++
		cdb.requestRefs[reqRef] = session
		r.recordOwner(reqRef, cdb, session, appName)
		r.notifyOne(cdb, session, api.EventUp, 0)
		return reqRef, nil
	}

	cdb.refCount++
	cdb.requestRefs[reqRef] = session
	r.recordOwner(reqRef, cdb, session, appName)

	// Post the actual technology start on the command queue so that it
	// never runs synchronously inside whatever callback invoked Start.
	r.loop.Post("channel-start", func() {
		if err := disp.Start(tech, techRef); err != nil {
			r.log.Warn("registry: adapter start failed", "tech", tech, "channel", cdb.name, "error", err)
		}
	})

	return reqRef, nil
}

// Stop implements spec §4.1 stop().
func (r *Registry) Stop(session api.SessionID, reqRef api.RequestRef) error {
	disp := r.dispatcher()
	if disp == nil {
		return dcserr.New(dcserr.Fault, "registry: no dispatcher attached")
	}

	r.mu.Lock()
	owner, ok := r.requestOwners[reqRef]
	if !ok {
		r.mu.Unlock()
		return dcserr.New(dcserr.NotFound, "registry: unknown request ref %d", reqRef)
	}
	cdb := owner.channel
	delete(cdb.requestRefs, reqRef)
	delete(r.requestOwners, reqRef)
	if reqs, ok := r.sessionReqs[owner.session]; ok {
		delete(reqs, reqRef)
		if len(reqs) == 0 {
			delete(r.sessionReqs, owner.session)
		}
	}
	cdb.refCount--
	refCount := cdb.refCount
	tech, techRef := cdb.tech, cdb.techRef

	if refCount > 0 {
		r.notifyOne(cdb, session, api.EventDown, 0)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.loop.Post("channel-stop", func() {
		if err := disp.Stop(tech, techRef); err != nil {
			r.log.Warn("registry: adapter stop failed", "tech", tech, "error", err)
		}
	})
	return nil
}

func (r *Registry) recordOwner(reqRef api.RequestRef, cdb *channelDb, session api.SessionID, appName string) {
	r.requestOwners[reqRef] = requestOwner{channel: cdb, session: session, appName: appName}
	reqs, ok := r.sessionReqs[session]
	if !ok {
		reqs = make(map[api.RequestRef]struct{})
		r.sessionReqs[session] = reqs
	}
	reqs[reqRef] = struct{}{}
}

// notifyOne invokes the callback registered for (session, channel), if any.
// Caller must hold r.mu.
func (r *Registry) notifyOne(cdb *channelDb, session api.SessionID, kind api.EventKind, code int) {
	for _, h := range cdb.handlers {
		if h.session == session {
			cb, ctx, ref := h.callback, h.ctx, cdb.ref
			go cb(ref, kind, code, ctx)
			return
		}
	}
}

// AddEventHandler replaces any prior handler for (session, ref) and returns
// a fresh HandlerRef.
func (r *Registry) AddEventHandler(session api.SessionID, ref api.ChannelRef, cb EventCallback, ctx any) (api.HandlerRef, error) {
	if cb == nil {
		return 0, dcserr.New(dcserr.BadParameter, "registry: callback is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cdb, ok := r.byRef[ref]
	if !ok {
		return 0, dcserr.New(dcserr.NotFound, "registry: unknown channel ref %d", ref)
	}

	filtered := cdb.handlers[:0:0]
	for _, h := range cdb.handlers {
		if h.session != session {
			filtered = append(filtered, h)
		}
	}
	cdb.handlers = filtered

	href := api.HandlerRef(r.nextHandlerRef.Add(1))
	cdb.handlers = append(cdb.handlers, &eventHandler{
		ref:      href,
		session:  session,
		callback: cb,
		ctx:      ctx,
	})
	return href, nil
}

// RemoveEventHandler is idempotent: no error if the handler is already gone.
func (r *Registry) RemoveEventHandler(session api.SessionID, href api.HandlerRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cdb := range r.byRef {
		for i, h := range cdb.handlers {
			if h.ref == href {
				cdb.handlers = append(cdb.handlers[:i], cdb.handlers[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// GetChannels delegates to the Channel Query Aggregator.
func (r *Registry) GetChannels(cb func(err error, channels []api.Channel), ctx any) {
	r.dispMu.Lock()
	aggr := r.aggr
	r.dispMu.Unlock()
	if aggr == nil {
		cb(dcserr.New(dcserr.Fault, "registry: no aggregator attached"), nil)
		return
	}
	aggr.GetChannels(cb, ctx)
}

// Dispatch is the EventSink the Technology Dispatcher calls on driver state
// transitions (spec §4.1 "Event dispatch"). On Down, any outstanding
// RequestRefs for the channel are invalidated even though no client called
// Stop — the underlying link is gone (e.g. cellular retry overflow).
func (r *Registry) Dispatch(tech api.Tech, techRef TechRef, kind api.EventKind, code int) {
	r.mu.Lock()
	cdb, ok := r.byTechRef[techRefKey{tech: tech, ref: techRef}]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("registry: event for unknown tech ref", "tech", tech, "tech_ref", techRef)
		return
	}

	if kind == api.EventDown && cdb.refCount > 0 {
		for reqRef := range cdb.requestRefs {
			owner := r.requestOwners[reqRef]
			delete(r.requestOwners, reqRef)
			if reqs, ok := r.sessionReqs[owner.session]; ok {
				delete(reqs, reqRef)
				if len(reqs) == 0 {
					delete(r.sessionReqs, owner.session)
				}
			}
		}
		cdb.requestRefs = make(map[api.RequestRef]api.SessionID)
		cdb.refCount = 0
	}

	handlers := make([]*eventHandler, len(cdb.handlers))
	copy(handlers, cdb.handlers)
	ref := cdb.ref
	r.mu.Unlock()

	for _, h := range handlers {
		cb, ctx := h.callback, h.ctx
		go cb(ref, kind, code, ctx)
	}
}

// CloseSession implements the session-cleanup contract (spec §4.1 last
// paragraph): every outstanding RequestRef held by the session is stopped,
// unless config marks the (appName, tech, channel) as "stay on exit", in
// which case the RequestRef is silently reassigned to no one and the
// channel keeps running. Errors are logged and swallowed — session cleanup
// never surfaces errors.
func (r *Registry) CloseSession(session api.SessionID) {
	r.mu.Lock()
	reqs := r.sessionReqs[session]
	delete(r.sessionReqs, session)
	toStop := make([]api.RequestRef, 0, len(reqs))
	toStop = append(toStop, mapKeys(reqs)...)
	r.mu.Unlock()

	for _, reqRef := range toStop {
		r.mu.Lock()
		owner, ok := r.requestOwners[reqRef]
		r.mu.Unlock()
		if !ok {
			continue
		}

		if r.cfg != nil && r.cfg.StayOnExit(owner.appName, owner.channel.tech.String(), owner.channel.name) {
			r.log.Info("registry: session closed, channel stays on exit", "tech", owner.channel.tech, "channel", owner.channel.name)
			// Leave the request ref attached to the channel, just no
			// longer tracked against any session so a future session can
			// adopt it by calling Stop with knowledge of it, or it simply
			// outlives this process generation until a real Stop occurs.
			continue
		}
		if err := r.Stop(session, reqRef); err != nil {
			r.log.Warn("registry: error stopping request during session cleanup", "error", err)
		}
	}
}

func mapKeys(m map[api.RequestRef]struct{}) []api.RequestRef {
	out := make([]api.RequestRef, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Snapshot returns a read-only view of every known channel, for the
// GET /channels introspection endpoint.
func (r *Registry) Snapshot() []api.ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	disp := r.dispatcher()

	out := make([]api.ChannelInfo, 0, len(r.byRef))
	for _, cdb := range r.byRef {
		state := api.StateDown
		if cdb.refCount > 0 {
			state = api.StateUp
		}
		iface := ""
		if disp != nil {
			_, iface = disp.GetOpState(cdb.tech, cdb.techRef)
		}
		out = append(out, api.ChannelInfo{
			Ref:           cdb.ref,
			Name:          cdb.name,
			Tech:          cdb.tech,
			State:         state,
			RefCount:      cdb.refCount,
			InterfaceName: iface,
		})
	}
	return out
}
