// Package techdispatch implements the Technology Dispatcher (spec §4.2): a
// stateless router that turns the registry's uniform, technology-agnostic
// calls into calls on the one adapter that owns a given Tech tag.
package techdispatch

import (
	"log/slog"
	"net"

	"github.com/corenet/dcsd/internal/api"
	"github.com/corenet/dcsd/internal/dcserr"
	"github.com/corenet/dcsd/internal/registry"
)

// EventSink receives driver state transitions from an adapter, keyed by the
// (tech, techRef) pair the registry itself assigned. The registry satisfies
// it; each adapter package declares its own copy of this contract so it
// does not import techdispatch.
type EventSink interface {
	Dispatch(tech api.Tech, techRef registry.TechRef, kind api.EventKind, code int)
}

// Adapter is the uniform per-technology contract every adapter package
// (cellular, wifi, ethernet) implements.
type Adapter interface {
	CreateRef(name string) (registry.TechRef, error)
	ReleaseRef(ref registry.TechRef)
	AllowStart(ref registry.TechRef) error
	GetOpState(ref registry.TechRef) (api.OpState, string)
	Start(ref registry.TechRef) error
	Stop(ref registry.TechRef) error
	RetryChannel(ref registry.TechRef) error
	GetChannelList(cb func([]api.Channel, error))
	GetLease(ref registry.TechRef) (gw net.IP, dns []net.IP, ok bool)
}

// Dispatcher implements registry.Dispatcher by routing on api.Tech.
type Dispatcher struct {
	log      *slog.Logger
	adapters map[api.Tech]Adapter
}

// New constructs a Dispatcher. Adapters are supplied as a map so that a
// technology can be omitted entirely (e.g. a build with no cellular modem
// support) and calls against it uniformly fail Unsupported.
func New(log *slog.Logger, adapters map[api.Tech]Adapter) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, adapters: adapters}
}

func (d *Dispatcher) adapter(tech api.Tech) (Adapter, error) {
	a, ok := d.adapters[tech]
	if !ok {
		return nil, dcserr.New(dcserr.Unsupported, "techdispatch: technology %s is not supported by this build", tech)
	}
	return a, nil
}

func (d *Dispatcher) CreateTechRef(tech api.Tech, name string) (registry.TechRef, error) {
	a, err := d.adapter(tech)
	if err != nil {
		return 0, err
	}
	return a.CreateRef(name)
}

func (d *Dispatcher) ReleaseTechRef(tech api.Tech, ref registry.TechRef) {
	a, err := d.adapter(tech)
	if err != nil {
		return
	}
	a.ReleaseRef(ref)
}

func (d *Dispatcher) AllowChannelStart(tech api.Tech, ref registry.TechRef) error {
	a, err := d.adapter(tech)
	if err != nil {
		return err
	}
	return a.AllowStart(ref)
}

func (d *Dispatcher) GetOpState(tech api.Tech, ref registry.TechRef) (api.OpState, string) {
	a, err := d.adapter(tech)
	if err != nil {
		return api.OpDown, ""
	}
	return a.GetOpState(ref)
}

func (d *Dispatcher) Start(tech api.Tech, ref registry.TechRef) error {
	a, err := d.adapter(tech)
	if err != nil {
		return err
	}
	return a.Start(ref)
}

func (d *Dispatcher) Stop(tech api.Tech, ref registry.TechRef) error {
	a, err := d.adapter(tech)
	if err != nil {
		return err
	}
	return a.Stop(ref)
}

// RetryChannel asks an adapter to force an immediate retry attempt rather
// than wait out its backoff timer (spec §4.2 retry_channel).
func (d *Dispatcher) RetryChannel(tech api.Tech, ref registry.TechRef) error {
	a, err := d.adapter(tech)
	if err != nil {
		return err
	}
	return a.RetryChannel(ref)
}

// GetChannelList asks the adapter for tech to enumerate the channels it
// currently knows about (spec §4.2
// get_channel_list, consumed by the Channel Query Aggregator).
func (d *Dispatcher) GetChannelList(tech api.Tech, cb func([]api.Channel, error)) {
	a, err := d.adapter(tech)
	if err != nil {
		cb(nil, err)
		return
	}
	a.GetChannelList(cb)
}

// GetLease asks an adapter for the DHCP-assigned gateway and DNS servers it
// currently holds for ref, if any.
func (d *Dispatcher) GetLease(tech api.Tech, ref registry.TechRef) (net.IP, []net.IP, bool) {
	a, err := d.adapter(tech)
	if err != nil {
		return nil, nil, false
	}
	return a.GetLease(ref)
}

// Techs returns the set of technologies this dispatcher was built with.
func (d *Dispatcher) Techs() []api.Tech {
	out := make([]api.Tech, 0, len(d.adapters))
	for t := range d.adapters {
		out = append(out, t)
	}
	return out
}
