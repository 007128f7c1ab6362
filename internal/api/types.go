// Package api defines the wire types for the Data Channel Service: the
// technology tags, event/state enums, opaque reference handles, and the
// JSON request/response shapes exchanged over the external IPC boundary.
package api

import (
	"encoding/json"
)

// Tech is the technology tag attached to every channel.
type Tech int

const (
	TechUnknown Tech = iota
	TechCellular
	TechWifi
	TechEthernet
)

var techNames = [...]string{"Unknown", "Cellular", "Wifi", "Ethernet"}

func (t Tech) String() string {
	if int(t) < 0 || int(t) >= len(techNames) {
		return "Unknown"
	}
	return techNames[t]
}

func (t Tech) FromString(s string) Tech {
	for i, n := range techNames {
		if n == s {
			return Tech(i)
		}
	}
	return TechUnknown
}

func (t Tech) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Tech) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = t.FromString(s)
	return nil
}

// AllTechs lists every supported (non-Unknown) technology.
var AllTechs = []Tech{TechCellular, TechWifi, TechEthernet}

// EventKind is the kind of channel event delivered to subscribers.
type EventKind int

const (
	EventUp EventKind = iota
	EventDown
	EventTempDown
)

func (e EventKind) String() string {
	switch e {
	case EventUp:
		return "Up"
	case EventDown:
		return "Down"
	case EventTempDown:
		return "TempDown"
	default:
		return "Unknown"
	}
}

func (e EventKind) MarshalJSON() ([]byte, error) { return json.Marshal(e.String()) }

// State is the admin state reported to clients: purely a function of
// ref_count > 0 for a channel.
type State int

const (
	StateDown State = iota
	StateUp
)

func (s State) String() string {
	if s == StateUp {
		return "Up"
	}
	return "Down"
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// ConnState is the raw link-layer connection state reported by technology
// drivers before it is collapsed into Up/Down by an adapter.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnDisconnected
	ConnSuspended
	ConnTempDown
)

// OpState is the operational state an adapter's per-connection record
// tracks: Up, Down, or the transient TempDown used while a retry is armed.
type OpState int

const (
	OpDown OpState = iota
	OpUp
	OpTempDown
)

func (s OpState) String() string {
	switch s {
	case OpUp:
		return "Up"
	case OpTempDown:
		return "TempDown"
	default:
		return "Down"
	}
}

// ChannelRef is the opaque handle a client uses to refer to a channel once
// looked up by (tech, name). It is stable for the process lifetime of the
// ChannelDb it names.
type ChannelRef uint64

// RequestRef is the opaque handle issued on Start and consumed on Stop.
// Never reissued with the same value once consumed.
type RequestRef uint64

// HandlerRef is the opaque handle returned from AddEventHandler, used to
// remove a specific subscription.
type HandlerRef uint64

// SessionID identifies a client session. It is opaque to the core; the
// registry derives a collision-free non-zero key from it internally.
type SessionID uint64

// Channel is the external, read-only view of a channel presented by
// GetChannels and scan results.
type Channel struct {
	Name string `json:"name"`
	Tech Tech   `json:"tech"`
}

// ChannelInfo is a richer external view including live state, returned by
// the /channels introspection endpoint.
type ChannelInfo struct {
	Ref           ChannelRef `json:"ref"`
	Name          string     `json:"name"`
	Tech          Tech       `json:"tech"`
	State         State      `json:"state"`
	RefCount      int        `json:"ref_count"`
	InterfaceName string     `json:"interface_name,omitempty"`
}

// StartRequest is the JSON body of POST /channels/start.
type StartRequest struct {
	Tech Tech   `json:"tech"`
	Name string `json:"name"`
}

// StopRequest is the JSON body of POST /channels/stop.
type StopRequest struct {
	RequestRef RequestRef `json:"request_ref"`
}

// ChangeRouteRequest is the JSON body of POST /routes: a single non-default
// route add/remove per spec §4.6 change_route. DestAddr is an IPv4/IPv6
// literal or "" for a host route to Gateway; PrefixLength is a decimal
// prefix length or a legacy dotted-decimal subnet mask.
type ChangeRouteRequest struct {
	Interface    string `json:"interface"`
	DestAddr     string `json:"dest_addr"`
	PrefixLength string `json:"prefix_length"`
	Gateway      string `json:"gateway"`
	Add          bool   `json:"add"`
}

// Response is the generic envelope returned by every write operation on the
// external boundary.
type Response struct {
	Status      string      `json:"status"`
	Description string      `json:"description,omitempty"`
	Data        interface{} `json:"data,omitempty"`
}
