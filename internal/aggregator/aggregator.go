// Package aggregator implements the Channel Query Aggregator (spec §4.8):
// it fans a single GetChannels call out to every technology's adapter,
// collects whatever answers arrive, and delivers exactly one callback
// either once every technology has answered or once a bounded time limit
// elapses, whichever comes first.
package aggregator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/corenet/dcsd/internal/api"
)

// perTechTimeout bounds how long a single technology is given to answer
// before the aggregator stops waiting on it; the overall deadline is this
// multiplied by the number of technologies queried, per spec §4.8.
const perTechTimeout = 20 * time.Second

// maxActiveChannels caps the number of channels collected into a single
// response, guarding against a misbehaving adapter returning an unbounded
// scan result.
const maxActiveChannels = 256

// Dispatcher is the aggregator's view of the Technology Dispatcher.
type Dispatcher interface {
	GetChannelList(tech api.Tech, cb func([]api.Channel, error))
}

// Aggregator is the Channel Query Aggregator singleton.
type Aggregator struct {
	log  *slog.Logger
	disp Dispatcher
}

// New constructs an Aggregator.
func New(log *slog.Logger, disp Dispatcher) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{log: log, disp: disp}
}

// GetChannels fans out to every known technology and delivers cb exactly
// once, with whatever channels were collected by the time either every
// technology answered or the aggregate deadline expired.
func (a *Aggregator) GetChannels(cb func(err error, channels []api.Channel), ctx any) {
	techs := api.AllTechs
	deadline := perTechTimeout * time.Duration(len(techs))

	var (
		mu       sync.Mutex
		pending  = make(map[api.Tech]struct{}, len(techs))
		channels []api.Channel
		dropped  int
		once     sync.Once
	)
	for _, t := range techs {
		pending[t] = struct{}{}
	}

	deliver := func() {
		once.Do(func() {
			mu.Lock()
			out := append([]api.Channel(nil), channels...)
			droppedCount := dropped
			mu.Unlock()
			if droppedCount > 0 {
				a.log.Warn("aggregator: dropped channels beyond cap", "dropped", droppedCount, "cap", maxActiveChannels)
			}
			cb(nil, out)
		})
	}

	timer := time.AfterFunc(deadline, func() {
		a.log.Warn("aggregator: deadline exceeded waiting for technologies to answer", "deadline", deadline)
		deliver()
	})

	for _, t := range techs {
		tech := t
		a.disp.GetChannelList(tech, func(result []api.Channel, err error) {
			mu.Lock()
			delete(pending, tech)
			remaining := len(pending)
			if err != nil {
				a.log.Warn("aggregator: technology query failed", "tech", tech, "error", err)
			} else {
				for _, ch := range result {
					if len(channels) >= maxActiveChannels {
						dropped++
						continue
					}
					channels = append(channels, ch)
				}
			}
			mu.Unlock()

			if remaining == 0 {
				timer.Stop()
				deliver()
			}
		})
	}
}
