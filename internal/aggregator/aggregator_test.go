package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corenet/dcsd/internal/api"
)

type fakeDispatcher struct {
	results map[api.Tech][]api.Channel
	delay   map[api.Tech]time.Duration
	never   map[api.Tech]bool
}

func (f *fakeDispatcher) GetChannelList(tech api.Tech, cb func([]api.Channel, error)) {
	if f.never[tech] {
		return // simulate a technology that never answers
	}
	if d := f.delay[tech]; d > 0 {
		time.AfterFunc(d, func() { cb(f.results[tech], nil) })
		return
	}
	cb(f.results[tech], nil)
}

func TestAggregator_GetChannels_DeliversOnceAllTechsAnswer(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{results: map[api.Tech][]api.Channel{
		api.TechEthernet: {{Name: "eth0", Tech: api.TechEthernet}},
		api.TechWifi:      {{Name: "home-ap", Tech: api.TechWifi}},
		api.TechCellular:  {{Name: "0", Tech: api.TechCellular}},
	}}
	a := New(nil, disp)

	done := make(chan []api.Channel, 1)
	a.GetChannels(func(err error, channels []api.Channel) {
		require.NoError(t, err)
		done <- channels
	}, nil)

	select {
	case channels := <-done:
		require.Len(t, channels, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never delivered")
	}
}

func TestAggregator_GetChannels_DeliversExactlyOnce(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{results: map[api.Tech][]api.Channel{
		api.TechEthernet: {{Name: "eth0", Tech: api.TechEthernet}},
	}}
	a := New(nil, disp)

	var calls int
	done := make(chan struct{}, 1)
	a.GetChannels(func(err error, channels []api.Channel) {
		calls++
		done <- struct{}{}
	}, nil)

	<-done
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, calls)
}
