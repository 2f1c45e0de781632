package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MohamedAnouar/containerproxy/pkg/eventbus"
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

func TestMemoryBus_PublishFanOutToAllSubscribers(t *testing.T) {
	bus := eventbus.NewMemoryBus("inst-1")

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(context.Background(), proxytypes.NewProxyStartEvent("p1", "u1", "s1", ""))

	for _, ch := range []<-chan proxytypes.Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, "p1", e.ProxyID)
			assert.Equal(t, "inst-1", e.Source)
		case <-time.After(time.Second):
			t.Fatal("expected event on every subscriber")
		}
	}
}

func TestMemoryBus_DropsOnFullBuffer(t *testing.T) {
	bus := eventbus.NewMemoryBus("inst-1")
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(context.Background(), proxytypes.NewProxyStartEvent("p1", "u1", "s1", ""))
	bus.Publish(context.Background(), proxytypes.NewProxyStartEvent("p2", "u1", "s1", ""))

	first := <-ch
	assert.Equal(t, "p1", first.ProxyID)

	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestMemoryBus_CancelClosesChannel(t *testing.T) {
	bus := eventbus.NewMemoryBus("inst-1")
	ch, cancel := bus.Subscribe(1)

	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}
