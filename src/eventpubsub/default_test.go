package eventpubsub

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/binance-feed/src/eventmodels"
)

func TestPubSubDeliversKlines(t *testing.T) {
	// arrange
	pubsub := NewPubSub()

	var received int32
	handler := func(dto *eventmodels.KlineDTO) {
		atomic.AddInt32(&received, 1)
	}

	require.NoError(t, pubsub.Subscribe(KlineUpdateTopic, handler))

	// act
	pubsub.Publish(KlineUpdateTopic, &eventmodels.KlineDTO{Symbol: "BTCUSDT"})
	pubsub.Publish(KlineUpdateTopic, &eventmodels.KlineDTO{Symbol: "ETHUSDT"})
	pubsub.WaitAsync()

	// assert
	assert.Equal(t, int32(2), atomic.LoadInt32(&received))
}

func TestPubSubUnsubscribe(t *testing.T) {
	// arrange
	pubsub := NewPubSub()

	var received int32
	handler := func(dto *eventmodels.KlineDTO) {
		atomic.AddInt32(&received, 1)
	}

	require.NoError(t, pubsub.Subscribe(KlineUpdateTopic, handler))
	require.NoError(t, pubsub.Unsubscribe(KlineUpdateTopic, handler))

	// act
	pubsub.Publish(KlineUpdateTopic, &eventmodels.KlineDTO{Symbol: "BTCUSDT"})
	pubsub.WaitAsync()

	// assert
	assert.Zero(t, atomic.LoadInt32(&received))
}

func TestPubSubIsolatedInstances(t *testing.T) {
	// arrange: two buses, one subscriber each
	first := NewPubSub()
	second := NewPubSub()

	var firstCount int32
	require.NoError(t, first.Subscribe(KlineUpdateTopic, func(dto *eventmodels.KlineDTO) {
		atomic.AddInt32(&firstCount, 1)
	}))

	// act: publishing on the second bus must not reach the first
	second.Publish(KlineUpdateTopic, &eventmodels.KlineDTO{Symbol: "BTCUSDT"})
	second.WaitAsync()
	first.WaitAsync()

	// assert
	assert.Zero(t, atomic.LoadInt32(&firstCount))
}
