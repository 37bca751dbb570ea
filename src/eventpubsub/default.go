package eventpubsub

import (
	"github.com/asaskevich/EventBus"
	log "github.com/sirupsen/logrus"
)

const KlineUpdateTopic = "kline:update"

// PubSub fans validated stream messages out to consumers. It is an explicit
// instance owned by the app runner rather than a package-level bus, so tests
// and multiple feeds can each run their own.
type PubSub struct {
	bus EventBus.Bus
}

func NewPubSub() *PubSub {
	return &PubSub{
		bus: EventBus.New(),
	}
}

func (p *PubSub) Publish(topic string, event interface{}) {
	p.bus.Publish(topic, event)
}

// Subscribe registers an async handler. Transactional is false: the stream
// read loop must never wait on a slow consumer.
func (p *PubSub) Subscribe(topic string, callbackFn interface{}) error {
	if err := p.bus.SubscribeAsync(topic, callbackFn, false); err != nil {
		return err
	}

	log.Infof("Subscribed to topic %s", topic)
	return nil
}

func (p *PubSub) Unsubscribe(topic string, callbackFn interface{}) error {
	return p.bus.Unsubscribe(topic, callbackFn)
}

// WaitAsync blocks until all in-flight async handlers return. Called during
// shutdown so queued klines drain before the store goes away.
func (p *PubSub) WaitAsync() {
	p.bus.WaitAsync()
}
