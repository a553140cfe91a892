package sensor

import (
	"errors"
	"sync"

	"github.com/MarcelMaron2k/evercare/internal/mqttx"
)

// fakeBroker 内存 MQTT broker
type fakeBroker struct {
	mu           sync.Mutex
	connected    bool
	subscribeErr error
	handlers     map[string]mqttx.MessageHandler
	unsubscribed []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: true, handlers: make(map[string]mqttx.MessageHandler)}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, handler mqttx.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
		b.unsubscribed = append(b.unsubscribed, t)
	}
	return nil
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !b.IsConnected() {
		return errors.New("not connected")
	}
	if ok {
		return h(topic, payload)
	}
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}
