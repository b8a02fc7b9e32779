package transport

import (
	"fmt"
	"sync"

	"github.com/nerrad567/feeserver/internal/infrastructure/mqtt"
)

// Broker is the subset of *mqtt.Client used by the MQTT transport.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	ClearRetained(topic string) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
}

// MQTT maps channels onto broker topics. Monitoring channels are retained;
// the ACK and message channels are not. Each successful publish counts as
// one client notified: the broker fans out to subscribers.
type MQTT struct {
	broker Broker
	qos    byte

	mu       sync.Mutex
	channels map[ChannelID]mqttChannel
	names    map[string]ChannelID
	nextID   ChannelID
	command  string
	closed   bool
}

type mqttChannel struct {
	name     string
	topic    string
	retained bool
	provider Provider
}

// NewMQTT creates a transport publishing through broker at the given QoS.
func NewMQTT(broker Broker, qos byte) *MQTT {
	return &MQTT{
		broker:   broker,
		qos:      qos,
		channels: make(map[ChannelID]mqttChannel),
		names:    make(map[string]ChannelID),
		nextID:   1,
	}
}

// AddChannel implements Transport.
func (m *MQTT) AddChannel(name string, provider Provider) (ChannelID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if _, exists := m.names[name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}

	topics := m.broker.Topics()
	ch := mqttChannel{name: name, provider: provider}
	switch name {
	case AckChannel:
		ch.topic = topics.Ack()
	case MessageChannel:
		ch.topic = topics.Message()
	default:
		ch.topic = topics.Channel(name)
		ch.retained = true
	}

	id := m.nextID
	m.nextID++
	m.channels[id] = ch
	m.names[name] = id
	return id, nil
}

// RemoveChannel implements Transport. Retained values are cleared so late
// subscribers do not see a withdrawn channel.
func (m *MQTT) RemoveChannel(id ChannelID) error {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
		delete(m.names, ch.name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	if ch.retained {
		return m.broker.ClearRetained(ch.topic)
	}
	return nil
}

// Update implements Transport.
func (m *MQTT) Update(id ChannelID, payload []byte) (int, error) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	if payload == nil && ch.provider != nil {
		payload = ch.provider()
	}
	if err := m.broker.Publish(ch.topic, payload, m.qos, ch.retained); err != nil {
		return 0, err
	}
	return 1, nil
}

// SubscribeCommand implements Transport. The name is informational; the
// command topic is fixed per server.
func (m *MQTT) SubscribeCommand(name string, handler CommandHandler) (ChannelID, error) {
	m.mu.Lock()
	if m.command != "" {
		m.mu.Unlock()
		return 0, ErrCommandTaken
	}
	topic := m.broker.Topics().Command()
	m.command = topic
	id := m.nextID
	m.nextID++
	m.names[name] = id
	m.mu.Unlock()

	err := m.broker.Subscribe(topic, m.qos, func(_ string, payload []byte) error {
		handler(payload)
		return nil
	})
	if err != nil {
		m.mu.Lock()
		m.command = ""
		delete(m.names, name)
		m.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// Close unsubscribes the command channel. The broker connection is owned
// by the caller.
func (m *MQTT) Close() error {
	m.mu.Lock()
	topic := m.command
	m.command = ""
	m.closed = true
	m.mu.Unlock()

	if topic != "" {
		return m.broker.Unsubscribe(topic)
	}
	return nil
}
