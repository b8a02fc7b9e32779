package transport

import (
	"fmt"
	"sync"
)

// Loopback is an in-memory Transport. Watchers registered on a channel are
// its clients; commands are injected with Inject.
//
// All methods are safe for concurrent use.
type Loopback struct {
	mu       sync.RWMutex
	channels map[ChannelID]*loopChannel
	byName   map[string]ChannelID
	nextID   ChannelID
	command  CommandHandler
	closed   bool
}

type loopChannel struct {
	name     string
	provider Provider
	last     []byte
	updates  int
	watchers map[int]func([]byte)
	nextW    int
}

// NewLoopback creates an empty in-memory transport.
func NewLoopback() *Loopback {
	return &Loopback{
		channels: make(map[ChannelID]*loopChannel),
		byName:   make(map[string]ChannelID),
		nextID:   1,
	}
}

// AddChannel implements Transport.
func (l *Loopback) AddChannel(name string, provider Provider) (ChannelID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if _, exists := l.byName[name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}

	id := l.nextID
	l.nextID++
	l.channels[id] = &loopChannel{name: name, provider: provider, watchers: make(map[int]func([]byte))}
	l.byName[name] = id
	return id, nil
}

// RemoveChannel implements Transport.
func (l *Loopback) RemoveChannel(id ChannelID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	delete(l.channels, id)
	delete(l.byName, ch.name)
	return nil
}

// Update implements Transport. Watchers are called synchronously after the
// transport lock is released.
func (l *Loopback) Update(id ChannelID, payload []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	ch, ok := l.channels[id]
	if !ok {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	provider := ch.provider
	l.mu.Unlock()

	if payload == nil && provider != nil {
		payload = provider()
	}
	data := append([]byte(nil), payload...)

	l.mu.Lock()
	ch.last = data
	ch.updates++
	watchers := make([]func([]byte), 0, len(ch.watchers))
	for _, w := range ch.watchers {
		watchers = append(watchers, w)
	}
	l.mu.Unlock()

	for _, w := range watchers {
		w(data)
	}
	return len(watchers), nil
}

// SubscribeCommand implements Transport.
func (l *Loopback) SubscribeCommand(name string, handler CommandHandler) (ChannelID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.command != nil {
		return 0, ErrCommandTaken
	}
	if _, exists := l.byName[name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	id := l.nextID
	l.nextID++
	l.byName[name] = id
	l.command = handler
	return id, nil
}

// Close implements Transport.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Inject delivers a raw command as if it arrived from a client. It reports
// false when no command channel is registered.
func (l *Loopback) Inject(payload []byte) bool {
	l.mu.RLock()
	handler := l.command
	l.mu.RUnlock()

	if handler == nil {
		return false
	}
	handler(payload)
	return true
}

// Watch registers fn as a client of the named channel and returns a cancel func.
func (l *Loopback) Watch(name string, fn func([]byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byName[name]
	ch := l.channels[id]
	if !ok || ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	key := ch.nextW
	ch.nextW++
	ch.watchers[key] = fn

	return func() {
		l.mu.Lock()
		delete(ch.watchers, key)
		l.mu.Unlock()
	}, nil
}

// Last returns the most recent payload of the named channel.
func (l *Loopback) Last(name string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ch := l.channels[l.byName[name]]
	if ch == nil || ch.last == nil {
		return nil, false
	}
	return append([]byte(nil), ch.last...), true
}

// Updates returns how often the named channel was updated.
func (l *Loopback) Updates(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if ch := l.channels[l.byName[name]]; ch != nil {
		return ch.updates
	}
	return 0
}

// Fetch asks the channel's provider for its current contents, the way a
// client requesting the value would.
func (l *Loopback) Fetch(name string) ([]byte, error) {
	l.mu.RLock()
	ch := l.channels[l.byName[name]]
	l.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if ch.provider == nil {
		last, _ := l.Last(name)
		return last, nil
	}
	return ch.provider(), nil
}

// Channels returns the names of all registered outbound channels.
func (l *Loopback) Channels() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.channels))
	for _, ch := range l.channels {
		names = append(names, ch.name)
	}
	return names
}
