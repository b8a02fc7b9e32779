package item

import (
	"errors"
	"fmt"
	"math"
	"path"
	"sync"

	"github.com/nerrad567/feeserver/internal/protocol"
	"github.com/nerrad567/feeserver/internal/transport"
)

// ErrCorrupt reports a node whose location could not be reconciled.
var ErrCorrupt = errors.New("item: location corrupt")

// Publisher is the part of the transport the registry uses.
type Publisher interface {
	AddChannel(name string, provider transport.Provider) (transport.ChannelID, error)
	RemoveChannel(id transport.ChannelID) error
	Update(id transport.ChannelID, payload []byte) (int, error)
}

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Sample is the result of polling one node.
type Sample struct {
	Name      string
	ID        transport.ChannelID
	Kind      Kind
	Integrity Integrity
	Value     float64
	Payload   []byte
	Forced    bool
}

// ChannelInfo describes a registered channel.
type ChannelInfo struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	ID       uint32  `json:"id"`
	Active   bool    `json:"active"`
	Last     float64 `json:"last"`
	Deadband float64 `json:"deadband"`
}

// Registry holds the float, int and char item lists. Names are unique across
// all three. Lists are append-only and keep insertion order; unpublished
// nodes stay in place, marked inactive, until DeleteList.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	arena      *Arena
	pub        Publisher
	floats     []*Node
	ints       []*Node
	chars      []*Node
	names      map[string]*Node
	collecting bool
	logger     Logger
}

// NewRegistry creates a registry in the collecting phase.
func NewRegistry(arena *Arena, pub Publisher) *Registry {
	return &Registry{
		arena:      arena,
		pub:        pub,
		names:      make(map[string]*Node),
		collecting: true,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Arena returns the arena backing float and int items.
func (r *Registry) Arena() *Arena {
	return r.arena
}

// StopCollecting ends the publishing phase.
func (r *Registry) StopCollecting() {
	r.mu.Lock()
	r.collecting = false
	r.mu.Unlock()
}

// Collecting reports whether items may still be published.
func (r *Registry) Collecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collecting
}

// PublishFloat registers a float item.
func (r *Registry) PublishFloat(it FloatItem) (transport.ChannelID, error) {
	if err := r.checkCollecting(it.Name); err != nil {
		return 0, err
	}
	if it.Location == 0 {
		return 0, fmt.Errorf("%w: float item %q has no location", protocol.ErrNullPointer, it.Name)
	}
	v, err := r.arena.Float(it.Location)
	if err != nil {
		return 0, err
	}
	n := newValueNode(it.Name, KindFloat, it.Location, float64(it.DefaultDeadband))
	n.last = float64(v)
	return r.publish(n, &r.floats)
}

// PublishInt registers an int item.
func (r *Registry) PublishInt(it IntItem) (transport.ChannelID, error) {
	if err := r.checkCollecting(it.Name); err != nil {
		return 0, err
	}
	if it.Location == 0 {
		return 0, fmt.Errorf("%w: int item %q has no location", protocol.ErrNullPointer, it.Name)
	}
	v, err := r.arena.Int(it.Location)
	if err != nil {
		return 0, err
	}
	n := newValueNode(it.Name, KindInt, it.Location, float64(it.DefaultDeadband))
	n.last = float64(v)
	return r.publish(n, &r.ints)
}

// PublishChar registers an opaque channel served by a provider callback.
func (r *Registry) PublishChar(it CharItem) (transport.ChannelID, error) {
	if err := r.checkCollecting(it.Name); err != nil {
		return 0, err
	}
	if it.Provider == nil {
		return 0, fmt.Errorf("%w: char item %q has no provider", protocol.ErrNullPointer, it.Name)
	}
	n := &Node{
		Name:     it.Name,
		Kind:     KindChar,
		tag:      it.Tag,
		provider: it.Provider,
		active:   true,
		last:     math.NaN(),
	}
	return r.publish(n, &r.chars)
}

// checkCollecting rejects registrations once the publishing phase is over.
func (r *Registry) checkCollecting(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.collecting {
		return fmt.Errorf("%w: %s published after initialisation", protocol.ErrWrongState, name)
	}
	return nil
}

func (r *Registry) publish(n *Node, list *[]*Node) (transport.ChannelID, error) {
	if n.Name == "" {
		return 0, fmt.Errorf("%w: item name is empty", protocol.ErrNullPointer)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Collecting is checked again under the lock held for the insert.
	if !r.collecting {
		return 0, fmt.Errorf("%w: %s published after initialisation", protocol.ErrWrongState, n.Name)
	}
	if _, exists := r.names[n.Name]; exists {
		return 0, fmt.Errorf("%w: %s", protocol.ErrItemNameExists, n.Name)
	}

	id, err := r.pub.AddChannel(n.Name, r.provider(n))
	if err != nil {
		return 0, fmt.Errorf("registering channel %s: %w", n.Name, err)
	}
	n.ID = id
	*list = append(*list, n)
	r.names[n.Name] = n

	r.logger.Debug("item published", "name", n.Name, "kind", n.Kind.String(), "channel", id)
	return id, nil
}

// provider serves client reads of the channel's current contents.
func (r *Registry) provider(n *Node) transport.Provider {
	if n.Kind == KindChar {
		return func() []byte { return n.provider(n.tag) }
	}
	return func() []byte {
		r.mu.Lock()
		loc := n.location
		r.mu.Unlock()
		payload, _, err := r.read(n.Kind, loc)
		if err != nil {
			return nil
		}
		return payload
	}
}

func (r *Registry) read(kind Kind, loc Location) ([]byte, float64, error) {
	if kind == KindInt {
		v, err := r.arena.Int(loc)
		return encodeInt(v), float64(v), err
	}
	v, err := r.arena.Float(loc)
	return encodeFloat(v), float64(v), err
}

// FindByName looks a node up in any of the three lists.
func (r *Registry) FindByName(name string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.names[name]
	return n, ok
}

// Len returns the number of active nodes of a kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, n := range r.listLocked(kind) {
		if n.active {
			count++
		}
	}
	return count
}

// Nodes returns the nodes of a kind in insertion order.
func (r *Registry) Nodes(kind Kind) []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Node(nil), r.listLocked(kind)...)
}

func (r *Registry) listLocked(kind Kind) []*Node {
	switch kind {
	case KindFloat:
		return r.floats
	case KindInt:
		return r.ints
	default:
		return r.chars
	}
}

// Poll runs one monitoring step for a float or int node: it reconciles the
// node's location, reads the value and decides whether to republish. The
// node is due when the value moved by at least the threshold or when
// forceAfter polls have passed since the last transmit. Poll does not
// record the transmission; call Commit once the sample was published.
func (r *Registry) Poll(n *Node, forceAfter int) (Sample, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Sample{Name: n.Name, ID: n.ID, Kind: n.Kind}
	if !n.active || n.Kind == KindChar {
		return s, false, nil
	}

	s.Integrity = n.checkIntegrity()
	if s.Integrity == Corrupt {
		return s, false, fmt.Errorf("%w: %s", ErrCorrupt, n.Name)
	}

	payload, v, err := r.read(n.Kind, n.location)
	if err != nil {
		return s, false, fmt.Errorf("reading %s: %w", n.Name, err)
	}
	s.Value = v
	s.Payload = payload

	n.sinceTx++
	s.Forced = forceAfter > 0 && n.sinceTx >= forceAfter
	if !s.Forced && math.Abs(v-n.last) < n.threshold {
		return s, false, nil
	}
	return s, true, nil
}

// Commit records s as the last value transmitted on its node and restarts
// the forced refresh count.
func (r *Registry) Commit(n *Node, s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.last = s.Value
	n.sinceTx = 0
}

// Announce publishes the current contents of every active channel, without
// touching last transmitted values. Used once when the server starts running.
func (r *Registry) Announce() int {
	type pending struct {
		id      transport.ChannelID
		payload []byte
	}

	r.mu.Lock()
	var out []pending
	for _, list := range [][]*Node{r.floats, r.ints} {
		for _, n := range list {
			if !n.active || n.checkIntegrity() == Corrupt {
				continue
			}
			if payload, _, err := r.read(n.Kind, n.location); err == nil {
				out = append(out, pending{n.ID, payload})
			}
		}
	}
	for _, n := range r.chars {
		if n.active {
			out = append(out, pending{n.ID, nil})
		}
	}
	r.mu.Unlock()

	for _, p := range out {
		if _, err := r.pub.Update(p.id, p.payload); err != nil {
			r.logger.Warn("announcing channel failed", "channel", p.id, "error", err)
		}
	}
	return len(out)
}

// UpdateChannel pushes the current contents of a named channel to clients.
func (r *Registry) UpdateChannel(name string) (int, error) {
	r.mu.Lock()
	n, ok := r.names[name]
	if !ok || !n.active {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", protocol.ErrItemNotFound, name)
	}
	var payload []byte
	if n.Kind != KindChar {
		if n.checkIntegrity() == Corrupt {
			r.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrCorrupt, name)
		}
		var err error
		payload, _, err = r.read(n.Kind, n.location)
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
	}
	id := n.ID
	r.mu.Unlock()

	return r.pub.Update(id, payload)
}

// Unpublish withdraws one channel. The node stays in its list, inactive.
func (r *Registry) Unpublish(name string) error {
	r.mu.Lock()
	n, ok := r.names[name]
	if !ok || !n.active {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrItemNotFound, name)
	}
	n.active = false
	id := n.ID
	r.mu.Unlock()

	return r.pub.RemoveChannel(id)
}

// UnpublishAll withdraws every channel but keeps all nodes, since device
// code may still hold their locations during error recovery. It returns the
// number of channels withdrawn.
func (r *Registry) UnpublishAll() int {
	r.mu.Lock()
	var ids []transport.ChannelID
	for _, list := range [][]*Node{r.floats, r.ints, r.chars} {
		for _, n := range list {
			if n.active {
				n.active = false
				ids = append(ids, n.ID)
			}
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.pub.RemoveChannel(id); err != nil {
			r.logger.Warn("removing channel failed", "channel", id, "error", err)
		}
	}
	return len(ids)
}

// DeleteList drops every node. Call only at final teardown, after
// UnpublishAll.
func (r *Registry) DeleteList() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.floats, r.ints, r.chars = nil, nil, nil
	r.names = make(map[string]*Node)
}

// SetDeadband sets the deadband of every float and int item whose name
// matches pattern (shell-style, see path.Match), floats first, each list
// in insertion order. It returns the number of items changed.
func (r *Registry) SetDeadband(pattern string, deadband float32) (int, error) {
	if deadband < 0 || math.IsNaN(float64(deadband)) {
		return 0, fmt.Errorf("%w: deadband %v", protocol.ErrInvalidParameter, deadband)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("%w: pattern %q: %w", protocol.ErrInvalidParameter, pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, list := range [][]*Node{r.floats, r.ints} {
		for _, n := range list {
			if ok, _ := path.Match(pattern, n.Name); ok {
				n.threshold = float64(deadband) / 2
				count++
			}
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: no item matches %q", protocol.ErrItemNotFound, pattern)
	}
	r.logger.Info("deadband set", "pattern", pattern, "deadband", deadband, "items", count)
	return count, nil
}

// GetDeadband returns the deadband of a float or int item.
func (r *Registry) GetDeadband(name string) (float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.names[name]
	if !ok || n.Kind == KindChar {
		return 0, fmt.Errorf("%w: %s", protocol.ErrItemNotFound, name)
	}
	return float32(n.threshold * 2), nil
}

// Channels describes every node, floats first.
func (r *Registry) Channels() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ChannelInfo
	for _, list := range [][]*Node{r.floats, r.ints, r.chars} {
		for _, n := range list {
			info := ChannelInfo{
				Name:     n.Name,
				Kind:     n.Kind.String(),
				ID:       uint32(n.ID),
				Active:   n.active,
				Deadband: n.threshold * 2,
			}
			if !math.IsNaN(n.last) {
				info.Last = n.last
			}
			out = append(out, info)
		}
	}
	return out
}
