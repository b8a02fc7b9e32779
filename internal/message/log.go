package message

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/feeserver/internal/transport"
)

// Default values.
const (
	DefaultDetector         = "FEE"
	DefaultLevel            = Info | Warning | Error
	DefaultReplicateTimeout = 10 * time.Second
	DefaultHistorySize      = 100

	storeTimeout = 2 * time.Second
)

// ErrNotRunning is returned by Stop on a log whose watchdog never started.
var ErrNotRunning = errors.New("message: watchdog not running")

// Publisher pushes encoded messages to the message channel.
type Publisher interface {
	Update(id transport.ChannelID, payload []byte) (int, error)
}

// Store persists sent messages.
type Store interface {
	Save(ctx context.Context, m Message) error
}

// Logger defines the structured logger sent messages are mirrored to.
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

// Config holds message channel settings.
type Config struct {
	// Detector is stamped on every message.
	Detector string

	// Level is the initial event-type mask. Alarm is always added.
	Level EventType

	// ReplicateTimeout is the hold-back period of the replicate watchdog.
	// Zero disables duplicate suppression.
	ReplicateTimeout time.Duration

	// HistorySize bounds the in-memory list returned by Recent.
	HistorySize int

	// Now returns the message date. Defaults to time.Now.
	Now func() time.Time
}

// Log is the message subsystem. Its state is guarded by its own lock;
// publishers and stores it calls must not log back into it.
type Log struct {
	cfg Config

	mu         sync.Mutex
	level      EventType
	pub        Publisher
	channel    transport.ChannelID
	store      Store
	onSend     func(Message)
	last       Message
	haveLast   bool
	replicates int
	history    []Message
	logger     Logger

	running  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLog creates a message log. Call Attach to connect it to a channel
// and Start to run the replicate watchdog.
func NewLog(cfg Config) *Log {
	if cfg.Detector == "" {
		cfg.Detector = DefaultDetector
	}
	if cfg.Level == 0 {
		cfg.Level = DefaultLevel
	}
	if cfg.ReplicateTimeout < 0 {
		cfg.ReplicateTimeout = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Log{
		cfg:    cfg,
		level:  cfg.Level | Alarm,
		logger: noopLogger{},
		done:   make(chan struct{}),
	}
}

// Attach connects the log to its message channel.
func (l *Log) Attach(pub Publisher, channel transport.ChannelID) {
	l.mu.Lock()
	l.pub = pub
	l.channel = channel
	l.mu.Unlock()
}

// SetStore sets the persistence backend for sent messages.
func (l *Log) SetStore(s Store) {
	l.mu.Lock()
	l.store = s
	l.mu.Unlock()
}

// SetOnSend registers a callback run for every sent message.
func (l *Log) SetOnSend(fn func(Message)) {
	l.mu.Lock()
	l.onSend = fn
	l.mu.Unlock()
}

// SetLogger sets the structured logger messages are mirrored to.
func (l *Log) SetLogger(logger Logger) {
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// Level returns the current event-type mask.
func (l *Log) Level() EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevel replaces the event-type mask and returns the effective mask,
// which always includes Alarm.
func (l *Log) SetLevel(mask EventType) EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = (mask & AllEvents) | Alarm
	return l.level
}

// Start runs the replicate watchdog until ctx is cancelled or Stop is
// called. Without a replicate timeout it does nothing.
func (l *Log) Start(ctx context.Context) {
	if l.cfg.ReplicateTimeout == 0 {
		return
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.watchdog(ctx)
}

// Stop halts the watchdog and flushes any pending replicate notice.
// Safe to call multiple times.
func (l *Log) Stop() error {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		l.Flush()
	})
	return nil
}

func (l *Log) watchdog(ctx context.Context) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	ticker := time.NewTicker(l.cfg.ReplicateTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// Log sends a message of type t. It reports whether the message was sent;
// filtered messages and held-back duplicates report false.
func (l *Log) Log(t EventType, description, origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t&l.level == 0 && t != Alarm {
		return false
	}

	if l.running && l.haveLast && description == l.last.Description {
		l.replicates++
		return false
	}

	l.flushLocked()

	m := Message{
		EventType:   t,
		Detector:    l.cfg.Detector,
		Source:      origin,
		Description: description,
		Date:        l.cfg.Now(),
	}
	l.sendLocked(m)
	l.last = m
	l.haveLast = true
	return true
}

// Flush sends the pending replicate notice, if any, and reports whether
// one was sent.
func (l *Log) Flush() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() bool {
	if l.replicates == 0 {
		return false
	}

	m := l.last
	m.Description = replicateSummary(l.replicates, l.last.Description)
	m.Date = l.cfg.Now()
	l.replicates = 0
	l.sendLocked(m)
	return true
}

// Replicates returns the number of held-back duplicates.
func (l *Log) Replicates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replicates
}

func (l *Log) sendLocked(m Message) {
	l.mirror(m)

	if l.pub != nil {
		payload, err := Encode(m)
		if err != nil {
			l.logger.Error("encoding message failed", "error", err)
		} else if _, err := l.pub.Update(l.channel, payload); err != nil {
			l.logger.Warn("publishing message failed", "error", err)
		}
	}

	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := l.store.Save(ctx, m); err != nil {
			l.logger.Warn("storing message failed", "error", err)
		}
		cancel()
	}

	l.history = append(l.history, m)
	if over := len(l.history) - l.cfg.HistorySize; over > 0 {
		l.history = append(l.history[:0], l.history[over:]...)
	}

	if l.onSend != nil {
		l.onSend(m)
	}
}

func (l *Log) mirror(m Message) {
	args := []any{"event_type", m.EventType.String(), "source", m.Source, "detector", m.Detector}
	switch {
	case m.EventType&(Alarm|Error|FailureAudit) != 0:
		l.logger.Error(m.Description, args...)
	case m.EventType&Warning != 0:
		l.logger.Warn(m.Description, args...)
	case m.EventType&Debug != 0:
		l.logger.Debug(m.Description, args...)
	default:
		l.logger.Info(m.Description, args...)
	}
}

// Recent returns up to n of the most recently sent messages, oldest first.
func (l *Log) Recent(n int) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.history) {
		n = len(l.history)
	}
	return append([]Message(nil), l.history[len(l.history)-n:]...)
}
