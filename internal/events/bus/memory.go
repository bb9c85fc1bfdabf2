package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/repoask/repoask/internal/common/logger"
)

// MemoryEventBus delivers events in-process. It is the default bus when
// no external bus URL is configured.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	// pattern is nil for exact-match subjects.
	pattern *regexp.Regexp
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{logger: log}
}

// Publish delivers the event to every matching subscriber. Handlers run
// on their own goroutines; a slow subscriber never blocks the caller.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active || !sub.matches(subject) {
			continue
		}

		go func(s *memorySubscription, e *Event) {
			if err := s.handler(ctx, e); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", e.Type),
					zap.Error(err))
			}
		}(sub, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
}

// IsConnected reports whether the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) matches(subject string) bool {
	if s.pattern == nil {
		return subject == s.subject
	}
	return s.pattern.MatchString(subject)
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// compilePattern converts a NATS-style pattern ("*" one token, ">" the
// remaining tokens) to a regexp. Exact subjects return nil.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
