package events

import (
	"context"
	"log/slog"
	"sync"
)

// MetricsSubscriber consumes bus events in a background goroutine and keeps
// per-type counters. It backs the Stats surfaces of the engine and the
// resource manager.
type MetricsSubscriber struct {
	mu      sync.RWMutex
	counts  map[EventType]int64
	cleanup func()
	done    chan struct{}
}

// NewMetricsSubscriber subscribes to the bus and starts consuming. Stop
// must be called to release the subscription.
func NewMetricsSubscriber(ctx context.Context, bus Bus, filter Filter) *MetricsSubscriber {
	ch, cleanup := bus.Subscribe(ctx, filter, 0)
	m := &MetricsSubscriber{
		counts:  make(map[EventType]int64),
		cleanup: cleanup,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(m.done)
		for event := range ch {
			m.mu.Lock()
			m.counts[event.Type]++
			m.mu.Unlock()
		}
	}()
	return m
}

// Count returns how many events of the given type were observed.
func (m *MetricsSubscriber) Count(eventType EventType) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[eventType]
}

// Counts returns a snapshot of all counters.
func (m *MetricsSubscriber) Counts() map[EventType]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[EventType]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// Stop unsubscribes and waits for the consumer goroutine to drain.
func (m *MetricsSubscriber) Stop() {
	m.cleanup()
	<-m.done
}

// LogSubscriber consumes bus events in a background goroutine and writes
// them to a structured logger.
type LogSubscriber struct {
	cleanup func()
	done    chan struct{}
}

// NewLogSubscriber subscribes to the bus and logs every matching event at
// info level. Stop must be called to release the subscription.
func NewLogSubscriber(ctx context.Context, bus Bus, filter Filter, logger *slog.Logger) *LogSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	ch, cleanup := bus.Subscribe(ctx, filter, 0)
	l := &LogSubscriber{cleanup: cleanup, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for event := range ch {
			attrs := []any{"type", string(event.Type)}
			if !event.ExecutionID.IsZero() {
				attrs = append(attrs, "execution_id", event.ExecutionID.String())
			}
			if !event.NodeID.IsZero() {
				attrs = append(attrs, "node_id", event.NodeID.String())
			}
			if !event.ResourceID.IsZero() {
				attrs = append(attrs, "resource_id", event.ResourceID.String())
			}
			if !event.CredentialID.IsZero() {
				attrs = append(attrs, "credential_id", event.CredentialID.String())
			}
			if event.Message != "" {
				attrs = append(attrs, "message", event.Message)
			}
			for k, v := range event.Fields {
				attrs = append(attrs, k, v)
			}
			logger.InfoContext(ctx, "event", attrs...)
		}
	}()
	return l
}

// Stop unsubscribes and waits for the consumer goroutine to drain.
func (l *LogSubscriber) Stop() {
	l.cleanup()
	<-l.done
}
