// Package events carries lifecycle notifications from the server manager
// to whoever composes it (logging, telemetry, tests).
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	ServerStarted     EventType = "server.started"
	ServerExited      EventType = "server.exited"
	ServerRestarting  EventType = "server.restarting"
	HealthCheckFailed EventType = "health.failed"
	PortsReassigned   EventType = "ports.reassigned"
	UpdateStaged      EventType = "update.staged"
	UpdateApplied     EventType = "update.applied"
	UpdateFailed      EventType = "update.failed"
)

type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// Bus is a simple fan-out dispatcher. Publish never blocks the caller on
// handler work: each event is delivered on its own goroutine so a slow
// subscriber cannot stall the manager's control path.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	wg       sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event asynchronously to all matching handlers.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	targets = append(targets, b.handlers[event.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, h := range targets {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(event)
		}(h)
	}
}

// Wait blocks until all in-flight deliveries complete. Used by tests and
// during shutdown.
func (b *Bus) Wait() {
	b.wg.Wait()
}
