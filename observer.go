package corekit

// Observer pattern for event-driven integration. Events use the CloudEvents
// format so framework activity (service lifecycle, flag changes, isolator
// transitions) can be consumed by external systems without a bespoke
// envelope.

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Observer is notified of framework events it subscribed to.
type Observer interface {
	// OnEvent is called for each matching event. Observers should return
	// quickly; a slow observer delays the others.
	OnEvent(ctx context.Context, event CloudEvent) error

	// ObserverID returns a unique identifier used for registration
	// tracking and debugging.
	ObserverID() string
}

// Subject maintains observers and notifies them when events occur.
type Subject interface {
	// RegisterObserver adds an observer, optionally filtered to specific
	// event types. No filter means all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to every matching observer.
	// Observer errors are logged, not propagated.
	NotifyObservers(ctx context.Context, event CloudEvent) error
}

// Event types emitted by the framework, in CloudEvents reverse-domain
// notation.
const (
	EventTypeServiceRegistered  = "com.charitytracker.core.service.registered"
	EventTypeServiceInitialized = "com.charitytracker.core.service.initialized"
	EventTypeServiceReplaced    = "com.charitytracker.core.service.replaced"
	EventTypeServiceShutDown    = "com.charitytracker.core.service.shutdown"
	EventTypeServiceInitFailed  = "com.charitytracker.core.service.init_failed"

	EventTypeHealthEvaluated = "com.charitytracker.core.health.evaluated"
	EventTypeHealthChanged   = "com.charitytracker.core.health.changed"

	EventTypeFlagUpdated    = "com.charitytracker.core.flag.updated"
	EventTypeFlagRolledBack = "com.charitytracker.core.flag.rolled_back"

	EventTypeIsolatorErred     = "com.charitytracker.core.isolator.erred"
	EventTypeIsolatorRecovered = "com.charitytracker.core.isolator.recovered"
	EventTypeIsolatorFallback  = "com.charitytracker.core.isolator.fallback"
)

// NewCloudEvent creates a properly formed CloudEvent with a UUIDv7 ID,
// falling back to UUIDv4 when v7 generation fails.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) CloudEvent {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// observerEntry pairs an observer with its event type filter.
type observerEntry struct {
	observer   Observer
	eventTypes map[string]bool // empty means all events
}

// EventBus is the framework's in-process Subject implementation. It
// delivers events synchronously in registration order and is safe for
// concurrent use.
type EventBus struct {
	mu        sync.RWMutex
	observers []observerEntry
	logger    Logger
}

// NewEventBus creates an event bus for framework components to share.
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = NopLogger{}
	}
	return &EventBus{logger: logger}
}

// RegisterObserver implements Subject.
func (b *EventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	filter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}
	b.mu.Lock()
	b.observers = append(b.observers, observerEntry{observer: observer, eventTypes: filter})
	b.mu.Unlock()
	return nil
}

// UnregisterObserver implements Subject.
func (b *EventBus) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}
	b.mu.Lock()
	kept := b.observers[:0]
	for _, entry := range b.observers {
		if entry.observer.ObserverID() != observer.ObserverID() {
			kept = append(kept, entry)
		}
	}
	b.observers = kept
	b.mu.Unlock()
	return nil
}

// NotifyObservers implements Subject. Observer errors are logged and do
// not stop delivery to the remaining observers.
func (b *EventBus) NotifyObservers(ctx context.Context, event CloudEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	b.mu.RLock()
	observers := append([]observerEntry(nil), b.observers...)
	b.mu.RUnlock()
	for _, entry := range observers {
		if len(entry.eventTypes) > 0 && !entry.eventTypes[event.Type()] {
			continue
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil {
			b.logger.Warn("Observer failed to handle event",
				"observer", entry.observer.ObserverID(), "type", event.Type(), "error", err)
		}
	}
	return nil
}

// FunctionalObserver wraps a handler function as an Observer for quick
// observer creation without defining a struct.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event CloudEvent) error
}

// NewFunctionalObserver creates an observer backed by the given function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event CloudEvent) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event CloudEvent) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
