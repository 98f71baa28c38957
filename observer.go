package modhost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event types emitted by a Runtime. OAuth events use the
// com.modhost.oauth.* types defined by the oauth package.
const (
	EventTypeModuleReady        = "com.modhost.module.ready"
	EventTypeModuleFailed       = "com.modhost.module.failed"
	EventTypeRuntimeInitialized = "com.modhost.runtime.initialized"
	EventTypeCallFailed         = "com.modhost.call.failed"
)

// Observer is notified of runtime events.
type Observer interface {
	// OnEvent is called on its own goroutine; it should return quickly.
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// FunctionalObserver adapts a function to Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// NewCloudEvent creates an event with a time-ordered id.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
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

func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

type observers struct {
	mutex         sync.RWMutex
	registrations map[string]*observerRegistration
}

// RegisterObserver subscribes observer to eventTypes, or to every event when
// none are given. Registering the same id again replaces the subscription.
func (rt *Runtime) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	rt.observers.mutex.Lock()
	defer rt.observers.mutex.Unlock()

	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	if rt.observers.registrations == nil {
		rt.observers.registrations = make(map[string]*observerRegistration)
	}
	rt.observers.registrations[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
	}
	rt.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes observer. Unknown observers are ignored.
func (rt *Runtime) UnregisterObserver(observer Observer) error {
	rt.observers.mutex.Lock()
	defer rt.observers.mutex.Unlock()
	delete(rt.observers.registrations, observer.ObserverID())
	return nil
}

// GetObservers lists registered observers.
func (rt *Runtime) GetObservers() []ObserverInfo {
	rt.observers.mutex.RLock()
	defer rt.observers.mutex.RUnlock()
	info := make([]ObserverInfo, 0, len(rt.observers.registrations))
	for _, reg := range rt.observers.registrations {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		info = append(info, ObserverInfo{ID: reg.observer.ObserverID(), EventTypes: types, RegisteredAt: reg.registeredAt})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].ID < info[j].ID })
	return info
}

// NotifyObservers delivers event to every interested observer without
// waiting for them.
func (rt *Runtime) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}

	rt.observers.mutex.RLock()
	defer rt.observers.mutex.RUnlock()
	for _, reg := range rt.observers.registrations {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		reg := reg
		go func() {
			defer func() {
				if r := recover(); r != nil {
					rt.logger.Error("Observer panicked", "observerID", reg.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				rt.logger.Error("Observer error", "observerID", reg.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

// EmitEvent lets collaborators such as the OAuth manager publish through the
// runtime's observers.
func (rt *Runtime) EmitEvent(ctx context.Context, event cloudevents.Event) error {
	return rt.NotifyObservers(ctx, event)
}

func (rt *Runtime) emitEvent(ctx context.Context, eventType string, data map[string]any) {
	source := "modhost.runtime." + string(rt.context)
	event := NewCloudEvent(eventType, source, data, nil)
	if err := rt.NotifyObservers(context.WithoutCancel(ctx), event); err != nil {
		rt.logger.Debug("Failed to emit event", "eventType", eventType, "error", err)
	}
}
