// Package eventbus delivers typed domain events synchronously to in-process
// subscribers. Services publish after state changes; the websocket layer
// subscribes to push re-render notifications.
package eventbus

import (
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventBus dispatches each published event to every handler registered for
// the event's type. Dispatch is synchronous: Publish returns after all
// matching handlers have run.
type EventBus interface {
	// Publish delivers event to matching subscribers. A handler panic is
	// logged and does not stop delivery to the remaining handlers.
	Publish(event any)
	// Subscribe registers handler, which must be a func with exactly one
	// parameter: the event type (or an interface the event implements).
	Subscribe(handler any)
	// Unsubscribe removes a previously registered handler.
	Unsubscribe(handler any)
	SubscribersCount() int
}

func NewEventPublisher(log *logrus.Logger) EventBus {
	return &publisher{
		log:      log,
		handlers: make(map[reflect.Type][]reflect.Value),
	}
}

type publisher struct {
	log *logrus.Logger

	mu       sync.RWMutex
	handlers map[reflect.Type][]reflect.Value
}

func (p *publisher) Subscribe(handler any) {
	t := reflect.TypeOf(handler)
	if t == nil || t.Kind() != reflect.Func || t.NumIn() != 1 || t.NumOut() != 0 {
		panic("eventbus: handler must be func(Event)")
	}
	key := t.In(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[key] = append(p.handlers[key], reflect.ValueOf(handler))
}

func (p *publisher) Unsubscribe(handler any) {
	v := reflect.ValueOf(handler)
	key := v.Type().In(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	registered := p.handlers[key]
	for i, h := range registered {
		if h.Pointer() == v.Pointer() {
			p.handlers[key] = append(registered[:i], registered[i+1:]...)
			return
		}
	}
}

func (p *publisher) Publish(event any) {
	eventType := reflect.TypeOf(event)
	if eventType == nil {
		return
	}
	in := []reflect.Value{reflect.ValueOf(event)}

	p.mu.RLock()
	var matched []reflect.Value
	for key, registered := range p.handlers {
		if key == eventType || (key.Kind() == reflect.Interface && eventType.Implements(key)) {
			matched = append(matched, registered...)
		}
	}
	p.mu.RUnlock()

	if len(matched) == 0 {
		if p.log != nil {
			p.log.Warnf("eventbus: no subscribers for %s", eventType)
		}
		return
	}
	for _, h := range matched {
		p.call(h, in, eventType)
	}
}

func (p *publisher) call(h reflect.Value, in []reflect.Value, eventType reflect.Type) {
	defer func() {
		if r := recover(); r != nil {
			if p.log != nil {
				p.log.Errorf("eventbus: handler %s panicked on %s: %v", h.Type(), eventType, r)
			}
		}
	}()
	h.Call(in)
}

func (p *publisher) SubscribersCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, registered := range p.handlers {
		n += len(registered)
	}
	return n
}
