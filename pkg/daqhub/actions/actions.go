// Package actions carries hardware write intents from the control cycle to
// the hardware-write cycle.
package actions

import (
	"fmt"
	"sync"
)

type IntentKind string

const (
	DigitalWrite IntentKind = "digital"
	AnalogWrite  IntentKind = "analog"
)

// Intent is a deferred request to set one output channel. Digital values are
// 0 or 1.
type Intent struct {
	Kind    IntentKind `json:"kind"`
	Channel int        `json:"channel"`
	Name    string     `json:"name"`
	Value   float64    `json:"value"`
	Source  string     `json:"source,omitempty"`
}

func (i Intent) key() intentKey {
	return intentKey{kind: i.Kind, channel: i.Channel}
}

type intentKey struct {
	kind    IntentKind
	channel int
}

func Digital(channel int, name string, on bool) Intent {
	v := 0.0
	if on {
		v = 1
	}
	return Intent{Kind: DigitalWrite, Channel: channel, Name: name, Value: v}
}

func Analog(channel int, name string, volts float64) Intent {
	return Intent{Kind: AnalogWrite, Channel: channel, Name: name, Value: volts}
}

// Handler applies a single intent to the outside world.
type Handler interface {
	Handle(intent Intent) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(intent Intent) error

func (f HandlerFunc) Handle(intent Intent) error { return f(intent) }

type Registry struct {
	mu       sync.RWMutex
	handlers map[IntentKind][]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[IntentKind][]Handler),
	}
}

func (r *Registry) RegisterHandler(kind IntentKind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], handler)
}

func (r *Registry) Execute(intent Intent) error {
	r.mu.RLock()
	handlers, exists := r.handlers[intent.Kind]
	if !exists {
		r.mu.RUnlock()
		return fmt.Errorf("no handlers registered for intent kind: %s", intent.Kind)
	}

	// Copy handlers to release lock quickly
	handlersCopy := make([]Handler, len(handlers))
	copy(handlersCopy, handlers)
	r.mu.RUnlock()

	for _, handler := range handlersCopy {
		if err := handler.Handle(intent); err != nil {
			return fmt.Errorf("handler error for %s channel %d: %w", intent.Kind, intent.Channel, err)
		}
	}

	return nil
}

// Coalesce keeps only the last intent per (kind, channel). Survivors keep
// the relative order in which their final values were registered.
func Coalesce(intents []Intent) []Intent {
	if len(intents) < 2 {
		return intents
	}
	last := make(map[intentKey]int, len(intents))
	for i, intent := range intents {
		last[intent.key()] = i
	}
	out := make([]Intent, 0, len(last))
	for i, intent := range intents {
		if last[intent.key()] == i {
			out = append(out, intent)
		}
	}
	return out
}
