package protocol

import (
	"fmt"
	"strings"
	"time"
)

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventConnected
	EventDisconnected
	EventInvalidAuth
	EventRedirect
	EventInternal
	EventVirtualWrite
	EventVirtualWriteAny
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventInvalidAuth:
		return "InvalidAuth"
	case EventRedirect:
		return "Redirect"
	case EventInternal:
		return "Internal"
	case EventVirtualWrite:
		return "VirtualWrite"
	case EventVirtualWriteAny:
		return "VirtualWriteAny"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is the closed set of things the engine reports to the application.
type Event struct { //nolint:maligned
	Kind    EventKind
	Latency time.Duration // Connected
	Host    string        // Redirect
	Port    int           // Redirect
	Pin     string        // VirtualWrite, VirtualWriteAny
	Key     string        // Internal
	Values  []string      // VirtualWrite*, Internal
}

const (
	NameConnected       = "connected"
	NameDisconnected    = "disconnected"
	NameInvalidAuth     = "invalid_auth"
	NameRedirect        = "redirect"
	NameVirtualWriteAny = "V*"
)

// NameVirtualWrite returns the registration name for one virtual pin.
func NameVirtualWrite(pin string) string { return "V" + pin }

// NameInternal returns the registration name for one internal key.
func NameInternal(key string) string { return "internal:" + key }

// Name is the registry key this event is dispatched under.
func (e *Event) Name() string {
	switch e.Kind {
	case EventConnected:
		return NameConnected
	case EventDisconnected:
		return NameDisconnected
	case EventInvalidAuth:
		return NameInvalidAuth
	case EventRedirect:
		return NameRedirect
	case EventInternal:
		return NameInternal(e.Key)
	case EventVirtualWrite:
		return NameVirtualWrite(e.Pin)
	case EventVirtualWriteAny:
		return NameVirtualWriteAny
	}
	return ""
}

func (e *Event) String() string {
	inner := ""
	switch e.Kind {
	case EventConnected:
		inner = fmt.Sprintf(" latency=%s", e.Latency)
	case EventRedirect:
		inner = fmt.Sprintf(" host=%s port=%d", e.Host, e.Port)
	case EventInternal:
		inner = fmt.Sprintf(" key=%s values=%s", e.Key, strings.Join(e.Values, ","))
	case EventVirtualWrite, EventVirtualWriteAny:
		inner = fmt.Sprintf(" pin=%s values=%s", e.Pin, strings.Join(e.Values, ","))
	}
	return fmt.Sprintf("protocol.Event(%s%s)", e.Kind, inner)
}

type Handler func(Event)

// Registry maps event names to handlers. Exactly one handler per name, the
// last registration wins. Not safe for concurrent use, same single-caller
// contract as the engine.
type Registry struct {
	handlers map[string]Handler
}

func (r *Registry) On(name string, h Handler) {
	if r.handlers == nil {
		r.handlers = make(map[string]Handler, 8)
	}
	r.handlers[name] = h
}

func (r *Registry) get(name string) Handler { return r.handlers[name] }
