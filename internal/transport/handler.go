package transport

import (
	"fmt"
	"sync"
)

// HandlerFunc processes one data message. The returned status travels back
// to the sender as the user status; ret is handed to the post hook.
type HandlerFunc func(msg *Message, data any) (status int32, ret any)

// PostFunc runs after the status reply has been sent.
type PostFunc func(status int32, data any, ret any)

// HandlerSpec describes one registration.
type HandlerSpec struct {
	Type   uint16
	Key    uint32
	MaxLen int
	Func   HandlerFunc
	Data   any
	Post   PostFunc
}

type handlerKey struct {
	typ uint16
	key uint32
}

// RegistrationList records the registrations made through it so they can
// be removed together. The zero value is ready to use.
type RegistrationList struct {
	keys []handlerKey
}

// Len returns the number of registrations recorded.
func (l *RegistrationList) Len() int {
	return len(l.keys)
}

// HandlerRegistry maps (type, key) to handlers. Dispatch takes the read
// lock only for the lookup; handlers run unlocked.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]*HandlerSpec
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[handlerKey]*HandlerSpec)}
}

// Register adds spec and records it on list.
func (r *HandlerRegistry) Register(spec HandlerSpec, list *RegistrationList) error {
	if spec.Func == nil || spec.Type == 0 {
		return fmt.Errorf("register type %d key %#x: %w", spec.Type, spec.Key, ErrInvalidHandler)
	}
	if spec.MaxLen > MaxPayload {
		return fmt.Errorf("register type %d key %#x: max len %d > %d: %w",
			spec.Type, spec.Key, spec.MaxLen, MaxPayload, ErrHandlerTooLarge)
	}
	if list == nil {
		return fmt.Errorf("register type %d key %#x: nil registration list: %w", spec.Type, spec.Key, ErrInvalidHandler)
	}

	k := handlerKey{typ: spec.Type, key: spec.Key}
	s := spec

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("register type %d key %#x: %w", spec.Type, spec.Key, ErrDuplicateHandler)
	}
	r.handlers[k] = &s
	list.keys = append(list.keys, k)
	return nil
}

// Unregister removes every registration recorded on list and resets it.
func (r *HandlerRegistry) Unregister(list *RegistrationList) {
	if list == nil {
		return
	}
	r.mu.Lock()
	for _, k := range list.keys {
		delete(r.handlers, k)
	}
	r.mu.Unlock()
	list.keys = nil
}

func (r *HandlerRegistry) lookup(typ uint16, key uint32) *HandlerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerKey{typ: typ, key: key}]
}

// dispatchResult is what the reader sends back for one data message.
type dispatchResult struct {
	sys    SysStatus
	status int32
	run    func() // post hook, run after the reply is written
}

// dispatch runs the handler for msg. The post hook is returned rather than
// invoked so the caller can send the status reply first.
func (r *HandlerRegistry) dispatch(msg *Message) dispatchResult {
	spec := r.lookup(msg.Type, msg.Key)
	if spec == nil {
		return dispatchResult{sys: SysNoHandler}
	}
	if len(msg.Payload) > spec.MaxLen {
		return dispatchResult{sys: SysOverflow}
	}

	status, ret := spec.Func(msg, spec.Data)
	res := dispatchResult{sys: SysOK, status: status}
	if spec.Post != nil {
		res.run = func() { spec.Post(status, spec.Data, ret) }
	}
	return res
}
