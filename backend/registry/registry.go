package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("connection not found")
	ErrSendFailed = errors.New("send failed")
)

// Transport is a live client connection. Send must not block on the network.
type Transport interface {
	Send(frame []byte) error
	IsOpen() bool
	Close() error
}

// Registry owns transport handles of all live connections.
// Other components only ever refer to connections by id.
type Registry struct {
	mx    *sync.RWMutex
	conns map[string]Transport
	newID func() string
}

func New() *Registry {
	return &Registry{
		mx:    &sync.RWMutex{},
		conns: make(map[string]Transport),
		newID: uuid.NewString,
	}
}

func (r *Registry) Register(t Transport) string {
	r.mx.Lock()
	defer r.mx.Unlock()

	id := r.newID()
	for _, taken := r.conns[id]; taken; _, taken = r.conns[id] {
		id = r.newID()
	}
	r.conns[id] = t
	return id
}

// Unregister removes the connection and hands back its transport.
// Unknown ids are ignored.
func (r *Registry) Unregister(id string) (Transport, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	t, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return t, ok
}

func (r *Registry) Lookup(id string) (Transport, bool) {
	r.mx.RLock()
	t, ok := r.conns[id]
	r.mx.RUnlock()

	if !ok || !t.IsOpen() {
		return nil, false
	}
	return t, true
}

// Send writes a frame to the connection. A failure leaves the registry
// untouched, cleaning up is up to the caller.
func (r *Registry) Send(id string, frame []byte) error {
	t, ok := r.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	if err := t.Send(frame); err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	return nil
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.conns)
}
