package registry

import (
	"errors"
	"sync"
	"testing"
)

type fakeTransport struct {
	mx     sync.Mutex
	frames [][]byte
	err    error
	closed bool
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return !f.closed
}

func (f *fakeTransport) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.closed = true
	return nil
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Register(&fakeTransport{})
		if id == "" || seen[id] {
			t.Fatalf("bad id %q", id)
		}
		seen[id] = true
	}
	if r.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", r.Len())
	}
}

func TestRegisterRetriesOnCollision(t *testing.T) {
	r := New()
	ids := []string{"a", "a", "b"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	first := r.Register(&fakeTransport{})
	second := r.Register(&fakeTransport{})
	if first != "a" || second != "b" {
		t.Fatalf("got %q, %q; want a, b", first, second)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	tr := &fakeTransport{}
	id := r.Register(tr)

	got, ok := r.Unregister(id)
	if !ok || got != tr {
		t.Fatalf("Unregister did not return the transport")
	}
	if _, ok := r.Unregister(id); ok {
		t.Fatalf("second Unregister reported removal")
	}
	if _, ok := r.Unregister("never-registered"); ok {
		t.Fatalf("unknown Unregister reported removal")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestLookupSkipsClosed(t *testing.T) {
	r := New()
	tr := &fakeTransport{}
	id := r.Register(tr)

	if _, ok := r.Lookup(id); !ok {
		t.Fatalf("Lookup missed open transport")
	}
	_ = tr.Close()
	if _, ok := r.Lookup(id); ok {
		t.Fatalf("Lookup returned closed transport")
	}
}

func TestSend(t *testing.T) {
	r := New()
	ok := &fakeTransport{}
	broken := &fakeTransport{err: errors.New("broken pipe")}
	okID := r.Register(ok)
	brokenID := r.Register(broken)

	if err := r.Send(okID, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ok.frames) != 1 || string(ok.frames[0]) != "hi" {
		t.Fatalf("frame not delivered: %q", ok.frames)
	}

	if err := r.Send(brokenID, []byte("hi")); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if _, found := r.Lookup(brokenID); !found {
		t.Fatalf("failed send must not unregister")
	}

	if err := r.Send("missing", []byte("hi")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
