package _switch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/adwski/classroom-signaling/backend/metrics"
	"github.com/adwski/classroom-signaling/backend/model"
	"github.com/adwski/classroom-signaling/backend/registry"
	"github.com/adwski/classroom-signaling/backend/storage/memory"
)

type fakeTransport struct {
	mx     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.fail {
		return errors.New("write: broken pipe")
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

func (f *fakeTransport) messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, b := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("bad frame %q: %v", b, err)
		}
		out = append(out, m)
	}
	return out
}

type fixture struct {
	reg   *registry.Registry
	dir   *memory.Directory
	sw    *Switch
	conns map[string]*fakeTransport
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		reg:   registry.New(),
		dir:   memory.NewDirectory(),
		conns: make(map[string]*fakeTransport),
	}
	f.sw = NewSwitch(Config{
		Logger:        &logger,
		Registry:      f.reg,
		Directory:     f.dir,
		Metrics:       metrics.New(),
		StrictTargets: strict,
	})
	return f
}

// join registers a fake connection and puts it into the room.
func (f *fixture) join(room string) (string, *fakeTransport) {
	tr := &fakeTransport{}
	id := f.reg.Register(tr)
	f.conns[id] = tr
	if room != "" {
		f.dir.Join(room, id)
	}
	return id, tr
}

func decode(t *testing.T, s string) *model.Message {
	t.Helper()
	msg, err := model.Decode([]byte(s))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func TestBroadcastSkipsSender(t *testing.T) {
	f := newFixture(t, false)
	s, st := f.join("math101")
	_, at := f.join("math101")
	_, bt := f.join("math101")
	_, other := f.join("other")

	f.sw.Route(s, decode(t, `{"type":"chat-message","roomId":"spoofed","userId":"spoofed","text":"hi"}`))

	if got := st.messages(t); len(got) != 0 {
		t.Fatalf("sender received its own message: %s", spew.Sdump(got))
	}
	if got := other.messages(t); len(got) != 0 {
		t.Fatalf("other room received message: %s", spew.Sdump(got))
	}
	for _, tr := range []*fakeTransport{at, bt} {
		got := tr.messages(t)
		if len(got) != 1 {
			t.Fatalf("got %d messages, want 1", len(got))
		}
		if got[0]["userId"] != s || got[0]["roomId"] != "math101" || got[0]["text"] != "hi" {
			t.Fatalf("unexpected message: %s", spew.Sdump(got[0]))
		}
	}
}

func TestTargetedRelayReachesOnlyTarget(t *testing.T) {
	f := newFixture(t, false)
	s, st := f.join("math101")
	a, at := f.join("math101")
	_, bt := f.join("math101")

	raw := fmt.Sprintf(`{"type":"offer","roomId":"math101","targetId":%q,"sdp":"v=0"}`, a)
	f.sw.Route(s, decode(t, raw))

	got := at.messages(t)
	if len(got) != 1 {
		t.Fatalf("target got %d messages, want 1", len(got))
	}
	var want map[string]any
	_ = json.Unmarshal([]byte(raw), &want)
	want["userId"] = s
	if !reflect.DeepEqual(got[0], want) {
		t.Fatalf("payload changed:\ngot  %s\nwant %s", spew.Sdump(got[0]), spew.Sdump(want))
	}
	if len(bt.messages(t)) != 0 || len(st.messages(t)) != 0 {
		t.Fatalf("non-target received the offer")
	}
}

func TestTargetingSelfIsDropped(t *testing.T) {
	f := newFixture(t, false)
	s, st := f.join("r")
	f.sw.Route(s, decode(t, fmt.Sprintf(`{"type":"answer","targetId":%q}`, s)))
	if len(st.messages(t)) != 0 {
		t.Fatalf("sender received its own answer")
	}
}

func TestUnknownTargetIsIgnored(t *testing.T) {
	f := newFixture(t, false)
	s, _ := f.join("r")
	f.sw.Route(s, decode(t, `{"type":"ice-candidate","targetId":"ghost","candidate":{}}`))
	if f.reg.Len() != 1 {
		t.Fatalf("registry changed: %d", f.reg.Len())
	}
}

func TestUntargetedHandshake(t *testing.T) {
	t.Run("fallback broadcast", func(t *testing.T) {
		f := newFixture(t, false)
		s, _ := f.join("r")
		_, at := f.join("r")
		f.sw.Route(s, decode(t, `{"type":"offer","sdp":"v=0"}`))
		if len(at.messages(t)) != 1 {
			t.Fatalf("fallback broadcast not delivered")
		}
	})
	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, true)
		s, _ := f.join("r")
		_, at := f.join("r")
		f.sw.Route(s, decode(t, `{"type":"offer","sdp":"v=0"}`))
		if len(at.messages(t)) != 0 {
			t.Fatalf("strict mode relayed untargeted offer")
		}
	})
}

func TestSenderWithoutRoom(t *testing.T) {
	f := newFixture(t, false)
	s, _ := f.join("")
	_, at := f.join("r")
	f.sw.Route(s, decode(t, `{"type":"chat-message","roomId":"r"}`))
	if len(at.messages(t)) != 0 {
		t.Fatalf("message from roomless sender was delivered")
	}
}

func TestJoinIsNotRelayed(t *testing.T) {
	f := newFixture(t, false)
	s, _ := f.join("r")
	_, at := f.join("r")
	f.sw.Route(s, decode(t, `{"type":"join-room","roomId":"r"}`))
	if len(at.messages(t)) != 0 {
		t.Fatalf("join was relayed")
	}
}

func TestDeadRecipientIsEvicted(t *testing.T) {
	f := newFixture(t, false)
	s, st := f.join("math101")
	a, at := f.join("math101")
	_, bt := f.join("math101")
	at.fail = true

	f.sw.Route(s, decode(t, `{"type":"chat-message","text":"hi"}`))

	if _, ok := f.reg.Lookup(a); ok {
		t.Fatalf("dead recipient still registered")
	}
	if _, ok := f.dir.RoomOf(a); ok {
		t.Fatalf("dead recipient still in a room")
	}
	if at.IsOpen() {
		t.Fatalf("dead recipient transport was not closed")
	}
	members := f.dir.Members("math101")
	if len(members) != 2 {
		t.Fatalf("members = %v", members)
	}

	got := bt.messages(t)
	if len(got) != 2 {
		t.Fatalf("b got %s", spew.Sdump(got))
	}
	if got[0]["type"] != "chat-message" {
		t.Fatalf("b did not receive the broadcast first: %s", spew.Sdump(got))
	}
	if got[1]["type"] != model.TypeUserLeft || got[1]["userId"] != a {
		t.Fatalf("b did not learn about the eviction: %s", spew.Sdump(got))
	}
	// the sender learns about the departure, not about the failure
	if sg := st.messages(t); len(sg) != 1 || sg[0]["type"] != model.TypeUserLeft {
		t.Fatalf("sender got %s", spew.Sdump(sg))
	}
}

func TestEvictionCascade(t *testing.T) {
	f := newFixture(t, false)
	s, _ := f.join("r")
	_, at := f.join("r")
	_, bt := f.join("r")
	at.fail = true
	bt.fail = true

	f.sw.Route(s, decode(t, `{"type":"chat-message"}`))

	if got := f.dir.Members("r"); len(got) != 1 || got[0] != s {
		t.Fatalf("members = %v, want only sender", got)
	}
	if f.reg.Len() != 1 {
		t.Fatalf("registry has %d connections, want 1", f.reg.Len())
	}
}

func TestDeadTargetIsEvicted(t *testing.T) {
	f := newFixture(t, false)
	s, st := f.join("r")
	a, at := f.join("r")
	at.fail = true

	f.sw.Route(s, decode(t, fmt.Sprintf(`{"type":"offer","targetId":%q}`, a)))

	if _, ok := f.dir.RoomOf(a); ok {
		t.Fatalf("dead target still in room")
	}
	if got := st.messages(t); len(got) != 1 || got[0]["type"] != model.TypeUserLeft {
		t.Fatalf("sender got %s", spew.Sdump(got))
	}
}

func TestPerSenderOrder(t *testing.T) {
	f := newFixture(t, false)
	s, _ := f.join("r")
	a, at := f.join("r")

	for i := 0; i < 50; i++ {
		f.sw.Route(s, decode(t, fmt.Sprintf(`{"type":"ice-candidate","targetId":%q,"seq":%d}`, a, i)))
	}
	got := at.messages(t)
	if len(got) != 50 {
		t.Fatalf("got %d messages", len(got))
	}
	for i, m := range got {
		if m["seq"] != float64(i) {
			t.Fatalf("message %d has seq %v", i, m["seq"])
		}
	}
}

func TestTargetedRelayStampsSender(t *testing.T) {
	f := newFixture(t, false)
	s, _ := f.join("r")
	a, at := f.join("r")

	f.sw.Route(s, decode(t, fmt.Sprintf(`{"type":"offer","targetId":%q,"userId":"someone-else"}`, a)))

	got := at.messages(t)
	if len(got) != 1 || got[0]["userId"] != s {
		t.Fatalf("target got %s, want userId %s", spew.Sdump(got), s)
	}
}
