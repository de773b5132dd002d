package memory

import (
	"hash/fnv"
	"sort"
	"sync"
)

const (
	defaultShards = 32
)

type roomShard struct {
	mx    sync.Mutex
	rooms map[string]map[string]struct{}
}

type connShard struct {
	mx     sync.Mutex
	roomOf map[string]string
}

// Directory maps rooms to their member connection ids and back.
//
// Rooms and memberships are striped over independent locks. Every mutation
// takes the connection's shard first and then the affected room shards in
// ascending order, so both directions change together and unrelated rooms
// rarely contend.
type Directory struct {
	rooms []*roomShard
	conns []*connShard
}

func NewDirectory() *Directory {
	return NewDirectoryWithShards(defaultShards)
}

func NewDirectoryWithShards(n int) *Directory {
	if n < 1 {
		n = 1
	}
	d := &Directory{
		rooms: make([]*roomShard, n),
		conns: make([]*connShard, n),
	}
	for i := 0; i < n; i++ {
		d.rooms[i] = &roomShard{rooms: make(map[string]map[string]struct{})}
		d.conns[i] = &connShard{roomOf: make(map[string]string)}
	}
	return d
}

// Join puts the connection into roomID, moving it out of the room it was in.
// The previous room is returned, "" if there was none.
func (d *Directory) Join(roomID, connID string) string {
	cs := d.connShard(connID)
	cs.mx.Lock()
	defer cs.mx.Unlock()

	prev := cs.roomOf[connID]
	if prev == roomID {
		return prev
	}

	unlock := d.lockRooms(prev, roomID)
	defer unlock()

	if prev != "" {
		d.roomShard(prev).remove(prev, connID)
	}
	d.roomShard(roomID).add(roomID, connID)
	cs.roomOf[connID] = roomID
	return prev
}

// Leave removes the connection from roomID. It reports false when the
// connection was not a member.
func (d *Directory) Leave(roomID, connID string) bool {
	cs := d.connShard(connID)
	cs.mx.Lock()
	defer cs.mx.Unlock()

	if cs.roomOf[connID] != roomID || roomID == "" {
		return false
	}
	d.leaveLocked(cs, roomID, connID)
	return true
}

// Remove takes the connection out of whatever room it is in.
func (d *Directory) Remove(connID string) (string, bool) {
	cs := d.connShard(connID)
	cs.mx.Lock()
	defer cs.mx.Unlock()

	roomID, ok := cs.roomOf[connID]
	if !ok {
		return "", false
	}
	d.leaveLocked(cs, roomID, connID)
	return roomID, true
}

func (d *Directory) leaveLocked(cs *connShard, roomID, connID string) {
	rs := d.roomShard(roomID)
	rs.mx.Lock()
	rs.remove(roomID, connID)
	rs.mx.Unlock()
	delete(cs.roomOf, connID)
}

// Members returns a sorted snapshot of the room's members.
func (d *Directory) Members(roomID string) []string {
	rs := d.roomShard(roomID)
	rs.mx.Lock()
	defer rs.mx.Unlock()

	set := rs.rooms[roomID]
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

func (d *Directory) RoomOf(connID string) (string, bool) {
	cs := d.connShard(connID)
	cs.mx.Lock()
	defer cs.mx.Unlock()

	roomID, ok := cs.roomOf[connID]
	return roomID, ok
}

// Rooms returns the number of non-empty rooms.
func (d *Directory) Rooms() int {
	var n int
	for _, rs := range d.rooms {
		rs.mx.Lock()
		n += len(rs.rooms)
		rs.mx.Unlock()
	}
	return n
}

func (d *Directory) lockRooms(ids ...string) func() {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		i := shardIndex(id, len(d.rooms))
		dup := false
		for _, j := range idx {
			if j == i {
				dup = true
				break
			}
		}
		if !dup {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		d.rooms[i].mx.Lock()
	}
	return func() {
		for k := len(idx) - 1; k >= 0; k-- {
			d.rooms[idx[k]].mx.Unlock()
		}
	}
}

func (d *Directory) roomShard(roomID string) *roomShard {
	return d.rooms[shardIndex(roomID, len(d.rooms))]
}

func (d *Directory) connShard(connID string) *connShard {
	return d.conns[shardIndex(connID, len(d.conns))]
}

func (rs *roomShard) add(roomID, connID string) {
	set, ok := rs.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		rs.rooms[roomID] = set
	}
	set[connID] = struct{}{}
}

func (rs *roomShard) remove(roomID, connID string) {
	set, ok := rs.rooms[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(rs.rooms, roomID)
	}
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
