package service

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adwski/classroom-signaling/backend/metrics"
	"github.com/adwski/classroom-signaling/backend/model"
	"github.com/adwski/classroom-signaling/backend/registry"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

type (
	Registry interface {
		Register(t registry.Transport) string
		Unregister(id string) (registry.Transport, bool)
		Lookup(id string) (registry.Transport, bool)
		Len() int
	}

	Directory interface {
		Join(roomID, connID string) string
		Remove(connID string) (string, bool)
		RoomOf(connID string) (string, bool)
		Members(roomID string) []string
		Rooms() int
	}

	Switch interface {
		Route(src string, msg *model.Message)
		Broadcast(roomID, except string, msg *model.Message) int
		Unicast(dst string, msg *model.Message) bool
	}

	Config struct {
		Registry  Registry
		Directory Directory
		Switch    Switch
		Metrics   *metrics.Metrics
		Logger    *zerolog.Logger

		// MessagesPerSecond limits inbound messages per connection, 0 disables.
		MessagesPerSecond float64
		Burst             int
	}

	Stats struct {
		Connections int `json:"connections"`
		Rooms       int `json:"rooms"`
	}

	// Service drives connection lifecycle: connect, join, leave and
	// disconnect. All other messages are handed to the switch.
	Service struct {
		reg     Registry
		dir     Directory
		sw      Switch
		metrics *metrics.Metrics
		logger  zerolog.Logger

		limit rate.Limit
		burst int

		mx       *sync.Mutex
		limiters map[string]*rate.Limiter

		now func() time.Time
	}
)

func NewService(cfg Config) *Service {
	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}
	return &Service{
		reg:      cfg.Registry,
		dir:      cfg.Directory,
		sw:       cfg.Switch,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
		limit:    limit,
		burst:    cfg.Burst,
		mx:       &sync.Mutex{},
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// Connect registers a new transport and confirms the assigned session id to it.
func (svc *Service) Connect(t registry.Transport) string {
	id := svc.reg.Register(t)

	svc.mx.Lock()
	svc.limiters[id] = rate.NewLimiter(svc.limit, svc.burst)
	svc.mx.Unlock()

	svc.logger.Debug().Str("sessionId", id).Msg("connection registered")
	svc.sw.Unicast(id, model.NewConnectionEstablished(id))
	return id
}

// Dispatch handles one inbound frame. Nothing here closes the connection:
// bad frames are logged and dropped.
func (svc *Service) Dispatch(connID string, frame []byte) {
	logger := svc.logger.With().Str("sessionId", connID).Logger()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("message handling failed")
		}
	}()

	if !svc.allow(connID) {
		svc.metrics.RateLimited()
		logger.Warn().Msg("rate limit exceeded, message dropped")
		return
	}

	msg, err := model.Decode(frame)
	if err != nil {
		svc.metrics.Malformed()
		logger.Warn().Err(err).Msg("dropping malformed message")
		return
	}
	logger.Trace().Str("type", msg.Type).Str("roomID", msg.RoomID).Msg("message received")

	switch msg.Type {
	case model.TypeJoinRoom, model.TypeJoin:
		if msg.RoomID == "" {
			svc.metrics.Malformed()
			logger.Warn().Msg("join without roomId dropped")
			return
		}
		user, _ := msg.Get("user")
		svc.Join(connID, msg.RoomID, user)
	case model.TypeLeaveRoom, model.TypeLeave:
		svc.Leave(connID)
	case model.TypePing:
		svc.sw.Unicast(connID, model.NewPong(svc.now().UnixMilli()))
	case model.TypeGetRoomInfo:
		svc.sendRoomInfo(connID)
	default:
		if model.IsContentSync(msg.Type) {
			// clients order concurrent edits by the relay's clock
			msg.SetInt("timestamp", svc.now().UnixMilli()).SetBool("serverProcessed", true)
		}
		svc.sw.Route(connID, msg)
	}
}

// Join moves the connection into roomID, telling the old room it left and
// the new room it arrived.
func (svc *Service) Join(connID, roomID string, user json.RawMessage) {
	if _, ok := svc.reg.Lookup(connID); !ok {
		svc.logger.Debug().Str("sessionId", connID).Msg("join from unregistered connection ignored")
		return
	}

	prev := svc.dir.Join(roomID, connID)
	if prev == roomID {
		svc.sw.Unicast(connID, model.NewRoomInfo(roomID, connID, len(svc.dir.Members(roomID))))
		return
	}
	if prev != "" {
		svc.sw.Broadcast(prev, connID, model.NewUserLeft(prev, connID))
	}

	svc.sw.Broadcast(roomID, connID, model.NewUserJoined(roomID, connID, user))
	participants := len(svc.dir.Members(roomID))
	svc.sw.Unicast(connID, model.NewRoomInfo(roomID, connID, participants))

	svc.logger.Debug().
		Str("sessionId", connID).
		Str("roomID", roomID).
		Str("prevRoomID", prev).
		Int("participants", participants).
		Msg("user joined room")
}

// Leave takes the connection out of its room without closing it.
func (svc *Service) Leave(connID string) {
	roomID, ok := svc.dir.Remove(connID)
	if !ok {
		return
	}
	svc.sw.Broadcast(roomID, connID, model.NewUserLeft(roomID, connID))
	svc.logger.Debug().
		Str("sessionId", connID).
		Str("roomID", roomID).
		Msg("user left room")
}

// Disconnect forgets the connection. It is safe to call for connections
// that were never registered or were already evicted.
func (svc *Service) Disconnect(connID string) {
	roomID, inRoom := svc.dir.Remove(connID)
	_, registered := svc.reg.Unregister(connID)

	svc.mx.Lock()
	delete(svc.limiters, connID)
	svc.mx.Unlock()

	if inRoom {
		svc.sw.Broadcast(roomID, connID, model.NewUserLeft(roomID, connID))
	}
	if inRoom || registered {
		svc.logger.Debug().
			Str("sessionId", connID).
			Str("roomID", roomID).
			Msg("connection closed")
	}
}

func (svc *Service) Stats() Stats {
	return Stats{
		Connections: svc.reg.Len(),
		Rooms:       svc.dir.Rooms(),
	}
}

func (svc *Service) Room(roomID string) (*model.Room, error) {
	members := svc.dir.Members(roomID)
	if len(members) == 0 {
		return nil, ErrRoomNotFound
	}
	return &model.Room{ID: roomID, Participants: members}, nil
}

func (svc *Service) sendRoomInfo(connID string) {
	roomID, _ := svc.dir.RoomOf(connID)
	members := []string{}
	if roomID != "" {
		members = svc.dir.Members(roomID)
	}
	info := model.NewRoomInfo(roomID, connID, len(members))
	if b, err := json.Marshal(members); err == nil {
		info.SetRaw("members", b)
	}
	svc.sw.Unicast(connID, info)
}

func (svc *Service) allow(connID string) bool {
	svc.mx.Lock()
	l, ok := svc.limiters[connID]
	svc.mx.Unlock()
	if !ok {
		return true
	}
	return l.AllowN(svc.now(), 1)
}
