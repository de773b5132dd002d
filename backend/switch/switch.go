package _switch

import (
	"github.com/rs/zerolog"

	"github.com/adwski/classroom-signaling/backend/metrics"
	"github.com/adwski/classroom-signaling/backend/model"
	"github.com/adwski/classroom-signaling/backend/registry"
)

type (
	Registry interface {
		Send(id string, frame []byte) error
		Unregister(id string) (registry.Transport, bool)
	}

	Directory interface {
		RoomOf(connID string) (string, bool)
		Members(roomID string) []string
		Remove(connID string) (string, bool)
	}

	Config struct {
		Logger    *zerolog.Logger
		Registry  Registry
		Directory Directory
		Metrics   *metrics.Metrics

		// StrictTargets drops handshake messages that carry no targetId
		// instead of broadcasting them to the room.
		StrictTargets bool
	}

	// Switch routes signaling messages between connections.
	// It never reports delivery problems back to the sender: a recipient
	// that cannot be written to is evicted and the message is dropped for it.
	Switch struct {
		logger  zerolog.Logger
		reg     Registry
		dir     Directory
		metrics *metrics.Metrics
		strict  bool
	}
)

func NewSwitch(cfg Config) *Switch {
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		reg:     cfg.Registry,
		dir:     cfg.Directory,
		metrics: cfg.Metrics,
		strict:  cfg.StrictTargets,
	}
}

// Route relays a message received from src.
func (sw *Switch) Route(src string, msg *model.Message) {
	logger := sw.logger.With().
		Str("src", src).
		Str("type", msg.Type).
		Logger()

	switch {
	case msg.Type == model.TypeJoinRoom || msg.Type == model.TypeJoin:
		logger.Warn().Msg("join reached the switch, ignoring")
		sw.metrics.Routed(msg.Type, metrics.RouteDropped)

	case model.IsHandshake(msg.Type):
		if msg.TargetID != "" {
			sw.metrics.Routed(msg.Type, metrics.RouteUnicast)
			sw.relay(src, msg, &logger)
			return
		}
		if sw.strict {
			logger.Warn().Msg("handshake without target dropped")
			sw.metrics.Routed(msg.Type, metrics.RouteDropped)
			return
		}
		// TODO: drop the room-wide fallback once every client sends targetId.
		logger.Warn().Msg("handshake without target, falling back to room broadcast")
		sw.metrics.Routed(msg.Type, metrics.RouteFallback)
		sw.broadcastFrom(src, msg, &logger)

	default:
		sw.metrics.Routed(msg.Type, metrics.RouteBroadcast)
		sw.broadcastFrom(src, msg, &logger)
	}
}

// Broadcast sends msg to every member of roomID except the one given.
// It returns the number of members the message was handed to.
func (sw *Switch) Broadcast(roomID, except string, msg *model.Message) int {
	frame, err := msg.Encode()
	if err != nil {
		sw.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal outgoing message")
		return 0
	}
	sent, dead := sw.fanout(roomID, except, frame)
	sw.evict(dead)
	return sent
}

// Unicast sends msg to a single connection.
func (sw *Switch) Unicast(dst string, msg *model.Message) bool {
	frame, err := msg.Encode()
	if err != nil {
		sw.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshal outgoing message")
		return false
	}
	if err = sw.reg.Send(dst, frame); err != nil {
		sw.logger.Debug().Err(err).Str("dst", dst).Msg("cannot deliver, dropping connection")
		sw.evict([]string{dst})
		return false
	}
	return true
}

func (sw *Switch) relay(src string, msg *model.Message, logger *zerolog.Logger) {
	if msg.TargetID == src {
		logger.Debug().Msg("message targets its own sender, dropping")
		return
	}
	out := msg.Clone()
	out.UserID = src
	if sw.Unicast(out.TargetID, out) {
		logger.Debug().Str("dst", msg.TargetID).Msg("message is relayed")
	}
}

func (sw *Switch) broadcastFrom(src string, msg *model.Message, logger *zerolog.Logger) {
	roomID, ok := sw.dir.RoomOf(src)
	if !ok {
		logger.Debug().Msg("sender is not in a room, nowhere to forward")
		return
	}
	out := msg.Clone()
	out.RoomID = roomID
	out.UserID = src

	sent := sw.Broadcast(roomID, src, out)
	logger.Debug().
		Str("roomID", roomID).
		Int("recipients", sent).
		Msg("message is broadcasted")
}

// fanout writes the frame to the room snapshot and collects members that failed.
func (sw *Switch) fanout(roomID, except string, frame []byte) (int, []string) {
	var (
		sent int
		dead []string
	)
	for _, dst := range sw.dir.Members(roomID) {
		if dst == except {
			continue
		}
		if err := sw.reg.Send(dst, frame); err != nil {
			sw.logger.Debug().Err(err).
				Str("roomID", roomID).
				Str("dst", dst).
				Msg("dead endpoint")
			dead = append(dead, dst)
			continue
		}
		sent++
	}
	return sent, dead
}

// evict removes dead connections and tells their rooms. Announcing a
// departure can uncover more dead members, those are queued as well.
func (sw *Switch) evict(queue []string) {
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		roomID, inRoom := sw.dir.Remove(id)
		t, registered := sw.reg.Unregister(id)
		if registered {
			if err := t.Close(); err != nil {
				sw.logger.Debug().Err(err).Str("dst", id).Msg("failed to close evicted connection")
			}
		}
		if !inRoom && !registered {
			continue
		}
		sw.metrics.Evicted()
		sw.logger.Warn().
			Str("dst", id).
			Str("roomID", roomID).
			Msg("connection evicted")

		if !inRoom {
			continue
		}
		frame, err := model.NewUserLeft(roomID, id).Encode()
		if err != nil {
			sw.logger.Error().Err(err).Msg("failed to marshal departure")
			continue
		}
		_, dead := sw.fanout(roomID, "", frame)
		queue = append(queue, dead...)
	}
}
