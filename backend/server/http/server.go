package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/adwski/classroom-signaling/backend/model"
	"github.com/adwski/classroom-signaling/backend/service"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	Stats() service.Stats
	Room(roomID string) (*model.Room, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// WebRTCConfig is what browsers need to build their RTCPeerConnection.
type WebRTCConfig struct {
	ICEServers           []webrtc.ICEServer `json:"iceServers"`
	ICECandidatePoolSize uint8              `json:"iceCandidatePoolSize"`
}

type Server struct {
	logger  zerolog.Logger
	svc     RoomService
	rtc     WebRTCConfig
	metrics http.Handler
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	RoomService    RoomService
	ListenAddr     string
	CORSOrigins    []string
	WebRTC         WebRTCConfig
	MetricsHandler http.Handler
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:     cfg.RoomService,
		rtc:     cfg.WebRTC,
		metrics: cfg.MetricsHandler,
	}
	if srv.rtc.ICEServers == nil {
		srv.rtc.ICEServers = []webrtc.ICEServer{}
	}
	if srv.metrics == nil {
		srv.metrics = http.NotFoundHandler()
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /healthz", srv.health)
	r.HandleFunc("GET /api/stats", srv.stats)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.room)
	r.HandleFunc("GET /api/webrtc/config", srv.webRTCConfig)
	r.Handle("GET /metrics", srv.metrics)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         86400,
	})

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(r),
	}
	return srv
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.svc.Stats())
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	room, err := srv.svc.Room(roomID)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrRoomNotFound) {
			code = http.StatusNotFound
		}
		srv.logger.Trace().Err(err).Str("roomID", roomID).Msg("room lookup failed")
		srv.writeJSON(w, code, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, room)
}

func (srv *Server) webRTCConfig(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &srv.rtc)
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
