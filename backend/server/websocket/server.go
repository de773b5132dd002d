package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/classroom-signaling/backend/registry"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultSendQueue                   = 64

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrQueueFull  = errors.New("send queue is full")
	ErrClosed     = errors.New("session is closed")
)

type (
	SignalingService interface {
		Connect(t registry.Transport) string
		Dispatch(connID string, frame []byte)
		Disconnect(connID string)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string

		MaxMessageSize int64
		SendQueue      int
		PingInterval   time.Duration
		PongWait       time.Duration
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		maxMessageSize int64
		sendQueue      int
		pingInterval   time.Duration
		pongWait       time.Duration

		// sessions outlive the http handler, so they get their own context
		sessMx     *sync.Mutex
		sessCtx    context.Context
		sessCancel context.CancelFunc
		sessWG     *sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		maxMessageSize: orDefault(cfg.MaxMessageSize, defaultWebSocketMaxMessageSize),
		sendQueue:      orDefault(cfg.SendQueue, defaultSendQueue),
		pingInterval:   orDefault(cfg.PingInterval, defaultPingInterval),
		pongWait:       orDefault(cfg.PongWait, defaultPongWait),
		sessMx:         &sync.Mutex{},
		sessWG:         &sync.WaitGroup{},
	}
	srv.sessCtx, srv.sessCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /signal", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func orDefault[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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
	srv.CloseSessions()
}

// CloseSessions terminates all hijacked connections and waits for their
// teardown. http.Server.Shutdown does not track them.
func (srv *Server) CloseSessions() {
	srv.sessMx.Lock()
	srv.sessCancel()
	srv.sessMx.Unlock()
	srv.sessWG.Wait()
}

// trackSession reserves a slot in sessWG unless shutdown has begun.
func (srv *Server) trackSession() bool {
	srv.sessMx.Lock()
	defer srv.sessMx.Unlock()
	if srv.sessCtx.Err() != nil {
		return false
	}
	srv.sessWG.Add(1)
	return true
}

// ServeHTTP exposes the signaling mux, mostly for httptest.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.Handler.ServeHTTP(w, r)
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !srv.trackSession() {
		srv.logger.Debug().Str("remote", r.RemoteAddr).Msg("shutting down, connection refused")
		webSocketCloser(conn, &srv.logger)
		return
	}

	sess := newSession(srv.sendQueue)
	id := srv.svc.Connect(sess)
	srv.logger.Debug().
		Str("sessionId", id).
		Str("remote", r.RemoteAddr).
		Msg("signaling session created")

	go srv.handleWSConn(conn, sess, id)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, sess *session, id string) {
	defer srv.sessWG.Done()

	ctx, cancel := context.WithCancel(srv.sessCtx)
	defer cancel()

	wg := &sync.WaitGroup{}
	logger := srv.logger.With().Str("sessionId", id).Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, id, &logger)
		cancel()
	}()
	go func() {
		srv.webSocketSender(ctx, wg, conn, sess, &logger)
		cancel()
		// unblocks the receiver
		webSocketCloser(conn, &logger)
	}()

	wg.Wait()
	_ = sess.Close()
	srv.svc.Disconnect(id)
	logger.Debug().Msg("signaling session ended")
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sess *session,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-sess.done:
			logger.Debug().Msg("session closed by relay")
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case frame := <-sess.tx:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(frame)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	id string,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			mt, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else if ctx.Err() == nil {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if mt != websocket.TextMessage {
				logger.Warn().Int("messageType", mt).Msg("non-text message dropped")
				continue
			}
			srv.svc.Dispatch(id, msg)
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
