package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/classroom-signaling/backend/config"
	"github.com/adwski/classroom-signaling/backend/metrics"
	"github.com/adwski/classroom-signaling/backend/registry"
	httpServer "github.com/adwski/classroom-signaling/backend/server/http"
	websocketServer "github.com/adwski/classroom-signaling/backend/server/websocket"
	"github.com/adwski/classroom-signaling/backend/service"
	store "github.com/adwski/classroom-signaling/backend/storage/memory"
	sw "github.com/adwski/classroom-signaling/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	iceServers, err := cfg.ICE.Servers()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid ice servers")
	}

	var (
		reg = registry.New()
		dir = store.NewDirectory()
		m   = metrics.New()
	)
	m.TrackState(reg.Len, dir.Rooms)

	svc := service.NewService(service.Config{
		Registry:  reg,
		Directory: dir,
		Switch: sw.NewSwitch(sw.Config{
			Logger:        &logger,
			Registry:      reg,
			Directory:     dir,
			Metrics:       m,
			StrictTargets: cfg.StrictTargets,
		}),
		Metrics:           m,
		Logger:            &logger,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  cfg.APIListenAddr,
		CORSOrigins: cfg.CORSOrigins,
		WebRTC: httpServer.WebRTCConfig{
			ICEServers:           iceServers,
			ICECandidatePoolSize: cfg.ICE.CandidatePoolSize,
		},
		MetricsHandler: m.Handler(),
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		SendQueue:        cfg.WebSocket.SendQueue,
		PingInterval:     cfg.WebSocket.PingInterval,
		PongWait:         cfg.WebSocket.PongWait,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
