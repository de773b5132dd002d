package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvTURNCredential keeps the TURN secret off the command line.
const EnvTURNCredential = "SIGNAL_TURN_CREDENTIAL"

var (
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	Config struct {
		APIListenAddr string    `yaml:"api_listen_addr"`
		WSListenAddr  string    `yaml:"ws_listen_addr"`
		LogLevel      string    `yaml:"log_level"`
		CORSOrigins   []string  `yaml:"cors_origins"`
		StrictTargets bool      `yaml:"strict_targets"`
		WebSocket     WebSocket `yaml:"websocket"`
		RateLimit     RateLimit `yaml:"rate_limit"`
		ICE           ICE       `yaml:"ice"`
	}

	WebSocket struct {
		MaxMessageSize int64         `yaml:"max_message_size"`
		SendQueue      int           `yaml:"send_queue"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongWait       time.Duration `yaml:"pong_wait"`
	}

	// RateLimit applies per connection. Zero MessagesPerSecond disables it.
	RateLimit struct {
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	}

	ICE struct {
		STUNURLs          []string `yaml:"stun_urls"`
		TURNURLs          []string `yaml:"turn_urls"`
		TURNUsername      string   `yaml:"turn_username"`
		TURNCredential    string   `yaml:"turn_credential"`
		CandidatePoolSize uint8    `yaml:"candidate_pool_size"`
	}
)

func Default() Config {
	return Config{
		APIListenAddr: ":8080",
		WSListenAddr:  ":8888",
		LogLevel:      "debug",
		CORSOrigins:   []string{"*"},
		WebSocket: WebSocket{
			MaxMessageSize: 64 * 1024,
			SendQueue:      64,
			PingInterval:   5 * time.Second,
			PongWait:       7 * time.Second,
		},
		RateLimit: RateLimit{
			MessagesPerSecond: 50,
			Burst:             100,
		},
		ICE: ICE{
			STUNURLs:          []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
			CandidatePoolSize: 10,
		},
	}
}

// Load builds the config from defaults, an optional YAML file and command
// line flags, in that order of precedence.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err = cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	fs := cfg.flagSet()
	if err = fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ICE.TURNCredential == "" && getenv != nil {
		cfg.ICE.TURNCredential = getenv(EnvTURNCredential)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	fs.StringP("config", "c", "", "path to yaml config file")
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket signaling listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringSliceVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "allowed CORS origins for the api")
	fs.BoolVar(&cfg.StrictTargets, "strict-targets", cfg.StrictTargets,
		"drop offer/answer/candidate messages without targetId instead of broadcasting them")

	fs.Int64Var(&cfg.WebSocket.MaxMessageSize, "ws-max-message-size", cfg.WebSocket.MaxMessageSize,
		"max inbound websocket message size in bytes")
	fs.IntVar(&cfg.WebSocket.SendQueue, "ws-send-queue", cfg.WebSocket.SendQueue,
		"outbound messages buffered per connection before it is considered dead")
	fs.DurationVar(&cfg.WebSocket.PingInterval, "ws-ping-interval", cfg.WebSocket.PingInterval, "websocket ping interval")
	fs.DurationVar(&cfg.WebSocket.PongWait, "ws-pong-wait", cfg.WebSocket.PongWait, "how long to wait for a pong")

	fs.Float64Var(&cfg.RateLimit.MessagesPerSecond, "rate-limit", cfg.RateLimit.MessagesPerSecond,
		"inbound messages per second allowed per connection, 0 disables")
	fs.IntVar(&cfg.RateLimit.Burst, "rate-burst", cfg.RateLimit.Burst, "inbound message burst per connection")

	fs.StringSliceVar(&cfg.ICE.STUNURLs, "stun-urls", cfg.ICE.STUNURLs, "STUN urls handed to clients")
	fs.StringSliceVar(&cfg.ICE.TURNURLs, "turn-urls", cfg.ICE.TURNURLs, "TURN urls handed to clients")
	fs.StringVar(&cfg.ICE.TURNUsername, "turn-username", cfg.ICE.TURNUsername,
		"TURN username, credential is read from "+EnvTURNCredential)
	fs.Uint8Var(&cfg.ICE.CandidatePoolSize, "ice-candidate-pool-size", cfg.ICE.CandidatePoolSize,
		"ICE candidate pool size suggested to clients")
	return fs
}

// configPath finds --config ahead of the full parse so that flags can
// override values from the file.
func configPath(args []string) (string, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	path := fs.StringP("config", "c", "", "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return *path, nil
}

func (cfg *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(b))
	if err = yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.APIListenAddr == "" {
		errs = append(errs, errors.New("api listen address is empty"))
	}
	if cfg.WSListenAddr == "" {
		errs = append(errs, errors.New("websocket listen address is empty"))
	}
	if cfg.APIListenAddr != "" && cfg.APIListenAddr == cfg.WSListenAddr {
		errs = append(errs, errors.New("api and websocket listen addresses must differ"))
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if cfg.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("websocket max message size must be positive"))
	}
	if cfg.WebSocket.SendQueue <= 0 {
		errs = append(errs, errors.New("websocket send queue must be positive"))
	}
	if cfg.WebSocket.PingInterval <= 0 || cfg.WebSocket.PongWait <= cfg.WebSocket.PingInterval {
		errs = append(errs, errors.New("websocket pong wait must be longer than a positive ping interval"))
	}
	if cfg.RateLimit.MessagesPerSecond < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if cfg.RateLimit.MessagesPerSecond > 0 && cfg.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate burst must be at least 1"))
	}
	if _, err := cfg.ICE.Servers(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
