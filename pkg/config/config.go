// Package config loads the service configuration from environment
// variables. Defaults live in the struct tags so `serve --help` and the
// code agree on them.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	WebServer    WebServer
	Dreams       Dreams
	RateLimit    RateLimit
	Orchestrator Orchestrator
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type WebServer struct {
	Host      string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port      int    `envconfig:"SERVER_PORT" default:"2222"`
	PublicURL string `envconfig:"PUBLIC_URL" default:"http://localhost:2222"`
}

type Dreams struct {
	// ProducerToken authenticates the GPU worker socket. Unset means dev
	// mode: any producer is accepted and a warning is logged.
	ProducerToken  string        `envconfig:"DREAM_PRODUCER_TOKEN"`
	ShutdownDelay  time.Duration `envconfig:"DREAM_SHUTDOWN_DELAY" default:"300s"`
	APITimeout     time.Duration `envconfig:"DREAM_API_TIMEOUT" default:"300s"`
	FrameCacheSize int           `envconfig:"DREAM_FRAME_CACHE_SIZE" default:"30"`
	TargetFPS      float64       `envconfig:"DREAM_TARGET_FPS" default:"5.0"`
	StateDir       string        `envconfig:"DREAM_STATE_DIR" default:"data/dreams"`
}

type RateLimit struct {
	Requests int           `envconfig:"DREAM_RATE_LIMIT_REQUESTS" default:"60"`
	Window   time.Duration `envconfig:"DREAM_RATE_LIMIT_WINDOW" default:"60s"`
}

type Orchestrator struct {
	// URL is the admin-panel base URL that fronts the pod provider. Unset
	// disables automatic pod lifecycle management.
	URL   string `envconfig:"ORCHESTRATOR_URL"`
	Token string `envconfig:"ORCHESTRATOR_TOKEN"`
}
