package main

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/convsync"
	"github.com/LuminPulse-AI/convsync/internal/logging"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

// session bundles everything a command needs to talk to the service through
// the local cache.
type session struct {
	cfg     *Config
	logger  *zap.Logger
	client  *remote.Client
	store   *store.Store
	engine  *convsync.Engine
	metrics *prometheus.Registry
}

// storePath returns the configured cache directory or ~/.convsync/cache.
func storePath(cfg *Config) (string, error) {
	if cfg.Store.Path != "" {
		return cfg.Store.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

// feedFactory builds the event source attached to the client.
type feedFactory func(cfg *Config, logger *zap.Logger) (remote.EventSource, error)

// openSession loads the config, opens the cache and builds an engine. feed may
// be nil for commands that do not consume events.
func openSession(feed feedFactory) (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Remote.Token == "" {
		return nil, fmt.Errorf("no token configured. Run 'convsync init <token>' first")
	}
	logger, err := logging.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	path, err := storePath(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(path, store.WithLogger(logger.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	opts := []remote.ClientOption{remote.WithLogger(logger.Named("remote"))}
	if cfg.Remote.BaseURL != "" {
		opts = append(opts, remote.WithBaseURL(cfg.Remote.BaseURL))
	}
	if feed != nil {
		src, err := feed(cfg, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		opts = append(opts, remote.WithEventSource(src))
	}
	client := remote.NewClient(cfg.Remote.Token, opts...)

	reg := prometheus.NewRegistry()
	engineOpts := []convsync.Option{
		convsync.WithIdentity(cfg.Remote.Identity),
		convsync.WithFetcher(client.Fetcher()),
		convsync.WithLogger(logger.Named("engine")),
		convsync.WithMetrics(convsync.NewMetrics(reg)),
	}
	if cfg.Media.Dir != "" {
		engineOpts = append(engineOpts, convsync.WithMediaDir(cfg.Media.Dir))
	}
	engine, err := convsync.New(client, st, engineOpts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &session{cfg: cfg, logger: logger, client: client, store: st, engine: engine, metrics: reg}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing cache", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
