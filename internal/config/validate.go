package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 || cfg.Server.IdleTimeout < 0 || cfg.Server.ReadHeaderTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}

	if strings.TrimSpace(cfg.Model.BundleDir) == "" {
		return errors.New("model.bundle_dir must be set")
	}

	if err := validateAuthConfig(cfg.Auth); err != nil {
		return err
	}

	if err := validateStoreConfig(cfg.Store); err != nil {
		return err
	}

	if err := validateEventsConfig(cfg.Events); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	return nil
}

func validateAuthConfig(a AuthConfig) error {
	if !a.Enabled {
		return nil
	}
	if len(a.Clients) == 0 {
		return errors.New("auth enabled but no clients configured")
	}
	ids := map[string]bool{}
	for _, c := range a.Clients {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return errors.New("auth.clients: id must be set")
		}
		if ids[id] {
			return fmt.Errorf("auth.clients: duplicate id %q", id)
		}
		ids[id] = true
		if len(c.Keys()) == 0 {
			return fmt.Errorf("client %q must define at least one api_keys entry", id)
		}
	}
	return nil
}

func validateStoreConfig(s StoreConfig) error {
	switch s.Driver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(s.SQLitePath) == "" {
			return errors.New("store.sqlite_path must be set for the sqlite driver")
		}
	case StoreRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("store.redis.addr must be set for the redis driver")
		}
		if _, _, err := net.SplitHostPort(s.Redis.Addr); err != nil {
			return fmt.Errorf("store.redis.addr must be host:port: %w", err)
		}
		if s.Redis.DB < 0 {
			return errors.New("store.redis.db must not be negative")
		}
		if s.Redis.TTL < 0 {
			return errors.New("store.redis.ttl must not be negative")
		}
	default:
		return fmt.Errorf("store.driver must be memory, sqlite or redis, got %q", s.Driver)
	}
	return nil
}

func validateEventsConfig(e EventsConfig) error {
	if e.QueueSize < 0 || e.Workers < 0 {
		return errors.New("events.queue_size and events.workers must not be negative")
	}
	for i, s := range e.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case SinkFileJSONL:
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("events sink %d (file_jsonl) missing path", i)
			}
		case SinkWebhook:
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("events sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("events sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("events sink %d (webhook) url must be http or https", i)
			}
			if s.Timeout < 0 {
				return fmt.Errorf("events sink %d (webhook) timeout must not be negative", i)
			}
		default:
			return fmt.Errorf("events sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}
