package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for:
//   - A shared secret (the postback endpoint must never run unauthenticated)
//   - A known store backend with its connection settings
//   - Forwarder settings when forwarding is enabled
//   - Rule ids and expressions
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if cfg.Server.Secret == "" {
		errs = append(errs, "server.secret (or PO_POSTBACK_SECRET) is required")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, "server.max_body_bytes must not be negative")
	}
	if cfg.Server.ProxyHops < 0 {
		errs = append(errs, "server.proxy_hops must not be negative")
	}
	if cfg.Server.RateLimitRPS < 0 {
		errs = append(errs, "server.rate_limit_rps must not be negative")
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendMongo:
		if cfg.Store.MongoURI == "" {
			errs = append(errs, "store.mongo_uri (or MONGODB_URI) is required for the mongo backend")
		}
	case BackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, "store.postgres_dsn (or POSTGRES_DSN) is required for the postgres backend")
		}
	case BackendRedis:
		if cfg.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr (or REDIS_ADDR) is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of memory, mongo, postgres, redis", cfg.Store.Backend))
	}
	if cfg.Store.CASMaxAttempts < 1 {
		errs = append(errs, "store.cas_max_attempts must be at least 1")
	}

	if cfg.Forward.Enabled {
		if cfg.Forward.Brokers == "" {
			errs = append(errs, "forward.brokers (or KAFKA_BROKERS) is required when forwarding is enabled")
		}
		if cfg.Forward.Topic == "" {
			errs = append(errs, "forward.topic is required when forwarding is enabled")
		}
	}

	ids := make(map[string]int)
	for i, r := range cfg.Filters.Rules {
		if r.ID == "" {
			errs = append(errs, fmt.Sprintf("filters.rules[%d]: id is required", i))
			continue
		}
		if prev, ok := ids[r.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate rule id %q (rules[%d] and rules[%d])", r.ID, prev, i))
		} else {
			ids[r.ID] = i
		}
		if strings.TrimSpace(r.Expression) == "" {
			errs = append(errs, fmt.Sprintf("rule %s: expression is required", r.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
