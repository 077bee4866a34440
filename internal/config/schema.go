package config

// Config is the top-level YAML structure.
type Config struct {
	Version string      `yaml:"version"`
	Server  ServerConf  `yaml:"server"`
	Store   StoreConf   `yaml:"store"`
	Filters FilterConf  `yaml:"filters"`
	Forward ForwardConf `yaml:"forward"`
}

// ServerConf holds the HTTP transport settings.
type ServerConf struct {
	Addr             string   `yaml:"addr"`
	Secret           string   `yaml:"secret"` // compared against ?secret=
	MaxBodyBytes     int64    `yaml:"max_body_bytes"`
	RateLimitRPS     int      `yaml:"rate_limit_rps"` // 0 disables limiting
	RateLimitBurst   int      `yaml:"rate_limit_burst"`
	CORSOrigins      []string `yaml:"cors_origins"`
	ProxyHops        int      `yaml:"proxy_hops"` // trusted proxies appending X-Forwarded-For
	ProcessTimeoutMs int      `yaml:"process_timeout_ms"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StoreConf selects and configures the persistence backend.
type StoreConf struct {
	Backend       string `yaml:"backend"`
	MongoURI      string `yaml:"mongo_uri"`
	Database      string `yaml:"database"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TimeoutMs     int    `yaml:"timeout_ms"`

	CASMaxAttempts      int `yaml:"cas_max_attempts"`
	CASInitialBackoffMs int `yaml:"cas_initial_backoff_ms"`
	CASMaxBackoffMs     int `yaml:"cas_max_backoff_ms"`
}

// FilterConf holds the inbound filters evaluated before classification.
// Empty allow-lists accept everything.
type FilterConf struct {
	Affiliates []string  `yaml:"affiliates"`
	Campaigns  []string  `yaml:"campaigns"`
	Rules      []RuleDef `yaml:"rules"`
}

// RuleDef is an expression every accepted postback must satisfy, e.g.
// `site_id != "" AND sumdep < 100000`.
type RuleDef struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`
	Expression  string `yaml:"expression"`
}

// ForwardConf configures the downstream Kafka forwarder.
type ForwardConf struct {
	Enabled           bool   `yaml:"enabled"`
	Brokers           string `yaml:"brokers"`
	Topic             string `yaml:"topic"`
	Workers           int    `yaml:"workers"`
	QueueDepth        int    `yaml:"queue_depth"`
	DeliveryTimeoutMs int    `yaml:"delivery_timeout_ms"`
}
