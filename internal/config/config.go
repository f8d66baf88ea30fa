package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Stack    StackConfig    `mapstructure:"stack"`
	Services []ServiceSpec  `mapstructure:"services"`
	Models   ModelsConfig   `mapstructure:"models"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type StackConfig struct {
	Name string `mapstructure:"name"`
}

// DockerConfig locates the container runtime. Network and NamePrefix fall
// back to the stack name when unset.
type DockerConfig struct {
	Binary     string `mapstructure:"binary"`
	Network    string `mapstructure:"network"`
	NamePrefix string `mapstructure:"name_prefix"`
}

type GatewayConfig struct {
	AdminPort        int               `mapstructure:"admin_port"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration     `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration     `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration     `mapstructure:"graceful_shutdown"`
	RetryBodyLimit   int64             `mapstructure:"retry_body_limit"`
	EnableMetrics    bool              `mapstructure:"enable_metrics"`
	HealthCheck      HealthCheckConfig `mapstructure:"health_check"`
	CORS             CORSConfig        `mapstructure:"cors"`
}

// HealthCheckConfig drives the gateway's active backend checks. A backend
// that fails FailureThreshold consecutive checks (or proxy attempts) is taken
// out of rotation until a check passes again.
type HealthCheckConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

// Load reads voxstack.yaml (plus env overrides) and returns the validated
// config. A missing config file is fine; defaults describe the stock stack.
func Load(configPath string) (*Config, error) {
	viper.SetConfigName("voxstack")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/voxstack")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if len(config.Services) == 0 {
		config.Services = DefaultServices()
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// LoadFile reads one concrete config file, without env overrides or the
// search path. The watcher uses it for reloads.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if len(config.Services) == 0 {
		config.Services = DefaultServices()
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyDefaults fills the per-service and derived fields that viper's
// scalar defaults cannot express.
func (c *Config) applyDefaults() {
	if c.Stack.Name == "" {
		c.Stack.Name = "voxstack"
	}
	if c.Docker.Binary == "" {
		c.Docker.Binary = "docker"
	}
	if c.Docker.Network == "" {
		c.Docker.Network = c.Stack.Name
	}
	if c.Docker.NamePrefix == "" {
		c.Docker.NamePrefix = c.Stack.Name
	}

	for i := range c.Services {
		s := &c.Services[i]
		if s.Replicas == 0 {
			s.Replicas = 1
		}
		if s.HealthScheme == "" {
			s.HealthScheme = SchemeHTTP
		}
		if s.HealthPath == "" && s.HealthScheme == SchemeHTTP {
			s.HealthPath = "/health"
		}
		if s.ProbeInterval == 0 {
			s.ProbeInterval = 2 * time.Second
		}
		if s.ReadyTimeout == 0 {
			s.ReadyTimeout = 60 * time.Second
		}
	}

	if c.Models.Service == "" {
		c.Models.Service = "llm"
	}
}

// Validate rejects configs the orchestrator and gateway cannot honor.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("no services configured")
	}

	seenNames := make(map[string]bool)
	seenGatewayPorts := make(map[int]string)
	seenHostPorts := make(map[int]string)

	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seenNames[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seenNames[s.Name] = true

		if s.Image == "" && s.Build.Context == "" {
			return fmt.Errorf("service %q: needs an image or a build context", s.Name)
		}
		if s.Replicas < 1 {
			return fmt.Errorf("service %q: replicas must be at least 1", s.Name)
		}
		if s.ContainerPort <= 0 {
			return fmt.Errorf("service %q: container_port must be positive", s.Name)
		}
		if s.HostPortBase <= 0 {
			return fmt.Errorf("service %q: host_port_base must be positive", s.Name)
		}
		if s.HealthScheme != SchemeHTTP && s.HealthScheme != SchemeRedis {
			return fmt.Errorf("service %q: unknown health_scheme %q", s.Name, s.HealthScheme)
		}
		if s.ProbeInterval <= 0 {
			return fmt.Errorf("service %q: probe_interval must be positive", s.Name)
		}
		if s.ReadyTimeout < s.ProbeInterval {
			return fmt.Errorf("service %q: ready_timeout %s is shorter than probe_interval %s",
				s.Name, s.ReadyTimeout, s.ProbeInterval)
		}

		for i := 1; i <= s.Replicas; i++ {
			port := s.HostPort(i)
			if owner, taken := seenHostPorts[port]; taken {
				return fmt.Errorf("service %q: host port %d collides with %s", s.Name, port, owner)
			}
			seenHostPorts[port] = s.Name
		}

		if s.GatewayPort > 0 {
			if owner, taken := seenGatewayPorts[s.GatewayPort]; taken {
				return fmt.Errorf("service %q: gateway port %d collides with %s", s.Name, s.GatewayPort, owner)
			}
			seenGatewayPorts[s.GatewayPort] = s.Name
		}
	}

	if !seenNames[c.Models.Service] && len(c.Models.Requirements()) > 0 {
		return fmt.Errorf("models.service %q is not a configured service", c.Models.Service)
	}

	return nil
}

// Service returns the spec for the named service, or nil.
func (c *Config) Service(name string) *ServiceSpec {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

// RoutedServices returns the services the gateway fronts, in config order.
func (c *Config) RoutedServices() []ServiceSpec {
	var routed []ServiceSpec
	for _, s := range c.Services {
		if s.GatewayPort > 0 {
			routed = append(routed, s)
		}
	}
	return routed
}

func setDefaults() {
	// Stack defaults
	viper.SetDefault("stack.name", "voxstack")

	// Gateway defaults
	viper.SetDefault("gateway.admin_port", 8085)
	viper.SetDefault("gateway.read_timeout", "30s")
	viper.SetDefault("gateway.write_timeout", "300s")
	viper.SetDefault("gateway.idle_timeout", "120s")
	viper.SetDefault("gateway.graceful_shutdown", "30s")
	viper.SetDefault("gateway.retry_body_limit", 1<<20)
	viper.SetDefault("gateway.enable_metrics", true)
	viper.SetDefault("gateway.health_check.enabled", true)
	viper.SetDefault("gateway.health_check.interval", "10s")
	viper.SetDefault("gateway.health_check.timeout", "3s")
	viper.SetDefault("gateway.health_check.failure_threshold", 3)
	viper.SetDefault("gateway.health_check.recovery_timeout", "30s")

	// Model defaults mirror the stock stack
	viper.SetDefault("models.service", "llm")
	viper.SetDefault("models.chat", "qwen2.5:7b")
	viper.SetDefault("models.vision", "llava:7b")
	viper.SetDefault("models.documents", "llava:7b")

	// Database defaults
	viper.SetDefault("database.max_connections", 20)
	viper.SetDefault("database.max_idle_connections", 5)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Docker defaults
	viper.SetDefault("docker.binary", "docker")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age_days", 28)

	// CORS defaults
	viper.SetDefault("gateway.cors.allow_credentials", true)
	viper.SetDefault("gateway.cors.max_age", 86400)
}

func bindEnvVars() {
	// Stack
	viper.BindEnv("stack.name", "STACK_NAME")

	// Docker
	viper.BindEnv("docker.binary", "DOCKER_BINARY")
	viper.BindEnv("docker.network", "DOCKER_NETWORK")

	// Models
	viper.BindEnv("models.chat", "LLM_MODEL")
	viper.BindEnv("models.vision", "LLM_IMG_MODEL")
	viper.BindEnv("models.documents", "LLM_DOC_MODEL")

	// Gateway
	viper.BindEnv("gateway.admin_port", "ADMIN_PORT")
	viper.BindEnv("gateway.read_timeout", "GATEWAY_READ_TIMEOUT")
	viper.BindEnv("gateway.write_timeout", "GATEWAY_WRITE_TIMEOUT")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")
}

func Get() *Config {
	return cfg
}
