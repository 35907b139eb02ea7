package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/outpost/internal/agent"
	"github.com/ChuLiYu/outpost/internal/liveness"
	"github.com/ChuLiYu/outpost/internal/registration"
	"github.com/ChuLiYu/outpost/pkg/types"
)

// ============================================================================
// 設定檔
// 對應 configs/default.yaml；先套預設值再解碼，解碼後 Validate
// ============================================================================

// Config 完整設定
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Executor      ExecutorConfig      `yaml:"executor"`
	StatusUpdates StatusUpdatesConfig `yaml:"status_updates"`
	Registration  RegistrationConfig  `yaml:"registration"`
	Liveness      LivenessConfig      `yaml:"liveness"`
	Containerizer ContainerizerConfig `yaml:"containerizer"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Transport     TransportConfig     `yaml:"transport"`
	Etcd          EtcdConfig          `yaml:"etcd"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type AgentConfig struct {
	WorkDir      string            `yaml:"work_dir"`
	Hostname     string            `yaml:"hostname"`
	Resources    types.Resources   `yaml:"resources"`
	Capabilities []string          `yaml:"capabilities"`
	Domain       *types.DomainInfo `yaml:"domain"`
	Recover      string            `yaml:"recover"` // reconnect | cleanup
	Strict       bool              `yaml:"strict"`
	Workers      int               `yaml:"workers"`
	CallTimeout  time.Duration     `yaml:"call_timeout"`

	MaxCompletedExecutorsPerFramework int `yaml:"max_completed_executors_per_framework"`
	MaxCompletedFrameworks            int `yaml:"max_completed_frameworks"`
}

type ExecutorConfig struct {
	RegistrationTimeout         time.Duration `yaml:"registration_timeout"`
	ShutdownGracePeriod         time.Duration `yaml:"shutdown_grace_period"`
	ReregistrationTimeout       time.Duration `yaml:"reregistration_timeout"`
	ReregistrationRetryInterval time.Duration `yaml:"reregistration_retry_interval"`
	KillEscalationTimeout       time.Duration `yaml:"kill_escalation_timeout"`
}

type StatusUpdatesConfig struct {
	RetryMin    time.Duration `yaml:"retry_min"`
	RetryMax    time.Duration `yaml:"retry_max"`
	SyncJournal bool          `yaml:"sync_journal"`
}

type RegistrationConfig struct {
	// Controller 沒有設定 etcd 時使用的固定 leader 位址
	Controller         string        `yaml:"controller"`
	BackoffFactor      time.Duration `yaml:"backoff_factor"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	DefaultPingTimeout time.Duration `yaml:"default_ping_timeout"`
	LeaderKey          string        `yaml:"leader_key"`
}

type LivenessConfig struct {
	PingTimeout      time.Duration `yaml:"agent_ping_timeout"`
	MaxPingTimeouts  int           `yaml:"max_agent_ping_timeouts"`
	RemovalRateLimit string        `yaml:"agent_removal_rate_limit"`
	Registry         string        `yaml:"registry"` // memory | etcd
	AgentKeyPrefix   string        `yaml:"agent_key_prefix"`
}

type ContainerizerConfig struct {
	Type             string `yaml:"type"` // posix | docker
	RuntimeDir       string `yaml:"runtime_dir"`
	DockerAPIVersion string `yaml:"docker_api_version"`
}

type SecretsConfig struct {
	JWTKey string        `yaml:"jwt_key"` // 空字串代表不發 executor 憑證
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

type TransportConfig struct {
	Listen    string        `yaml:"listen"`
	Advertise string        `yaml:"advertise"`
	Timeout   time.Duration `yaml:"timeout"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// DefaultConfig 預設值與原本 agent 的旗標預設一致
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Agent: AgentConfig{
			WorkDir:                           "/var/lib/outpost",
			Hostname:                          hostname,
			Resources:                         types.Resources{CPUs: 1, Mem: 1024, Disk: 4096},
			Recover:                           string(agent.RecoverReconnect),
			Workers:                           4,
			CallTimeout:                       time.Minute,
			MaxCompletedExecutorsPerFramework: 150,
			MaxCompletedFrameworks:            50,
		},
		Executor: ExecutorConfig{
			RegistrationTimeout:   time.Minute,
			ShutdownGracePeriod:   5 * time.Second,
			ReregistrationTimeout: 2 * time.Second,
		},
		StatusUpdates: StatusUpdatesConfig{
			RetryMin: 10 * time.Second,
			RetryMax: 10 * time.Minute,
		},
		Registration: RegistrationConfig{
			Controller:         "127.0.0.1:5050",
			BackoffFactor:      time.Second,
			BackoffMax:         time.Minute,
			DefaultPingTimeout: 75 * time.Second,
			LeaderKey:          registration.DefaultLeaderKey,
		},
		Liveness: LivenessConfig{
			PingTimeout:     15 * time.Second,
			MaxPingTimeouts: 5,
			Registry:        "memory",
			AgentKeyPrefix:  liveness.DefaultAgentKeyPrefix,
		},
		Containerizer: ContainerizerConfig{Type: "posix"},
		Secrets: SecretsConfig{
			Issuer: "outpost",
			TTL:    24 * time.Hour,
		},
		Transport: TransportConfig{
			Listen:  ":5051",
			Timeout: 5 * time.Second,
		},
		Etcd:    EtcdConfig{DialTimeout: 5 * time.Second},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv 只展開 ${VAR}，其他 $ 原樣保留
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}

// LoadConfig 讀取並驗證設定檔
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 檢查設定是否可用
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.WorkDir == "" {
		errs = append(errs, errors.New("agent.work_dir is required"))
	}
	switch agent.RecoverMode(c.Agent.Recover) {
	case agent.RecoverReconnect, agent.RecoverCleanup:
	default:
		errs = append(errs, fmt.Errorf("agent.recover must be reconnect or cleanup, got %q", c.Agent.Recover))
	}
	if c.Agent.Resources.CPUs < 0 || c.Agent.Resources.Mem < 0 || c.Agent.Resources.Disk < 0 {
		errs = append(errs, errors.New("agent.resources must not be negative"))
	}
	if c.StatusUpdates.RetryMax < c.StatusUpdates.RetryMin {
		errs = append(errs, errors.New("status_updates.retry_max must be >= retry_min"))
	}
	if c.Registration.BackoffMax < c.Registration.BackoffFactor {
		errs = append(errs, errors.New("registration.backoff_max must be >= backoff_factor"))
	}
	if c.Registration.Controller == "" && len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("registration.controller is required when etcd is not configured"))
	}
	if c.Liveness.PingTimeout <= 0 || c.Liveness.MaxPingTimeouts <= 0 {
		errs = append(errs, errors.New("liveness.agent_ping_timeout and max_agent_ping_timeouts must be positive"))
	}
	if _, err := liveness.ParseRateLimit(c.Liveness.RemovalRateLimit); err != nil {
		errs = append(errs, fmt.Errorf("liveness.agent_removal_rate_limit: %w", err))
	}
	switch c.Liveness.Registry {
	case "memory":
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("liveness.registry etcd requires etcd.endpoints"))
		}
	default:
		errs = append(errs, fmt.Errorf("liveness.registry must be memory or etcd, got %q", c.Liveness.Registry))
	}
	switch c.Containerizer.Type {
	case "posix", "docker":
	default:
		errs = append(errs, fmt.Errorf("containerizer.type must be posix or docker, got %q", c.Containerizer.Type))
	}
	if c.Secrets.JWTKey != "" && len(c.Secrets.JWTKey) < 32 {
		errs = append(errs, errors.New("secrets.jwt_key must be at least 32 bytes"))
	}
	if c.Transport.Listen == "" {
		errs = append(errs, errors.New("transport.listen is required"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// agentConfig 轉成 agent.Config
func (c *Config) agentConfig(version string) agent.Config {
	return agent.Config{
		WorkDir: c.Agent.WorkDir,
		Info: types.AgentInfo{
			Hostname:     c.Agent.Hostname,
			Resources:    c.Agent.Resources,
			Capabilities: c.Agent.Capabilities,
			Domain:       c.Agent.Domain,
		},
		Version: version,

		ExecutorRegistrationTimeout:         c.Executor.RegistrationTimeout,
		ExecutorShutdownGracePeriod:         c.Executor.ShutdownGracePeriod,
		ExecutorReregistrationTimeout:       c.Executor.ReregistrationTimeout,
		ExecutorReregistrationRetryInterval: c.Executor.ReregistrationRetryInterval,
		KillEscalationTimeout:               c.Executor.KillEscalationTimeout,

		StatusUpdateRetryMin: c.StatusUpdates.RetryMin,
		StatusUpdateRetryMax: c.StatusUpdates.RetryMax,
		SyncJournal:          c.StatusUpdates.SyncJournal,

		MaxCompletedExecutorsPerFramework: c.Agent.MaxCompletedExecutorsPerFramework,
		MaxCompletedFrameworks:            c.Agent.MaxCompletedFrameworks,

		Recover:     agent.RecoverMode(c.Agent.Recover),
		Strict:      c.Agent.Strict,
		Workers:     c.Agent.Workers,
		CallTimeout: c.Agent.CallTimeout,
	}
}

func (c *Config) registrationConfig() registration.Config {
	return registration.Config{
		BackoffFactor:      c.Registration.BackoffFactor,
		BackoffMax:         c.Registration.BackoffMax,
		DefaultPingTimeout: c.Registration.DefaultPingTimeout,
	}
}

func (c *Config) livenessConfig() liveness.Config {
	return liveness.Config{
		PingTimeout:      c.Liveness.PingTimeout,
		MaxPingTimeouts:  c.Liveness.MaxPingTimeouts,
		RemovalRateLimit: c.Liveness.RemovalRateLimit,
	}
}

// ============================================================================
// 日誌
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// newLogger 依設定建立 logger 並設為預設
func newLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
