package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenACP-Core/internal/auth"
	"OpenACP-Core/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ACP_CONFIG"

// Config 描述协调服务启动时加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      logger.Config      `yaml:"logging"`
	Registry     RegistryConfig     `yaml:"registry"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Audit        AuditConfig        `yaml:"audit"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
}

// ServerConfig 控制管理 API 的监听地址。
// MetricsAddress 非空时额外启动独立的指标端口，/metrics 总是挂在管理 API 上。
type ServerConfig struct {
	Address        string      `yaml:"address"`
	MetricsAddress string      `yaml:"metrics_address"`
	Auth           auth.Config `yaml:"auth"`
}

// RegistryConfig 控制能力注册表的校验与默认信任度。
type RegistryConfig struct {
	CapabilityNamingRule string   `yaml:"capability_naming_rule"`
	CapabilityTaxonomy   []string `yaml:"capability_taxonomy"`
	DefaultTrustLevel    *float64 `yaml:"default_trust_level"`
	ConsistencyChecks    bool     `yaml:"consistency_checks"`
	AuditMutations       bool     `yaml:"audit_mutations"`
}

// DiscoveryConfig 控制发现服务的结果缓存。
type DiscoveryConfig struct {
	CacheExpirySeconds int         `yaml:"cache_expiry_seconds"`
	Matcher            string      `yaml:"matcher"`
	Cache              CacheConfig `yaml:"cache"`
}

// CacheConfig 选择缓存驱动：memory、redis 或 none。
type CacheConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 连接参数，缓存与队列共用。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Prefix    string `yaml:"prefix"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
	Consumer  string `yaml:"consumer"`
}

// OrchestratorConfig 控制任务分析、智能体选择与工作流执行。
type OrchestratorConfig struct {
	MinTrustLevelDefault *float64            `yaml:"min_trust_level_default"`
	StepTimeoutSeconds   int                 `yaml:"step_timeout_seconds"`
	Strict               bool                `yaml:"strict"`
	Selection            string              `yaml:"selection"`
	TaskTypes            map[string][]string `yaml:"task_types"`
	EchoUnrouted         bool                `yaml:"echo_unrouted"`
	RejectEmptyPlans     bool                `yaml:"reject_empty_plans"`
}

// DispatchConfig 控制工作流排队执行。
type DispatchConfig struct {
	Driver      string         `yaml:"driver"`
	Workers     int            `yaml:"workers"`
	MaxAttempts int            `yaml:"max_attempts"`
	Redis       RedisConfig    `yaml:"redis"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AuditConfig 选择审计存储后端与校验规则。
type AuditConfig struct {
	Backend string          `yaml:"backend"`
	DSN     string          `yaml:"dsn"`
	File    AuditFileConfig `yaml:"file"`
	Rules   RulesConfig     `yaml:"rules"`
}

// AuditFileConfig 描述 JSONL 文件后端。
type AuditFileConfig struct {
	Path string `yaml:"path"`
}

// RulesConfig 描述内置规则引擎；全部为空时使用基础字段校验。
type RulesConfig struct {
	Enabled              bool     `yaml:"enabled"`
	RequiredFields       []string `yaml:"required_fields"`
	AllowedDecisionTypes []string `yaml:"allowed_decision_types"`
	RequireReasoning     []string `yaml:"require_reasoning"`
}

// AlertingConfig 控制工作流失败告警的投递渠道。
type AlertingConfig struct {
	Log            bool   `yaml:"log"`
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// 默认值。
const (
	DefaultNamingRule         = `^\S+$`
	DefaultCacheExpirySeconds = 300
	DefaultTrustLevel         = 0.5
	DefaultMinTrustLevel      = 0.5
	DefaultStepTimeoutSeconds = 30
	DefaultWorkers            = 4
	DefaultMaxAttempts        = 3
)

// DefaultTaskTypes 是任务类型到所需能力的默认查找表。
func DefaultTaskTypes() map[string][]string {
	return map[string][]string{
		"schedule_update":     {"update_calendar"},
		"task_assignment":     {"evaluate", "assign"},
		"learning_assessment": {"analyze", "suggest_module"},
	}
}

// Default 返回全部使用默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath 按 flag、环境变量、默认路径的顺序确定配置文件位置。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return filepath.Join("configs", "acp.yaml")
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Registry.CapabilityNamingRule == "" {
		c.Registry.CapabilityNamingRule = DefaultNamingRule
	}
	if c.Registry.DefaultTrustLevel == nil {
		value := DefaultTrustLevel
		c.Registry.DefaultTrustLevel = &value
	}
	if c.Discovery.CacheExpirySeconds <= 0 {
		c.Discovery.CacheExpirySeconds = DefaultCacheExpirySeconds
	}
	if c.Discovery.Matcher == "" {
		c.Discovery.Matcher = "substring"
	}
	if c.Discovery.Cache.Driver == "" {
		c.Discovery.Cache.Driver = "memory"
	}
	if c.Orchestrator.MinTrustLevelDefault == nil {
		value := DefaultMinTrustLevel
		c.Orchestrator.MinTrustLevelDefault = &value
	}
	if c.Orchestrator.StepTimeoutSeconds <= 0 {
		c.Orchestrator.StepTimeoutSeconds = DefaultStepTimeoutSeconds
	}
	if c.Orchestrator.Selection == "" {
		c.Orchestrator.Selection = "first"
	}
	if len(c.Orchestrator.TaskTypes) == 0 {
		c.Orchestrator.TaskTypes = DefaultTaskTypes()
	}
	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = DefaultWorkers
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "memory"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Audit.Backend == "file" && c.Audit.File.Path == "" {
		c.Audit.File.Path = filepath.Join(c.Runtime.DataDir, "audit", "decisions.jsonl")
	}
	if c.Audit.Backend == "sqlite" && c.Audit.DSN == "" {
		c.Audit.DSN = filepath.Join(c.Runtime.DataDir, "audit.db")
	}
}

// Validate 检查配置的内部一致性。
func (c *Config) Validate() error {
	if _, err := regexp.Compile(c.Registry.CapabilityNamingRule); err != nil {
		return fmt.Errorf("capability_naming_rule 无效: %w", err)
	}
	if v := *c.Registry.DefaultTrustLevel; v < 0 || v > 1 {
		return fmt.Errorf("default_trust_level 必须位于 [0,1]，当前为 %v", v)
	}
	if v := *c.Orchestrator.MinTrustLevelDefault; v < 0 || v > 1 {
		return fmt.Errorf("min_trust_level_default 必须位于 [0,1]，当前为 %v", v)
	}
	switch c.Discovery.Cache.Driver {
	case "memory", "none":
	case "redis":
		if c.Discovery.Cache.Redis.Address == "" {
			return errors.New("redis 缓存需要配置 discovery.cache.redis.address")
		}
	default:
		return fmt.Errorf("未知的缓存驱动: %s", c.Discovery.Cache.Driver)
	}
	switch c.Server.Auth.Mode {
	case "", "disabled":
	case "api_key":
		if len(c.Server.Auth.Keys) == 0 {
			return errors.New("api_key 认证需要配置 server.auth.keys")
		}
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Server.Auth.Mode)
	}
	switch c.Discovery.Matcher {
	case "substring", "glob", "regex":
	default:
		return fmt.Errorf("未知的能力匹配器: %s", c.Discovery.Matcher)
	}
	switch c.Orchestrator.Selection {
	case "first", "trust_ranked":
	default:
		return fmt.Errorf("未知的选择策略: %s", c.Orchestrator.Selection)
	}
	switch c.Dispatch.Driver {
	case "memory":
	case "redis":
		if c.Dispatch.Redis.Address == "" {
			return errors.New("redis 队列需要配置 dispatch.redis.address")
		}
	case "rabbitmq":
		if c.Dispatch.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要配置 dispatch.rabbitmq.url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Dispatch.Driver)
	}
	switch c.Audit.Backend {
	case "none", "memory", "file", "sqlite":
	case "mysql", "postgres":
		if strings.TrimSpace(c.Audit.DSN) == "" {
			return fmt.Errorf("%s 审计后端需要配置 audit.dsn", c.Audit.Backend)
		}
	default:
		return fmt.Errorf("未知的审计后端: %s", c.Audit.Backend)
	}
	return nil
}

// CacheExpiry 返回缓存过期时间。
func (c DiscoveryConfig) CacheExpiry() time.Duration {
	return time.Duration(c.CacheExpirySeconds) * time.Second
}

// StepTimeout 返回单个步骤的默认超时时间。
func (c OrchestratorConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}
