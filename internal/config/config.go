package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is everything the daemon needs at startup. Topology lives in the
// JSON file; secrets are overlaid from the environment (see Secrets).
type Config struct {
	Server    ServerConfig    `json:"server"`
	LLM       LLMConfig       `json:"llm"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Profile   ProfileConfig   `json:"profile"`
	Indexer   IndexerConfig   `json:"indexer"`
	Web3      Web3Config      `json:"web3"`
	Rebalance RebalanceConfig `json:"rebalance"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logger    LoggerConfig    `json:"logger"`

	Secrets Secrets `json:"-"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// LLMConfig selects and tunes the language model provider.
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig drives the OpenAI-compatible chat and embedding endpoints.
type OpenAIConfig struct {
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	EmbeddingModel string  `json:"embedding_model"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Temperature    float64 `json:"temperature"`
}

// Timeout returns the configured request timeout.
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// KnowledgeConfig describes the protocol catalog source and the retriever.
type KnowledgeConfig struct {
	SourceURL      string `json:"source_url"`
	RefreshMinutes int    `json:"refresh_minutes"`
	Retriever      string `json:"retriever"`
	MaxResults     int    `json:"max_results"`
	PromptCatalog  string `json:"prompt_catalog"`
}

// RefreshInterval returns how often the catalog should be re-fetched.
func (c KnowledgeConfig) RefreshInterval() time.Duration {
	if c.RefreshMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.RefreshMinutes) * time.Minute
}

// ProfileConfig selects the risk profile store backend.
type ProfileConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// IndexerConfig points at the event indexer database.
type IndexerConfig struct {
	Enabled     bool   `json:"enabled"`
	DatabaseURL string `json:"database_url"`
}

// Web3Config locates the chain endpoints.
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	ChainID      int64  `json:"chain_id"`
}

// RebalanceConfig tunes the scheduled rebalancing pipeline.
type RebalanceConfig struct {
	Queue           QueueConfig     `json:"queue"`
	Store           StoreConfig     `json:"store"`
	Contracts       ContractsConfig `json:"contracts"`
	Workers         int             `json:"workers"`
	MaxRetries      int             `json:"max_retries"`
	IntervalMinutes int             `json:"interval_minutes"`
	GasLimit        uint64          `json:"gas_limit"`
	TokenDecimals   int             `json:"token_decimals"`
}

// Interval returns the scheduling period for rebalance runs.
func (c RebalanceConfig) Interval() time.Duration {
	if c.IntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// QueueConfig selects the job queue driver.
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig describes the Redis connection used by the queue and the
// conversation memory.
type RedisConfig struct {
	Address   string `json:"address"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig describes the RabbitMQ queue.
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// StoreConfig selects the rebalance job store backend.
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ContractsConfig pins the on-chain addresses the daemon talks to.
type ContractsConfig struct {
	RebalancerDelegation string `json:"rebalancer_delegation"`
	ProtocolSelector     string `json:"protocol_selector"`
	Token                string `json:"token"`
}

// AlertingConfig enables failure notifications from the rebalance pipeline.
type AlertingConfig struct {
	Enabled       bool             `json:"enabled"`
	SubjectPrefix string           `json:"subject_prefix"`
	Slack         SlackAlertConfig `json:"slack"`
	Email         EmailAlertConfig `json:"email"`
}

// SlackAlertConfig points at an incoming-webhook Slack channel. The webhook
// URL is a secret and comes from SLACK_WEBHOOK_URL when left empty here.
type SlackAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// EmailAlertConfig describes the SMTP relay for alert mail. The password
// comes from SMTP_PASSWORD.
type EmailAlertConfig struct {
	SMTPHost string   `json:"smtp_host"`
	SMTPPort int      `json:"smtp_port"`
	From     string   `json:"from"`
	Username string   `json:"username"`
	To       []string `json:"to"`
}

// LoggerConfig mirrors pkg/logger.Config in the config file.
type LoggerConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// Secrets are never read from the config file. They come from the process
// environment (a .env file is honored in development).
type Secrets struct {
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY"`
	OperatorPrivateKey string `envconfig:"OPERATOR_PRIVATE_KEY"`
	IndexerDatabaseURL string `envconfig:"DATABASE_URL"`
	ProfileDSN         string `envconfig:"PROFILE_DSN"`
	RedisPassword      string `envconfig:"REDIS_PASSWORD"`
	KnowledgeURL       string `envconfig:"URL_KNOWLEDGE"`
	SlackWebhookURL    string `envconfig:"SLACK_WEBHOOK_URL"`
	SMTPPassword       string `envconfig:"SMTP_PASSWORD"`
}

// Load parses the JSON config at path and overlays environment secrets.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := envconfig.Process("", &cfg.Secrets); err != nil {
		return nil, fmt.Errorf("read environment secrets: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults fills in sensible values for fields the user left empty.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.EmbeddingModel == "" {
		c.LLM.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Knowledge.SourceURL == "" {
		c.Knowledge.SourceURL = c.Secrets.KnowledgeURL
	}
	if c.Knowledge.Retriever == "" {
		c.Knowledge.Retriever = "memory"
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 4
	}
	if c.Knowledge.PromptCatalog != "" && !filepath.IsAbs(c.Knowledge.PromptCatalog) {
		c.Knowledge.PromptCatalog = filepath.Join(baseDir, c.Knowledge.PromptCatalog)
	}

	if c.Profile.Driver == "" {
		c.Profile.Driver = "memory"
	}
	if c.Profile.DSN == "" {
		c.Profile.DSN = c.Secrets.ProfileDSN
	}

	if c.Indexer.DatabaseURL == "" {
		c.Indexer.DatabaseURL = c.Secrets.IndexerDatabaseURL
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 296
	}

	if c.Rebalance.Queue.Driver == "" {
		c.Rebalance.Queue.Driver = "memory"
	}
	if c.Rebalance.Store.Driver == "" {
		c.Rebalance.Store.Driver = "memory"
	}
	if c.Rebalance.Workers <= 0 {
		c.Rebalance.Workers = 2
	}
	if c.Rebalance.MaxRetries <= 0 {
		c.Rebalance.MaxRetries = 3
	}
	if c.Rebalance.GasLimit == 0 {
		c.Rebalance.GasLimit = 500000
	}
	if c.Rebalance.TokenDecimals <= 0 {
		c.Rebalance.TokenDecimals = 6
	}

	if c.Alerting.SubjectPrefix == "" {
		c.Alerting.SubjectPrefix = "[whizy] "
	}
	if c.Alerting.Slack.WebhookURL == "" {
		c.Alerting.Slack.WebhookURL = c.Secrets.SlackWebhookURL
	}
	if c.Alerting.Email.SMTPPort <= 0 {
		c.Alerting.Email.SMTPPort = 587
	}
}
