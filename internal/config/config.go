package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Score      ScoreConfig      `yaml:"score"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Portfolio  PortfolioConfig  `yaml:"portfolio"`
	Queue      QueueConfig      `yaml:"queue"`
	Moderation ModerationConfig `yaml:"moderation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Auth       AuthConfig       `yaml:"auth"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"` // auto, ollama, openai
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Dims        int           `yaml:"dims"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// ClusterConfig holds the duplicate-detection thresholds (cosine similarity).
type ClusterConfig struct {
	MergeThreshold  float64 `yaml:"merge_threshold"`
	ReviewThreshold float64 `yaml:"review_threshold"`
}

type ScoreConfig struct {
	HalfLife time.Duration `yaml:"half_life"`
}

type AnomalyConfig struct {
	SuspiciousWeight    float64       `yaml:"suspicious_weight"`
	MinWeight           float64       `yaml:"min_weight"`
	VelocityPerMinute   float64       `yaml:"velocity_per_minute"`
	VelocityBurst       int           `yaml:"velocity_burst"`
	CohortMinAccounts   int           `yaml:"cohort_min_accounts"`
	CohortMinVotes      int           `yaml:"cohort_min_votes"`
	CohortWindow        time.Duration `yaml:"cohort_window"`
	JaccardThreshold    float64       `yaml:"jaccard_threshold"`
	JaccardMinVotes     int           `yaml:"jaccard_min_votes"`
	NewAccountTenure    time.Duration `yaml:"new_account_tenure"`
	NewAccountWeight    float64       `yaml:"new_account_weight"`
	VerificationRecency time.Duration `yaml:"verification_recency"`
	EscalationSeverity  float64       `yaml:"escalation_severity"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// PortfolioConfig controls Top-Set allocation. Caps and MinorityFraction are
// fractions of TopK.
type PortfolioConfig struct {
	TopK             int                `yaml:"top_k"`
	MinorityFraction float64            `yaml:"minority_fraction"`
	DefaultCap       float64            `yaml:"default_cap"`
	Caps             map[string]float64 `yaml:"caps"`
}

type QueueConfig struct {
	Debounce  time.Duration `yaml:"debounce"`
	InboxSize int           `yaml:"inbox_size"`
}

type ModerationConfig struct {
	// AutoActivate makes new questions active without an approval step.
	AutoActivate bool `yaml:"auto_activate"`
}

// NotifyConfig enables ntfy push alerts for moderators. An empty topic
// disables them.
type NotifyConfig struct {
	Topic string `yaml:"topic"`
	Token string `yaml:"token"`
	Kinds string `yaml:"kinds"` // comma-separated moderation item kinds
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ScheduleConfig holds cron specs for the batch jobs.
type ScheduleConfig struct {
	Timezone    string `yaml:"timezone"`
	Consolidate string `yaml:"consolidate"`
	Recompute   string `yaml:"recompute"`
}

// AllocatorConfigError reports a portfolio setting that would weaken the
// fairness guarantees. It is fatal at startup.
type AllocatorConfigError struct {
	Field  string
	Reason string
}

func (e *AllocatorConfigError) Error() string {
	return fmt.Sprintf("allocator config: %s: %s", e.Field, e.Reason)
}

// Default returns a configuration that runs locally without a config file.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "askrank.db"},
		Logging:  LoggingConfig{Level: "info"},
		Embedding: EmbeddingConfig{
			Provider:    "auto",
			Dims:        512,
			Timeout:     5 * time.Second,
			MaxRetries:  5,
			BackoffBase: time.Second,
			BackoffMax:  time.Minute,
		},
		Cluster: ClusterConfig{MergeThreshold: 0.87, ReviewThreshold: 0.80},
		Score:   ScoreConfig{HalfLife: 14 * 24 * time.Hour},
		Anomaly: AnomalyConfig{
			SuspiciousWeight:    0.2,
			MinWeight:           0.05,
			VelocityPerMinute:   30,
			VelocityBurst:       15,
			CohortMinAccounts:   5,
			CohortMinVotes:      20,
			CohortWindow:        10 * time.Second,
			JaccardThreshold:    0.8,
			JaccardMinVotes:     5,
			NewAccountTenure:    72 * time.Hour,
			NewAccountWeight:    0.5,
			VerificationRecency: 365 * 24 * time.Hour,
			EscalationSeverity:  0.5,
			SweepInterval:       time.Minute,
		},
		Portfolio: PortfolioConfig{
			TopK:             20,
			MinorityFraction: 0.1,
			DefaultCap:       0.3,
			Caps:             map[string]float64{},
		},
		Queue:    QueueConfig{Debounce: 3 * time.Second, InboxSize: 1024},
		Notify:   NotifyConfig{Kinds: "anomaly_escalation,manual_cluster_assignment"},
		Schedule: ScheduleConfig{Timezone: "UTC", Consolidate: "*/30 * * * *", Recompute: "0 3 * * *"},
	}
}

// Load reads configuration from a file layered over Default. An empty path
// yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if p := os.Getenv("ASKRANK_DB"); p != "" {
		cfg.Database.Path = p
	}
	if secret := os.Getenv("ASKRANK_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if tok := os.Getenv("ASKRANK_NTFY_TOKEN"); tok != "" {
		cfg.Notify.Token = tok
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid. Portfolio problems are
// reported as *AllocatorConfigError.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	if c.Score.HalfLife <= 0 {
		return fmt.Errorf("score.half_life must be positive")
	}
	if err := c.Anomaly.Validate(); err != nil {
		return err
	}
	if err := c.Portfolio.Validate(); err != nil {
		return err
	}
	if c.Queue.Debounce < 0 {
		return fmt.Errorf("queue.debounce must not be negative")
	}
	if c.Queue.InboxSize <= 0 {
		return fmt.Errorf("queue.inbox_size must be positive")
	}
	if c.Embedding.Timeout <= 0 {
		return fmt.Errorf("embedding.timeout must be positive")
	}
	if c.Embedding.Dims <= 0 {
		return fmt.Errorf("embedding.dims must be positive")
	}
	if c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("embedding.max_retries must not be negative")
	}
	return nil
}

func (c ClusterConfig) Validate() error {
	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("cluster.merge_threshold must be in (0, 1]")
	}
	if c.ReviewThreshold <= 0 || c.ReviewThreshold > c.MergeThreshold {
		return fmt.Errorf("cluster.review_threshold must be in (0, merge_threshold]")
	}
	return nil
}

func (a AnomalyConfig) Validate() error {
	if a.MinWeight <= 0 || a.MinWeight > 1 {
		return fmt.Errorf("anomaly.min_weight must be in (0, 1]")
	}
	if a.SuspiciousWeight < a.MinWeight || a.SuspiciousWeight > 1 {
		return fmt.Errorf("anomaly.suspicious_weight must be in [min_weight, 1]")
	}
	if a.NewAccountWeight < a.MinWeight || a.NewAccountWeight > 1 {
		return fmt.Errorf("anomaly.new_account_weight must be in [min_weight, 1]")
	}
	if a.VelocityPerMinute <= 0 || a.VelocityBurst <= 0 {
		return fmt.Errorf("anomaly.velocity_per_minute and velocity_burst must be positive")
	}
	if a.CohortMinAccounts < 2 {
		return fmt.Errorf("anomaly.cohort_min_accounts must be at least 2")
	}
	if a.JaccardThreshold <= 0 || a.JaccardThreshold > 1 {
		return fmt.Errorf("anomaly.jaccard_threshold must be in (0, 1]")
	}
	if a.CohortWindow <= 0 {
		return fmt.Errorf("anomaly.cohort_window must be positive")
	}
	return nil
}

// Validate enforces the fairness constraints on the portfolio settings.
func (p PortfolioConfig) Validate() error {
	if p.TopK <= 0 {
		return &AllocatorConfigError{Field: "top_k", Reason: "must be positive"}
	}
	if p.MinorityFraction < 0 || p.MinorityFraction > 1 {
		return &AllocatorConfigError{Field: "minority_fraction", Reason: "must be in [0, 1]"}
	}
	if p.MinoritySlots() > p.TopK {
		return &AllocatorConfigError{Field: "minority_fraction", Reason: "minority quota exceeds top_k"}
	}
	if p.DefaultCap <= 0 || p.DefaultCap > 1 {
		return &AllocatorConfigError{Field: "default_cap", Reason: "must be in (0, 1]"}
	}

	tags := make([]string, 0, len(p.Caps))
	for tag := range p.Caps {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var sum float64
	for _, tag := range tags {
		c := p.Caps[tag]
		if strings.TrimSpace(tag) == "" {
			return &AllocatorConfigError{Field: "caps", Reason: "empty tag name"}
		}
		if c <= 0 || c > 1 {
			return &AllocatorConfigError{Field: "caps." + tag, Reason: "must be in (0, 1]"}
		}
		sum += c
	}
	if sum > 1+1e-9 {
		return &AllocatorConfigError{Field: "caps", Reason: fmt.Sprintf("caps sum to %.2f, above 100%%", sum*100)}
	}
	return nil
}

// MinoritySlots is the number of Top-Set positions reserved for minority picks.
func (p PortfolioConfig) MinoritySlots() int {
	return int(math.Floor(p.MinorityFraction*float64(p.TopK) + 1e-9))
}

// CapFor returns the maximum number of Ranked entries for tag.
func (p PortfolioConfig) CapFor(tag string) int {
	frac, ok := p.Caps[tag]
	if !ok {
		frac = p.DefaultCap
	}
	return int(math.Floor(frac*float64(p.TopK) + 1e-9))
}

// IsAllocatorError reports whether err is (or wraps) an AllocatorConfigError.
func IsAllocatorError(err error) bool {
	var ace *AllocatorConfigError
	return errors.As(err, &ace)
}
