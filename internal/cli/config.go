package cli

// ============================================================================
// 職責說明：
// 1. 讀取 YAML 設定檔並補上預設值
// 2. 載入 .env（若存在），讓環境變數可以覆寫 log level
// 3. 依設定安裝 slog handler
// ============================================================================

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/refreshtree/internal/jobmanager"
	"github.com/ChuLiYu/refreshtree/internal/refresh"
	"github.com/ChuLiYu/refreshtree/pkg/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvLogLevel 覆寫設定檔中 log_level 的環境變數
const EnvLogLevel = "REFRESHTREE_LOG_LEVEL"

// IndexConfig 單一搜尋索引的設定
type IndexConfig struct {
	ID        string        `yaml:"id"`
	Group     types.GroupID `yaml:"group"`
	Path      string        `yaml:"path"` // 空字串代表記憶體索引
	BatchSize int           `yaml:"batch_size"`
}

// Config represents the complete system configuration structure
type Config struct {
	Refresh struct {
		PollInterval      time.Duration   `yaml:"poll_interval"`
		MaxWait           time.Duration   `yaml:"max_wait"`
		DefaultSkipGroups []types.GroupID `yaml:"default_skip_groups"`
		ReportBackups     int             `yaml:"report_backups"`
	} `yaml:"refresh"`

	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
		BufferSize  int           `yaml:"buffer_size"`
	} `yaml:"worker"`

	Content struct {
		File string `yaml:"file"`
	} `yaml:"content"`

	Indexes []IndexConfig `yaml:"indexes"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig 在沒有設定檔時使用
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Refresh.PollInterval <= 0 {
		c.Refresh.PollInterval = refresh.DefaultPollInterval
	}
	// nil 代表沒寫，空清單代表明確不略過任何群組
	if c.Refresh.DefaultSkipGroups == nil {
		c.Refresh.DefaultSkipGroups = []types.GroupID{types.GroupExperience}
	}
	def := jobmanager.DefaultConfig()
	if c.Worker.WorkerCount <= 0 {
		c.Worker.WorkerCount = def.WorkerCount
	}
	if c.Worker.TaskTimeout <= 0 {
		c.Worker.TaskTimeout = def.TaskTimeout
	}
	if c.Worker.BufferSize <= 0 {
		c.Worker.BufferSize = def.BufferSize
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// JobConfig 轉成 Job Service 的設定
func (c *Config) JobConfig() jobmanager.Config {
	return jobmanager.Config{
		WorkerCount: c.Worker.WorkerCount,
		BufferSize:  c.Worker.BufferSize,
		TaskTimeout: c.Worker.TaskTimeout,
	}
}

// RefreshConfig 轉成 Refresher 的設定
func (c *Config) RefreshConfig() refresh.Config {
	return refresh.Config{
		PollInterval: c.Refresh.PollInterval,
		MaxWait:      c.Refresh.MaxWait,
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Indexes))
	for i, idx := range c.Indexes {
		if idx.ID == "" {
			return fmt.Errorf("indexes[%d]: id is required", i)
		}
		if seen[idx.ID] {
			return fmt.Errorf("indexes[%d]: duplicate id %q", i, idx.ID)
		}
		seen[idx.ID] = true
	}
	return nil
}

// loadConfig 讀取設定檔；檔案不存在時使用預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// loadEnv 載入 .env；不存在不是錯誤
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

// parseLevel 將文字轉成 slog.Level，未知值回傳錯誤
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// setupLogging 安裝 text handler；環境變數優先於設定檔
func setupLogging(w io.Writer, cfg *Config) (slog.Level, error) {
	raw := cfg.LogLevel
	if env := os.Getenv(EnvLogLevel); env != "" {
		raw = env
	}
	level, err := parseLevel(raw)
	if err != nil {
		return level, err
	}
	// 各套件在 init 時取得的 slog.Default() 會經由 log 套件橋接過來
	slog.SetLogLoggerLevel(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return level, nil
}
