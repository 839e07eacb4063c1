// ============================================================================
// vidgen-lane Config - 系統配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 配置檔，套用預設值、.env 與環境變數覆蓋並驗證
//
// 載入順序（後者覆蓋前者）:
//   1. Default()           內建預設值
//   2. YAML 配置檔          configs/default.yaml
//   3. .env / .env.local   透過 godotenv 載入到環境變數（不覆蓋已存在的變數）
//   4. 環境變數             AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY,
//                          BACKEND_URL, VIDGEN_LOG_LEVEL
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 環境變數名稱
const (
	EnvEndpoint   = "AZURE_OPENAI_ENDPOINT"
	EnvAPIKey     = "AZURE_OPENAI_API_KEY"
	EnvBackendURL = "BACKEND_URL"
	EnvLogLevel   = "VIDGEN_LOG_LEVEL"
)

// 遠端後端
const (
	ProviderAzure     = "azure"
	ProviderSimulator = "simulator"
)

// ErrInvalidConfig 配置驗證失敗
var ErrInvalidConfig = errors.New("invalid config")

// Config 完整系統配置，透過 YAML tag 對應配置檔欄位
type Config struct {
	Scheduler struct {
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		RetainMax       int           `yaml:"retain_max"`
		RemoveArtifacts bool          `yaml:"remove_artifacts"`
	} `yaml:"scheduler"`

	Executor struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		PollTimeout   time.Duration `yaml:"poll_timeout"`
		MaxPolls      int           `yaml:"max_polls"`
		MaxPollErrors int           `yaml:"max_poll_errors"`
		PublicBaseURL string        `yaml:"public_base_url"`
	} `yaml:"executor"`

	Remote struct {
		Provider       string        `yaml:"provider"`
		Endpoint       string        `yaml:"endpoint"`
		APIKey         string        `yaml:"api_key"`
		RequestTimeout time.Duration `yaml:"request_timeout"`

		Simulator struct {
			ProgressStep int           `yaml:"progress_step"`
			Latency      time.Duration `yaml:"latency"`
			FailureRate  int           `yaml:"failure_rate"`
		} `yaml:"simulator"`
	} `yaml:"remote"`

	Storage struct {
		VideoDir string `yaml:"video_dir"`
	} `yaml:"storage"`

	Server struct {
		Enabled  bool   `yaml:"enabled"`
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 返回內建預設配置
func Default() *Config {
	cfg := &Config{}
	cfg.Scheduler.SweepInterval = time.Hour
	cfg.Scheduler.RetainMax = 100

	cfg.Executor.PollInterval = 2 * time.Second
	cfg.Executor.PollTimeout = 10 * time.Minute
	cfg.Executor.MaxPolls = 600
	cfg.Executor.MaxPollErrors = 3
	cfg.Executor.PublicBaseURL = "http://localhost:8080"

	cfg.Remote.Provider = ProviderAzure
	cfg.Remote.RequestTimeout = 60 * time.Second
	cfg.Remote.Simulator.ProgressStep = 25

	cfg.Storage.VideoDir = "videos"

	cfg.Server.Enabled = true
	cfg.Server.HTTPAddr = ":9090"
	cfg.Server.GRPCAddr = ":50051"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 依序套用預設值、YAML 檔、.env 檔與環境變數
//
// 參數：
//   - path: YAML 配置檔路徑，空字串表示只使用預設值
//   - envFiles: 要載入的 .env 檔，未指定時為 .env 與 .env.local；不存在的檔案會被忽略，無法解析的檔案回傳錯誤
//
// 返回值：
//   - *Config: 已驗證的配置
//   - error: 讀取、解析或驗證失敗
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env", ".env.local"}
	}
	for _, f := range envFiles {
		// 檔案不存在不是錯誤，格式錯誤則回報
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 以環境變數覆蓋配置
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvEndpoint)); v != "" {
		c.Remote.Endpoint = v
	}
	if v := strings.TrimSpace(getenv(EnvAPIKey)); v != "" {
		c.Remote.APIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvBackendURL)); v != "" {
		c.Executor.PublicBaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
}

// Validate 檢查數值範圍與必要欄位
//
// 遠端憑證不在此檢查：simulator 不需要，azure 由 client 建立時回報
func (c *Config) Validate() error {
	var problems []string

	if c.Scheduler.SweepInterval <= 0 {
		problems = append(problems, "scheduler.sweep_interval must be positive")
	}
	if c.Scheduler.RetainMax <= 0 {
		problems = append(problems, "scheduler.retain_max must be positive")
	}
	if c.Executor.PollInterval <= 0 {
		problems = append(problems, "executor.poll_interval must be positive")
	}
	if c.Executor.PollTimeout < c.Executor.PollInterval {
		problems = append(problems, "executor.poll_timeout must be at least poll_interval")
	}
	if c.Executor.MaxPolls <= 0 {
		problems = append(problems, "executor.max_polls must be positive")
	}
	if c.Executor.MaxPollErrors <= 0 {
		problems = append(problems, "executor.max_poll_errors must be positive")
	}
	if c.Remote.Provider != ProviderAzure && c.Remote.Provider != ProviderSimulator {
		problems = append(problems, fmt.Sprintf("remote.provider must be %q or %q", ProviderAzure, ProviderSimulator))
	}
	if r := c.Remote.Simulator.FailureRate; r < 0 || r > 100 {
		problems = append(problems, "remote.simulator.failure_rate must be within [0,100]")
	}
	if strings.TrimSpace(c.Storage.VideoDir) == "" {
		problems = append(problems, "storage.video_dir is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// HasCredentials 是否已設定 Azure 端點與金鑰
func (c *Config) HasCredentials() bool {
	return c.Remote.Endpoint != "" && c.Remote.APIKey != ""
}

// MaskedAPIKey 顯示用的遮蔽金鑰
func (c *Config) MaskedAPIKey() string {
	key := c.Remote.APIKey
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
