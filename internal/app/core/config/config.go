package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/pkg/mysql"
	"github.com/JoeShih716/go-bank-ledger/pkg/postgres"
	"github.com/JoeShih716/go-bank-ledger/pkg/redis"
)

// BackendEnv 覆寫 ledger.backend 的環境變數
const BackendEnv = "LEDGER_BACKEND"

// Backend 帳本儲存層
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendMySQL    Backend = "mysql"
	BackendPostgres Backend = "postgres"
)

type Config struct {
	Ledger   LedgerConfig    `yaml:"ledger"`
	WAL      WALConfig       `yaml:"wal"`
	Events   EventsConfig    `yaml:"events"`
	MySQL    mysql.Config    `yaml:"mysql"`
	Postgres postgres.Config `yaml:"postgres"`
	Redis    redis.Config    `yaml:"redis"`
}

type LedgerConfig struct {
	Backend      Backend       `yaml:"backend"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// LowBalanceFloor 以字串表示的金額，例如 "1000.00"
	LowBalanceFloor  string `yaml:"low_balance_floor"`
	AuditTransferOut bool   `yaml:"audit_transfer_out"`
	// Migrate 啟動時建立資料表 (mysql / postgres)
	Migrate bool `yaml:"migrate"`
}

type WALConfig struct {
	// Path 空字串代表不寫 WAL (純記憶體)
	Path string `yaml:"path"`
}

type EventsConfig struct {
	BufferSize      int           `yaml:"buffer_size"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	// RedisStreams 是否把事件寫到 Redis Stream，否則只寫 log
	RedisStreams     bool   `yaml:"redis_streams"`
	AuditStream      string `yaml:"audit_stream"`
	LowBalanceStream string `yaml:"low_balance_stream"`
	StreamMaxLen     int64  `yaml:"stream_max_len"`
}

// Default 回傳全部使用預設值的設定
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load 讀取 yaml 設定檔並補全預設值，path 為空字串時只使用預設值
//
// 參數:
//
//	path: 設定檔路徑
//
// 回傳:
//
//	Config: 設定
//	error: 讀檔、解析或驗證失敗
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if backend := os.Getenv(BackendEnv); backend != "" {
		cfg.Ledger.Backend = Backend(backend)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// 補全預設配置 (如果 yaml 沒寫)
func (c *Config) applyDefaults() {
	c.Ledger.Backend = Backend(strings.ToLower(string(c.Ledger.Backend)))
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = BackendMemory
	}
	if c.Ledger.LockTimeout == 0 {
		c.Ledger.LockTimeout = 2 * time.Second
	}
	if c.Ledger.MaxAttempts == 0 {
		c.Ledger.MaxAttempts = 3
	}
	if c.Ledger.RetryBackoff == 0 {
		c.Ledger.RetryBackoff = 20 * time.Millisecond
	}
	if c.Ledger.LowBalanceFloor == "" {
		c.Ledger.LowBalanceFloor = domain.DefaultLowBalanceFloor.String()
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.DeliveryTimeout == 0 {
		c.Events.DeliveryTimeout = 3 * time.Second
	}
	c.MySQL.ApplyDefaults()
	c.Postgres.ApplyDefaults()
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory, BackendMySQL, BackendPostgres:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Ledger.LockTimeout < 0 || c.Ledger.RetryBackoff < 0 {
		return fmt.Errorf("ledger durations must not be negative")
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("ledger.max_attempts must be at least 1, got %d", c.Ledger.MaxAttempts)
	}
	floor, err := c.LowBalanceFloor()
	if err != nil {
		return fmt.Errorf("ledger.low_balance_floor: %w", err)
	}
	if floor < 0 {
		return fmt.Errorf("ledger.low_balance_floor must not be negative")
	}
	return nil
}

// LowBalanceFloor 解析低餘額門檻
func (c *Config) LowBalanceFloor() (domain.Amount, error) {
	return domain.ParseAmount(c.Ledger.LowBalanceFloor)
}
