package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // 註冊 "pgx" driver

	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
)

// Client 封裝 *sql.DB (pgx driver)
type Client struct {
	db *sql.DB
}

// NewClient 建立 PostgreSQL 客戶端並確認連線可用
//
// 參數:
//
//	ctx: 上下文，控制整個重試流程
//	cfg: 連線配置
//
// 回傳值:
//
//	*Client: 客戶端
//	error: 重試後仍無法連線時回傳錯誤
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	db, err := sql.Open("pgx", cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	retryInterval := 2 * time.Second
	for i := 0; i < cfg.ConnectRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			return &Client{db: db}, nil
		}
		if i == cfg.ConnectRetries-1 {
			break
		}
		logger.Warn("postgres ping failed, retrying", logger.Fields{
			"attempt": i + 1,
			"max":     cfg.ConnectRetries,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", cfg.ConnectRetries, err)
}

// NewClientFromDB 包裝已經開好的 *sql.DB，呼叫端負責連線設定
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB 回傳底層的 *sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close 關閉連線池
func (c *Client) Close() error {
	return c.db.Close()
}
