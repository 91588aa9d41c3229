package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

const (
	DefaultAuditStream      = "ledger:audit"
	DefaultLowBalanceStream = "ledger:low_balance"
	// DefaultMaxLen 每個 stream 大約保留的筆數
	DefaultMaxLen = 100000
)

// StreamSink 把事件寫進 Redis Stream，由下游的稽核與通知系統各自消費
type StreamSink struct {
	rdb              *redis.Client
	auditStream      string
	lowBalanceStream string
	maxLen           int64
}

// NewStreamSink 建立 StreamSink，stream 名稱為空時使用預設值
func NewStreamSink(rdb *redis.Client, auditStream, lowBalanceStream string, maxLen int64) *StreamSink {
	if auditStream == "" {
		auditStream = DefaultAuditStream
	}
	if lowBalanceStream == "" {
		lowBalanceStream = DefaultLowBalanceStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &StreamSink{
		rdb:              rdb,
		auditStream:      auditStream,
		lowBalanceStream: lowBalanceStream,
		maxLen:           maxLen,
	}
}

func (s *StreamSink) Audit(ctx context.Context, event domain.AuditEvent) error {
	return s.add(ctx, s.auditStream, auditValues(event))
}

func (s *StreamSink) NotifyLowBalance(ctx context.Context, event domain.LowBalanceEvent) error {
	return s.add(ctx, s.lowBalanceStream, lowBalanceValues(event))
}

func (s *StreamSink) add(ctx context.Context, stream string, values map[string]interface{}) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// auditValues 金額以固定兩位小數字串輸出，避免下游以浮點數解析
func auditValues(event domain.AuditEvent) map[string]interface{} {
	return map[string]interface{}{
		"account_id":     event.AccountID,
		"transaction_id": event.TransactionID,
		"type":           event.Type.String(),
		"amount":         event.Amount.String(),
		"timestamp":      event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func lowBalanceValues(event domain.LowBalanceEvent) map[string]interface{} {
	return map[string]interface{}{
		"account_id": event.AccountID,
		"balance":    event.Balance.String(),
		"floor":      event.Floor.String(),
		"timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

var (
	_ usecase.AuditSink        = (*StreamSink)(nil)
	_ usecase.NotificationSink = (*StreamSink)(nil)
)
