package event

import (
	"context"
	"sync"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
)

// LogSink 把事件寫到 log，沒有設定外部 sink 時使用
type LogSink struct{}

func (LogSink) Audit(ctx context.Context, event domain.AuditEvent) error {
	logger.Info("audit withdrawal", logger.Fields{
		"accountId":     event.AccountID,
		"transactionId": event.TransactionID,
		"type":          event.Type,
		"amount":        event.Amount,
		"timestamp":     event.Timestamp,
	})
	return nil
}

func (LogSink) NotifyLowBalance(ctx context.Context, event domain.LowBalanceEvent) error {
	logger.Warn("low balance", logger.Fields{
		"accountId": event.AccountID,
		"balance":   event.Balance,
		"floor":     event.Floor,
		"timestamp": event.Timestamp,
	})
	return nil
}

// Recorder 把事件存在記憶體，供行程內的使用者 (例如 stress 工具的統計) 讀取
type Recorder struct {
	mu         sync.Mutex
	audits     []domain.AuditEvent
	lowBalance []domain.LowBalanceEvent
}

func (r *Recorder) Audit(ctx context.Context, event domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, event)
	return nil
}

func (r *Recorder) NotifyLowBalance(ctx context.Context, event domain.LowBalanceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lowBalance = append(r.lowBalance, event)
	return nil
}

// Audits 回傳目前收到的稽核事件 (拷貝)
func (r *Recorder) Audits() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEvent(nil), r.audits...)
}

// LowBalances 回傳目前收到的低餘額事件 (拷貝)
func (r *Recorder) LowBalances() []domain.LowBalanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LowBalanceEvent(nil), r.lowBalance...)
}

// Fanout 把事件送給多個 sink，回傳第一個錯誤但每個 sink 都會送到
type Fanout []Sink

// Sink 同時實作兩種 sink
type Sink interface {
	usecase.AuditSink
	usecase.NotificationSink
}

func (f Fanout) Audit(ctx context.Context, event domain.AuditEvent) error {
	var firstErr error
	for _, sink := range f {
		if err := sink.Audit(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f Fanout) NotifyLowBalance(ctx context.Context, event domain.LowBalanceEvent) error {
	var firstErr error
	for _, sink := range f {
		if err := sink.NotifyLowBalance(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Sink = LogSink{}
	_ Sink = (*Recorder)(nil)
	_ Sink = Fanout(nil)
)
