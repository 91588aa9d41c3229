package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
)

const (
	// DefaultBufferSize 輸送帶容量
	DefaultBufferSize = 1024
	// DefaultDeliveryTimeout 單次送出給 sink 的時限
	DefaultDeliveryTimeout = 3 * time.Second
)

// envelope 輸送帶上的事件，audit 與 lowBalance 只會有一個
type envelope struct {
	audit      *domain.AuditEvent
	lowBalance *domain.LowBalanceEvent
}

// Dispatcher 在 commit 之後接收事件，由單一 goroutine 依序送給 sink
//
// Publish(不等待) -> Channel -> Run Loop -> Sink
//
// 輸送帶滿了就丟棄事件 (記 log)，sink 失敗也只記 log，永遠不影響已提交的交易
type Dispatcher struct {
	audit  usecase.AuditSink
	notify usecase.NotificationSink

	// 輸送帶 負責接收事件
	events          chan envelope
	deliveryTimeout time.Duration

	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewDispatcher 建立 Dispatcher，audit 或 notify 可為 nil (該類事件直接略過)
func NewDispatcher(audit usecase.AuditSink, notify usecase.NotificationSink, bufferSize int, deliveryTimeout time.Duration) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	return &Dispatcher{
		audit:           audit,
		notify:          notify,
		events:          make(chan envelope, bufferSize),
		deliveryTimeout: deliveryTimeout,
		done:            make(chan struct{}),
	}
}

// Start 啟動送出迴圈 (非同步)，ctx 結束時會把剩下的事件送完再停止
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		go d.run(ctx)
	})
}

// Wait 等待送出迴圈結束 (ctx 取消且輸送帶清空)
// 尚未 Start 時直接返回，之後的 Start 不再啟動迴圈
func (d *Dispatcher) Wait() {
	d.once.Do(func() {
		close(d.done)
	})
	<-d.done
}

// Dropped 因輸送帶已滿而丟棄的事件數
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// PublishAudit implements usecase.EventPublisher.
func (d *Dispatcher) PublishAudit(event domain.AuditEvent) {
	d.publish(envelope{audit: &event}, "audit", event.AccountID)
}

// PublishLowBalance implements usecase.EventPublisher.
func (d *Dispatcher) PublishLowBalance(event domain.LowBalanceEvent) {
	d.publish(envelope{lowBalance: &event}, "low_balance", event.AccountID)
}

func (d *Dispatcher) publish(env envelope, kind string, accountID int64) {
	select {
	case d.events <- env:
	default:
		d.dropped.Add(1)
		logger.Warn("event buffer full, dropping event", logger.Fields{"kind": kind, "accountId": accountID})
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			// 收到關閉信號，把剩下的事件處理完
			d.drain()
			return
		case env := <-d.events:
			d.deliver(env)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case env := <-d.events:
			d.deliver(env)
		default:
			return
		}
	}
}

// deliver 送出單筆事件，sink 的錯誤只記 log
func (d *Dispatcher) deliver(env envelope) {
	// 關閉流程中也要能送出，所以不沿用 Start 的 ctx
	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryTimeout)
	defer cancel()

	switch {
	case env.audit != nil && d.audit != nil:
		if err := d.audit.Audit(ctx, *env.audit); err != nil {
			logger.Error("audit sink failed", err, logger.Fields{
				"accountId":     env.audit.AccountID,
				"transactionId": env.audit.TransactionID,
			})
		}
	case env.lowBalance != nil && d.notify != nil:
		if err := d.notify.NotifyLowBalance(ctx, *env.lowBalance); err != nil {
			logger.Error("notification sink failed", err, logger.Fields{
				"accountId": env.lowBalance.AccountID,
				"balance":   env.lowBalance.Balance,
			})
		}
	}
}

var _ usecase.EventPublisher = (*Dispatcher)(nil)
