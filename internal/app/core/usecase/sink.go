package usecase

import (
	"context"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

// AuditSink 接收已提交的提款稽核事件 (外部系統)
type AuditSink interface {
	Audit(ctx context.Context, event domain.AuditEvent) error
}

// NotificationSink 接收低餘額通知 (外部系統)
type NotificationSink interface {
	NotifyLowBalance(ctx context.Context, event domain.LowBalanceEvent) error
}

// EventPublisher 由 engine 在 commit 之後呼叫，必須是非阻塞、best-effort
type EventPublisher interface {
	PublishAudit(event domain.AuditEvent)
	PublishLowBalance(event domain.LowBalanceEvent)
}

type noopPublisher struct{}

func (noopPublisher) PublishAudit(domain.AuditEvent)           {}
func (noopPublisher) PublishLowBalance(domain.LowBalanceEvent) {}
