package domain

import "time"

// DefaultLowBalanceFloor 預設低餘額門檻 1000.00
var DefaultLowBalanceFloor = NewAmountFromInt(1000)

// AuditEvent 提款稽核事件，commit 之後才送出
type AuditEvent struct {
	AccountID     int64
	TransactionID int64
	Type          TransactionType
	Amount        Amount
	Timestamp     time.Time
}

// LowBalanceEvent 低餘額通知事件，commit 之後餘額低於門檻時送出
type LowBalanceEvent struct {
	AccountID int64
	Balance   Amount
	Floor     Amount
	Timestamp time.Time
}
