package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// TransactionType 交易類型
// 為了節省記憶體，使用 uint8
type TransactionType uint8

const (
	// 存款
	TransactionTypeDeposit TransactionType = 1
	// 提款
	TransactionTypeWithdraw TransactionType = 2
	// 轉出
	TransactionTypeTransferOut TransactionType = 3
	// 轉入
	TransactionTypeTransferIn TransactionType = 4
)

func (t TransactionType) String() string {
	switch t {
	case TransactionTypeDeposit:
		return "Deposit"
	case TransactionTypeWithdraw:
		return "Withdraw"
	case TransactionTypeTransferOut:
		return "TransferOut"
	case TransactionTypeTransferIn:
		return "TransferIn"
	default:
		return fmt.Sprintf("TransactionType(%d)", uint8(t))
	}
}

// Valid 是否為已知的交易類型
func (t TransactionType) Valid() bool {
	return t >= TransactionTypeDeposit && t <= TransactionTypeTransferIn
}

// IsDebit 是否為扣款方向
func (t TransactionType) IsDebit() bool {
	return t == TransactionTypeWithdraw || t == TransactionTypeTransferOut
}

// Transaction 交易紀錄 (append-only，寫入後不可變更)
type Transaction struct {
	// ID: 由 store 分配的遞增序號
	ID int64
	// AccountID: 紀錄所屬帳戶
	AccountID int64
	// CounterpartyID: 轉帳的對方帳戶，非轉帳為 0
	CounterpartyID int64
	// Amount: 金額 (正數)，方向由 Type 決定
	Amount Amount
	// CreatedAt: 提交時間，由 store 在 commit 時寫入
	CreatedAt time.Time
	// Remark: 備註
	Remark string
	// RefID: 外部追蹤號，同一筆轉帳的兩條紀錄共用
	RefID uuid.UUID
	Type  TransactionType
}

// NewTransaction 建立一筆尚未寫入的交易紀錄
func NewTransaction(refID uuid.UUID, accountID int64, txType TransactionType, amount Amount) *Transaction {
	return &Transaction{
		RefID:     refID,
		AccountID: accountID,
		Type:      txType,
		Amount:    amount,
		Remark:    txType.String(),
	}
}

// NewTransferLegs 建立轉帳的兩條紀錄，備註互相指向對方帳戶
func NewTransferLegs(refID uuid.UUID, from, to int64, amount Amount) (out *Transaction, in *Transaction) {
	out = NewTransaction(refID, from, TransactionTypeTransferOut, amount)
	out.CounterpartyID = to
	out.Remark = fmt.Sprintf("transfer to account %d", to)

	in = NewTransaction(refID, to, TransactionTypeTransferIn, amount)
	in.CounterpartyID = from
	in.Remark = fmt.Sprintf("transfer from account %d", from)
	return out, in
}

// SignedAmount 回傳帶方向的金額 (扣款為負)
func (t *Transaction) SignedAmount() Amount {
	if t.Type.IsDebit() {
		return -t.Amount
	}
	return t.Amount
}

// Clone 回傳值拷貝
func (t *Transaction) Clone() *Transaction {
	cp := *t
	return &cp
}

// LockOrder 回傳需要鎖定的帳號 ID (遞增排序、去重)，確保全域一致的上鎖順序以避免死鎖
func LockOrder(ids ...int64) []int64 {
	// 預先宣告容量，避免多次分配
	out := make([]int64, 0, len(ids))
	out = append(out, ids...)
	slices.Sort(out)
	return slices.Compact(out)
}
