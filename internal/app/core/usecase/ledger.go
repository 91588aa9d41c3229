package usecase

import (
	"context"
	"iter"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
)

// UnitOfWork 是單一原子交易單位內可用的 Account Store 與 Transaction Log 操作
// 只存在於 Ledger.RunInTx 的 callback 內，本身不會 commit
type UnitOfWork interface {
	// GetBalance 取得帳戶在本交易單位內的餘額 (含已暫存的異動)
	GetBalance(accountID int64) (domain.Amount, error)
	// ApplyDelta 異動餘額，回傳新餘額；會讓餘額為負時回傳 domain.ErrWouldGoNegative 且不異動
	ApplyDelta(accountID int64, delta domain.Amount) (domain.Amount, error)
	// Append 寫入交易紀錄，回傳分配的 ID；CreatedAt 於 commit 時由 store 填入
	Append(tran *domain.Transaction) (int64, error)
}

// Ledger 是帳務儲存層的介面 (Account Store + Transaction Log)
type Ledger interface {
	// RunInTx 依 domain.LockOrder 的順序取得 accountIDs 的獨佔權 (有逾時)，
	// 執行 fn，fn 回傳 nil 才 commit，否則整筆丟棄
	RunInTx(ctx context.Context, accountIDs []int64, fn func(uow UnitOfWork) error) error
	// OpenAccount 開戶，成功後 account.ID 與 OpenedAt 由 store 填入
	OpenAccount(ctx context.Context, account *domain.Account) error
	// GetAccount 取得帳戶資料 (已提交的快照)
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	// GetAccountBalance 取得帳戶餘額 (已提交的快照)
	GetAccountBalance(ctx context.Context, accountID int64) (domain.Amount, error)
	// QueryTransactions 依時間倒序列出帳戶的交易紀錄 (lazy、可重複迭代、唯讀)
	QueryTransactions(ctx context.Context, accountID int64) iter.Seq2[*domain.Transaction, error]
}
