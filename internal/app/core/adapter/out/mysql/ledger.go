package mysql

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/mysql"
)

// MySQL 錯誤碼
const (
	errLockWaitTimeout uint16 = 1205
	errDeadlock        uint16 = 1213
)

// sqlAccount 對應資料庫的 accounts 表
type sqlAccount struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	CustomerID int64 `gorm:"index"`
	BranchID   int64
	Type       uint8
	Balance    int64 `gorm:"check:chk_accounts_balance,balance >= 0"`
	OpenedAt   time.Time
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

// sqlTransaction 對應資料庫的 transactions 表
type sqlTransaction struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	RefID          []byte `gorm:"column:ref_id;type:binary(16);index"` // 轉帳兩條紀錄共用
	AccountID      int64  `gorm:"index:idx_account_created,priority:1"`
	CounterpartyID int64
	Amount         int64
	Type           uint8
	Remark         string    `gorm:"size:255"`
	CreatedAt      time.Time `gorm:"index:idx_account_created,priority:2"`

	// Account 只用來讓 AutoMigrate 建立 account_id 的外鍵，寫入時保持 nil
	Account *sqlAccount `gorm:"foreignKey:AccountID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

func (*sqlTransaction) TableName() string {
	return "transactions"
}

// MySQLLedger 使用 MySQL 悲觀鎖 (SELECT ... FOR UPDATE) 實作的帳本
type MySQLLedger struct {
	client      *mysql.Client
	lockTimeout time.Duration
	now         func() time.Time
}

// NewMySQLLedger 建立 MySQLLedger
//
// 參數:
//
//	client: MySQL 客戶端
//	lockTimeout: 等待列鎖的上限，對應 innodb_lock_wait_timeout (秒，最少 1 秒)
func NewMySQLLedger(client *mysql.Client, lockTimeout time.Duration) *MySQLLedger {
	return &MySQLLedger{
		client:      client,
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Migrate 建立 accounts 與 transactions 表
func (ledger *MySQLLedger) Migrate(ctx context.Context) error {
	return ledger.client.DB().WithContext(ctx).AutoMigrate(&sqlAccount{}, &sqlTransaction{})
}

// OpenAccount 開戶
func (ledger *MySQLLedger) OpenAccount(ctx context.Context, account *domain.Account) error {
	if account.OpenedAt.IsZero() {
		account.OpenedAt = ledger.now()
	}
	row := toSQLAccount(account)
	if err := ledger.client.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return classifyError(err)
	}
	account.ID = row.ID
	return nil
}

// GetAccount 取得帳戶資料
func (ledger *MySQLLedger) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	var row sqlAccount
	err := ledger.client.DB().WithContext(ctx).Where("id = ?", accountID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
		}
		return nil, classifyError(err)
	}
	return row.toDomain(), nil
}

// GetAccountBalance 取得帳戶餘額
func (ledger *MySQLLedger) GetAccountBalance(ctx context.Context, accountID int64) (domain.Amount, error) {
	account, err := ledger.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// QueryTransactions 依時間倒序列出交易紀錄，每次迭代都重新查詢
func (ledger *MySQLLedger) QueryTransactions(ctx context.Context, accountID int64) iter.Seq2[*domain.Transaction, error] {
	return func(yield func(*domain.Transaction, error) bool) {
		db := ledger.client.DB().WithContext(ctx)
		var count int64
		if err := db.Model(&sqlAccount{}).Where("id = ?", accountID).Count(&count).Error; err != nil {
			yield(nil, classifyError(err))
			return
		}
		if count == 0 {
			yield(nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID))
			return
		}

		rows, err := db.Model(&sqlTransaction{}).
			Where("account_id = ?", accountID).
			Order("created_at DESC, id DESC").
			Rows()
		if err != nil {
			yield(nil, classifyError(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row sqlTransaction
			if err := db.ScanRows(rows, &row); err != nil {
				yield(nil, classifyError(err))
				return
			}
			tran, err := row.toDomain()
			if !yield(tran, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, classifyError(err))
		}
	}
}

// RunInTx 開啟資料庫交易，依遞增 ID 對帳戶列加 FOR UPDATE 鎖後執行 fn
//
// 參數:
//
//	ctx: 上下文
//	accountIDs: 需要鎖定的帳戶
//	fn: 交易邏輯，回傳 error 時整筆 rollback
//
// 回傳:
//
//	error: fn 的錯誤、ErrAccountNotFound、ErrLockTimeout / ErrConflict 或 ErrStorageFailure
func (ledger *MySQLLedger) RunInTx(ctx context.Context, accountIDs []int64, fn func(uow usecase.UnitOfWork) error) error {
	ids := domain.LockOrder(accountIDs...)
	err := ledger.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ledger.lockTimeout > 0 {
			if err := tx.Exec("SET SESSION innodb_lock_wait_timeout = ?", lockWaitSeconds(ledger.lockTimeout)).Error; err != nil {
				return err
			}
		}

		// 取得鎖定帳號 悲觀鎖，ORDER BY id 讓所有交易以相同順序上鎖
		var rows []sqlAccount
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", ids).
			Order("id").
			Find(&rows).Error; err != nil {
			return err
		}
		unit := newGormUnit(tx, ledger.now)
		for i := range rows {
			unit.balances[rows[i].ID] = domain.Amount(rows[i].Balance)
		}
		// 安全檢查：確保涉及的帳號都存在
		for _, id := range ids {
			if _, ok := unit.balances[id]; !ok {
				return fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
			}
		}

		if err := fn(unit); err != nil {
			return err
		}
		return unit.flush()
	})
	return classifyError(err)
}

// gormUnit 是 MySQLLedger 的交易單位，餘額在 flush 時才寫回
type gormUnit struct {
	tx       *gorm.DB
	now      func() time.Time
	balances map[int64]domain.Amount
	dirty    map[int64]bool
}

func newGormUnit(tx *gorm.DB, now func() time.Time) *gormUnit {
	return &gormUnit{
		tx:       tx,
		now:      now,
		balances: make(map[int64]domain.Amount, 2),
		dirty:    make(map[int64]bool, 2),
	}
}

func (u *gormUnit) GetBalance(accountID int64) (domain.Amount, error) {
	balance, ok := u.balances[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
	}
	return balance, nil
}

func (u *gormUnit) ApplyDelta(accountID int64, delta domain.Amount) (domain.Amount, error) {
	balance, err := u.GetBalance(accountID)
	if err != nil {
		return 0, err
	}
	next, err := domain.ApplyDelta(balance, delta)
	if err != nil {
		return balance, err
	}
	u.balances[accountID] = next
	u.dirty[accountID] = true
	return next, nil
}

func (u *gormUnit) Append(tran *domain.Transaction) (int64, error) {
	if _, ok := u.balances[tran.AccountID]; !ok {
		return 0, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, tran.AccountID)
	}
	tran.CreatedAt = u.now()
	row := toSQLTransaction(tran)
	if err := u.tx.Create(&row).Error; err != nil {
		return 0, err
	}
	tran.ID = row.ID
	return tran.ID, nil
}

// flush 依 ID 順序寫回異動過的餘額
func (u *gormUnit) flush() error {
	for _, id := range domain.LockOrder(mapKeys(u.dirty)...) {
		if err := u.tx.Model(&sqlAccount{}).Where("id = ?", id).Update("balance", int64(u.balances[id])).Error; err != nil {
			return err
		}
	}
	return nil
}

func mapKeys(m map[int64]bool) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// lockWaitSeconds innodb_lock_wait_timeout 以秒為單位，無條件進位且最少 1 秒
func lockWaitSeconds(d time.Duration) int64 {
	return max(1, int64(math.Ceil(d.Seconds())))
}

// classifyError 把驅動錯誤轉成 domain 錯誤，業務錯誤原樣回傳
func classifyError(err error) error {
	if err == nil || isDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var mysqlErr *driver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case errLockWaitTimeout:
			return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
		case errDeadlock:
			return fmt.Errorf("%w: deadlock: %w", domain.ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageFailure, err)
}

func isDomainError(err error) bool {
	return domain.Outcome(err) == "rejected" ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrStorageFailure)
}

func toSQLAccount(account *domain.Account) sqlAccount {
	return sqlAccount{
		ID:         account.ID,
		CustomerID: account.CustomerID,
		BranchID:   account.BranchID,
		Type:       uint8(account.Type),
		Balance:    int64(account.Balance),
		OpenedAt:   account.OpenedAt,
	}
}

func (row *sqlAccount) toDomain() *domain.Account {
	return &domain.Account{
		ID:         row.ID,
		CustomerID: row.CustomerID,
		BranchID:   row.BranchID,
		Type:       domain.AccountType(row.Type),
		Balance:    domain.Amount(row.Balance),
		OpenedAt:   row.OpenedAt,
	}
}

func toSQLTransaction(tran *domain.Transaction) sqlTransaction {
	return sqlTransaction{
		ID:             tran.ID,
		RefID:          tran.RefID[:],
		AccountID:      tran.AccountID,
		CounterpartyID: tran.CounterpartyID,
		Amount:         int64(tran.Amount),
		Type:           uint8(tran.Type),
		Remark:         tran.Remark,
		CreatedAt:      tran.CreatedAt,
	}
}

func (row *sqlTransaction) toDomain() (*domain.Transaction, error) {
	refID, err := uuid.FromBytes(row.RefID)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %d ref id: %w", domain.ErrStorageFailure, row.ID, err)
	}
	return &domain.Transaction{
		ID:             row.ID,
		AccountID:      row.AccountID,
		CounterpartyID: row.CounterpartyID,
		Amount:         domain.Amount(row.Amount),
		CreatedAt:      row.CreatedAt,
		Remark:         row.Remark,
		RefID:          refID,
		Type:           domain.TransactionType(row.Type),
	}, nil
}

var _ usecase.Ledger = (*MySQLLedger)(nil)
