package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/postgres"
)

// PostgreSQL SQLSTATE
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateSerializationFailure = "40001"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id          BIGSERIAL PRIMARY KEY,
	customer_id BIGINT NOT NULL,
	branch_id   BIGINT NOT NULL,
	type        SMALLINT NOT NULL,
	balance     BIGINT NOT NULL CHECK (balance >= 0),
	opened_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id              BIGSERIAL PRIMARY KEY,
	ref_id          UUID NOT NULL,
	account_id      BIGINT NOT NULL REFERENCES accounts(id),
	counterparty_id BIGINT NOT NULL DEFAULT 0,
	amount          BIGINT NOT NULL,
	type            SMALLINT NOT NULL,
	remark          VARCHAR(255) NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions (account_id, created_at DESC);
`

// PostgresLedger 以 database/sql + pgx 實作的帳本，逐列 SELECT ... FOR UPDATE 上鎖
type PostgresLedger struct {
	client      *postgres.Client
	lockTimeout time.Duration
	now         func() time.Time
}

// NewPostgresLedger 建立 PostgresLedger，lockTimeout 對應 SET LOCAL lock_timeout
func NewPostgresLedger(client *postgres.Client, lockTimeout time.Duration) *PostgresLedger {
	return &PostgresLedger{
		client:      client,
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnsureSchema 建立資料表 (若不存在)
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.client.DB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) OpenAccount(ctx context.Context, account *domain.Account) error {
	if account.OpenedAt.IsZero() {
		account.OpenedAt = l.now()
	}
	err := l.client.DB().QueryRowContext(ctx,
		`INSERT INTO accounts (customer_id, branch_id, type, balance, opened_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		account.CustomerID, account.BranchID, int16(account.Type), int64(account.Balance), account.OpenedAt,
	).Scan(&account.ID)
	return classifyError(err)
}

func (l *PostgresLedger) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	var (
		account domain.Account
		accType int16
		balance int64
	)
	err := l.client.DB().QueryRowContext(ctx,
		`SELECT id, customer_id, branch_id, type, balance, opened_at FROM accounts WHERE id = $1`, accountID,
	).Scan(&account.ID, &account.CustomerID, &account.BranchID, &accType, &balance, &account.OpenedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, classifyError(err)
	}
	account.Type = domain.AccountType(accType)
	account.Balance = domain.Amount(balance)
	return &account, nil
}

func (l *PostgresLedger) GetAccountBalance(ctx context.Context, accountID int64) (domain.Amount, error) {
	var balance int64
	err := l.client.DB().QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return 0, classifyError(err)
	}
	return domain.Amount(balance), nil
}

// QueryTransactions 依時間倒序列出交易紀錄，每次迭代都重新查詢
func (l *PostgresLedger) QueryTransactions(ctx context.Context, accountID int64) iter.Seq2[*domain.Transaction, error] {
	return func(yield func(*domain.Transaction, error) bool) {
		if _, err := l.GetAccountBalance(ctx, accountID); err != nil {
			yield(nil, err)
			return
		}
		rows, err := l.client.DB().QueryContext(ctx,
			`SELECT id, ref_id, account_id, counterparty_id, amount, type, remark, created_at
			   FROM transactions WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
		if err != nil {
			yield(nil, classifyError(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			tran, err := scanTransaction(rows)
			if !yield(tran, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, classifyError(err))
		}
	}
}

// RunInTx 開啟交易，依遞增 ID 逐列加 FOR UPDATE 鎖後執行 fn
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
func (l *PostgresLedger) RunInTx(ctx context.Context, accountIDs []int64, fn func(uow usecase.UnitOfWork) error) (err error) {
	tx, err := l.client.DB().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = classifyError(err)
		}
	}()

	if l.lockTimeout > 0 {
		// SET LOCAL 不接受 bind 參數，數值由程式產生
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())); err != nil {
			return err
		}
	}

	unit := &sqlUnit{ctx: ctx, tx: tx, now: l.now, balances: make(map[int64]domain.Amount, 2)}
	// 逐列上鎖，保證上鎖順序與 domain.LockOrder 一致
	for _, id := range domain.LockOrder(accountIDs...) {
		var balance int64
		err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
		}
		if err != nil {
			return err
		}
		unit.balances[id] = domain.Amount(balance)
		unit.order = append(unit.order, id)
	}

	if err = fn(unit); err != nil {
		return err
	}
	if err = unit.flush(); err != nil {
		return err
	}
	return tx.Commit()
}

// sqlUnit 是 PostgresLedger 的交易單位
type sqlUnit struct {
	ctx      context.Context
	tx       *sql.Tx
	now      func() time.Time
	balances map[int64]domain.Amount
	order    []int64
	dirty    map[int64]bool
}

func (u *sqlUnit) GetBalance(accountID int64) (domain.Amount, error) {
	balance, ok := u.balances[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
	}
	return balance, nil
}

func (u *sqlUnit) ApplyDelta(accountID int64, delta domain.Amount) (domain.Amount, error) {
	balance, err := u.GetBalance(accountID)
	if err != nil {
		return 0, err
	}
	next, err := domain.ApplyDelta(balance, delta)
	if err != nil {
		return balance, err
	}
	if u.dirty == nil {
		u.dirty = make(map[int64]bool, 2)
	}
	u.balances[accountID] = next
	u.dirty[accountID] = true
	return next, nil
}

func (u *sqlUnit) Append(tran *domain.Transaction) (int64, error) {
	if _, ok := u.balances[tran.AccountID]; !ok {
		return 0, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, tran.AccountID)
	}
	tran.CreatedAt = u.now()
	err := u.tx.QueryRowContext(u.ctx,
		`INSERT INTO transactions (ref_id, account_id, counterparty_id, amount, type, remark, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		tran.RefID.String(), tran.AccountID, tran.CounterpartyID, int64(tran.Amount), int16(tran.Type), tran.Remark, tran.CreatedAt,
	).Scan(&tran.ID)
	if err != nil {
		return 0, err
	}
	return tran.ID, nil
}

// flush 依上鎖順序寫回異動過的餘額
func (u *sqlUnit) flush() error {
	for _, id := range u.order {
		if !u.dirty[id] {
			continue
		}
		if _, err := u.tx.ExecContext(u.ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, int64(u.balances[id]), id); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tran   domain.Transaction
		refID  string
		amount int64
		txType int16
	)
	if err := row.Scan(&tran.ID, &refID, &tran.AccountID, &tran.CounterpartyID, &amount, &txType, &tran.Remark, &tran.CreatedAt); err != nil {
		return nil, classifyError(err)
	}
	parsed, err := uuid.Parse(refID)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %d ref id: %w", domain.ErrStorageFailure, tran.ID, err)
	}
	tran.RefID = parsed
	tran.Amount = domain.Amount(amount)
	tran.Type = domain.TransactionType(txType)
	return &tran, nil
}

// classifyError 把 pgconn 錯誤轉成 domain 錯誤，業務錯誤原樣回傳
func classifyError(err error) error {
	if err == nil || domain.Outcome(err) == "rejected" ||
		errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrStorageFailure) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateLockNotAvailable:
			return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
		case sqlStateDeadlockDetected, sqlStateSerializationFailure:
			return fmt.Errorf("%w: %s: %w", domain.ErrConflict, pgErr.Code, err)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageFailure, err)
}

var _ usecase.Ledger = (*PostgresLedger)(nil)
