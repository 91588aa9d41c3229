package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 20 * time.Millisecond
)

// CoreUseCase 是核心業務邏輯層 (Ledger Engine)
//
// 每個操作的狀態: Validating -> Applying -> Committed
// 或 Validating -> Rejected (沒有副作用)，或 Applying -> Aborted (整筆丟棄)
type CoreUseCase struct {
	ledger    Ledger
	publisher EventPublisher

	floor            domain.Amount
	maxAttempts      int
	retryBackoff     time.Duration
	auditTransferOut bool
}

// Option 設定 CoreUseCase
type Option func(*CoreUseCase)

// WithLowBalanceFloor 設定低餘額通知門檻
func WithLowBalanceFloor(floor domain.Amount) Option {
	return func(c *CoreUseCase) {
		c.floor = floor
	}
}

// WithRetry 設定 Conflict 的重試次數 (含第一次) 與初始退避時間，每次加倍
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *CoreUseCase) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			c.retryBackoff = backoff
		}
	}
}

// WithAuditTransferOut 轉出 (TransferOut) 是否也送稽核事件
func WithAuditTransferOut(enabled bool) Option {
	return func(c *CoreUseCase) {
		c.auditTransferOut = enabled
	}
}

func NewCoreUseCase(ledger Ledger, publisher EventPublisher, opts ...Option) *CoreUseCase {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	c := &CoreUseCase{
		ledger:       ledger,
		publisher:    publisher,
		floor:        domain.DefaultLowBalanceFloor,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenAccountRequest 開戶請求
type OpenAccountRequest struct {
	CustomerID     int64
	BranchID       int64
	Type           domain.AccountType
	InitialBalance domain.Amount
}

// TransferResult 轉帳結果，兩條紀錄共用同一個 RefID
type TransferResult struct {
	Out *domain.Transaction
	In  *domain.Transaction
}

// posting 收集一個交易單位內產生的紀錄與被異動帳戶的新餘額
type posting struct {
	records  []*domain.Transaction
	touched  []int64
	balances map[int64]domain.Amount
}

func newPosting() *posting {
	return &posting{balances: make(map[int64]domain.Amount, 2)}
}

func (p *posting) record(tran *domain.Transaction, balance domain.Amount) {
	p.records = append(p.records, tran)
	if _, ok := p.balances[tran.AccountID]; !ok {
		p.touched = append(p.touched, tran.AccountID)
	}
	p.balances[tran.AccountID] = balance
}

// OpenAccount 開戶，初始餘額不得為負
func (c *CoreUseCase) OpenAccount(ctx context.Context, req OpenAccountRequest) (*domain.Account, error) {
	account, err := domain.NewAccount(req.CustomerID, req.BranchID, req.Type, req.InitialBalance)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.OpenAccount(ctx, account); err != nil {
		logger.Error("open account failed", err, logger.Fields{"customerId": req.CustomerID})
		return nil, err
	}
	return account, nil
}

// Deposit 存款
//
// 參數:
//
//	ctx: 上下文
//	accountID: 帳戶 ID
//	amount: 金額，必須大於 0
//
// 回傳:
//
//	*domain.Transaction: 已提交的 Deposit 紀錄
//	error: ErrInvalidAmount / ErrAccountNotFound / ErrConflict / ErrStorageFailure
func (c *CoreUseCase) Deposit(ctx context.Context, accountID int64, amount domain.Amount) (*domain.Transaction, error) {
	if err := domain.ValidatePositive(amount); err != nil {
		return nil, err
	}
	refID := uuid.New()
	p, err := c.execute(ctx, "deposit", []int64{accountID}, func(uow UnitOfWork, p *posting) error {
		balance, err := uow.ApplyDelta(accountID, amount)
		if err != nil {
			return err
		}
		tran := domain.NewTransaction(refID, accountID, domain.TransactionTypeDeposit, amount)
		if _, err := uow.Append(tran); err != nil {
			return err
		}
		p.record(tran, balance)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.records[0], nil
}

// Withdraw 提款，餘額檢查與扣款在同一個交易單位內完成
//
// 參數:
//
//	ctx: 上下文
//	accountID: 帳戶 ID
//	amount: 金額，必須大於 0
//
// 回傳:
//
//	*domain.Transaction: 已提交的 Withdraw 紀錄
//	error: ErrInvalidAmount / ErrAccountNotFound / ErrInsufficientFunds / ErrConflict / ErrStorageFailure
func (c *CoreUseCase) Withdraw(ctx context.Context, accountID int64, amount domain.Amount) (*domain.Transaction, error) {
	if err := domain.ValidatePositive(amount); err != nil {
		return nil, err
	}
	refID := uuid.New()
	p, err := c.execute(ctx, "withdraw", []int64{accountID}, func(uow UnitOfWork, p *posting) error {
		balance, err := debit(uow, accountID, amount)
		if err != nil {
			return err
		}
		tran := domain.NewTransaction(refID, accountID, domain.TransactionTypeWithdraw, amount)
		if _, err := uow.Append(tran); err != nil {
			return err
		}
		p.record(tran, balance)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.records[0], nil
}

// Transfer 轉帳，驗證與兩邊的異動、兩條紀錄都在同一個交易單位內
//
// 參數:
//
//	ctx: 上下文
//	fromID: 轉出帳戶
//	toID: 轉入帳戶，不得與 fromID 相同
//	amount: 金額，必須大於 0
//
// 回傳:
//
//	*TransferResult: TransferOut 與 TransferIn 兩條紀錄
//	error: ErrInvalidAmount / ErrSameAccount / ErrAccountNotFound / ErrInsufficientFunds / ErrConflict / ErrStorageFailure
func (c *CoreUseCase) Transfer(ctx context.Context, fromID, toID int64, amount domain.Amount) (*TransferResult, error) {
	if err := domain.ValidatePositive(amount); err != nil {
		return nil, err
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: %d", domain.ErrSameAccount, fromID)
	}
	refID := uuid.New()
	p, err := c.execute(ctx, "transfer", []int64{fromID, toID}, func(uow UnitOfWork, p *posting) error {
		// 先確認轉入帳戶存在，再動任何餘額
		if _, err := uow.GetBalance(toID); err != nil {
			return err
		}
		outTran, inTran := domain.NewTransferLegs(refID, fromID, toID, amount)

		fromBalance, err := debit(uow, fromID, amount)
		if err != nil {
			return err
		}
		if _, err := uow.Append(outTran); err != nil {
			return err
		}
		p.record(outTran, fromBalance)

		toBalance, err := uow.ApplyDelta(toID, amount)
		if err != nil {
			return err
		}
		if _, err := uow.Append(inTran); err != nil {
			return err
		}
		p.record(inTran, toBalance)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TransferResult{Out: p.records[0], In: p.records[1]}, nil
}

// GetAccount 取得帳戶資料
func (c *CoreUseCase) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return c.ledger.GetAccount(ctx, accountID)
}

// GetAccountBalance 取得帳戶餘額
func (c *CoreUseCase) GetAccountBalance(ctx context.Context, accountID int64) (domain.Amount, error) {
	return c.ledger.GetAccountBalance(ctx, accountID)
}

// History 依時間倒序列出帳戶交易紀錄
func (c *CoreUseCase) History(ctx context.Context, accountID int64) iter.Seq2[*domain.Transaction, error] {
	return c.ledger.QueryTransactions(ctx, accountID)
}

// debit 檢查餘額後扣款
func debit(uow UnitOfWork, accountID int64, amount domain.Amount) (domain.Amount, error) {
	balance, err := uow.GetBalance(accountID)
	if err != nil {
		return 0, err
	}
	if balance < amount {
		return 0, fmt.Errorf("%w: account %d balance %s, requested %s", domain.ErrInsufficientFunds, accountID, balance, amount)
	}
	next, err := uow.ApplyDelta(accountID, -amount)
	if errors.Is(err, domain.ErrWouldGoNegative) {
		return 0, fmt.Errorf("%w: account %d", domain.ErrInsufficientFunds, accountID)
	}
	return next, err
}

// execute 以重試迴圈包住整個交易單位，只有 Conflict 會重試
func (c *CoreUseCase) execute(ctx context.Context, op string, accountIDs []int64, fn func(uow UnitOfWork, p *posting) error) (*posting, error) {
	var p *posting
	err := c.withRetry(ctx, op, func() error {
		p = newPosting()
		return c.ledger.RunInTx(ctx, accountIDs, func(uow UnitOfWork) error {
			return fn(uow, p)
		})
	})
	if err != nil {
		if domain.Outcome(err) == "aborted" {
			logger.Error("ledger operation aborted", err, logger.Fields{"op": op, "accounts": accountIDs})
		}
		return nil, err
	}
	c.afterCommit(p)
	return p, nil
}

func (c *CoreUseCase) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrConflict) || attempt >= c.maxAttempts {
			return err
		}
		backoff := c.retryBackoff << (attempt - 1)
		logger.Warn("ledger conflict, retrying", logger.Fields{"op": op, "attempt": attempt, "backoff": backoff.String()})

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// afterCommit 只在 commit 之後送出稽核與低餘額事件，送出失敗不影響已提交的交易
func (c *CoreUseCase) afterCommit(p *posting) {
	var committedAt time.Time
	for _, tran := range p.records {
		committedAt = tran.CreatedAt
		if tran.Type == domain.TransactionTypeWithdraw || (c.auditTransferOut && tran.Type == domain.TransactionTypeTransferOut) {
			c.publisher.PublishAudit(domain.AuditEvent{
				AccountID:     tran.AccountID,
				TransactionID: tran.ID,
				Type:          tran.Type,
				Amount:        tran.Amount,
				Timestamp:     tran.CreatedAt,
			})
		}
	}
	for _, accountID := range p.touched {
		balance := p.balances[accountID]
		if balance < c.floor {
			c.publisher.PublishLowBalance(domain.LowBalanceEvent{
				AccountID: accountID,
				Balance:   balance,
				Floor:     c.floor,
				Timestamp: committedAt,
			})
		}
	}
}
