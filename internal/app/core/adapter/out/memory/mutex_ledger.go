package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/wal"
)

// DefaultLockTimeout 等待帳戶鎖的預設上限
const DefaultLockTimeout = 2 * time.Second

var errAccountNotLocked = errors.New("account is not part of this unit of work")

// accountSlot 單一帳戶的狀態
type accountSlot struct {
	// sem 帳戶層級的獨佔鎖 (容量 1)，Acquire 可以帶逾時
	sem *semaphore.Weighted
	// account 已提交的狀態，只有持有 sem 的人可以在 mu 寫鎖內修改
	account *domain.Account
	// history 已提交的交易紀錄，依 commit 順序遞增
	history []*domain.Transaction
}

// MutexLedger 是一個使用 per-account 鎖實現的記憶體帳本，以 WAL 保證持久性
//
// 結構:
//
//	accounts: 帳戶資料 Map
//	mu: 保護 accounts Map 與已提交的餘額/紀錄，讀取端只需 RLock
//	wal: Write-Ahead Log 實例，nil 代表純記憶體 (測試用)
type MutexLedger struct {
	accounts map[int64]*accountSlot
	mu       sync.RWMutex

	lastAccountID     int64
	lastTransactionID atomic.Int64

	// Write-Ahead Logging
	wal *wal.WAL

	lockTimeout time.Duration
	now         func() time.Time
}

// Option 設定 MutexLedger
type Option func(*MutexLedger)

// WithLockTimeout 設定等待帳戶鎖的上限
func WithLockTimeout(d time.Duration) Option {
	return func(m *MutexLedger) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithClock 設定時間來源 (測試用)
func WithClock(now func() time.Time) Option {
	return func(m *MutexLedger) {
		m.now = now
	}
}

// NewMutexLedger 建立一個新的 MutexLedger 實例，並從 WAL 恢復狀態
//
// 參數:
//
//	wal: Write-Ahead Log 實例 (可為 nil)
//	opts: 設定
//
// 回傳:
//
//	*MutexLedger: MutexLedger 實例
//	error: 初始化錯誤 (如 WAL 恢復失敗)
func NewMutexLedger(wal *wal.WAL, opts ...Option) (*MutexLedger, error) {
	ledger := &MutexLedger{
		accounts:    make(map[int64]*accountSlot),
		wal:         wal,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(ledger)
	}
	if err := ledger.recoverFromWAL(); err != nil {
		return nil, err
	}
	return ledger, nil
}

// recoverFromWAL 從 WAL 檔案恢復帳本狀態
// 只有 NewMutexLedger 呼叫，無需 Lock (單執行緒)
func (m *MutexLedger) recoverFromWAL() error {
	if m.wal == nil {
		return nil
	}
	return m.wal.ReadAll(func(payload []byte) error {
		entry, err := decodeEntry(payload)
		if err != nil {
			return fmt.Errorf("decode wal entry: %w", err)
		}
		return m.applyRecoverEntry(entry)
	})
}

// applyRecoverEntry 恢復單筆 WAL 紀錄至記憶體 (不寫入 WAL)
func (m *MutexLedger) applyRecoverEntry(entry *walEntry) error {
	switch entry.Kind {
	case entryKindOpen:
		m.accounts[entry.Account.ID] = newSlot(entry.Account)
		m.lastAccountID = max(m.lastAccountID, entry.Account.ID)
	case entryKindPosting:
		for _, change := range entry.Balances {
			slot, ok := m.accounts[change.AccountID]
			if !ok {
				return fmt.Errorf("recover posting: %w: %d", domain.ErrAccountNotFound, change.AccountID)
			}
			slot.account.Balance = change.Balance
		}
		for _, tran := range entry.Transactions {
			slot, ok := m.accounts[tran.AccountID]
			if !ok {
				return fmt.Errorf("recover transaction: %w: %d", domain.ErrAccountNotFound, tran.AccountID)
			}
			slot.history = append(slot.history, tran)
			if tran.ID > m.lastTransactionID.Load() {
				m.lastTransactionID.Store(tran.ID)
			}
		}
	}
	return nil
}

func newSlot(account *domain.Account) *accountSlot {
	return &accountSlot{
		sem:     semaphore.NewWeighted(1),
		account: account,
	}
}

// OpenAccount 開戶，ID 由本地序號分配
func (m *MutexLedger) OpenAccount(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	opened := account.Clone()
	opened.ID = m.lastAccountID + 1
	opened.OpenedAt = m.now()

	if m.wal != nil {
		if err := m.wal.Write(encodeEntry(&walEntry{Kind: entryKindOpen, Account: opened})); err != nil {
			return fmt.Errorf("%w: wal write: %w", domain.ErrStorageFailure, err)
		}
	}
	m.accounts[opened.ID] = newSlot(opened)
	m.lastAccountID = opened.ID

	account.ID = opened.ID
	account.OpenedAt = opened.OpenedAt
	return nil
}

// GetAccount 取得帳戶資料 (值拷貝)
func (m *MutexLedger) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return slot.account.Clone(), nil
}

// GetAccountBalance 取得指定帳戶已提交的餘額
//
// 參數:
//
//	ctx: 上下文
//	accountID: 帳戶 ID
//
// 回傳:
//
//	domain.Amount: 帳戶餘額
//	error: 查詢錯誤 (如帳戶不存在)
func (m *MutexLedger) GetAccountBalance(ctx context.Context, accountID int64) (domain.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.accounts[accountID]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	return slot.account.Balance, nil
}

// QueryTransactions 依 CreatedAt 倒序列出交易紀錄，時間相同時 ID 大的在前 (與 SQL 後端的 ORDER BY 一致)
// 每次迭代開始時取一次快照，之後的 commit 不會影響正在進行的迭代
func (m *MutexLedger) QueryTransactions(ctx context.Context, accountID int64) iter.Seq2[*domain.Transaction, error] {
	return func(yield func(*domain.Transaction, error) bool) {
		m.mu.RLock()
		slot, ok := m.accounts[accountID]
		var history []*domain.Transaction
		if ok {
			history = slices.Clone(slot.history)
		}
		m.mu.RUnlock()

		if !ok {
			yield(nil, domain.ErrAccountNotFound)
			return
		}
		// 時鐘倒退或從 WAL 還原 (沒有單調時鐘) 時，寫入順序不一定等於時間順序
		slices.SortFunc(history, newestFirst)
		for _, tran := range history {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(tran.Clone(), nil) {
				return
			}
		}
	}
}

func newestFirst(a, b *domain.Transaction) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// RunInTx 處理一個原子交易單位
//
// 參數:
//
//	ctx: 上下文，只在 commit 之前有效
//	accountIDs: 需要獨佔的帳戶
//	fn: 交易邏輯，回傳 error 時所有暫存異動都會丟棄
//
// 回傳:
//
//	error: fn 的錯誤、ErrAccountNotFound、ErrLockTimeout 或 ErrStorageFailure
func (m *MutexLedger) RunInTx(ctx context.Context, accountIDs []int64, fn func(uow usecase.UnitOfWork) error) error {
	ids := domain.LockOrder(accountIDs...)
	slots, err := m.lookup(ids)
	if err != nil {
		return err
	}

	release, err := m.lockAll(ctx, ids, slots)
	if err != nil {
		return err
	}
	defer release()

	unit := &mutexUnit{
		ledger: m,
		slots:  make(map[int64]*accountSlot, len(ids)),
		staged: make(map[int64]domain.Amount, len(ids)),
	}
	for i, id := range ids {
		unit.slots[id] = slots[i]
	}

	if err := fn(unit); err != nil {
		return err
	}
	// commit 之前還可以取消
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(unit)
}

// lookup 取得帳戶 slot，任何一個不存在都直接失敗 (尚未上鎖、沒有副作用)
func (m *MutexLedger) lookup(ids []int64) ([]*accountSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slots := make([]*accountSlot, 0, len(ids))
	for _, id := range ids {
		slot, ok := m.accounts[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, id)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// lockAll 依 ids 的順序 (遞增) 上鎖，逾時則釋放已取得的鎖
func (m *MutexLedger) lockAll(ctx context.Context, ids []int64, slots []*accountSlot) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	acquired := make([]*accountSlot, 0, len(slots))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].sem.Release(1)
		}
	}
	for i, slot := range slots {
		if err := slot.sem.Acquire(lockCtx, 1); err != nil {
			release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: account %d", domain.ErrLockTimeout, ids[i])
		}
		acquired = append(acquired, slot)
	}
	return release, nil
}

// commit 先寫 WAL 再套用到記憶體，WAL 失敗時記憶體完全不變
func (m *MutexLedger) commit(unit *mutexUnit) error {
	now := m.now()
	for _, tran := range unit.pending {
		tran.CreatedAt = now
	}

	changes := make([]balanceChange, 0, len(unit.staged))
	for id, balance := range unit.staged {
		changes = append(changes, balanceChange{AccountID: id, Balance: balance})
	}
	slices.SortFunc(changes, func(a, b balanceChange) int {
		return cmp.Compare(a.AccountID, b.AccountID)
	})

	// 1. 寫入 WAL (Critical Path)
	if m.wal != nil && (len(changes) > 0 || len(unit.pending) > 0) {
		entry := &walEntry{Kind: entryKindPosting, Balances: changes, Transactions: unit.pending}
		if err := m.wal.Write(encodeEntry(entry)); err != nil {
			return fmt.Errorf("%w: wal write: %w", domain.ErrStorageFailure, err)
		}
	}

	// 2. 套用到記憶體
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, change := range changes {
		unit.slots[change.AccountID].account.Balance = change.Balance
	}
	for _, tran := range unit.pending {
		slot := unit.slots[tran.AccountID]
		slot.history = append(slot.history, tran.Clone())
	}
	return nil
}

// mutexUnit 是 MutexLedger 的交易單位，異動先暫存，commit 才生效
type mutexUnit struct {
	ledger  *MutexLedger
	slots   map[int64]*accountSlot
	staged  map[int64]domain.Amount
	pending []*domain.Transaction
}

// GetBalance 取得帳戶在本交易單位內的餘額
func (u *mutexUnit) GetBalance(accountID int64) (domain.Amount, error) {
	if balance, ok := u.staged[accountID]; ok {
		return balance, nil
	}
	slot, ok := u.slots[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", errAccountNotLocked, accountID)
	}
	// 持有 sem 期間沒有其他人能修改這個帳戶的餘額
	return slot.account.Balance, nil
}

// ApplyDelta 暫存餘額異動
func (u *mutexUnit) ApplyDelta(accountID int64, delta domain.Amount) (domain.Amount, error) {
	balance, err := u.GetBalance(accountID)
	if err != nil {
		return 0, err
	}
	next, err := domain.ApplyDelta(balance, delta)
	if err != nil {
		return balance, err
	}
	u.staged[accountID] = next
	return next, nil
}

// Append 暫存交易紀錄並分配 ID
func (u *mutexUnit) Append(tran *domain.Transaction) (int64, error) {
	if _, ok := u.slots[tran.AccountID]; !ok {
		return 0, fmt.Errorf("%w: %d", errAccountNotLocked, tran.AccountID)
	}
	tran.ID = u.ledger.lastTransactionID.Add(1)
	u.pending = append(u.pending, tran)
	return tran.ID, nil
}

var _ usecase.Ledger = (*MutexLedger)(nil)
