package usecase_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

// syncPublisher 同步收集事件，讓測試不必等待 dispatcher
type syncPublisher struct {
	mu         sync.Mutex
	audits     []domain.AuditEvent
	lowBalance []domain.LowBalanceEvent
}

func (p *syncPublisher) PublishAudit(event domain.AuditEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audits = append(p.audits, event)
}

func (p *syncPublisher) PublishLowBalance(event domain.LowBalanceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lowBalance = append(p.lowBalance, event)
}

func (p *syncPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.audits), len(p.lowBalance)
}

// flakyLedger 前 failures 次 RunInTx 直接回傳 err，之後交給真正的 ledger
type flakyLedger struct {
	*memory.MutexLedger
	err      error
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyLedger) RunInTx(ctx context.Context, ids []int64, fn func(uow usecase.UnitOfWork) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return f.MutexLedger.RunInTx(ctx, ids, fn)
}

func units(n int64) domain.Amount {
	return domain.NewAmountFromInt(n)
}

func newCore(t *testing.T, opts ...usecase.Option) (*usecase.CoreUseCase, *syncPublisher) {
	t.Helper()
	ledger, err := memory.NewMutexLedger(nil, memory.WithLockTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	pub := &syncPublisher{}
	return usecase.NewCoreUseCase(ledger, pub, opts...), pub
}

func open(t *testing.T, c *usecase.CoreUseCase, balance domain.Amount) int64 {
	t.Helper()
	account, err := c.OpenAccount(context.Background(), usecase.OpenAccountRequest{
		CustomerID:     1,
		BranchID:       1,
		Type:           domain.AccountTypeSavings,
		InitialBalance: balance,
	})
	if err != nil {
		t.Fatalf("OpenAccount err=%v", err)
	}
	return account.ID
}

func balance(t *testing.T, c *usecase.CoreUseCase, id int64) domain.Amount {
	t.Helper()
	b, err := c.GetAccountBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccountBalance(%d) err=%v", id, err)
	}
	return b
}

func history(t *testing.T, c *usecase.CoreUseCase, id int64) []*domain.Transaction {
	t.Helper()
	var out []*domain.Transaction
	for tran, err := range c.History(context.Background(), id) {
		if err != nil {
			t.Fatalf("History(%d) err=%v", id, err)
		}
		out = append(out, tran)
	}
	return out
}

func TestScenarioDepositWithdrawTransfer(t *testing.T) {
	c, pub := newCore(t)
	ctx := context.Background()
	first := open(t, c, units(10000))
	second := open(t, c, units(15000))

	dep, err := c.Deposit(ctx, first, units(2000))
	if err != nil {
		t.Fatal(err)
	}
	if dep.Type != domain.TransactionTypeDeposit || dep.ID == 0 || dep.CreatedAt.IsZero() {
		t.Fatalf("deposit record %+v", dep)
	}
	if got := balance(t, c, first); got != units(12000) {
		t.Fatalf("after deposit=%s want 12000.00", got)
	}
	if n := len(history(t, c, first)); n != 1 {
		t.Fatalf("history=%d want 1", n)
	}

	wd, err := c.Withdraw(ctx, first, units(500))
	if err != nil {
		t.Fatal(err)
	}
	if got := balance(t, c, first); got != units(11500) {
		t.Fatalf("after withdraw=%s want 11500.00", got)
	}
	if audits, _ := pub.counts(); audits != 1 || pub.audits[0].TransactionID != wd.ID || pub.audits[0].Amount != units(500) {
		t.Fatalf("audit events=%+v", pub.audits)
	}

	before := balance(t, c, first) + balance(t, c, second)
	res, err := c.Transfer(ctx, first, second, units(3000))
	if err != nil {
		t.Fatal(err)
	}
	if got := balance(t, c, first); got != units(8500) {
		t.Fatalf("first=%s want 8500.00", got)
	}
	if got := balance(t, c, second); got != units(18000) {
		t.Fatalf("second=%s want 18000.00", got)
	}
	if after := balance(t, c, first) + balance(t, c, second); after != before || after != units(26500) {
		t.Fatalf("sum before=%s after=%s", before, after)
	}
	if res.Out.Type != domain.TransactionTypeTransferOut || res.Out.CounterpartyID != second {
		t.Fatalf("out leg %+v", res.Out)
	}
	if res.In.Type != domain.TransactionTypeTransferIn || res.In.CounterpartyID != first {
		t.Fatalf("in leg %+v", res.In)
	}
	if res.Out.RefID != res.In.RefID {
		t.Fatal("transfer legs must share a ref id")
	}
	firstHistory := history(t, c, first)
	if len(firstHistory) != 3 || firstHistory[0].Type != domain.TransactionTypeTransferOut {
		t.Fatalf("first history=%+v", firstHistory)
	}
	if secondHistory := history(t, c, second); len(secondHistory) != 1 || secondHistory[0].Type != domain.TransactionTypeTransferIn {
		t.Fatalf("second history=%+v", secondHistory)
	}
	// TransferOut 預設不送稽核，也沒有帳戶低於門檻
	if audits, low := pub.counts(); audits != 1 || low != 0 {
		t.Fatalf("audits=%d low=%d", audits, low)
	}
}

func TestWithdrawInsufficientFundsIsRejected(t *testing.T) {
	c, pub := newCore(t)
	id := open(t, c, units(100))

	_, err := c.Withdraw(context.Background(), id, units(101))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err=%v want ErrInsufficientFunds", err)
	}
	if domain.Outcome(err) != "rejected" {
		t.Fatalf("outcome=%s", domain.Outcome(err))
	}
	if got := balance(t, c, id); got != units(100) {
		t.Fatalf("balance=%s want 100.00", got)
	}
	if n := len(history(t, c, id)); n != 0 {
		t.Fatalf("history=%d want 0", n)
	}
	if audits, low := pub.counts(); audits != 0 || low != 0 {
		t.Fatalf("rejected withdraw emitted events audits=%d low=%d", audits, low)
	}
}

func TestTransferFailuresHaveNoSideEffects(t *testing.T) {
	c, pub := newCore(t)
	ctx := context.Background()
	a := open(t, c, units(5000))
	b := open(t, c, units(7000))

	tests := []struct {
		name     string
		from, to int64
		amount   domain.Amount
		wantErr  error
	}{
		{name: "insufficient", from: a, to: b, amount: units(5001), wantErr: domain.ErrInsufficientFunds},
		{name: "same account", from: a, to: a, amount: units(1), wantErr: domain.ErrSameAccount},
		{name: "zero", from: a, to: b, amount: 0, wantErr: domain.ErrInvalidAmount},
		{name: "negative", from: a, to: b, amount: -1, wantErr: domain.ErrInvalidAmount},
		{name: "missing destination", from: a, to: 999, amount: units(1), wantErr: domain.ErrAccountNotFound},
		{name: "missing source", from: 999, to: b, amount: units(1), wantErr: domain.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Transfer(ctx, tt.from, tt.to, tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v want %v", err, tt.wantErr)
			}
			if got := balance(t, c, a); got != units(5000) {
				t.Fatalf("a=%s want 5000.00", got)
			}
			if got := balance(t, c, b); got != units(7000) {
				t.Fatalf("b=%s want 7000.00", got)
			}
			if len(history(t, c, a)) != 0 || len(history(t, c, b)) != 0 {
				t.Fatal("log must stay unchanged")
			}
		})
	}
	if audits, low := pub.counts(); audits != 0 || low != 0 {
		t.Fatalf("events audits=%d low=%d", audits, low)
	}
}

func TestDepositValidation(t *testing.T) {
	c, _ := newCore(t)
	id := open(t, c, 0)
	if _, err := c.Deposit(context.Background(), id, 0); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("err=%v want ErrInvalidAmount", err)
	}
	if _, err := c.Deposit(context.Background(), 404, units(1)); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("err=%v want ErrAccountNotFound", err)
	}
	if _, err := c.OpenAccount(context.Background(), usecase.OpenAccountRequest{Type: domain.AccountTypeCurrent, InitialBalance: -1}); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("err=%v want ErrInvalidAmount", err)
	}
}

func TestLowBalanceNotification(t *testing.T) {
	c, pub := newCore(t)
	ctx := context.Background()
	a := open(t, c, units(2000))
	b := open(t, c, units(100))

	if _, err := c.Withdraw(ctx, a, units(1500)); err != nil {
		t.Fatal(err)
	}
	_, low := pub.counts()
	if low != 1 || pub.lowBalance[0].AccountID != a || pub.lowBalance[0].Balance != units(500) || pub.lowBalance[0].Floor != units(1000) {
		t.Fatalf("low balance events=%+v", pub.lowBalance)
	}

	// 轉帳兩邊都檢查: a 轉出後 400，b 轉入後 200，都低於門檻
	if _, err := c.Transfer(ctx, a, b, units(100)); err != nil {
		t.Fatal(err)
	}
	if _, low := pub.counts(); low != 3 {
		t.Fatalf("low balance events=%d want 3", low)
	}
	// 存款後仍低於門檻也要通知
	if _, err := c.Deposit(ctx, b, units(1)); err != nil {
		t.Fatal(err)
	}
	if _, low := pub.counts(); low != 4 {
		t.Fatalf("low balance events=%d want 4", low)
	}
	// 高於門檻不通知
	if _, err := c.Deposit(ctx, b, units(5000)); err != nil {
		t.Fatal(err)
	}
	if _, low := pub.counts(); low != 4 {
		t.Fatalf("low balance events=%d want 4", low)
	}
}

func TestAuditTransferOutOption(t *testing.T) {
	c, pub := newCore(t, usecase.WithAuditTransferOut(true), usecase.WithLowBalanceFloor(0))
	a := open(t, c, units(100))
	b := open(t, c, units(100))
	res, err := c.Transfer(context.Background(), a, b, units(10))
	if err != nil {
		t.Fatal(err)
	}
	audits, low := pub.counts()
	if audits != 1 || pub.audits[0].TransactionID != res.Out.ID || pub.audits[0].Type != domain.TransactionTypeTransferOut {
		t.Fatalf("audits=%+v", pub.audits)
	}
	if low != 0 {
		t.Fatalf("floor 0 must not notify, got %d", low)
	}
}

func TestConcurrentWithdrawalsNoDoubleSpend(t *testing.T) {
	c, pub := newCore(t)
	const (
		workers = 50
		start   = 10000
		each    = 300
	)
	id := open(t, c, units(start))

	var (
		wg           sync.WaitGroup
		successes    atomic.Int32
		insufficient atomic.Int32
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := c.Withdraw(context.Background(), id, units(each))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected err=%v", err)
			}
		}()
	}
	wg.Wait()

	if got, want := successes.Load(), int32(start/each); got != want {
		t.Fatalf("successes=%d want %d", got, want)
	}
	if got := insufficient.Load(); got != workers-start/each {
		t.Fatalf("insufficient=%d want %d", got, workers-start/each)
	}
	if got := balance(t, c, id); got != units(start-(start/each)*each) {
		t.Fatalf("balance=%s", got)
	}
	if n := len(history(t, c, id)); n != start/each {
		t.Fatalf("history=%d want %d", n, start/each)
	}
	if audits, _ := pub.counts(); audits != start/each {
		t.Fatalf("audits=%d want %d", audits, start/each)
	}
}

func TestOppositeTransfersDoNotDeadlock(t *testing.T) {
	c, _ := newCore(t)
	a := open(t, c, units(1000))
	b := open(t, c, units(1000))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = c.Transfer(context.Background(), a, b, units(7))
		}()
		go func() {
			defer wg.Done()
			_, _ = c.Transfer(context.Background(), b, a, units(7))
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transfers deadlocked")
	}
	if sum := balance(t, c, a) + balance(t, c, b); sum != units(2000) {
		t.Fatalf("sum=%s want 2000.00", sum)
	}
}

func TestRandomOperationsPreserveInvariants(t *testing.T) {
	c, _ := newCore(t)
	ctx := context.Background()

	const accounts = 5
	ids := make([]int64, accounts)
	for i := range ids {
		ids[i] = open(t, c, units(1000))
	}

	var (
		mu        sync.Mutex
		external  = units(1000 * accounts) // 存款加、提款減
		committed = make(map[int64]int)
	)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				from := ids[rng.Intn(accounts)]
				to := ids[rng.Intn(accounts)]
				amount := domain.Amount(rng.Int63n(int64(units(400))) + 1)

				switch rng.Intn(3) {
				case 0:
					if _, err := c.Deposit(ctx, from, amount); err == nil {
						mu.Lock()
						external += amount
						committed[from]++
						mu.Unlock()
					}
				case 1:
					if _, err := c.Withdraw(ctx, from, amount); err == nil {
						mu.Lock()
						external -= amount
						committed[from]++
						mu.Unlock()
					} else if !errors.Is(err, domain.ErrInsufficientFunds) {
						t.Errorf("withdraw err=%v", err)
					}
				case 2:
					if _, err := c.Transfer(ctx, from, to, amount); err == nil {
						mu.Lock()
						committed[from]++
						committed[to]++
						mu.Unlock()
					} else if !errors.Is(err, domain.ErrInsufficientFunds) && !errors.Is(err, domain.ErrSameAccount) {
						t.Errorf("transfer err=%v", err)
					}
				}
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	var total domain.Amount
	for _, id := range ids {
		b := balance(t, c, id)
		if b < 0 {
			t.Fatalf("account %d negative balance %s", id, b)
		}
		total += b

		records := history(t, c, id)
		if len(records) != committed[id] {
			t.Fatalf("account %d history=%d committed=%d", id, len(records), committed[id])
		}
		// 由紀錄重建的餘額必須等於目前餘額
		replayed := units(1000)
		for _, tran := range records {
			replayed += tran.SignedAmount()
		}
		if replayed != b {
			t.Fatalf("account %d replayed=%s balance=%s", id, replayed, b)
		}
	}
	if total != external {
		t.Fatalf("total=%s want %s (money created or destroyed)", total, external)
	}
}

func TestRetryOnConflict(t *testing.T) {
	inner, err := memory.NewMutexLedger(nil)
	if err != nil {
		t.Fatal(err)
	}
	flaky := &flakyLedger{MutexLedger: inner, err: domain.ErrLockTimeout}
	pub := &syncPublisher{}
	c := usecase.NewCoreUseCase(flaky, pub, usecase.WithRetry(3, time.Millisecond))
	id := open(t, c, units(100))

	flaky.failures.Store(2)
	if _, err := c.Deposit(context.Background(), id, units(1)); err != nil {
		t.Fatalf("deposit after 2 conflicts err=%v", err)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want 3", got)
	}

	flaky.calls.Store(0)
	flaky.failures.Store(3)
	_, err = c.Deposit(context.Background(), id, units(1))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err=%v want ErrConflict", err)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("calls=%d want bounded at 3", got)
	}
	if got := balance(t, c, id); got != units(101) {
		t.Fatalf("balance=%s want 101.00", got)
	}
}

func TestNoRetryOnBusinessFailure(t *testing.T) {
	inner, _ := memory.NewMutexLedger(nil)
	flaky := &flakyLedger{MutexLedger: inner}
	c := usecase.NewCoreUseCase(flaky, nil, usecase.WithRetry(5, time.Millisecond))
	id := open(t, c, units(1))

	if _, err := c.Withdraw(context.Background(), id, units(2)); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err=%v want ErrInsufficientFunds", err)
	}
	if got := flaky.calls.Load(); got != 1 {
		t.Fatalf("calls=%d want 1", got)
	}
}

func TestStorageFailureEmitsNothing(t *testing.T) {
	inner, _ := memory.NewMutexLedger(nil)
	flaky := &flakyLedger{MutexLedger: inner, err: domain.ErrStorageFailure}
	pub := &syncPublisher{}
	c := usecase.NewCoreUseCase(flaky, pub)
	id := open(t, c, units(10))

	flaky.failures.Store(1)
	if _, err := c.Withdraw(context.Background(), id, units(5)); !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("err=%v want ErrStorageFailure", err)
	}
	if got := flaky.calls.Load(); got != 1 {
		t.Fatalf("storage failure must not be retried, calls=%d", got)
	}
	if audits, low := pub.counts(); audits != 0 || low != 0 {
		t.Fatalf("events audits=%d low=%d", audits, low)
	}
	if got := balance(t, c, id); got != units(10) {
		t.Fatalf("balance=%s want 10.00", got)
	}
}
