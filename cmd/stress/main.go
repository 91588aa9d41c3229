package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/event"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/bootstrap"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/config"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
)

const (
	TotalCount  = 100000
	Concurrency = 1000
)

// options 壓測參數
type options struct {
	configPath  string
	total       int
	concurrency int
	accounts    int
	initial     int64
	maxAmount   int64
	seed        int64
}

// report 壓測結果
type report struct {
	Committed    int64
	Insufficient int64
	Conflicts    int64
	Failed       int64
	Elapsed      time.Duration
	Audits       int
	LowBalances  int
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "yaml config file (empty = in-memory defaults)")
	flag.IntVar(&opts.total, "n", TotalCount, "total transfers")
	flag.IntVar(&opts.concurrency, "c", Concurrency, "concurrent workers")
	flag.IntVar(&opts.accounts, "accounts", 100, "number of accounts")
	flag.Int64Var(&opts.initial, "initial", 10000, "initial balance per account (currency units)")
	flag.Int64Var(&opts.maxAmount, "max", 500, "max transfer amount (currency units)")
	flag.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	r, err := runStress(ctx, opts)
	if err != nil {
		logger.Error("stress test failed", err, nil)
		os.Exit(1)
	}
	printReport(os.Stdout, opts, r)
}

// validate 轉帳需要兩個不同帳戶，worker 數與金額上限都必須為正
func (opts options) validate() error {
	switch {
	case opts.accounts < 2:
		return fmt.Errorf("accounts must be at least 2, got %d", opts.accounts)
	case opts.concurrency <= 0:
		return fmt.Errorf("concurrency must be positive, got %d", opts.concurrency)
	case opts.total < 0:
		return fmt.Errorf("total must not be negative, got %d", opts.total)
	case opts.initial < 0:
		return fmt.Errorf("initial balance must not be negative, got %d", opts.initial)
	case opts.maxAmount <= 0:
		return fmt.Errorf("max amount must be positive, got %d", opts.maxAmount)
	}
	return nil
}

// runStress 開戶後以隨機帳戶對互相轉帳，最後檢查總額守恆與沒有負餘額
func runStress(ctx context.Context, opts options) (*report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	recorder := &event.Recorder{}
	app, err := bootstrap.New(ctx, cfg, recorder)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, opts.accounts)
	before := domain.Amount(0)
	for i := range ids {
		account, err := app.Engine.OpenAccount(ctx, usecase.OpenAccountRequest{
			CustomerID:     int64(i + 1),
			BranchID:       1,
			Type:           domain.AccountTypeSavings,
			InitialBalance: domain.NewAmountFromInt(opts.initial),
		})
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		ids[i] = account.ID
		before += account.Balance
	}

	var (
		r        report
		group, _ = errgroup.WithContext(ctx)
	)
	group.SetLimit(opts.concurrency)
	startTime := time.Now()
	for i := 0; i < opts.total; i++ {
		rng := rand.New(rand.NewSource(opts.seed + int64(i)))
		from := ids[rng.Intn(len(ids))]
		to := ids[rng.Intn(len(ids))]
		for to == from {
			to = ids[rng.Intn(len(ids))]
		}
		amount := domain.Amount(rng.Int63n(int64(domain.NewAmountFromInt(opts.maxAmount))) + 1)

		group.Go(func() error {
			_, err := app.Engine.Transfer(ctx, from, to, amount)
			switch {
			case err == nil:
				atomic.AddInt64(&r.Committed, 1)
			case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrSameAccount):
				atomic.AddInt64(&r.Insufficient, 1)
			case errors.Is(err, domain.ErrConflict):
				atomic.AddInt64(&r.Conflicts, 1)
			default:
				if atomic.AddInt64(&r.Failed, 1)%1000 == 1 {
					logger.Error("transfer failed", err, logger.Fields{"from": from, "to": to})
				}
			}
			return nil
		})
	}
	_ = group.Wait()
	r.Elapsed = time.Since(startTime)

	after := domain.Amount(0)
	for _, id := range ids {
		balance, err := app.Engine.GetAccountBalance(ctx, id)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		if balance < 0 {
			_ = app.Close()
			return nil, fmt.Errorf("account %d has negative balance %s", id, balance)
		}
		after += balance
	}
	// Close 後事件才會全部送完
	if err := app.Close(); err != nil {
		return nil, err
	}
	if before != after {
		return nil, fmt.Errorf("conservation violated: before %s after %s", before, after)
	}
	r.Audits = len(recorder.Audits())
	r.LowBalances = len(recorder.LowBalances())
	return &r, nil
}

func printReport(out io.Writer, opts options, r *report) {
	fmt.Fprintf(out, "Completed %d transfers over %d accounts in %v\n", opts.total, opts.accounts, r.Elapsed)
	fmt.Fprintf(out, "Committed: %d  Rejected: %d  Conflicts: %d  Failed: %d\n", r.Committed, r.Insufficient, r.Conflicts, r.Failed)
	fmt.Fprintf(out, "Low balance notifications: %d  Audit events: %d\n", r.LowBalances, r.Audits)
	fmt.Fprintf(out, "TPS: %.2f\n", float64(opts.total)/r.Elapsed.Seconds())
}
