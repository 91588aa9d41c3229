package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/bootstrap"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/config"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
)

const defaultConfigPath = "config/config.yaml"

const usage = `usage: core [-config path] <command> [flags]

commands:
  open      -customer N -branch N -type savings|current -balance AMOUNT
  deposit   -account N -amount AMOUNT
  withdraw  -account N -amount AMOUNT
  transfer  -from N -to N -amount AMOUNT
  balance   -account N
  history   -account N [-limit N]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		logger.Error("command failed", err, logger.Fields{"outcome": domain.Outcome(err)})
		stop()
		os.Exit(exitCode(err))
	}
}

// run 解析參數並執行一個指令，結果寫到 out
func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("core", flag.ContinueOnError)
	global.SetOutput(out)
	global.Usage = func() { fmt.Fprint(out, usage) }
	configPath := global.String("config", defaultConfigPath, "yaml config file")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	command, rest := global.Arg(0), global.Args()[1:]
	switch command {
	case "open":
		return openAccount(ctx, app.Engine, rest, out)
	case "deposit", "withdraw":
		return post(ctx, app.Engine, command, rest, out)
	case "transfer":
		return transfer(ctx, app.Engine, rest, out)
	case "balance":
		return balance(ctx, app.Engine, rest, out)
	case "history":
		return history(ctx, app.Engine, rest, out)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// loadConfig 預設路徑不存在時使用預設設定
func loadConfig(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Load("")
		}
	}
	return config.Load(path)
}

func openAccount(ctx context.Context, engine *usecase.CoreUseCase, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("open", flag.ContinueOnError)
	flags.SetOutput(out)
	customer := flags.Int64("customer", 0, "customer id")
	branch := flags.Int64("branch", 0, "branch id")
	accountType := flags.String("type", "savings", "savings or current")
	initial := flags.String("balance", "0", "initial balance")
	if err := flags.Parse(args); err != nil {
		return err
	}
	t, err := domain.ParseAccountType(*accountType)
	if err != nil {
		return err
	}
	amount, err := domain.ParseAmount(*initial)
	if err != nil {
		return err
	}
	account, err := engine.OpenAccount(ctx, usecase.OpenAccountRequest{
		CustomerID:     *customer,
		BranchID:       *branch,
		Type:           t,
		InitialBalance: amount,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "account %d opened (%s) balance %s\n", account.ID, account.Type, account.Balance)
	return nil
}

func post(ctx context.Context, engine *usecase.CoreUseCase, command string, args []string, out io.Writer) error {
	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	flags.SetOutput(out)
	accountID := flags.Int64("account", 0, "account id")
	rawAmount := flags.String("amount", "", "amount, e.g. 2000 or 12.50")
	if err := flags.Parse(args); err != nil {
		return err
	}
	amount, err := domain.ParseAmount(*rawAmount)
	if err != nil {
		return err
	}

	var tran *domain.Transaction
	if command == "deposit" {
		tran, err = engine.Deposit(ctx, *accountID, amount)
	} else {
		tran, err = engine.Withdraw(ctx, *accountID, amount)
	}
	if err != nil {
		return err
	}
	printTransaction(out, tran)
	return nil
}

func transfer(ctx context.Context, engine *usecase.CoreUseCase, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("transfer", flag.ContinueOnError)
	flags.SetOutput(out)
	from := flags.Int64("from", 0, "source account id")
	to := flags.Int64("to", 0, "destination account id")
	rawAmount := flags.String("amount", "", "amount")
	if err := flags.Parse(args); err != nil {
		return err
	}
	amount, err := domain.ParseAmount(*rawAmount)
	if err != nil {
		return err
	}
	res, err := engine.Transfer(ctx, *from, *to, amount)
	if err != nil {
		return err
	}
	printTransaction(out, res.Out)
	printTransaction(out, res.In)
	return nil
}

func balance(ctx context.Context, engine *usecase.CoreUseCase, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("balance", flag.ContinueOnError)
	flags.SetOutput(out)
	accountID := flags.Int64("account", 0, "account id")
	if err := flags.Parse(args); err != nil {
		return err
	}
	b, err := engine.GetAccountBalance(ctx, *accountID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "account %d balance %s\n", *accountID, b)
	return nil
}

func history(ctx context.Context, engine *usecase.CoreUseCase, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("history", flag.ContinueOnError)
	flags.SetOutput(out)
	accountID := flags.Int64("account", 0, "account id")
	limit := flags.Int("limit", 0, "max records (0 = all)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	n := 0
	for tran, err := range engine.History(ctx, *accountID) {
		if err != nil {
			return err
		}
		printTransaction(out, tran)
		n++
		if *limit > 0 && n >= *limit {
			break
		}
	}
	return nil
}

func printTransaction(out io.Writer, tran *domain.Transaction) {
	fmt.Fprintf(out, "#%d %s account=%d amount=%s ref=%s at=%s %q\n",
		tran.ID, tran.Type, tran.AccountID, tran.Amount, tran.RefID, tran.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"), tran.Remark)
}

// exitCode rejected 與 aborted 分開，方便 script 判斷要不要重試
func exitCode(err error) int {
	switch domain.Outcome(err) {
	case "rejected":
		return 2
	case "aborted":
		if errors.Is(err, domain.ErrConflict) {
			return 3
		}
		return 1
	default:
		return 1
	}
}
