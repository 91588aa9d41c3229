package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/event"
	memory_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/mysql"
	postgres_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/postgres"
	redis_adapter "github.com/JoeShih716/go-bank-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/config"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/logger"
	"github.com/JoeShih716/go-bank-ledger/pkg/mysql"
	"github.com/JoeShih716/go-bank-ledger/pkg/postgres"
	"github.com/JoeShih716/go-bank-ledger/pkg/redis"
	"github.com/JoeShih716/go-bank-ledger/pkg/wal"
)

// App 組裝完成的帳務引擎與它依賴的資源
type App struct {
	Engine     *usecase.CoreUseCase
	Ledger     usecase.Ledger
	Dispatcher *event.Dispatcher

	stopEvents context.CancelFunc
	closers    []func() error
}

// New 依設定建立 Ledger、事件 sink 與 CoreUseCase
//
// 參數:
//
//	ctx: 上下文，用於連線與建立資料表
//	cfg: 設定
//	extraSinks: 額外的 sink (例如 event.Recorder)，會與設定的 sink 一起收到事件
//
// 回傳:
//
//	*App: 呼叫者必須在結束時呼叫 Close
//	error: 初始化錯誤
func New(ctx context.Context, cfg config.Config, extraSinks ...event.Sink) (_ *App, err error) {
	app := &App{}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.Ledger, err = app.newLedger(ctx, cfg); err != nil {
		return nil, err
	}

	sinks := event.Fanout{event.LogSink{}}
	if cfg.Events.RedisStreams {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, rdb.Close)
		sinks = append(sinks, redis_adapter.NewStreamSink(rdb, cfg.Events.AuditStream, cfg.Events.LowBalanceStream, cfg.Events.StreamMaxLen))
	}
	sinks = append(sinks, extraSinks...)

	app.Dispatcher = event.NewDispatcher(sinks, sinks, cfg.Events.BufferSize, cfg.Events.DeliveryTimeout)
	eventCtx, cancel := context.WithCancel(context.Background())
	app.stopEvents = cancel
	app.Dispatcher.Start(eventCtx)

	floor, err := cfg.LowBalanceFloor()
	if err != nil {
		return nil, err
	}
	app.Engine = usecase.NewCoreUseCase(app.Ledger, app.Dispatcher,
		usecase.WithLowBalanceFloor(floor),
		usecase.WithRetry(cfg.Ledger.MaxAttempts, cfg.Ledger.RetryBackoff),
		usecase.WithAuditTransferOut(cfg.Ledger.AuditTransferOut),
	)
	logger.Info("ledger engine ready", logger.Fields{
		"backend":     string(cfg.Ledger.Backend),
		"lockTimeout": cfg.Ledger.LockTimeout.String(),
		"floor":       floor,
		"redis":       cfg.Events.RedisStreams,
	})
	return app, nil
}

func (app *App) newLedger(ctx context.Context, cfg config.Config) (usecase.Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		var walFile *wal.WAL
		if cfg.WAL.Path != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.WAL.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create wal dir: %w", err)
			}
			w, err := wal.NewWAL(cfg.WAL.Path)
			if err != nil {
				return nil, fmt.Errorf("init wal: %w", err)
			}
			app.closers = append(app.closers, w.Close)
			walFile = w
		}
		return memory_adapter.NewMutexLedger(walFile, memory_adapter.WithLockTimeout(cfg.Ledger.LockTimeout))

	case config.BackendMySQL:
		client, err := mysql.NewClient(cfg.MySQL)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		ledger := mysql_adapter.NewMySQLLedger(client, cfg.Ledger.LockTimeout)
		if cfg.Ledger.Migrate {
			if err := ledger.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate mysql: %w", err)
			}
		}
		return ledger, nil

	case config.BackendPostgres:
		client, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		ledger := postgres_adapter.NewPostgresLedger(client, cfg.Ledger.LockTimeout)
		if cfg.Ledger.Migrate {
			if err := ledger.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return ledger, nil

	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// Close 送完剩下的事件後，依建立的相反順序釋放資源
func (app *App) Close() error {
	if app.stopEvents != nil {
		app.stopEvents()
		app.Dispatcher.Wait()
		app.stopEvents = nil
		if dropped := app.Dispatcher.Dropped(); dropped > 0 {
			logger.Warn("events dropped", logger.Fields{"count": dropped})
		}
	}
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}
