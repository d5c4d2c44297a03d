package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AutoExec-Chain/internal/api"
	"AutoExec-Chain/internal/claim"
	"AutoExec-Chain/internal/condition"
	"AutoExec-Chain/internal/config"
	"AutoExec-Chain/internal/engine"
	"AutoExec-Chain/internal/executor"
	"AutoExec-Chain/internal/fee"
	"AutoExec-Chain/internal/module"
	"AutoExec-Chain/internal/observability/metrics"
	"AutoExec-Chain/internal/provider"
	"AutoExec-Chain/internal/web3"
	"AutoExec-Chain/internal/web3/ethereum"
	"AutoExec-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 AutoExec 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("autoexecd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AUTOEXEC_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "autoexec.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 凭据存储。
	var claimStore claim.Store
	switch cfg.Storage.ClaimStore.Driver {
	case "", "memory":
		claimStore = claim.NewMemoryStore()
	case "mysql":
		store, err := claim.NewMySQLStore(cfg.Storage.ClaimStore.DSN)
		if err != nil {
			return err
		}
		claimStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.ClaimStore.Driver)
	}
	defer func() {
		_ = claimStore.Close()
	}()

	// 待执行队列。
	var claimQueue claim.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		claimQueue = claim.NewMemoryQueue(1024)
	case "redis":
		queue, err := claim.NewRedisQueue(claim.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		if err != nil {
			return err
		}
		claimQueue = queue
	case "rabbitmq":
		queue, err := claim.NewRabbitMQQueue(claim.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		claimQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := claimQueue.Close(); err != nil {
			log.Printf("关闭凭据队列失败: %v", err)
		}
	}()

	// 派发器：配置了 RPC 与私钥时走链上，否则使用内存派发器。
	dispatcher, pricer, err := buildDispatcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = dispatcher.Close()
	}()

	providers := provider.NewRegistry()
	conditions := condition.NewEvaluator(condition.NewRegistry())
	modules := module.NewRegistry()
	executors := executor.NewRegistry()

	var identity common.Address
	if raw := strings.TrimSpace(cfg.Executor.Identity); raw != "" {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("执行者地址非法: %s", raw)
		}
		identity = common.HexToAddress(raw)
		if err := executors.Add(identity); err != nil {
			return err
		}
	}

	feeHandler := fee.NewHandler(providers, cfg.Fee.MarkupBps)

	var maxGasPrice *big.Int
	if raw := strings.TrimSpace(cfg.Gas.MaxGasPriceWei); raw != "" {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok || price.Sign() <= 0 {
			return fmt.Errorf("max_gas_price_wei 非法: %s", raw)
		}
		maxGasPrice = price
	}

	engineOpts := []engine.Option{}
	var slot executor.Slot
	if cfg.Executor.SingleWriter {
		if cfg.Queue.Redis.Address != "" && cfg.Queue.Driver == "redis" {
			redisSlot, err := executor.NewRedisSlot(executor.RedisSlotConfig{
				Address:  cfg.Queue.Redis.Address,
				Password: cfg.Queue.Redis.Password,
				DB:       cfg.Queue.Redis.DB,
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = redisSlot.Close()
			}()
			slot = redisSlot
		} else {
			slot = executor.NewMemorySlot()
		}
		engineOpts = append(engineOpts, engine.WithSlot(slot))
	}

	eng := engine.New(claimStore, providers, conditions, modules, executors, feeHandler, dispatcher,
		engine.Config{MaxGasPrice: maxGasPrice, MaxGasLimit: cfg.Gas.MaxGasLimit},
		engineOpts...,
	)
	eng.Subscribe(metricsObserver())

	claimService := claim.NewService(claimStore, claimQueue, providers,
		claim.WithDefaultMaxAttempts(cfg.Executor.MaxAttempts),
	)

	if identity != (common.Address{}) {
		var gasPrice *big.Int
		if raw := strings.TrimSpace(cfg.Executor.GasPriceWei); raw != "" {
			price, ok := new(big.Int).SetString(raw, 10)
			if !ok || price.Sign() <= 0 {
				return fmt.Errorf("gas_price_wei 非法: %s", raw)
			}
			gasPrice = price
		}
		runnerOpts := []executor.RunnerOption{
			executor.WithRunnerWorkers(cfg.Executor.Workers),
			executor.WithRetryDelay(time.Duration(cfg.Executor.RetryDelaySec) * time.Second),
			executor.WithRunnerPatrol(claimStore, time.Duration(cfg.Executor.PatrolSec)*time.Second),
		}
		if pricer != nil {
			runnerOpts = append(runnerOpts, executor.WithGasPricer(pricer))
		}
		if slot != nil {
			runnerOpts = append(runnerOpts, executor.WithRunnerSlot(slot, time.Duration(cfg.Executor.SlotTTLSec)*time.Second))
		}
		runner := executor.NewRunner(eng, claimQueue, claimQueue, identity, gasPrice, cfg.Executor.GasLimit, runnerOpts...)

		runnerCtx, runnerCancel := context.WithCancel(ctx)
		defer runnerCancel()
		go func() {
			if err := runner.Start(runnerCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("执行运行器异常退出: %v", err)
			}
		}()
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, claimService, eng, providers, executors)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildDispatcher 根据配置选择链上或内存派发器。ChainsFile 里的
// 默认链可以补全 RPC 与链 ID。
func buildDispatcher(ctx context.Context, cfg *config.Config) (web3.Dispatcher, executor.GasPricer, error) {
	rpcURL := strings.TrimSpace(cfg.Web3.RPCURL)
	chainID := cfg.Web3.ChainID

	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return nil, nil, err
	}
	if rpcURL == "" {
		if def, ok := defs.Chains["default"]; ok {
			rpcURL = def.RPCURL
			if chainID == 0 {
				chainID = def.ChainID
			}
		}
	}

	if rpcURL == "" || strings.TrimSpace(cfg.Web3.PrivateKey) == "" {
		return web3.NewMemoryDispatcher(), nil, nil
	}

	dispatcher, err := ethereum.NewDispatcher(ctx, ethereum.Config{
		Name:       "default",
		RPCURL:     rpcURL,
		PrivateKey: cfg.Web3.PrivateKey,
		ChainID:    chainID,
	})
	if err != nil {
		return nil, nil, err
	}
	return dispatcher, dispatcher, nil
}

// metricsObserver 把执行结果转换为运行指标。
func metricsObserver() engine.OutcomeObserver {
	return engine.ObserverFunc(func(_ context.Context, event engine.OutcomeEvent) {
		if event.Success {
			metrics.ObserveExecSuccess(event.GasUsed, event.Fee, event.Duration)
			return
		}
		metrics.ObserveExecFailure(string(event.Reason), event.Duration)
	})
}
