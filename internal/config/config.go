package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AutoExec 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Gas      GasConfig      `json:"gas"`
	Fee      FeeConfig      `json:"fee"`
	Executor ExecutorConfig `json:"executor"`
	Web3     Web3Config     `json:"web3"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述凭据存储后端的连接信息。
type StorageConfig struct {
	ClaimStore ClaimStoreConfig `json:"claim_store"`
}

// ClaimStoreConfig 支持 memory 与 mysql 两种驱动。
type ClaimStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述待执行凭据队列。Driver 支持 memory、redis
// 与 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数，队列与执行槽共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// GasConfig 描述网络级的执行 gas 包络。
type GasConfig struct {
	MaxGasPriceWei string `json:"max_gas_price_wei"`
	MaxGasLimit    uint64 `json:"max_gas_limit"`
}

// FeeConfig 描述费用结算参数。MarkupBps 为执行者酬劳在 gas
// 成本之上的加成，单位为万分之一。
type FeeConfig struct {
	MarkupBps int64 `json:"markup_bps"`
}

// ExecutorConfig 描述执行者运行器。SingleWriter 开启后同一时刻
// 仅槽持有者可以执行。
type ExecutorConfig struct {
	Identity      string `json:"identity"`
	Workers       int    `json:"workers"`
	MaxAttempts   int    `json:"max_attempts"`
	GasPriceWei   string `json:"gas_price_wei"`
	GasLimit      uint64 `json:"gas_limit"`
	RetryDelaySec int    `json:"retry_delay_sec"`
	PatrolSec     int    `json:"patrol_sec"`
	SingleWriter  bool   `json:"single_writer"`
	SlotTTLSec    int    `json:"slot_ttl_sec"`
}

// Web3Config 包含访问区块链节点所需的参数。ChainsFile 指向
// 多链定义的 YAML 文件，PrivateKey 留空时使用内存派发器。
type Web3Config struct {
	RPCURL     string `json:"rpc_url"`
	ChainID    int64  `json:"chain_id"`
	PrivateKey string `json:"private_key"`
	ChainsFile string `json:"chains_file"`
}

// LoggingConfig 控制结构化日志与审计输出。
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	AuditPath string `json:"audit_path"`
}

// MetricsConfig 控制独立的指标监听地址，留空则挂载到主服务。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.ClaimStore.Driver == "" {
		c.Storage.ClaimStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = "127.0.0.1:6379"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "autoexec.claims"
	}

	if c.Gas.MaxGasLimit == 0 {
		c.Gas.MaxGasLimit = 7_000_000
	}

	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 4
	}
	if c.Executor.GasLimit == 0 {
		c.Executor.GasLimit = c.Gas.MaxGasLimit
	}
	if c.Executor.RetryDelaySec <= 0 {
		c.Executor.RetryDelaySec = 5
	}
	if c.Executor.PatrolSec <= 0 {
		c.Executor.PatrolSec = 60
	}
	if c.Executor.SlotTTLSec <= 0 {
		c.Executor.SlotTTLSec = 30
	}

	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
}
