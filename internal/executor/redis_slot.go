package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisSlotConfig 描述 Redis 槽的连接参数。
type RedisSlotConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisSlot 以 Redis SETNX 键实现跨进程的单写者槽，供分布式
// 部署的协作执行者集合使用。
type RedisSlot struct {
	client *redis.Client
	key    string
}

// NewRedisSlot 创建 Redis 槽实例。
func NewRedisSlot(cfg RedisSlotConfig) (*RedisSlot, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "autoexec:executor:slot"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisSlot{client: client, key: key}, nil
}

// Acquire 实现 Slot 接口。
func (s *RedisSlot) Acquire(ctx context.Context, identity common.Address, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	value := strings.ToLower(identity.Hex())
	ok, err := s.client.SetNX(ctx, s.key, value, ttl).Result()
	if err != nil {
		return fmt.Errorf("占据执行槽失败: %w", err)
	}
	if ok {
		return nil
	}
	current, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if err == redis.Nil {
			// 持有者恰好过期，下一轮重试。
			return ErrSlotClaimed
		}
		return fmt.Errorf("查询执行槽失败: %w", err)
	}
	if current == value {
		// 刷新自己持有的槽。
		if err := s.client.Expire(ctx, s.key, ttl).Err(); err != nil {
			return fmt.Errorf("刷新执行槽失败: %w", err)
		}
		return nil
	}
	return ErrSlotClaimed
}

// Holder 实现 Slot 接口。
func (s *RedisSlot) Holder(ctx context.Context) (common.Address, bool, error) {
	value, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if err == redis.Nil {
			return common.Address{}, false, nil
		}
		return common.Address{}, false, fmt.Errorf("查询执行槽失败: %w", err)
	}
	return common.HexToAddress(value), true, nil
}

// Release 实现 Slot 接口。
func (s *RedisSlot) Release(ctx context.Context, identity common.Address) error {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	return s.client.Eval(ctx, script, []string{s.key}, strings.ToLower(identity.Hex())).Err()
}

// Close 关闭 Redis 连接。
func (s *RedisSlot) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Slot = (*RedisSlot)(nil)
