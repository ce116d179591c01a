package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 【为什么扣款路径需要分布式锁？】
//
// 场景：同一个钱包同时收到两笔扣款请求（网络抖动导致重复提交）
//
// 虽然仓储层的条件 UPDATE（balance >= amount）已经保证不会扣成负数，
// 但加锁可以把"读余额 -> 扣款 -> 写流水"收敛为串行，避免并发请求
// 读到相同的 BalanceBefore 写出互相矛盾的流水记录。
//
// 加锁：SET key value NX EX timeout
// 释放：Lua 脚本校验 value 后删除，防止误删他人持有的锁
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 锁持有者标识（释放时验证）
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本保证"检查+删除"的原子性
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewWalletLock 按钱包维度加锁
// 不同钱包可以并发扣款，同一钱包串行
func NewWalletLock(client *redis.Client, walletID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("wallet:lock:%d", walletID)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}
