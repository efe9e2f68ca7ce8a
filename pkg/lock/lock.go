// Package lock 提供基于 Redis 的租户级咨询锁（advisory lock）。
// 分类树的结构性变更（move/delete/批量创建）没有跨请求的排序保证，
// 并发修改同一棵子树会产生计数漂移；按 tenantId 串行化这类变更可以规避竞争。
// 锁是尽力而为的：Redis 未配置时直接放行，由 Reconcile 兜底修复漂移。
package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript 保证只有持锁者能释放锁：
// 如果 key 的值仍然是自己写入的 token 才执行 DEL，
// 避免锁过期后误删其他请求新获取的锁。
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// TreeLock 是分类树结构变更的租户级锁。
type TreeLock struct {
	client *redis.Client
	ttl    time.Duration
}

// New 创建 TreeLock。client 允许为 nil（如离线回填脚本），此时所有加锁操作直接成功。
// ttl 是锁的过期时间，防止持锁进程崩溃后锁永久残留。
func New(client *redis.Client, ttl time.Duration) *TreeLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TreeLock{client: client, ttl: ttl}
}

// Acquire 尝试获取 tenantID 对应的树锁。
// 返回值：release 释放函数（必须在持锁路径结束时调用）、是否获取成功、底层错误。
// 锁已被其他请求持有时返回 (nil, false, nil)，调用方应转换为可重试的冲突错误。
func (l *TreeLock) Acquire(ctx context.Context, tenantID string) (release func(), ok bool, err error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}

	key := "category_tree_lock:" + tenantID
	token := uuid.NewString()

	ok, err = l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// 释放失败只能依赖 TTL 过期，不向调用方传播
		_ = l.client.Eval(context.Background(), releaseScript, []string{key}, token).Err()
	}
	return release, true, nil
}
