package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore 基于Redis的共享小时计数器
// 多实例部署时共享同一份限流账本,单实例部署不需要
type RedisCounterStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisCounterStore 创建Redis计数器后端
func NewRedisCounterStore(addr, password string, db int, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "farecrawl:rate"
	}

	return &RedisCounterStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix:  prefix,
		timeout: 2 * time.Second,
	}
}

// IncrHour 递增(站点,小时窗口)计数并返回累计值
// key带2小时TTL,窗口翻转后自动过期
func (s *RedisCounterStore) IncrHour(target string, window time.Time, n int) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := fmt.Sprintf("%s:%s:%d", s.prefix, target, window.Unix())

	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("递增共享计数器失败: %w", err)
	}

	return incr.Val(), nil
}

// Close 关闭Redis连接
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
