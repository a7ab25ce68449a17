package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AshenVoyage/farecrawl/internal/models"
)

// RedisResultStore 基于Redis的远端结果缓存
// 多实例部署时共享爬取结果,减少对站点的重复请求
type RedisResultStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisResultStore 创建Redis结果缓存后端
func NewRedisResultStore(addr, password string, db int, prefix string) *RedisResultStore {
	if prefix == "" {
		prefix = "farecrawl:cache"
	}

	return &RedisResultStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix:  prefix,
		timeout: 2 * time.Second,
	}
}

// Get 查询远端缓存
func (s *RedisResultStore) Get(ctx context.Context, key string) ([]models.FlightRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取远端缓存失败: %w", err)
	}

	var records []models.FlightRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, false, fmt.Errorf("远端缓存条目损坏: %w", err)
	}
	return records, true, nil
}

// Set 写入远端缓存,TTL由调用方决定
// 同时在站点索引集合里登记key,支持按站点批量失效
func (s *RedisResultStore) Set(ctx context.Context, key, target string, records []models.FlightRecord, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("序列化缓存条目失败: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(key), raw, ttl)
	pipe.SAdd(ctx, s.indexKey(target), key)
	pipe.Expire(ctx, s.indexKey(target), ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入远端缓存失败: %w", err)
	}
	return nil
}

// DeleteByTarget 删除某站点的所有远端缓存条目
func (s *RedisResultStore) DeleteByTarget(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, err := s.client.SMembers(ctx, s.indexKey(target)).Result()
	if err != nil {
		return fmt.Errorf("读取站点缓存索引失败: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, s.entryKey(key))
	}
	pipe.Del(ctx, s.indexKey(target))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("按站点清除远端缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (s *RedisResultStore) Close() error {
	return s.client.Close()
}

func (s *RedisResultStore) entryKey(key string) string {
	return fmt.Sprintf("%s:entry:%s", s.prefix, key)
}

func (s *RedisResultStore) indexKey(target string) string {
	return fmt.Sprintf("%s:index:%s", s.prefix, target)
}
