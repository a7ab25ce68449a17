package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AshenVoyage/farecrawl/internal/metrics"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// recordSizeEstimate 单条航班记录的内存占用估算(字节)
const recordSizeEstimate = 320

// entryOverhead 每个缓存条目的固定开销估算(字节)
const entryOverhead = 256

// Config 结果缓存配置
type Config struct {
	Capacity    int                      `mapstructure:"capacity"`      // 条目数上限
	MaxBytes    int64                    `mapstructure:"max_bytes"`     // 总内存占用上限(字节)
	DefaultTTL  time.Duration            `mapstructure:"default_ttl"`   // 默认TTL
	TTLByTarget map[string]time.Duration `mapstructure:"ttl_by_target"` // 按站点覆盖TTL
}

// DefaultConfig 默认缓存配置
func DefaultConfig() Config {
	return Config{
		Capacity:   4096,
		MaxBytes:   64 * 1024 * 1024,
		DefaultTTL: 10 * time.Minute,
	}
}

// RemoteStore 可选的远端缓存后备 (跨进程共享)
// 咨询性质: 不可用时缓存退化为纯本地,不影响正确性
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]models.FlightRecord, bool, error)
	Set(ctx context.Context, key, target string, records []models.FlightRecord, ttl time.Duration) error
	DeleteByTarget(ctx context.Context, target string) error
}

// entry 单个缓存条目
// TTL是权威的新鲜度控制,LRU只负责空间回收
type entry struct {
	target    string
	records   []models.FlightRecord
	storedAt  time.Time
	ttl       time.Duration
	sizeBytes int64
}

// Stats 缓存统计
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// Cache 查询结果缓存
// 职责: 按(站点,规范化查询)指纹缓存航班记录,条目级TTL判新鲜,
// 容量和内存超限时按LRU驱逐,支持按站点失效
type Cache struct {
	config Config

	lru        *lru.Cache[string, *entry]
	totalBytes int64
	mu         sync.Mutex

	hits      int64
	misses    int64
	evictions int64

	store RemoteStore
	bus   *metrics.Bus
	now   func() time.Time

	storeWarn sync.Once
}

// New 创建结果缓存
func New(config Config, bus *metrics.Bus) (*Cache, error) {
	if config.Capacity < 1 {
		config.Capacity = 4096
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 10 * time.Minute
	}

	c := &Cache{
		config: config,
		bus:    bus,
		now:    time.Now,
	}

	// 驱逐回调在持有c.mu的操作内触发,直接更新计数
	l, err := lru.NewWithEvict[string, *entry](config.Capacity, func(_ string, e *entry) {
		c.totalBytes -= e.sizeBytes
		c.evictions++
	})
	if err != nil {
		return nil, err
	}
	c.lru = l

	return c, nil
}

// SetClock 注入时钟 (测试用)
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// SetStore 挂载远端缓存后备
func (c *Cache) SetStore(store RemoteStore) {
	c.store = store
}

// Get 查询缓存
// TTL过期的条目视为未命中并被移除;本地未命中时咨询远端后备
func (c *Cache) Get(ctx context.Context, target string, key string) ([]models.FlightRecord, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok {
		if now.Sub(e.storedAt) >= e.ttl {
			// 过期: TTL优先于LRU,过期即不可见
			c.lru.Remove(key)
			ok = false
		}
	}
	if ok {
		c.hits++
		records := e.records
		c.mu.Unlock()
		c.publishLookup("hit")
		return records, true
	}
	c.misses++
	c.mu.Unlock()

	// 远端后备 (失败时按未命中处理)
	if c.store != nil {
		records, found, err := c.store.Get(ctx, key)
		if err != nil {
			c.storeWarn.Do(func() {
				utils.Warnf("远端缓存不可用,退化为纯本地缓存: %v", err)
			})
		} else if found {
			c.putLocal(target, key, records, c.ttlFor(target))
			c.publishLookup("hit")
			return records, true
		}
	}

	c.publishLookup("miss")
	return nil, false
}

// Put 写入缓存
// 写穿远端后备 (尽力而为)
func (c *Cache) Put(ctx context.Context, target string, key string, records []models.FlightRecord) {
	ttl := c.ttlFor(target)
	c.putLocal(target, key, records, ttl)

	if c.store != nil {
		if err := c.store.Set(ctx, key, target, records, ttl); err != nil {
			c.storeWarn.Do(func() {
				utils.Warnf("远端缓存不可用,退化为纯本地缓存: %v", err)
			})
		}
	}
}

// putLocal 写入本地缓存并执行内存上限驱逐
func (c *Cache) putLocal(target, key string, records []models.FlightRecord, ttl time.Duration) {
	size := int64(len(records))*recordSizeEstimate + entryOverhead

	c.mu.Lock()
	defer c.mu.Unlock()

	// 覆盖旧条目时回收其占用
	if old, ok := c.lru.Peek(key); ok {
		c.totalBytes -= old.sizeBytes
	}

	c.lru.Add(key, &entry{
		target:    target,
		records:   records,
		storedAt:  c.now(),
		ttl:       ttl,
		sizeBytes: size,
	})
	c.totalBytes += size

	// 总量超限,按LRU继续驱逐
	for c.config.MaxBytes > 0 && c.totalBytes > c.config.MaxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

// InvalidateTarget 按站点失效所有条目
// 站点改版或反爬策略变化时由操作员触发
func (c *Cache) InvalidateTarget(ctx context.Context, target string) int {
	c.mu.Lock()
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.target == target {
			c.lru.Remove(key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteByTarget(ctx, target); err != nil {
			utils.Warnf("远端缓存按站点失效失败: %v", err)
		}
	}

	utils.Infof("站点[%s]缓存已失效: %d条", target, removed)
	return removed
}

// Purge 清空缓存
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.totalBytes = 0
}

// GetStats 返回缓存统计
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.lru.Len(),
		Bytes:     c.totalBytes,
	}
}

// ttlFor 查询站点生效的TTL
func (c *Cache) ttlFor(target string) time.Duration {
	if ttl, ok := c.config.TTLByTarget[target]; ok && ttl > 0 {
		return ttl
	}
	return c.config.DefaultTTL
}

// publishLookup 发布缓存查询事件
func (c *Cache) publishLookup(outcome string) {
	if c.bus != nil {
		c.bus.Publish(metrics.Event{
			Kind:  metrics.EventCacheLookup,
			Label: outcome,
		})
	}
}
