package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AshenVoyage/farecrawl/internal/metrics"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// CallerClass 调用方等级
// 可信调用方获得基础速率的倍数放大
type CallerClass string

const (
	ClassStandard CallerClass = "standard" // 标准调用方
	ClassTrusted  CallerClass = "trusted"  // 可信调用方 (倍数放大)
)

// Config 限流器配置
type Config struct {
	DefaultPolicy     models.RatePolicy `mapstructure:"default_policy"`     // 未配置站点的兜底策略
	TrustedMultiplier float64           `mapstructure:"trusted_multiplier"` // 可信调用方速率倍数 (2-10)
	Whitelist         []string          `mapstructure:"whitelist"`          // 完全跳过限流的调用方身份
	PenaltyThreshold  int               `mapstructure:"penalty_threshold"`  // 触发惩罚升级的违规次数
	PenaltyBase       time.Duration     `mapstructure:"penalty_base"`       // 惩罚冷却基础时长
	PenaltyMax        time.Duration     `mapstructure:"penalty_max"`        // 惩罚冷却上限
	PenaltyQuiet      time.Duration     `mapstructure:"penalty_quiet"`      // 安静期: 无违规则重置惩罚
}

// DefaultConfig 默认限流器配置
func DefaultConfig() Config {
	return Config{
		DefaultPolicy: models.RatePolicy{
			RequestsPerMinute: 30,
			RequestsPerHour:   600,
			Burst:             5,
		},
		TrustedMultiplier: 3.0,
		PenaltyThreshold:  3,
		PenaltyBase:       5 * time.Second,
		PenaltyMax:        5 * time.Minute,
		PenaltyQuiet:      10 * time.Minute,
	}
}

// CounterStore 共享计数器后端 (可选,跨实例部署时使用)
// 返回指定小时窗口内的累计请求数
type CounterStore interface {
	IncrHour(target string, window time.Time, n int) (int64, error)
}

// bucket 单个(站点,调用方等级)的限流账本
// 每个bucket持有自己的锁,不同站点之间互不阻塞
type bucket struct {
	mu sync.Mutex

	// 令牌桶 (每分钟速率+突发量)
	limiter *rate.Limiter

	// 小时级固定窗口计数
	hourWindow time.Time
	hourCount  int
	hourLimit  int

	// 惩罚升级状态
	violations    int
	penaltyLevel  int
	penaltyUntil  time.Time
	lastViolation time.Time
}

// Limiter 按站点限流器
// 职责: 对每个出站请求做准入决策,违规升级惩罚,白名单放行,后端不可用时放行(fail-open)
type Limiter struct {
	config   Config
	policies map[string]models.RatePolicy // 站点代码 -> 策略
	buckets  sync.Map                     // "target|class" -> *bucket
	store    CounterStore                 // 可选的共享计数器
	bus      *metrics.Bus
	now      func() time.Time

	whitelist   map[string]bool
	policiesMu  sync.RWMutex
	storeWarned sync.Once
}

// NewLimiter 创建限流器
func NewLimiter(config Config, policies map[string]models.RatePolicy, bus *metrics.Bus) *Limiter {
	if config.TrustedMultiplier < 1 {
		config.TrustedMultiplier = 1
	}
	if config.TrustedMultiplier > 10 {
		config.TrustedMultiplier = 10
	}
	if config.PenaltyThreshold < 1 {
		config.PenaltyThreshold = 3
	}

	whitelist := make(map[string]bool, len(config.Whitelist))
	for _, id := range config.Whitelist {
		whitelist[id] = true
	}

	if policies == nil {
		policies = make(map[string]models.RatePolicy)
	}

	return &Limiter{
		config:    config,
		policies:  policies,
		bus:       bus,
		now:       time.Now,
		whitelist: whitelist,
	}
}

// SetClock 注入时钟 (测试用)
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// SetStore 设置共享计数器后端
func (l *Limiter) SetStore(store CounterStore) {
	l.store = store
}

// UpdatePolicies 热更新站点策略 (配置热加载时调用)
// 已存在的bucket保持当前窗口状态,下次创建时使用新策略
func (l *Limiter) UpdatePolicies(policies map[string]models.RatePolicy) {
	l.policiesMu.Lock()
	l.policies = policies
	l.policiesMu.Unlock()

	// 丢弃现有bucket,强制按新策略重建
	l.buckets.Range(func(key, _ interface{}) bool {
		l.buckets.Delete(key)
		return true
	})
}

// Admit 标准调用方的准入决策
func (l *Limiter) Admit(target string, weight int) (bool, time.Duration) {
	return l.AdmitAs(target, weight, "", ClassStandard)
}

// AdmitAs 带调用方身份的准入决策
// 返回: (是否允许, 拒绝时的最小等待时长)
// 调用方不得以快于retryAfter的频率重试
func (l *Limiter) AdmitAs(target string, weight int, caller string, class CallerClass) (bool, time.Duration) {
	if weight < 1 {
		weight = 1
	}

	// 白名单身份完全跳过限流
	if caller != "" && l.whitelist[caller] {
		l.publish(target, "allowed")
		return true, 0
	}

	b := l.bucketFor(target, class)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	// 惩罚冷却期内直接拒绝
	if now.Before(b.penaltyUntil) {
		wait := b.penaltyUntil.Sub(now)
		l.publish(target, "denied")
		return false, wait
	}

	// 安静期已过,重置惩罚状态
	if b.violations > 0 && now.Sub(b.lastViolation) > l.config.PenaltyQuiet {
		b.violations = 0
		b.penaltyLevel = 0
	}

	// 小时级固定窗口检查 (整点重置)
	hourWindow := now.Truncate(time.Hour)
	if !b.hourWindow.Equal(hourWindow) {
		b.hourWindow = hourWindow
		b.hourCount = 0
	}
	if b.hourCount+weight > b.hourLimit {
		wait := hourWindow.Add(time.Hour).Sub(now)
		l.recordViolation(b, target, now)
		return false, wait
	}

	// 共享计数器 (可选): 后端不可用时放行,用可用性换严格正确性
	if l.store != nil {
		total, err := l.store.IncrHour(target, hourWindow, weight)
		if err != nil {
			l.storeWarned.Do(func() {
				utils.Warnf("共享限流计数器不可用,降级为本地计数: %v", err)
			})
		} else if int(total) > b.hourLimit {
			wait := hourWindow.Add(time.Hour).Sub(now)
			l.recordViolation(b, target, now)
			return false, wait
		}
	}

	// 分钟级令牌桶检查
	if !b.limiter.AllowN(now, weight) {
		// 计算下一个可准入时刻
		r := b.limiter.ReserveN(now, weight)
		wait := r.DelayFrom(now)
		r.CancelAt(now)

		l.recordViolation(b, target, now)
		return false, wait
	}

	b.hourCount += weight
	l.publish(target, "allowed")
	return true, 0
}

// recordViolation 记录违规并按需升级惩罚
// 调用方必须持有bucket锁
func (l *Limiter) recordViolation(b *bucket, target string, now time.Time) {
	b.violations++
	b.lastViolation = now

	if l.bus != nil {
		l.bus.Publish(metrics.Event{Kind: metrics.EventRateViolation, Target: target})
	}

	if b.violations >= l.config.PenaltyThreshold {
		// 指数升级冷却时长,封顶后不再增长
		b.penaltyLevel++
		cooldown := time.Duration(float64(l.config.PenaltyBase) * math.Pow(2, float64(b.penaltyLevel-1)))
		if cooldown > l.config.PenaltyMax {
			cooldown = l.config.PenaltyMax
		}
		b.penaltyUntil = now.Add(cooldown)
		b.violations = 0

		utils.Warnf("站点[%s]限流违规升级: 惩罚等级%d, 冷却%s", target, b.penaltyLevel, cooldown)
	}

	l.publish(target, "denied")
}

// bucketFor 获取或创建(站点,等级)对应的bucket
func (l *Limiter) bucketFor(target string, class CallerClass) *bucket {
	key := target + "|" + string(class)

	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}

	l.policiesMu.RLock()
	policy, ok := l.policies[target]
	l.policiesMu.RUnlock()
	if !ok {
		policy = l.config.DefaultPolicy
	}

	perMinute := float64(policy.RequestsPerMinute)
	burst := policy.Burst
	hourLimit := policy.RequestsPerHour
	if class == ClassTrusted {
		perMinute *= l.config.TrustedMultiplier
		burst = int(float64(burst) * l.config.TrustedMultiplier)
		hourLimit = int(float64(hourLimit) * l.config.TrustedMultiplier)
	}

	b := &bucket{
		limiter:   rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		hourLimit: hourLimit,
	}

	actual, _ := l.buckets.LoadOrStore(key, b)
	return actual.(*bucket)
}

// publish 发布准入决策事件
func (l *Limiter) publish(target, decision string) {
	if l.bus != nil {
		l.bus.Publish(metrics.Event{Kind: metrics.EventAdmission, Target: target, Label: decision})
	}
}
