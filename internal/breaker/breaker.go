package breaker

import (
	"sync"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/metrics"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "CLOSED"    // 正常放行
	StateOpen     State = "OPEN"      // 熔断: 直接拒绝,不调用适配器
	StateHalfOpen State = "HALF_OPEN" // 半开: 有限探测
)

// Thresholds 熔断阈值
type Thresholds struct {
	FailureThreshold int           `mapstructure:"failure_threshold"` // 连续失败N次后熔断
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`  // OPEN->HALF_OPEN的恢复等待
	ProbeSuccesses   int           `mapstructure:"probe_successes"`   // 半开状态连续成功M次后闭合
	ProbeBudget      int           `mapstructure:"probe_budget"`      // 半开状态并发探测上限
}

// DefaultProfiles 按站点类别的默认阈值
// 反爬激进的站点耐心更短: 更快熔断,更久恢复
func DefaultProfiles() map[models.TargetCategory]Thresholds {
	return map[models.TargetCategory]Thresholds{
		models.CategoryStandard: {
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			ProbeSuccesses:   2,
			ProbeBudget:      2,
		},
		models.CategoryAggressive: {
			FailureThreshold: 3,
			RecoveryTimeout:  5 * time.Minute,
			ProbeSuccesses:   3,
			ProbeBudget:      1,
		},
		models.CategoryFragile: {
			FailureThreshold: 8,
			RecoveryTimeout:  30 * time.Second,
			ProbeSuccesses:   2,
			ProbeBudget:      2,
		},
	}
}

// targetBreaker 单个站点的熔断状态机
// 每个站点持有自己的锁,站点之间互不阻塞
type targetBreaker struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	lastFailure         time.Time
	nextProbeAt         time.Time
	probeSuccesses      int
	probesInFlight      int

	thresholds Thresholds
}

// Snapshot 站点熔断状态快照 (观测用)
type Snapshot struct {
	Target              string    `json:"target"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// Breaker 按站点熔断器
// 职责: 维护每个站点的失败状态机,持续失败的站点被短路,避免继续加压
type Breaker struct {
	profiles   map[models.TargetCategory]Thresholds
	categories map[string]models.TargetCategory // 站点代码 -> 类别

	breakers sync.Map // 站点代码 -> *targetBreaker
	bus      *metrics.Bus
	now      func() time.Time

	mu sync.RWMutex // 保护profiles/categories的热更新
}

// NewBreaker 创建熔断器
func NewBreaker(profiles map[models.TargetCategory]Thresholds, categories map[string]models.TargetCategory, bus *metrics.Bus) *Breaker {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	if categories == nil {
		categories = make(map[string]models.TargetCategory)
	}

	return &Breaker{
		profiles:   profiles,
		categories: categories,
		bus:        bus,
		now:        time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

// Allow 查询站点是否允许派发
// OPEN状态立即返回false,不会触碰适配器
// HALF_OPEN状态只放行预算内的并发探测
func (b *Breaker) Allow(target string) bool {
	tb := b.breakerFor(target)
	now := b.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	switch tb.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Before(tb.nextProbeAt) {
			return false
		}
		// 恢复等待已过,进入半开并放行首个探测
		b.transition(tb, target, StateHalfOpen)
		tb.probeSuccesses = 0
		tb.probesInFlight = 1
		return true

	case StateHalfOpen:
		if tb.probesInFlight >= tb.thresholds.ProbeBudget {
			return false
		}
		tb.probesInFlight++
		return true
	}

	return false
}

// RecordResult 编排器在调用完成后回报结果
func (b *Breaker) RecordResult(target string, success bool) {
	tb := b.breakerFor(target)
	now := b.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	switch tb.state {
	case StateClosed:
		if success {
			tb.consecutiveFailures = 0
			return
		}
		tb.consecutiveFailures++
		tb.lastFailure = now
		if tb.consecutiveFailures >= tb.thresholds.FailureThreshold {
			b.transition(tb, target, StateOpen)
			tb.nextProbeAt = now.Add(tb.thresholds.RecoveryTimeout)
			utils.Warnf("站点[%s]连续失败%d次,熔断器打开,%s后允许探测",
				target, tb.consecutiveFailures, tb.thresholds.RecoveryTimeout)
		}

	case StateHalfOpen:
		if tb.probesInFlight > 0 {
			tb.probesInFlight--
		}
		if success {
			tb.probeSuccesses++
			if tb.probeSuccesses >= tb.thresholds.ProbeSuccesses {
				b.transition(tb, target, StateClosed)
				tb.consecutiveFailures = 0
				tb.probeSuccesses = 0
				utils.Infof("站点[%s]探测连续成功%d次,熔断器闭合", target, tb.thresholds.ProbeSuccesses)
			}
			return
		}
		// 任何探测失败立即回到OPEN
		tb.lastFailure = now
		tb.probeSuccesses = 0
		b.transition(tb, target, StateOpen)
		tb.nextProbeAt = now.Add(tb.thresholds.RecoveryTimeout)
		utils.Warnf("站点[%s]探测失败,熔断器重新打开", target)

	case StateOpen:
		// 熔断前派发的在途请求事后回报,只更新失败时间
		if !success {
			tb.lastFailure = now
		}
	}
}

// Cancel 归还一次Allow放行但没有产生结果的探测额度
// 放行后因限流等待、取消或不计入熔断的失败而放弃调用时,
// 必须归还额度,否则泄漏的探测额度会让半开状态永远拒绝
func (b *Breaker) Cancel(target string) {
	tb := b.breakerFor(target)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.state == StateHalfOpen && tb.probesInFlight > 0 {
		tb.probesInFlight--
	}
}

// State 返回站点当前熔断状态
func (b *Breaker) State(target string) State {
	tb := b.breakerFor(target)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.state
}

// Snapshots 返回所有站点的状态快照
func (b *Breaker) Snapshots() []Snapshot {
	snapshots := make([]Snapshot, 0)
	b.breakers.Range(func(key, value interface{}) bool {
		tb := value.(*targetBreaker)
		tb.mu.Lock()
		snapshots = append(snapshots, Snapshot{
			Target:              key.(string),
			State:               tb.state,
			ConsecutiveFailures: tb.consecutiveFailures,
			LastFailure:         tb.lastFailure,
			NextProbeAt:         tb.nextProbeAt,
		})
		tb.mu.Unlock()
		return true
	})
	return snapshots
}

// UpdateProfiles 热更新阈值配置
// 已创建的状态机保留当前状态,仅替换阈值
func (b *Breaker) UpdateProfiles(profiles map[models.TargetCategory]Thresholds, categories map[string]models.TargetCategory) {
	b.mu.Lock()
	b.profiles = profiles
	b.categories = categories
	b.mu.Unlock()

	b.breakers.Range(func(key, value interface{}) bool {
		tb := value.(*targetBreaker)
		tb.mu.Lock()
		tb.thresholds = b.thresholdsFor(key.(string))
		tb.mu.Unlock()
		return true
	})
}

// breakerFor 获取或创建站点的状态机
func (b *Breaker) breakerFor(target string) *targetBreaker {
	if v, ok := b.breakers.Load(target); ok {
		return v.(*targetBreaker)
	}

	tb := &targetBreaker{
		state:      StateClosed,
		thresholds: b.thresholdsFor(target),
	}

	actual, _ := b.breakers.LoadOrStore(target, tb)
	return actual.(*targetBreaker)
}

// thresholdsFor 按站点类别查找阈值
func (b *Breaker) thresholdsFor(target string) Thresholds {
	b.mu.RLock()
	defer b.mu.RUnlock()

	category, ok := b.categories[target]
	if !ok {
		category = models.CategoryStandard
	}
	thresholds, ok := b.profiles[category]
	if !ok {
		thresholds = DefaultProfiles()[models.CategoryStandard]
	}
	return thresholds
}

// transition 执行状态迁移并发布事件
// 调用方必须持有targetBreaker锁
func (b *Breaker) transition(tb *targetBreaker, target string, to State) {
	tb.state = to
	if b.bus != nil {
		b.bus.Publish(metrics.Event{Kind: metrics.EventCircuitTransition, Target: target, Label: string(to)})
	}
}
