package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/metrics"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/recovery"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

var (
	// ErrTrackerClosed 跟踪器已关闭
	ErrTrackerClosed = errors.New("资源跟踪器已关闭")
	// ErrUnknownKind 未注册对应类型的会话工厂
	ErrUnknownKind = errors.New("未注册的会话类型")
)

// TrackerConfig 资源跟踪器配置
type TrackerConfig struct {
	MaxSessions            int           `mapstructure:"max_sessions"`             // 配置的会话数上限 (与动态上限取较小值)
	MaxSessionAge          time.Duration `mapstructure:"max_session_age"`          // 会话最大存活时长,超龄归还时销毁
	ExpectedActiveDuration time.Duration `mapstructure:"expected_active_duration"` // 单次借出的预期时长 (泄漏评分基准)
	LeakScanInterval       time.Duration `mapstructure:"leak_scan_interval"`       // 泄漏检测扫描间隔
	PressureScanInterval   time.Duration `mapstructure:"pressure_scan_interval"`   // 内存压力检查间隔
	SessionMemoryBytes     int64         `mapstructure:"session_memory_bytes"`     // 单个会话的内存估算(字节)
}

// DefaultTrackerConfig 默认跟踪器配置
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxSessions:            8,
		MaxSessionAge:          30 * time.Minute,
		ExpectedActiveDuration: 2 * time.Minute,
		LeakScanInterval:       time.Minute,
		PressureScanInterval:   15 * time.Second,
		SessionMemoryBytes:     150 * 1024 * 1024,
	}
}

// LeakReport 一条疑似泄漏报告
// 检测只评分和上报,终止必须由操作员通过TerminateLeak显式触发
type LeakReport struct {
	SessionID string        `json:"session_id"`
	Target    string        `json:"target"`
	Kind      SessionKind   `json:"kind"`
	ActiveFor time.Duration `json:"active_for"` // 本次借出已持续时长
	Age       time.Duration `json:"age"`        // 会话总存活时长
	Score     float64       `json:"score"`      // 泄漏置信度 0~1
}

// Tracker 会话资源跟踪器
// 职责: 独占所有会话句柄的生命周期,空闲复用,上限内创建,
// 超限时先驱逐LRU空闲会话再排队等待,内存压力下渐进回收,周期性泄漏检测
type Tracker struct {
	config    TrackerConfig
	monitor   *Monitor
	factories map[SessionKind]Factory

	sessions map[string]*Session
	creating int // 正在创建中的预留槽位
	waiters  []chan struct{}
	mu       sync.Mutex

	// 连续emergency压力的次数,达到阈值触发全量重置
	emergencyStreak int

	bus *metrics.Bus
	now func() time.Time

	cancelFunc context.CancelFunc
	isRunning  bool
	closed     bool
}

// NewTracker 创建资源跟踪器
func NewTracker(config TrackerConfig, monitor *Monitor, bus *metrics.Bus, factories ...Factory) *Tracker {
	if config.MaxSessions < 1 {
		config.MaxSessions = 8
	}
	if config.ExpectedActiveDuration <= 0 {
		config.ExpectedActiveDuration = 2 * time.Minute
	}
	if config.MaxSessionAge <= 0 {
		config.MaxSessionAge = 30 * time.Minute
	}

	fm := make(map[SessionKind]Factory, len(factories))
	for _, f := range factories {
		fm[f.Kind()] = f
	}

	return &Tracker{
		config:    config,
		monitor:   monitor,
		factories: fm,
		sessions:  make(map[string]*Session),
		bus:       bus,
		now:       time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Acquire 借用一个会话
// 优先复用同(站点,类型)的空闲会话;上限内创建新会话;
// 达到上限时先驱逐最久未用的空闲会话,没有空闲则排队等待归还
func (t *Tracker) Acquire(ctx context.Context, target string, kind SessionKind) (*Session, error) {
	factory, ok := t.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrTrackerClosed
		}

		// 复用空闲会话
		if s := t.idleMatchLocked(target, kind); s != nil {
			s.markActive(t.now())
			t.mu.Unlock()
			utils.Debugf("复用空闲会话: %s (站点=%s, 类型=%s)", s.ID, target, kind)
			return s, nil
		}

		ceiling := t.ceilingLocked()
		if len(t.sessions)+t.creating < ceiling {
			// 资源不足时拒绝创建,交给恢复引擎退避重试
			if canCreate, reason := t.monitor.CheckResourceAvailability(); !canCreate {
				t.mu.Unlock()
				return nil, recovery.Wrap(models.ErrCategoryResource,
					fmt.Errorf("资源不足,暂缓创建会话: %s", reason))
			}

			t.creating++
			t.mu.Unlock()

			handle, err := factory.New(ctx, target)

			t.mu.Lock()
			t.creating--
			if err != nil {
				t.wakeOneLocked()
				t.mu.Unlock()
				return nil, recovery.Wrap(models.ErrCategoryResource,
					fmt.Errorf("创建会话失败(站点=%s, 类型=%s): %w", target, kind, err))
			}

			s := newSession(target, kind, handle, t.config.SessionMemoryBytes)
			t.sessions[s.ID] = s
			total := len(t.sessions)
			t.mu.Unlock()

			metrics.SetActiveSessions(total)
			t.publishAction("create")
			utils.Infof("创建新会话: %s (站点=%s, 类型=%s, 总数=%d)", s.ID, target, kind, total)
			return s, nil
		}

		// 上限已满: 驱逐最久未用的空闲会话腾出位置
		if victim := t.lruIdleLocked(); victim != nil {
			delete(t.sessions, victim.ID)
			t.mu.Unlock()
			t.closeHandle(victim, "evict_idle")
			continue
		}

		// 没有可驱逐的空闲会话: 排队等待归还,绝不超限创建
		ch := make(chan struct{}, 1)
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			t.removeWaiter(ch)
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Release 归还会话
// 超龄会话直接销毁;浏览器会话归还前清理残留状态
func (t *Tracker) Release(s *Session) {
	if s == nil {
		return
	}
	now := t.now()

	// 超龄销毁,避免长寿会话积累指纹和内存
	if s.Age(now) > t.config.MaxSessionAge {
		t.Destroy(s, "超龄归还")
		t.publishAction("destroy_aged")
		return
	}

	// 清理会话状态 (cookie/localStorage等),失败则销毁
	if cleaner, ok := s.Handle.(Cleaner); ok {
		if err := cleaner.Clean(); err != nil {
			utils.Warnf("会话[%s]状态清理失败,销毁: %v", s.ID, err)
			t.Destroy(s, "状态清理失败")
			return
		}
	}

	t.mu.Lock()
	if _, tracked := t.sessions[s.ID]; !tracked {
		t.mu.Unlock()
		return
	}
	s.markIdle(now)
	t.wakeOneLocked()
	t.mu.Unlock()
}

// Destroy 销毁会话 (恢复动作invalidate_session的落点)
func (t *Tracker) Destroy(s *Session, reason string) {
	if s == nil {
		return
	}

	t.mu.Lock()
	if _, tracked := t.sessions[s.ID]; !tracked {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, s.ID)
	t.wakeOneLocked()
	total := len(t.sessions)
	t.mu.Unlock()

	metrics.SetActiveSessions(total)
	t.closeHandle(s, "destroy")
	utils.Infof("会话已销毁: %s (原因: %s, 剩余=%d)", s.ID, reason, total)
}

// EnforcePressure 执行一次内存压力检查与渐进回收
// 回收顺序: LRU空闲 → 最老的活跃 → 持续emergency时全量重置
func (t *Tracker) EnforcePressure() {
	t.mu.Lock()
	current := len(t.sessions)
	t.mu.Unlock()

	status := t.monitor.GetMemoryStatus()
	if status.MemoryPressure == "emergency" {
		t.emergencyStreak++
	} else {
		t.emergencyStreak = 0
	}

	// 连续3轮emergency,全量重置
	if t.emergencyStreak >= 3 {
		utils.Errorf("内存压力持续无法缓解,全量重置所有会话")
		t.Reset()
		t.emergencyStreak = 0
		t.publishAction("full_reset")
		return
	}

	shouldScale, targetCount, reason := t.monitor.ShouldScaleDown(current)
	if !shouldScale || targetCount >= current {
		return
	}

	utils.Warnf("内存压力回收会话: %d -> %d (%s)", current, targetCount, reason)

	// 先驱逐LRU空闲
	for t.sessionCount() > targetCount {
		t.mu.Lock()
		victim := t.lruIdleLocked()
		if victim == nil {
			t.mu.Unlock()
			break
		}
		delete(t.sessions, victim.ID)
		t.mu.Unlock()
		t.closeHandle(victim, "evict_idle")
		t.wakeWaiters()
	}

	// 空闲不够,驱逐最老的活跃会话
	for t.sessionCount() > targetCount {
		t.mu.Lock()
		victim := t.oldestActiveLocked()
		if victim == nil {
			t.mu.Unlock()
			break
		}
		delete(t.sessions, victim.ID)
		t.mu.Unlock()
		t.closeHandle(victim, "evict_active")
		t.wakeWaiters()
	}

	metrics.SetActiveSessions(t.sessionCount())
}

// DetectLeaks 执行一次泄漏检测扫描
// 对活跃时长远超预期的会话按持续倍数评分,只上报不自动终止
func (t *Tracker) DetectLeaks() []LeakReport {
	now := t.now()

	t.mu.Lock()
	suspects := make([]*Session, 0)
	for _, s := range t.sessions {
		if s.State() == StateIdle {
			continue
		}
		if s.ActiveDuration(now) > t.config.ExpectedActiveDuration {
			suspects = append(suspects, s)
		}
	}
	t.mu.Unlock()

	reports := make([]LeakReport, 0, len(suspects))
	for _, s := range suspects {
		activeFor := s.ActiveDuration(now)

		// 评分: 活跃时长达到预期3倍记满分
		score := float64(activeFor) / float64(3*t.config.ExpectedActiveDuration)
		if score > 1.0 {
			score = 1.0
		}
		if score >= 0.5 {
			s.markSuspect()
		}

		report := LeakReport{
			SessionID: s.ID,
			Target:    s.Target,
			Kind:      s.Kind,
			ActiveFor: activeFor,
			Age:       s.Age(now),
			Score:     score,
		}
		reports = append(reports, report)

		utils.Warnf("疑似泄漏会话: %s (站点=%s, 活跃%s, 置信度%.2f)",
			s.ID, s.Target, activeFor.Round(time.Second), score)
	}

	return reports
}

// TerminateLeak 终止一个疑似泄漏的会话 (带审计日志的显式操作)
func (t *Tracker) TerminateLeak(sessionID, operator string) error {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("会话不存在: %s", sessionID)
	}
	delete(t.sessions, sessionID)
	t.wakeOneLocked()
	total := len(t.sessions)
	t.mu.Unlock()

	metrics.SetActiveSessions(total)
	t.closeHandle(s, "leak_terminate")
	utils.Warnf("审计: 操作员[%s]终止疑似泄漏会话%s (站点=%s, 存活%s)",
		operator, sessionID, s.Target, s.Age(t.now()).Round(time.Second))
	return nil
}

// Reset 销毁所有会话 (全量重置)
func (t *Tracker) Reset() {
	t.mu.Lock()
	victims := make([]*Session, 0, len(t.sessions))
	for id, s := range t.sessions {
		victims = append(victims, s)
		delete(t.sessions, id)
	}
	t.wakeWaitersLocked()
	t.mu.Unlock()

	for _, s := range victims {
		t.closeHandle(s, "full_reset")
	}
	metrics.SetActiveSessions(0)
}

// Start 启动后台维护循环 (压力检查 + 泄漏检测)
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	// 已在运行,直接返回(幂等)
	if t.isRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancelFunc = cancel
	t.isRunning = true

	go t.maintenanceLoop(ctx)
}

// Stop 停止后台维护循环
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isRunning && t.cancelFunc != nil {
		t.cancelFunc()
		t.isRunning = false
		t.cancelFunc = nil
	}
}

// maintenanceLoop 后台维护循环
func (t *Tracker) maintenanceLoop(ctx context.Context) {
	pressureInterval := t.config.PressureScanInterval
	if pressureInterval <= 0 {
		pressureInterval = 15 * time.Second
	}
	leakInterval := t.config.LeakScanInterval
	if leakInterval <= 0 {
		leakInterval = time.Minute
	}

	pressureTicker := time.NewTicker(pressureInterval)
	leakTicker := time.NewTicker(leakInterval)
	defer pressureTicker.Stop()
	defer leakTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pressureTicker.C:
			t.EnforcePressure()
		case <-leakTicker.C:
			t.DetectLeaks()
		}
	}
}

// Close 关闭跟踪器并销毁所有会话
func (t *Tracker) Close() {
	t.Stop()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.Reset()
	utils.Info("资源跟踪器已关闭")
}

// Stats 返回按状态统计的会话数 (观测用)
func (t *Tracker) Stats() map[SessionState]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make(map[SessionState]int)
	for _, s := range t.sessions {
		stats[s.State()]++
	}
	return stats
}

// SessionCount 返回当前持有的会话总数
func (t *Tracker) SessionCount() int {
	return t.sessionCount()
}

func (t *Tracker) sessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ceilingLocked 计算当前生效的会话数上限
// 取配置上限与资源监控动态上限的较小值
func (t *Tracker) ceilingLocked() int {
	ceiling := t.config.MaxSessions
	if dynamic := t.monitor.CalculateMaxSessions(); dynamic < ceiling {
		ceiling = dynamic
	}
	if ceiling < 1 {
		ceiling = 1
	}
	return ceiling
}

// idleMatchLocked 查找同(站点,类型)的空闲会话
func (t *Tracker) idleMatchLocked(target string, kind SessionKind) *Session {
	for _, s := range t.sessions {
		if s.State() == StateIdle && s.Target == target && s.Kind == kind {
			return s
		}
	}
	return nil
}

// lruIdleLocked 查找最久未使用的空闲会话
func (t *Tracker) lruIdleLocked() *Session {
	var victim *Session
	for _, s := range t.sessions {
		if s.State() != StateIdle {
			continue
		}
		if victim == nil || s.LastUsed().Before(victim.LastUsed()) {
			victim = s
		}
	}
	return victim
}

// oldestActiveLocked 查找最早创建的非空闲会话
func (t *Tracker) oldestActiveLocked() *Session {
	var victim *Session
	for _, s := range t.sessions {
		if s.State() == StateIdle {
			continue
		}
		if victim == nil || s.CreatedAt.Before(victim.CreatedAt) {
			victim = s
		}
	}
	return victim
}

// closeHandle 关闭底层句柄并发布资源动作事件
func (t *Tracker) closeHandle(s *Session, action string) {
	if err := s.Handle.Close(); err != nil {
		utils.Warnf("关闭会话[%s]句柄失败: %v", s.ID, err)
	}
	t.publishAction(action)
}

// publishAction 发布资源管理动作事件
func (t *Tracker) publishAction(action string) {
	if t.bus != nil {
		t.bus.Publish(metrics.Event{
			Kind:  metrics.EventResourceAction,
			Label: action,
		})
	}
}

// wakeOneLocked 唤醒一个排队等待的调用方
// 调用方必须持有锁
func (t *Tracker) wakeOneLocked() {
	if len(t.waiters) == 0 {
		return
	}
	ch := t.waiters[0]
	t.waiters = t.waiters[1:]
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wakeWaitersLocked 唤醒所有排队的调用方
func (t *Tracker) wakeWaitersLocked() {
	for _, ch := range t.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	t.waiters = t.waiters[:0]
}

func (t *Tracker) wakeWaiters() {
	t.mu.Lock()
	t.wakeWaitersLocked()
	t.mu.Unlock()
}

// removeWaiter 从等待队列移除一个已放弃的调用方
func (t *Tracker) removeWaiter(ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range t.waiters {
		if w == ch {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}
