package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// AlertLevel 告警升级等级
// 按异常条件持续时长逐级升级: 日志 → 通知 → 紧急停止
type AlertLevel string

const (
	AlertLevelLog       AlertLevel = "log"
	AlertLevelNotify    AlertLevel = "notify"
	AlertLevelEmergency AlertLevel = "emergency_stop"
)

// Alert 模式检测产生的告警
type Alert struct {
	Target    string               `json:"target"`
	Category  models.ErrorCategory `json:"category"`
	Count     int                  `json:"count"`      // 窗口内出现次数
	Level     AlertLevel           `json:"level"`      // 升级等级
	Since     time.Time            `json:"since"`      // 条件首次检出时间
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// DetectorConfig 模式检测器配置
type DetectorConfig struct {
	Window               time.Duration `mapstructure:"window"`                // 滚动关联窗口
	CorrelationThreshold int           `mapstructure:"correlation_threshold"` // 窗口内同(站点,分类)次数阈值
	ScanInterval         time.Duration `mapstructure:"scan_interval"`         // 周期扫描间隔
	AlertMinInterval     time.Duration `mapstructure:"alert_min_interval"`    // 同一告警键的最小告警间隔
	NotifyAfter          time.Duration `mapstructure:"notify_after"`          // 持续超过此时长升级为notify
	EmergencyAfter       time.Duration `mapstructure:"emergency_after"`       // 持续超过此时长升级为紧急停止
}

// DefaultDetectorConfig 默认检测器配置
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:               10 * time.Minute,
		CorrelationThreshold: 8,
		ScanInterval:         30 * time.Second,
		AlertMinInterval:     2 * time.Minute,
		NotifyAfter:          5 * time.Minute,
		EmergencyAfter:       15 * time.Minute,
	}
}

// patternKey 关联分析的分组键
type patternKey struct {
	target   string
	category models.ErrorCategory
}

// PatternDetector 错误模式检测器
// 职责: 在滚动窗口内关联重复的(站点,分类)错误,超阈值时产生限频告警,
// 并按条件持续时长逐级升级
type PatternDetector struct {
	config DetectorConfig

	// 滚动窗口内的错误记录
	records []models.ErrorRecord
	mu      sync.Mutex

	// 每个告警键的首次检出时间和最近告警时间
	firstDetected map[patternKey]time.Time
	lastAlert     map[patternKey]time.Time

	// 告警回调
	onNotify    func(Alert)
	onEmergency func(target string)

	now func() time.Time

	// 扫描goroutine控制
	cancelFunc context.CancelFunc
	isRunning  bool
}

// NewPatternDetector 创建模式检测器
func NewPatternDetector(config DetectorConfig) *PatternDetector {
	if config.Window <= 0 {
		config.Window = 10 * time.Minute
	}
	if config.CorrelationThreshold < 1 {
		config.CorrelationThreshold = 8
	}

	return &PatternDetector{
		config:        config,
		records:       make([]models.ErrorRecord, 0),
		firstDetected: make(map[patternKey]time.Time),
		lastAlert:     make(map[patternKey]time.Time),
		now:           time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (pd *PatternDetector) SetClock(now func() time.Time) {
	pd.now = now
}

// OnNotify 注册notify级告警回调
func (pd *PatternDetector) OnNotify(fn func(Alert)) {
	pd.onNotify = fn
}

// OnEmergencyStop 注册紧急停止回调 (由编排器停用站点)
func (pd *PatternDetector) OnEmergencyStop(fn func(target string)) {
	pd.onEmergency = fn
}

// Add 追加错误记录并清理窗口外的旧记录
func (pd *PatternDetector) Add(record models.ErrorRecord) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	pd.records = append(pd.records, record)
	pd.pruneLocked()
}

// Start 启动周期扫描
func (pd *PatternDetector) Start() {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	// 已在运行,直接返回(幂等)
	if pd.isRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pd.cancelFunc = cancel
	pd.isRunning = true

	go pd.scanLoop(ctx)
}

// Stop 停止周期扫描
func (pd *PatternDetector) Stop() {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.isRunning && pd.cancelFunc != nil {
		pd.cancelFunc()
		pd.isRunning = false
		pd.cancelFunc = nil
	}
}

// scanLoop 后台扫描循环
func (pd *PatternDetector) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(pd.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pd.Scan()
		}
	}
}

// Scan 执行一次关联分析,返回产生的告警
// 对窗口内每个超阈值的(站点,分类)组合,按持续时长决定升级等级,
// 同一告警键受最小告警间隔限频
func (pd *PatternDetector) Scan() []Alert {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	now := pd.now()
	pd.pruneLocked()

	// 按(站点,分类)统计窗口内次数
	counts := make(map[patternKey]int)
	for _, r := range pd.records {
		counts[patternKey{target: r.Target, category: r.Category}]++
	}

	// 条件已低于阈值或完全滑出窗口的键: 清除首次检出时间,
	// 否则过期的检出时间会把新一轮短暂爆发直接推到升级等级
	for key := range pd.firstDetected {
		if counts[key] < pd.config.CorrelationThreshold {
			delete(pd.firstDetected, key)
		}
	}
	// 已消失的键同时清理限频记录,防止无界增长
	for key := range pd.lastAlert {
		if _, present := counts[key]; !present {
			delete(pd.lastAlert, key)
		}
	}

	alerts := make([]Alert, 0)
	for key, count := range counts {
		if count < pd.config.CorrelationThreshold {
			continue
		}

		// 记录条件首次检出时间
		since, ok := pd.firstDetected[key]
		if !ok {
			since = now
			pd.firstDetected[key] = now
		}

		// 告警限频
		if last, ok := pd.lastAlert[key]; ok && now.Sub(last) < pd.config.AlertMinInterval {
			continue
		}
		pd.lastAlert[key] = now

		// 按持续时长决定升级等级
		persisted := now.Sub(since)
		level := AlertLevelLog
		switch {
		case persisted >= pd.config.EmergencyAfter:
			level = AlertLevelEmergency
		case persisted >= pd.config.NotifyAfter:
			level = AlertLevelNotify
		}

		alert := Alert{
			Target:    key.target,
			Category:  key.category,
			Count:     count,
			Level:     level,
			Since:     since,
			Message:   fmt.Sprintf("站点[%s]在窗口内出现%d次[%s]错误 (已持续%s)", key.target, count, key.category, persisted.Round(time.Second)),
			Timestamp: now,
		}
		alerts = append(alerts, alert)
		pd.dispatch(alert)
	}

	return alerts
}

// dispatch 按等级分发告警
func (pd *PatternDetector) dispatch(alert Alert) {
	switch alert.Level {
	case AlertLevelLog:
		utils.Warnf("错误模式检出: %s", alert.Message)
	case AlertLevelNotify:
		utils.Errorf("错误模式升级: %s", alert.Message)
		if pd.onNotify != nil {
			pd.onNotify(alert)
		}
	case AlertLevelEmergency:
		utils.Errorf("错误模式紧急升级,停止站点[%s]: %s", alert.Target, alert.Message)
		if pd.onEmergency != nil {
			pd.onEmergency(alert.Target)
		}
	}
}

// WindowSize 返回当前窗口内的记录数 (观测用)
func (pd *PatternDetector) WindowSize() int {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return len(pd.records)
}

// pruneLocked 清理窗口外的旧记录
// 调用方必须持有锁
func (pd *PatternDetector) pruneLocked() {
	cutoff := pd.now().Add(-pd.config.Window)
	kept := pd.records[:0]
	for _, r := range pd.records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	pd.records = kept
}
