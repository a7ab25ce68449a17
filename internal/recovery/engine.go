package recovery

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/metrics"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// CategoryPolicy 单个错误分类的处理策略
type CategoryPolicy struct {
	Severity            models.Severity       `mapstructure:"severity"`             // 默认严重程度
	Retryable           bool                  `mapstructure:"retryable"`            // 是否允许自动重试
	MaxRetries          int                   `mapstructure:"max_retries"`          // 单条尝试链的重试上限
	CountsTowardBreaker bool                  `mapstructure:"counts_toward_breaker"` // 是否计入熔断器失败
	EscalationThreshold int                   `mapstructure:"escalation_threshold"` // 连续出现多少次后视为严重
	Action              models.RecoveryAction `mapstructure:"action"`               // 恢复动作
}

// DefaultPolicies 默认分类策略表
// 认证和反爬分类默认不自动重试 (升级给操作员处理)
func DefaultPolicies() map[models.ErrorCategory]CategoryPolicy {
	return map[models.ErrorCategory]CategoryPolicy{
		models.ErrCategoryNetwork: {
			Severity: models.SeverityMedium, Retryable: true, MaxRetries: 3,
			CountsTowardBreaker: true, EscalationThreshold: 10,
			Action: models.ActionRetryBackoff,
		},
		models.ErrCategoryTimeout: {
			Severity: models.SeverityMedium, Retryable: true, MaxRetries: 3,
			CountsTowardBreaker: true, EscalationThreshold: 10,
			Action: models.ActionRetryBackoff,
		},
		models.ErrCategoryParsing: {
			Severity: models.SeverityMedium, Retryable: true, MaxRetries: 1,
			CountsTowardBreaker: false, EscalationThreshold: 5,
			Action: models.ActionFallbackExtraction,
		},
		models.ErrCategoryValidation: {
			Severity: models.SeverityMedium, Retryable: true, MaxRetries: 1,
			CountsTowardBreaker: false, EscalationThreshold: 5,
			Action: models.ActionFallbackExtraction,
		},
		models.ErrCategoryAuthentication: {
			Severity: models.SeverityHigh, Retryable: false, MaxRetries: 0,
			CountsTowardBreaker: true, EscalationThreshold: 3,
			Action: models.ActionEscalate,
		},
		models.ErrCategoryRateLimit: {
			Severity: models.SeverityMedium, Retryable: true, MaxRetries: 2,
			CountsTowardBreaker: false, EscalationThreshold: 5,
			Action: models.ActionRotateIdentity,
		},
		models.ErrCategoryAntiBot: {
			Severity: models.SeverityCritical, Retryable: false, MaxRetries: 0,
			CountsTowardBreaker: true, EscalationThreshold: 2,
			Action: models.ActionEscalate,
		},
		models.ErrCategoryResource: {
			Severity: models.SeverityHigh, Retryable: true, MaxRetries: 2,
			CountsTowardBreaker: false, EscalationThreshold: 5,
			Action: models.ActionRetryBackoff,
		},
		models.ErrCategoryBrowser: {
			Severity: models.SeverityHigh, Retryable: true, MaxRetries: 2,
			CountsTowardBreaker: false, EscalationThreshold: 5,
			Action: models.ActionInvalidateSession,
		},
		models.ErrCategoryNavigation: {
			Severity: models.SeverityMedium, Retryable: true, MaxRetries: 2,
			CountsTowardBreaker: true, EscalationThreshold: 8,
			Action: models.ActionRefresh,
		},
		models.ErrCategoryFormFilling: {
			Severity: models.SeverityMedium, Retryable: true, MaxRetries: 2,
			CountsTowardBreaker: false, EscalationThreshold: 5,
			Action: models.ActionRefresh,
		},
		models.ErrCategoryUnknown: {
			Severity: models.SeverityHigh, Retryable: false, MaxRetries: 0,
			CountsTowardBreaker: true, EscalationThreshold: 3,
			Action: models.ActionNone,
		},
	}
}

// Config 恢复引擎配置
type Config struct {
	BackoffBase    time.Duration `mapstructure:"backoff_base"`    // 退避基础时长
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"` // 退避硬上限
	MaxRetriesCap  int           `mapstructure:"max_retries_cap"` // 所有分类的重试硬上限
}

// DefaultConfig 默认恢复引擎配置
func DefaultConfig() Config {
	return Config{
		BackoffBase:    500 * time.Millisecond,
		BackoffCeiling: 30 * time.Second,
		MaxRetriesCap:  5,
	}
}

// Decision 对单次失败的处理决策
// 恢复策略是(分类,尝试次数)的纯函数,不依赖异常层级
type Decision struct {
	Category            models.ErrorCategory  // 错误分类
	Action              models.RecoveryAction // 选择的恢复动作
	Retry               bool                  // 是否继续重试
	Wait                time.Duration         // 重试前等待时长
	CountsTowardBreaker bool                  // 是否计入熔断器失败
	Severity            models.Severity       // 严重程度
}

// Engine 错误分类与恢复引擎
// 职责: 分类失败,查策略表选恢复动作,驱动有界重试,记录ErrorRecord并喂给模式检测器
type Engine struct {
	config     Config
	classifier *Classifier
	policies   map[models.ErrorCategory]CategoryPolicy
	policiesMu sync.RWMutex // 保护policies的热更新
	detector   *PatternDetector
	bus        *metrics.Bus
}

// NewEngine 创建恢复引擎
func NewEngine(config Config, policies map[models.ErrorCategory]CategoryPolicy, detector *PatternDetector, bus *metrics.Bus) *Engine {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if config.MaxRetriesCap < 1 {
		config.MaxRetriesCap = 5
	}

	return &Engine{
		config:     config,
		classifier: NewClassifier(),
		policies:   policies,
		detector:   detector,
		bus:        bus,
	}
}

// Decide 对一次失败做出决策
// attempt从1开始计数 (第1次尝试失败 → attempt=1)
func (e *Engine) Decide(err error, attempt int) Decision {
	category := e.classifier.Classify(err)

	e.policiesMu.RLock()
	policy, ok := e.policies[category]
	if !ok {
		// 策略表缺失的分类按unknown保守处理
		policy = e.policies[models.ErrCategoryUnknown]
		category = models.ErrCategoryUnknown
	}
	e.policiesMu.RUnlock()

	maxRetries := policy.MaxRetries
	if maxRetries > e.config.MaxRetriesCap {
		maxRetries = e.config.MaxRetriesCap
	}

	decision := Decision{
		Category:            category,
		Action:              policy.Action,
		CountsTowardBreaker: policy.CountsTowardBreaker,
		Severity:            policy.Severity,
	}

	if policy.Retryable && attempt <= maxRetries {
		decision.Retry = true
		decision.Wait = e.backoff(attempt)
	}

	return decision
}

// Handle 处理一次失败: 决策+记录+发布
// 返回决策和已入账的错误记录
func (e *Engine) Handle(target, requestID string, err error, attempt int) (Decision, models.ErrorRecord) {
	decision := e.Decide(err, attempt)

	record := models.NewErrorRecord(
		target, decision.Category, decision.Severity,
		err.Error(), decision.Action, attempt, requestID,
	)

	if e.detector != nil {
		e.detector.Add(record)
	}
	if e.bus != nil {
		e.bus.Publish(metrics.Event{
			Kind:   metrics.EventErrorRecorded,
			Target: target,
			Label:  string(decision.Category),
		})
	}

	utils.Debugf("站点[%s]错误已分类: %s (第%d次尝试, 动作=%s, 重试=%v)",
		target, decision.Category, attempt, decision.Action, decision.Retry)

	return decision, record
}

// Wait 执行退避等待,支持取消
// 取消时返回ctx错误,调用方应终止尝试链
func (e *Engine) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff 计算第attempt次失败后的指数退避时长
func (e *Engine) backoff(attempt int) time.Duration {
	d := time.Duration(float64(e.config.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > e.config.BackoffCeiling {
		d = e.config.BackoffCeiling
	}
	return d
}

// UpdatePolicies 热更新分类策略表
func (e *Engine) UpdatePolicies(policies map[models.ErrorCategory]CategoryPolicy) {
	if policies == nil {
		return
	}
	e.policiesMu.Lock()
	e.policies = policies
	e.policiesMu.Unlock()
}
