package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ErrorCategory 错误分类
// 封闭的分类体系: 任何未识别的失败落入CategoryUnknown,不会被静默重试
type ErrorCategory string

const (
	ErrCategoryNetwork        ErrorCategory = "network"        // 网络错误
	ErrCategoryTimeout        ErrorCategory = "timeout"        // 超时
	ErrCategoryParsing        ErrorCategory = "parsing"        // 解析失败
	ErrCategoryValidation     ErrorCategory = "validation"     // 数据验证失败
	ErrCategoryAuthentication ErrorCategory = "authentication" // 认证失败
	ErrCategoryRateLimit      ErrorCategory = "rate_limit"     // 被目标站点限流
	ErrCategoryAntiBot        ErrorCategory = "anti_bot"       // 反爬/验证码拦截
	ErrCategoryResource       ErrorCategory = "resource"       // 本地资源不足
	ErrCategoryBrowser        ErrorCategory = "browser"        // 浏览器会话故障
	ErrCategoryNavigation     ErrorCategory = "navigation"     // 页面导航失败
	ErrCategoryFormFilling    ErrorCategory = "form_filling"   // 表单填写失败
	ErrCategoryUnknown        ErrorCategory = "unknown"        // 未分类 (保守处理,不自动重试)
)

// Severity 错误严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryAction 恢复动作
type RecoveryAction string

const (
	ActionRetryBackoff       RecoveryAction = "retry_backoff"       // 指数退避重试
	ActionRefresh            RecoveryAction = "refresh"             // 重新导航/刷新
	ActionInvalidateSession  RecoveryAction = "invalidate_session"  // 作废会话状态
	ActionRotateIdentity     RecoveryAction = "rotate_identity"     // 轮换身份 (User-Agent/代理)
	ActionFallbackExtraction RecoveryAction = "fallback_extraction" // 降级到简化提取路径
	ActionEscalate           RecoveryAction = "escalate"            // 升级给操作员,不自动重试
	ActionNone               RecoveryAction = "none"                // 无恢复动作
)

// ErrorRecord 一条已处理的错误记录
// 由错误分类器追加,模式检测器读取用于关联分析,超出滚动窗口后被清理
type ErrorRecord struct {
	ID        string         `json:"id"`         // 记录唯一ID
	Target    string         `json:"target"`     // 站点代码
	Category  ErrorCategory  `json:"category"`   // 错误分类
	Severity  Severity       `json:"severity"`   // 严重程度
	Message   string         `json:"message"`    // 原始错误信息
	Action    RecoveryAction `json:"action"`     // 选择的恢复动作
	Attempt   int            `json:"attempt"`    // 第几次尝试 (从1开始)
	Timestamp time.Time      `json:"timestamp"`  // 发生时间
	RequestID string         `json:"request_id"` // 关联的爬取请求ID
}

// NewErrorRecord 创建错误记录
func NewErrorRecord(target string, category ErrorCategory, severity Severity, message string, action RecoveryAction, attempt int, requestID string) ErrorRecord {
	return ErrorRecord{
		ID:        uuid.New().String(),
		Target:    target,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Action:    action,
		Attempt:   attempt,
		Timestamp: time.Now(),
		RequestID: requestID,
	}
}

// ToJSON 序列化为JSON
func (e *ErrorRecord) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
