package models

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// TargetCategory 目标站点类别
// 不同类别对应不同的熔断耐心度: 已知反爬激进的站点更快熔断
type TargetCategory string

const (
	CategoryStandard   TargetCategory = "standard"   // 常规站点
	CategoryAggressive TargetCategory = "aggressive" // 反爬激进站点
	CategoryFragile    TargetCategory = "fragile"    // 可用性差的站点
)

// RatePolicy 目标站点的限流策略
type RatePolicy struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"` // 每分钟请求上限
	RequestsPerHour   int `json:"requests_per_hour" mapstructure:"requests_per_hour"`     // 每小时请求上限
	Burst             int `json:"burst" mapstructure:"burst"`                             // 突发允许量
}

// Validate 验证限流策略
func (p *RatePolicy) Validate() error {
	if p.RequestsPerMinute < 1 {
		return fmt.Errorf("每分钟请求数必须大于0")
	}
	if p.RequestsPerHour < p.RequestsPerMinute {
		return fmt.Errorf("每小时请求数不能小于每分钟请求数")
	}
	if p.Burst < 1 {
		return fmt.Errorf("突发允许量必须大于0")
	}
	return nil
}

// AntiBotProfile 目标站点已知的反自动化防御特征
// 只描述防御的存在与否,不涉及任何绕过手段
type AntiBotProfile struct {
	Captcha            bool `json:"captcha" mapstructure:"captcha"`                         // 存在验证码
	FingerprintChecks  bool `json:"fingerprint_checks" mapstructure:"fingerprint_checks"`   // 存在浏览器指纹检测
	RequiresBrowser    bool `json:"requires_browser" mapstructure:"requires_browser"`       // 必须使用真实浏览器会话
	AggressiveBlocking bool `json:"aggressive_blocking" mapstructure:"aggressive_blocking"` // 封禁策略激进
}

// Target 被爬取的外部站点
// 配置加载时创建,运行期仅由编排器记录成功/失败,不会被删除(只停用)
type Target struct {
	Code     string         `json:"code" mapstructure:"code"`         // 站点代码 (如 alibaba, flytoday)
	Name     string         `json:"name" mapstructure:"name"`         // 站点显示名
	BaseURL  string         `json:"base_url" mapstructure:"base_url"` // 基础端点
	Category TargetCategory `json:"category" mapstructure:"category"` // 站点类别
	Rate     RatePolicy     `json:"rate" mapstructure:"rate"`         // 限流策略
	AntiBot  AntiBotProfile `json:"anti_bot" mapstructure:"anti_bot"` // 反自动化特征

	// 运行期状态
	active      bool
	lastSuccess time.Time
	mu          sync.RWMutex
}

// NewTarget 创建目标站点
func NewTarget(code, name, baseURL string, category TargetCategory, rate RatePolicy, antiBot AntiBotProfile) (*Target, error) {
	if code == "" {
		return nil, fmt.Errorf("站点代码不能为空")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("基础端点无效: %s", baseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("基础端点协议必须是http或https: %s", baseURL)
	}

	if err := rate.Validate(); err != nil {
		return nil, fmt.Errorf("站点[%s]限流策略无效: %w", code, err)
	}

	if category == "" {
		category = CategoryStandard
	}

	return &Target{
		Code:     code,
		Name:     name,
		BaseURL:  baseURL,
		Category: category,
		Rate:     rate,
		AntiBot:  antiBot,
		active:   true,
	}, nil
}

// Active 返回站点是否处于激活状态
func (t *Target) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Deactivate 停用站点 (运行期不删除站点,只停用)
func (t *Target) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

// Activate 重新激活站点
func (t *Target) Activate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = true
}

// RecordSuccess 记录最近一次成功时间
func (t *Target) RecordSuccess(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSuccess = at
}

// LastSuccess 返回最近一次成功时间
func (t *Target) LastSuccess() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSuccess
}
