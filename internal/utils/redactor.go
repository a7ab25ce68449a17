package utils

import (
	"net/http"
	"strings"
)

// sensitiveKeywords 敏感头部名称关键字
// 出站身份日志里凡是名称含这些关键字的头部都要脱敏
var sensitiveKeywords = []string{
	"authorization",
	"token",
	"key",
	"secret",
	"password",
	"credential",
	"cookie",
}

// HeaderRedactor 头部脱敏器
// 职责: 出站身份(User-Agent/代理凭证/会话Cookie)写日志前脱敏,
// 防止站点会话凭证进入日志文件
type HeaderRedactor struct {
	keywords []string
}

// NewHeaderRedactor 创建头部脱敏器
func NewHeaderRedactor() *HeaderRedactor {
	return &HeaderRedactor{keywords: sensitiveKeywords}
}

// IsSensitiveHeader 按名称关键字判断头部是否敏感
func (hr *HeaderRedactor) IsSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, keyword := range hr.keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// RedactHeaderValue 脱敏单个头部值
// Bearer令牌只留方案前缀;Cookie逐对掩码保留键名;其余长值留首尾4位
func (hr *HeaderRedactor) RedactHeaderValue(name, value string) string {
	if !hr.IsSensitiveHeader(name) {
		return value
	}

	if strings.HasPrefix(value, "Bearer ") {
		return "Bearer ***"
	}

	if strings.EqualFold(name, "Cookie") {
		return redactCookiePairs(value)
	}

	if len(value) > 8 {
		return value[:4] + "***" + value[len(value)-4:]
	}
	return "***"
}

// redactCookiePairs 掩码Cookie值但保留键名
// 保留键名是为了排查会话问题时还能看出站点发了哪些cookie
func redactCookiePairs(value string) string {
	pairs := strings.Split(value, ";")
	for i, pair := range pairs {
		if name, _, ok := strings.Cut(pair, "="); ok {
			pairs[i] = strings.TrimSpace(name) + "=***"
		} else {
			pairs[i] = "***"
		}
	}
	return strings.Join(pairs, "; ")
}

// Redact 脱敏整个http.Header,返回可安全写日志的map
func (hr *HeaderRedactor) Redact(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		result[name] = hr.RedactHeaderValue(name, values[0])
	}
	return result
}

// RedactToString 脱敏后格式化为单行字符串 (日志输出用)
func (hr *HeaderRedactor) RedactToString(headers http.Header) string {
	redacted := hr.Redact(headers)
	parts := make([]string, 0, len(redacted))
	for name, value := range redacted {
		parts = append(parts, name+": "+value)
	}
	return strings.Join(parts, ", ")
}
