package recovery

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/AshenVoyage/farecrawl/internal/models"
)

// ClassifiedError 带分类标签的错误
// 适配器和资源层在失败点最清楚错误性质,可以直接打上分类标签;
// 未打标签的错误由分类器按错误特征推断
type ClassifiedError struct {
	Category models.ErrorCategory
	Err      error
}

// Error 实现error接口
func (e *ClassifiedError) Error() string {
	return string(e.Category) + ": " + e.Err.Error()
}

// Unwrap 支持errors.Is/As链
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Wrap 给错误打上分类标签
func Wrap(category models.ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Category: category, Err: err}
}

// Classifier 错误分类器
// 职责: 把适配器调用的任何失败映射到封闭分类体系中的一个分类
type Classifier struct{}

// NewClassifier 创建分类器
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify 推断错误分类
// 未能识别的错误落入unknown (保守处理: 高严重度,不自动重试)
func (c *Classifier) Classify(err error) models.ErrorCategory {
	if err == nil {
		return models.ErrCategoryUnknown
	}

	// 已打标签的错误直接采用标签
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category
	}

	// context超时
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrCategoryTimeout
	}

	// 网络层错误
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrCategoryTimeout
		}
		return models.ErrCategoryNetwork
	}

	// 按错误信息特征推断
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return models.ErrCategoryTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"):
		return models.ErrCategoryNetwork
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return models.ErrCategoryRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return models.ErrCategoryAuthentication
	case strings.Contains(msg, "captcha") || strings.Contains(msg, "challenge"):
		return models.ErrCategoryAntiBot
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "unexpected token"):
		return models.ErrCategoryParsing
	case strings.Contains(msg, "browser") || strings.Contains(msg, "page crashed"):
		return models.ErrCategoryBrowser
	case strings.Contains(msg, "navigation") || strings.Contains(msg, "navigate"):
		return models.ErrCategoryNavigation
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "resource"):
		return models.ErrCategoryResource
	}

	return models.ErrCategoryUnknown
}
