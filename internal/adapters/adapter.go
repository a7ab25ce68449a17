package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/resources"
)

// RawPayload 适配器抓取到的原始响应
type RawPayload struct {
	Body        []byte    // 已解压的响应体
	ContentType string    // Content-Type
	StatusCode  int       // HTTP状态码 (浏览器抓取为0)
	FetchedAt   time.Time // 抓取时间
}

// Adapter 站点适配器契约
// 适配器只负责抓取和解析,不感知限流/熔断/缓存等编排细节;
// 会话由资源跟踪器借给适配器,适配器不拥有其生命周期
type Adapter interface {
	// Code 站点代码 (小写)
	Code() string

	// SessionKind 适配器需要的会话类型
	SessionKind() resources.SessionKind

	// Search 执行一次查询,返回原始载荷
	Search(ctx context.Context, session *resources.Session, params models.SearchParams) (*RawPayload, error)

	// Validate 解析并归一化原始载荷
	Validate(raw *RawPayload) ([]models.FlightRecord, error)
}

// FallbackExtractor 降级提取路径 (可选实现)
// 主解析失败时,恢复引擎以fallback_extraction动作触发宽松提取
type FallbackExtractor interface {
	ExtractFallback(raw *RawPayload) ([]models.FlightRecord, error)
}

// Registry 适配器注册表,按站点代码索引
type Registry struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewRegistry 创建适配器注册表
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register 注册适配器,重复注册同一代码返回错误
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := a.Code()
	if _, exists := r.adapters[code]; exists {
		return fmt.Errorf("站点适配器重复注册: %s", code)
	}
	r.adapters[code] = a
	return nil
}

// Get 按站点代码查找适配器
func (r *Registry) Get(code string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[code]
	return a, ok
}

// Codes 返回所有已注册的站点代码 (排序后)
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
