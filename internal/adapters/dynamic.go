package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/recovery"
	"github.com/AshenVoyage/farecrawl/internal/resources"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// pageProvider 浏览器会话句柄提供的能力
type pageProvider interface {
	Page() *rod.Page
}

// defaultExtractScript 默认提取脚本
// 页面约定把查询结果挂在window.__FARE_RESULTS__上,序列化为票价载荷JSON
const defaultExtractScript = `() => {
	if (typeof window.__FARE_RESULTS__ === 'undefined' || window.__FARE_RESULTS__ === null) {
		return "";
	}
	return JSON.stringify(window.__FARE_RESULTS__);
}`

// DynamicConfig 动态适配器配置
type DynamicConfig struct {
	Code            string        `mapstructure:"code"`             // 站点代码
	SearchURL       string        `mapstructure:"search_url"`       // 查询URL模板
	ResultsSelector string        `mapstructure:"results_selector"` // 结果就绪的CSS选择器
	ExtractScript   string        `mapstructure:"extract_script"`   // 提取脚本 (空则用默认约定)
	Timeout         time.Duration `mapstructure:"timeout"`          // 单次查询超时
}

// DynamicAdapter 通用动态站点适配器
// 职责: 对需要执行JavaScript才出结果的站点,用无头浏览器导航到查询页,
// 等待结果渲染,执行提取脚本拿到票价载荷
type DynamicAdapter struct {
	config DynamicConfig
}

// NewDynamicAdapter 创建动态适配器
func NewDynamicAdapter(config DynamicConfig) *DynamicAdapter {
	if config.Timeout <= 0 {
		config.Timeout = 45 * time.Second
	}
	if config.ExtractScript == "" {
		config.ExtractScript = defaultExtractScript
	}
	return &DynamicAdapter{config: config}
}

// Code 站点代码
func (a *DynamicAdapter) Code() string {
	return a.config.Code
}

// SessionKind 动态适配器使用浏览器会话
func (a *DynamicAdapter) SessionKind() resources.SessionKind {
	return resources.KindBrowser
}

// Search 执行一次查询
func (a *DynamicAdapter) Search(ctx context.Context, session *resources.Session, params models.SearchParams) (*RawPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	provider, ok := session.Handle.(pageProvider)
	if !ok {
		return nil, recovery.Wrap(models.ErrCategoryResource,
			fmt.Errorf("站点[%s]适配器需要浏览器会话,收到%s", a.config.Code, session.Kind))
	}

	searchURL, err := a.buildURL(params)
	if err != nil {
		return nil, recovery.Wrap(models.ErrCategoryValidation, err)
	}

	page := provider.Page().Context(ctx).Timeout(a.config.Timeout)

	utils.Debugf("站点[%s]浏览器导航: %s", a.config.Code, searchURL)
	if err := page.Navigate(searchURL); err != nil {
		return nil, recovery.Wrap(models.ErrCategoryNavigation,
			fmt.Errorf("站点[%s]导航失败: %w", a.config.Code, err))
	}
	if err := page.WaitLoad(); err != nil {
		return nil, recovery.Wrap(models.ErrCategoryNavigation,
			fmt.Errorf("站点[%s]页面加载失败: %w", a.config.Code, err))
	}

	// 等待结果节点渲染出来
	if a.config.ResultsSelector != "" {
		if _, err := page.Element(a.config.ResultsSelector); err != nil {
			return nil, recovery.Wrap(models.ErrCategoryNavigation,
				fmt.Errorf("站点[%s]等待结果节点[%s]超时: %w", a.config.Code, a.config.ResultsSelector, err))
		}
	}

	obj, err := page.Evaluate(&rod.EvalOptions{JS: a.config.ExtractScript})
	if err != nil {
		return nil, recovery.Wrap(models.ErrCategoryBrowser,
			fmt.Errorf("站点[%s]执行提取脚本失败: %w", a.config.Code, err))
	}

	body := obj.Value.Str()
	if body == "" {
		return nil, recovery.Wrap(models.ErrCategoryParsing,
			fmt.Errorf("站点[%s]页面未暴露票价结果", a.config.Code))
	}

	return &RawPayload{
		Body:        []byte(body),
		ContentType: "application/json",
		FetchedAt:   time.Now(),
	}, nil
}

// Validate 解析并归一化票价载荷
func (a *DynamicAdapter) Validate(raw *RawPayload) ([]models.FlightRecord, error) {
	return parseFarePayload(a.config.Code, raw)
}

// buildURL 按查询参数展开URL模板
func (a *DynamicAdapter) buildURL(params models.SearchParams) (string, error) {
	returnDate := ""
	if params.ReturnDate != nil {
		returnDate = params.ReturnDate.Format("2006-01-02")
	}

	replacer := strings.NewReplacer(
		"{origin}", url.QueryEscape(params.Origin),
		"{destination}", url.QueryEscape(params.Destination),
		"{depart}", params.DepartDate.Format("2006-01-02"),
		"{return}", returnDate,
		"{passengers}", strconv.Itoa(params.Passengers),
		"{cabin}", string(params.Cabin),
	)
	result := replacer.Replace(a.config.SearchURL)

	if _, err := url.Parse(result); err != nil {
		return "", fmt.Errorf("站点[%s]查询URL无效: %w", a.config.Code, err)
	}
	return result, nil
}
