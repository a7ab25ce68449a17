package adapters

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html"

	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/recovery"
	"github.com/AshenVoyage/farecrawl/internal/resources"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// httpClientProvider HTTP会话句柄提供的能力
type httpClientProvider interface {
	Client() *http.Client
}

// StaticConfig 静态适配器配置
type StaticConfig struct {
	Code      string        `mapstructure:"code"`       // 站点代码
	SearchURL string        `mapstructure:"search_url"` // 查询URL模板
	Timeout   time.Duration `mapstructure:"timeout"`    // 单次查询超时
}

// StaticAdapter 通用静态站点适配器
// 职责: 对提供JSON查询接口的站点发起HTTP查询,解析票价载荷,
// 主解析失败时提供基于HTML标注的降级提取路径
// 站点专属的页面结构逻辑不在这里: 本适配器只处理通用的载荷形状
type StaticAdapter struct {
	config   StaticConfig
	identity *IdentityPool
}

// NewStaticAdapter 创建静态适配器
func NewStaticAdapter(config StaticConfig, identity *IdentityPool) *StaticAdapter {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if identity == nil {
		identity = NewIdentityPool(nil)
	}
	return &StaticAdapter{config: config, identity: identity}
}

// Code 站点代码
func (a *StaticAdapter) Code() string {
	return a.config.Code
}

// SessionKind 静态适配器使用HTTP会话
func (a *StaticAdapter) SessionKind() resources.SessionKind {
	return resources.KindHTTP
}

// Search 执行一次查询
func (a *StaticAdapter) Search(ctx context.Context, session *resources.Session, params models.SearchParams) (*RawPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	provider, ok := session.Handle.(httpClientProvider)
	if !ok {
		return nil, recovery.Wrap(models.ErrCategoryResource,
			fmt.Errorf("站点[%s]适配器需要HTTP会话,收到%s", a.config.Code, session.Kind))
	}

	searchURL, err := a.buildURL(params)
	if err != nil {
		return nil, recovery.Wrap(models.ErrCategoryValidation, err)
	}

	c := colly.NewCollector()
	c.SetClient(provider.Client())
	c.SetRequestTimeout(a.config.Timeout)

	var payload *RawPayload
	var fetchErr error

	c.OnRequest(func(r *colly.Request) {
		for name, values := range a.identity.Headers() {
			if len(values) > 0 {
				r.Headers.Set(name, values[0])
			}
		}
		utils.Debugf("站点[%s]查询: %s", a.config.Code, r.URL.String())
	})

	c.OnResponse(func(r *colly.Response) {
		body := r.Body
		encoding := r.Headers.Get("Content-Encoding")
		if encoding != "" {
			decompressed, derr := decompressBody(encoding, r.Body)
			if derr != nil {
				fetchErr = recovery.Wrap(models.ErrCategoryParsing,
					fmt.Errorf("解压站点[%s]响应失败(编码=%s): %w", a.config.Code, encoding, derr))
				return
			}
			body = decompressed
		}

		payload = &RawPayload{
			Body:        body,
			ContentType: r.Headers.Get("Content-Type"),
			StatusCode:  r.StatusCode,
			FetchedAt:   time.Now(),
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		fetchErr = classifyHTTPError(a.config.Code, r.StatusCode, err)
	})

	if err := c.Visit(searchURL); err != nil {
		if fetchErr == nil {
			fetchErr = recovery.Wrap(models.ErrCategoryNetwork,
				fmt.Errorf("访问站点[%s]失败: %w", a.config.Code, err))
		}
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if payload == nil {
		return nil, recovery.Wrap(models.ErrCategoryNetwork,
			fmt.Errorf("站点[%s]未返回响应", a.config.Code))
	}
	return payload, nil
}

// Validate 解析并归一化票价载荷
func (a *StaticAdapter) Validate(raw *RawPayload) ([]models.FlightRecord, error) {
	return parseFarePayload(a.config.Code, raw)
}

// ExtractFallback 降级提取路径
// 站点返回HTML而非预期JSON时,从带data-*标注的节点提取简化记录
func (a *StaticAdapter) ExtractFallback(raw *RawPayload) ([]models.FlightRecord, error) {
	doc, err := html.Parse(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, recovery.Wrap(models.ErrCategoryParsing,
			fmt.Errorf("站点[%s]降级提取解析HTML失败: %w", a.config.Code, err))
	}

	records := make([]models.FlightRecord, 0)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if entry, ok := a.extractNode(n, raw.FetchedAt); ok {
				records = append(records, entry)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(records) == 0 {
		return nil, recovery.Wrap(models.ErrCategoryParsing,
			fmt.Errorf("站点[%s]降级提取未找到航班记录", a.config.Code))
	}

	utils.Infof("站点[%s]降级提取成功: %d条简化记录", a.config.Code, len(records))
	return records, nil
}

// extractNode 从单个HTML节点提取航班记录
// 节点需携带data-flight标注和配套的data-*属性
func (a *StaticAdapter) extractNode(n *html.Node, scrapedAt time.Time) (models.FlightRecord, bool) {
	attrs := make(map[string]string, len(n.Attr))
	for _, attr := range n.Attr {
		attrs[attr.Key] = attr.Val
	}

	flight, ok := attrs["data-flight"]
	if !ok || flight == "" {
		return models.FlightRecord{}, false
	}

	price, err := strconv.ParseFloat(attrs["data-price"], 64)
	if err != nil {
		return models.FlightRecord{}, false
	}
	departure, err := time.Parse(time.RFC3339, attrs["data-departure"])
	if err != nil {
		return models.FlightRecord{}, false
	}
	arrival, err := time.Parse(time.RFC3339, attrs["data-arrival"])
	if err != nil {
		return models.FlightRecord{}, false
	}

	record := models.FlightRecord{
		Carrier:      strings.ToUpper(attrs["data-carrier"]),
		FlightNumber: strings.ToUpper(flight),
		Origin:       strings.ToUpper(attrs["data-origin"]),
		Destination:  strings.ToUpper(attrs["data-destination"]),
		DepartureAt:  departure,
		ArrivalAt:    arrival,
		DurationMin:  int(arrival.Sub(departure).Minutes()),
		Price:        price,
		Currency:     strings.ToUpper(attrs["data-currency"]),
		FareClass:    models.CabinEconomy,
		Source:       a.config.Code,
		ScrapedAt:    scrapedAt,
	}
	if record.Validate() != nil {
		return models.FlightRecord{}, false
	}
	return record, true
}

// buildURL 按查询参数展开URL模板
func (a *StaticAdapter) buildURL(params models.SearchParams) (string, error) {
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

// classifyHTTPError 按HTTP状态码包装错误分类
func classifyHTTPError(code string, statusCode int, err error) error {
	wrapped := fmt.Errorf("站点[%s]请求失败(HTTP %d): %w", code, statusCode, err)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return recovery.Wrap(models.ErrCategoryRateLimit, wrapped)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return recovery.Wrap(models.ErrCategoryAuthentication, wrapped)
	case statusCode >= 500:
		return recovery.Wrap(models.ErrCategoryNetwork, wrapped)
	default:
		return wrapped
	}
}

// decompressBody 根据Content-Encoding解压响应体
// 支持gzip/deflate/br三种编码
func decompressBody(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		return io.ReadAll(reader)

	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))

	case "":
		return body, nil

	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}
}
