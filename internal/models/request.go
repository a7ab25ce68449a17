package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CabinClass 舱位等级
type CabinClass string

const (
	CabinEconomy  CabinClass = "economy"  // 经济舱
	CabinBusiness CabinClass = "business" // 商务舱
	CabinFirst    CabinClass = "first"    // 头等舱
)

// iataPattern 机场三字码格式
var iataPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// CrawlRequest 一次爬取请求
// 提交后不可变,由创建它的Crawl调用独占
type CrawlRequest struct {
	ID          string     `json:"id"`                    // 请求唯一ID (UUID)
	Origin      string     `json:"origin"`                // 出发机场三字码
	Destination string     `json:"destination"`           // 目的机场三字码
	DepartDate  time.Time  `json:"depart_date"`           // 出发日期
	ReturnDate  *time.Time `json:"return_date,omitempty"` // 返回日期 (单程为空)
	Passengers  int        `json:"passengers"`            // 乘客数
	Cabin       CabinClass `json:"cabin"`                 // 舱位等级
	Targets     []string   `json:"targets"`               // 请求的站点集合 (空=全部激活站点)
	CreatedAt   time.Time  `json:"created_at"`            // 创建时间
}

// NewCrawlRequest 创建爬取请求
// 验证失败时返回错误,不会联系任何站点
func NewCrawlRequest(origin, destination string, departDate time.Time, returnDate *time.Time, passengers int, cabin CabinClass, targets []string) (*CrawlRequest, error) {
	req := &CrawlRequest{
		ID:          uuid.New().String(),
		Origin:      strings.ToUpper(strings.TrimSpace(origin)),
		Destination: strings.ToUpper(strings.TrimSpace(destination)),
		DepartDate:  departDate,
		ReturnDate:  returnDate,
		Passengers:  passengers,
		Cabin:       cabin,
		Targets:     normalizeTargets(targets),
		CreatedAt:   time.Now(),
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

// normalizeTargets 规范化站点集合: 去重+小写+排序
func normalizeTargets(targets []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(targets))
	for _, t := range targets {
		code := strings.ToLower(strings.TrimSpace(t))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		result = append(result, code)
	}
	sort.Strings(result)
	return result
}

// Validate 验证请求形状
// 这是唯一会让Crawl调用返回硬错误的验证 (在联系任何站点之前)
func (r *CrawlRequest) Validate() error {
	if !iataPattern.MatchString(r.Origin) {
		return fmt.Errorf("出发地必须是机场三字码: %q", r.Origin)
	}
	if !iataPattern.MatchString(r.Destination) {
		return fmt.Errorf("目的地必须是机场三字码: %q", r.Destination)
	}
	if r.Origin == r.Destination {
		return fmt.Errorf("出发地和目的地不能相同: %s", r.Origin)
	}
	if r.DepartDate.IsZero() {
		return fmt.Errorf("出发日期不能为空")
	}
	if r.ReturnDate != nil && r.ReturnDate.Before(r.DepartDate) {
		return fmt.Errorf("返回日期不能早于出发日期")
	}
	if r.Passengers < 1 || r.Passengers > 9 {
		return fmt.Errorf("乘客数必须在1-9之间")
	}
	switch r.Cabin {
	case CabinEconomy, CabinBusiness, CabinFirst:
	default:
		return fmt.Errorf("无效的舱位等级: %q", r.Cabin)
	}
	return nil
}

// NormalizedKey 返回请求的规范化查询参数串
// 用于缓存指纹: 相同查询参数必须产生相同的串
func (r *CrawlRequest) NormalizedKey() string {
	var sb strings.Builder
	sb.WriteString(r.Origin)
	sb.WriteString("|")
	sb.WriteString(r.Destination)
	sb.WriteString("|")
	sb.WriteString(r.DepartDate.Format("2006-01-02"))
	sb.WriteString("|")
	if r.ReturnDate != nil {
		sb.WriteString(r.ReturnDate.Format("2006-01-02"))
	}
	sb.WriteString("|")
	sb.WriteString(fmt.Sprintf("%d", r.Passengers))
	sb.WriteString("|")
	sb.WriteString(string(r.Cabin))
	return sb.String()
}

// SearchParams 传递给适配器的查询参数
// 适配器只读,不感知编排细节
type SearchParams struct {
	Origin      string     `json:"origin"`
	Destination string     `json:"destination"`
	DepartDate  time.Time  `json:"depart_date"`
	ReturnDate  *time.Time `json:"return_date,omitempty"`
	Passengers  int        `json:"passengers"`
	Cabin       CabinClass `json:"cabin"`
}

// Params 提取适配器查询参数
func (r *CrawlRequest) Params() SearchParams {
	return SearchParams{
		Origin:      r.Origin,
		Destination: r.Destination,
		DepartDate:  r.DepartDate,
		ReturnDate:  r.ReturnDate,
		Passengers:  r.Passengers,
		Cabin:       r.Cabin,
	}
}
