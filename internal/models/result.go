package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FlightRecord 规范化后的单条航班记录
type FlightRecord struct {
	Carrier      string     `json:"carrier"`       // 承运航司代码
	FlightNumber string     `json:"flight_number"` // 航班号
	Origin       string     `json:"origin"`        // 出发机场三字码
	Destination  string     `json:"destination"`   // 目的机场三字码
	DepartureAt  time.Time  `json:"departure_at"`  // 出发时间
	ArrivalAt    time.Time  `json:"arrival_at"`    // 到达时间
	DurationMin  int        `json:"duration_min"`  // 飞行时长(分钟)
	Price        float64    `json:"price"`         // 价格
	Currency     string     `json:"currency"`      // 币种 (IRR/USD/...)
	FareClass    CabinClass `json:"fare_class"`    // 舱位等级
	Source       string     `json:"source"`        // 来源站点代码
	ScrapedAt    time.Time  `json:"scraped_at"`    // 抓取时间
}

// Validate 验证航班记录的形状
// 编排器在交付调用方或写入缓存前执行
func (f *FlightRecord) Validate() error {
	if f.Carrier == "" || f.FlightNumber == "" {
		return fmt.Errorf("航司或航班号为空")
	}
	if f.Origin == "" || f.Destination == "" {
		return fmt.Errorf("航线信息不完整: %s-%s", f.Origin, f.Destination)
	}
	if f.DepartureAt.IsZero() || f.ArrivalAt.IsZero() {
		return fmt.Errorf("航班[%s%s]时刻信息不完整", f.Carrier, f.FlightNumber)
	}
	if !f.ArrivalAt.After(f.DepartureAt) {
		return fmt.Errorf("航班[%s%s]到达时间早于出发时间", f.Carrier, f.FlightNumber)
	}
	if f.Price <= 0 {
		return fmt.Errorf("航班[%s%s]价格无效: %f", f.Carrier, f.FlightNumber, f.Price)
	}
	if f.Currency == "" {
		return fmt.Errorf("航班[%s%s]缺少币种", f.Carrier, f.FlightNumber)
	}
	if f.Source == "" {
		return fmt.Errorf("航班[%s%s]缺少来源站点", f.Carrier, f.FlightNumber)
	}
	return nil
}

// CrawlResult 一次爬取的聚合结果
// 部分失败是常态: Records为成功站点的归一化记录,Errors为逐站点的结构化错误
type CrawlResult struct {
	RequestID        string         `json:"request_id"`        // 对应的请求ID
	Records          []FlightRecord `json:"records"`           // 有序的归一化航班记录
	SucceededTargets []string       `json:"succeeded_targets"` // 成功的站点
	Errors           []ErrorRecord  `json:"errors"`            // 逐站点错误列表
	NoData           bool           `json:"no_data"`           // 所有站点都失败 (区别于空的成功结果)
	FromCache        bool           `json:"from_cache"`        // 结果是否全部来自缓存
	StartedAt        time.Time      `json:"started_at"`        // 开始时间
	Duration         float64        `json:"duration"`          // 耗时(秒)
}

// SortRecords 按价格升序排序航班记录,价格相同时按出发时间
// 保证相同输入产生字节级一致的输出 (缓存幂等性依赖此排序)
func (r *CrawlResult) SortRecords() {
	sort.SliceStable(r.Records, func(i, j int) bool {
		if r.Records[i].Price != r.Records[j].Price {
			return r.Records[i].Price < r.Records[j].Price
		}
		return r.Records[i].DepartureAt.Before(r.Records[j].DepartureAt)
	})
}

// ToJSON 序列化为JSON
func (r *CrawlResult) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON 从JSON反序列化
func (r *CrawlResult) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}
