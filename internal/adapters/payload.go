package adapters

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/recovery"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// farePayload 通用票价JSON载荷
// 静态适配器直接收到此形状,动态适配器通过页面脚本提取出同样的形状
type farePayload struct {
	Flights []fareEntry `json:"flights"`
}

type fareEntry struct {
	Carrier      string  `json:"carrier"`
	FlightNumber string  `json:"flight_number"`
	Origin       string  `json:"origin"`
	Destination  string  `json:"destination"`
	Departure    string  `json:"departure"`
	Arrival      string  `json:"arrival"`
	Price        float64 `json:"price"`
	Currency     string  `json:"currency"`
	FareClass    string  `json:"fare_class"`
}

// parseFarePayload 解析并归一化票价载荷
// 单条记录无效时跳过并告警,全部无效按验证错误处理
func parseFarePayload(code string, raw *RawPayload) ([]models.FlightRecord, error) {
	var payload farePayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, recovery.Wrap(models.ErrCategoryParsing,
			fmt.Errorf("解析站点[%s]票价载荷失败: %w", code, err))
	}

	records := make([]models.FlightRecord, 0, len(payload.Flights))
	for _, f := range payload.Flights {
		record, err := normalizeEntry(code, f, raw.FetchedAt)
		if err != nil {
			utils.Warnf("站点[%s]票价记录无效,跳过: %v", code, err)
			continue
		}
		records = append(records, record)
	}

	if len(records) == 0 && len(payload.Flights) > 0 {
		return nil, recovery.Wrap(models.ErrCategoryValidation,
			fmt.Errorf("站点[%s]载荷包含%d条记录但全部无效", code, len(payload.Flights)))
	}
	return records, nil
}

// normalizeEntry 把载荷条目转换为归一化航班记录
func normalizeEntry(code string, f fareEntry, scrapedAt time.Time) (models.FlightRecord, error) {
	departure, err := time.Parse(time.RFC3339, f.Departure)
	if err != nil {
		return models.FlightRecord{}, fmt.Errorf("出发时间格式无效: %q", f.Departure)
	}
	arrival, err := time.Parse(time.RFC3339, f.Arrival)
	if err != nil {
		return models.FlightRecord{}, fmt.Errorf("到达时间格式无效: %q", f.Arrival)
	}

	record := models.FlightRecord{
		Carrier:      strings.ToUpper(f.Carrier),
		FlightNumber: strings.ToUpper(f.FlightNumber),
		Origin:       strings.ToUpper(f.Origin),
		Destination:  strings.ToUpper(f.Destination),
		DepartureAt:  departure,
		ArrivalAt:    arrival,
		DurationMin:  int(arrival.Sub(departure).Minutes()),
		Price:        f.Price,
		Currency:     strings.ToUpper(f.Currency),
		FareClass:    models.CabinClass(strings.ToLower(f.FareClass)),
		Source:       code,
		ScrapedAt:    scrapedAt,
	}
	if err := record.Validate(); err != nil {
		return models.FlightRecord{}, err
	}
	return record, nil
}
