package main

import (
	"fmt"
	"regexp"
	"time"
)

// iataPattern IATA机场三字码
var iataPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)

// validCabins 支持的舱位等级
var validCabins = map[string]bool{
	"economy":  true,
	"business": true,
	"first":    true,
}

// ValidateFlags 验证命令行参数组合
// 职责: 在组装编排器之前把明显非法的输入挡下来,给出可读的错误提示
func ValidateFlags(origin, destination, departDate, returnDate string, passengers int, cabin string, concurrency int) error {
	// 批量模式下航线参数来自文件,逐条验证
	if origin == "" && destination == "" && departDate == "" {
		return validateCommonFlags(passengers, cabin, concurrency)
	}

	if !iataPattern.MatchString(origin) {
		return fmt.Errorf("出发机场代码无效: %q (应为三位字母, 如 THR)", origin)
	}
	if !iataPattern.MatchString(destination) {
		return fmt.Errorf("目的机场代码无效: %q (应为三位字母, 如 IST)", destination)
	}
	if origin == destination {
		return fmt.Errorf("出发和目的机场不能相同: %s", origin)
	}

	depart, err := time.Parse("2006-01-02", departDate)
	if err != nil {
		return fmt.Errorf("出发日期格式无效: %q (应为 YYYY-MM-DD)", departDate)
	}

	if returnDate != "" {
		ret, err := time.Parse("2006-01-02", returnDate)
		if err != nil {
			return fmt.Errorf("返回日期格式无效: %q (应为 YYYY-MM-DD)", returnDate)
		}
		if ret.Before(depart) {
			return fmt.Errorf("返回日期 %s 不能早于出发日期 %s", returnDate, departDate)
		}
	}

	return validateCommonFlags(passengers, cabin, concurrency)
}

// validateCommonFlags 验证与航线无关的参数
func validateCommonFlags(passengers int, cabin string, concurrency int) error {
	if passengers < 1 || passengers > 9 {
		return fmt.Errorf("乘客数超出范围: %d (应为 1-9)", passengers)
	}
	if !validCabins[cabin] {
		return fmt.Errorf("舱位等级无效: %q (应为 economy|business|first)", cabin)
	}
	if concurrency < 0 || concurrency > 64 {
		return fmt.Errorf("并发上限超出范围: %d (应为 0-64, 0表示使用配置文件)", concurrency)
	}
	return nil
}
