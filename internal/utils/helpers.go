package utils

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// routePattern 航线行格式: 出发地,目的地,出发日期[,返回日期]
// 例如: THR,IST,2026-09-01 或 THR,IST,2026-09-01,2026-09-10
var routePattern = regexp.MustCompile(`^[A-Z]{3},[A-Z]{3},\d{4}-\d{2}-\d{2}(,\d{4}-\d{2}-\d{2})?$`)

// Route 批量爬取的单条航线
type Route struct {
	Origin      string // 出发机场三字码
	Destination string // 目的机场三字码
	DepartDate  string // 出发日期 (YYYY-MM-DD)
	ReturnDate  string // 返回日期,可为空 (单程)
}

// ReadRoutesFromFile 从文件中读取航线列表
// 每行一条航线,支持#注释行和空行
func ReadRoutesFromFile(filepath string) ([]Route, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("打开航线文件失败: %w", err)
	}
	defer file.Close()

	routes := make([]Route, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// 验证航线格式
		route, err := ParseRoute(line)
		if err != nil {
			Warnf("跳过无效航线 (行 %d): %s - %v", lineNum, line, err)
			continue
		}

		routes = append(routes, route)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取航线文件失败: %w", err)
	}

	if len(routes) == 0 {
		return nil, fmt.Errorf("航线文件中没有有效的航线")
	}

	Infof("从文件加载了 %d 条航线", len(routes))
	return routes, nil
}

// ParseRoute 解析单行航线定义
func ParseRoute(line string) (Route, error) {
	normalized := strings.ToUpper(strings.TrimSpace(line))
	if !routePattern.MatchString(normalized) {
		return Route{}, fmt.Errorf("航线格式无效 (期望: ORG,DST,YYYY-MM-DD[,YYYY-MM-DD])")
	}

	parts := strings.Split(normalized, ",")
	route := Route{
		Origin:      parts[0],
		Destination: parts[1],
		DepartDate:  parts[2],
	}
	if len(parts) == 4 {
		route.ReturnDate = parts[3]
	}

	if route.Origin == route.Destination {
		return Route{}, fmt.Errorf("出发地和目的地不能相同: %s", route.Origin)
	}

	return route, nil
}
