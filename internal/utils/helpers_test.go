package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Route
		wantErr bool
	}{
		{
			"有效单程",
			"THR,IST,2026-09-01",
			Route{Origin: "THR", Destination: "IST", DepartDate: "2026-09-01"},
			false,
		},
		{
			"有效往返",
			"THR,IST,2026-09-01,2026-09-10",
			Route{Origin: "THR", Destination: "IST", DepartDate: "2026-09-01", ReturnDate: "2026-09-10"},
			false,
		},
		{
			"小写被归一化",
			"thr,ist,2026-09-01",
			Route{Origin: "THR", Destination: "IST", DepartDate: "2026-09-01"},
			false,
		},
		{
			"首尾空白被剔除",
			"  THR,IST,2026-09-01  ",
			Route{Origin: "THR", Destination: "IST", DepartDate: "2026-09-01"},
			false,
		},
		{"字段不足", "THR,IST", Route{}, true},
		{"机场码过长", "TEHRAN,IST,2026-09-01", Route{}, true},
		{"日期格式错误", "THR,IST,09/01/2026", Route{}, true},
		{"出发目的相同", "THR,THR,2026-09-01", Route{}, true},
		{"空行", "", Route{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoute(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRoute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseRoute() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadRoutesFromFile(t *testing.T) {
	content := `# 测试航线列表
THR,IST,2026-09-01

THR,DXB,2026-09-05,2026-09-12
这是一行无效内容
thr,ika,2026-09-08
`
	path := filepath.Join(t.TempDir(), "routes.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入临时航线文件失败: %v", err)
	}

	routes, err := ReadRoutesFromFile(path)
	if err != nil {
		t.Fatalf("ReadRoutesFromFile() error = %v", err)
	}

	// 注释/空行/无效行被跳过,有效行保留
	if len(routes) != 3 {
		t.Fatalf("航线数 = %d, want 3", len(routes))
	}
	if routes[0].Origin != "THR" || routes[0].Destination != "IST" {
		t.Errorf("第一条航线 = %+v", routes[0])
	}
	if routes[1].ReturnDate != "2026-09-12" {
		t.Errorf("往返航线的返回日期 = %q, want 2026-09-12", routes[1].ReturnDate)
	}
	if routes[2].Origin != "THR" || routes[2].Destination != "IKA" {
		t.Errorf("小写航线未归一化: %+v", routes[2])
	}
}

func TestReadRoutesFromFile_NoValidRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.txt")
	if err := os.WriteFile(path, []byte("# 只有注释\n\n无效行\n"), 0644); err != nil {
		t.Fatalf("写入临时航线文件失败: %v", err)
	}

	if _, err := ReadRoutesFromFile(path); err == nil {
		t.Error("没有有效航线时应报错")
	}
}

func TestReadRoutesFromFile_MissingFile(t *testing.T) {
	if _, err := ReadRoutesFromFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("文件不存在时应报错")
	}
}
