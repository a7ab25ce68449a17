package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint 计算缓存键
// 由站点代码和规范化查询参数串派生: 相同(站点,查询)必须产生相同指纹
func Fingerprint(target, normalizedKey string) string {
	h := sha256.New()
	h.Write([]byte(target))
	h.Write([]byte("|"))
	h.Write([]byte(normalizedKey))
	return hex.EncodeToString(h.Sum(nil))
}
