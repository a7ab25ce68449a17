package adapters

import (
	"net/http"
	"sync"

	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// defaultUserAgents 出站请求身份池
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

var defaultAcceptLanguages = []string{
	"fa-IR,fa;q=0.9,en-US;q=0.8,en;q=0.7",
	"en-US,en;q=0.9,fa;q=0.8",
	"fa-IR,fa;q=0.9,en;q=0.6",
}

// IdentityPool 出站请求身份池
// 职责: 管理User-Agent等身份头部,rotate_identity恢复动作的落点
// 身份记录日志时经过脱敏
type IdentityPool struct {
	userAgents      []string
	acceptLanguages []string
	index           int
	mu              sync.Mutex

	redactor *utils.HeaderRedactor
}

// NewIdentityPool 创建身份池
// 传入空列表时使用内置身份池
func NewIdentityPool(userAgents []string) *IdentityPool {
	if len(userAgents) == 0 {
		userAgents = defaultUserAgents
	}
	return &IdentityPool{
		userAgents:      userAgents,
		acceptLanguages: defaultAcceptLanguages,
		redactor:        utils.NewHeaderRedactor(),
	}
}

// Headers 返回当前身份的请求头部
func (p *IdentityPool) Headers() http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := http.Header{}
	h.Set("User-Agent", p.userAgents[p.index%len(p.userAgents)])
	h.Set("Accept-Language", p.acceptLanguages[p.index%len(p.acceptLanguages)])
	h.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	return h
}

// Rotate 切换到下一个身份
// 触发时机: 恢复引擎对rate_limit类错误选择rotate_identity动作
func (p *IdentityPool) Rotate() {
	p.mu.Lock()
	p.index++
	current := p.index
	p.mu.Unlock()

	headers := p.Headers()
	utils.Infof("已轮换出站身份(第%d代): %s", current, p.redactor.RedactToString(headers))
}

// Current 返回当前身份序号 (观测用)
func (p *IdentityPool) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}
