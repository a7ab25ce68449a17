package resources

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// BrowserFactoryConfig 浏览器工厂配置
type BrowserFactoryConfig struct {
	Headless    bool          `mapstructure:"headless"`     // 无头模式
	PageTimeout time.Duration `mapstructure:"page_timeout"` // 单标签页默认超时
}

// DefaultBrowserFactoryConfig 默认浏览器工厂配置
func DefaultBrowserFactoryConfig() BrowserFactoryConfig {
	return BrowserFactoryConfig{
		Headless:    true,
		PageTimeout: 30 * time.Second,
	}
}

// BrowserFactory 无头浏览器会话工厂
// 所有标签页共享一个浏览器进程,按需懒启动
type BrowserFactory struct {
	config  BrowserFactoryConfig
	browser *rod.Browser
	mu      sync.Mutex
}

// NewBrowserFactory 创建浏览器会话工厂
func NewBrowserFactory(config BrowserFactoryConfig) *BrowserFactory {
	if config.PageTimeout <= 0 {
		config.PageTimeout = 30 * time.Second
	}
	return &BrowserFactory{config: config}
}

// Kind 返回会话类型
func (f *BrowserFactory) Kind() SessionKind {
	return KindBrowser
}

// New 创建一个新的浏览器标签页会话
func (f *BrowserFactory) New(ctx context.Context, target string) (Handle, error) {
	browser, err := f.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("创建标签页失败: %w", err)
	}
	page = page.Context(ctx).Timeout(f.config.PageTimeout)

	utils.Debugf("已为站点[%s]创建浏览器标签页", target)
	return &browserSession{page: page}, nil
}

// ensureBrowser 懒启动共享浏览器进程
func (f *BrowserFactory) ensureBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		return f.browser, nil
	}

	l := launcher.New().Headless(f.config.Headless)

	// 忽略证书错误,允许访问证书配置有问题的HTTPS站点
	l = l.Set("ignore-certificate-errors")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	f.browser = browser
	utils.Infof("浏览器已启动: %s", controlURL)
	return browser, nil
}

// Shutdown 关闭共享浏览器进程
func (f *BrowserFactory) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		if err := f.browser.Close(); err != nil {
			utils.Warnf("关闭浏览器失败: %v", err)
		}
		f.browser = nil
		utils.Debug("浏览器已关闭")
	}
}

// browserSession 单个标签页会话句柄
type browserSession struct {
	page *rod.Page
}

// Page 返回底层标签页 (适配器导航和执行脚本用)
func (s *browserSession) Page() *rod.Page {
	return s.page
}

// Close 关闭标签页
func (s *browserSession) Close() error {
	return s.page.Close()
}

// Clean 清理标签页残留状态 (localStorage/sessionStorage/cookie)
// 归还会话前调用,避免状态在不同请求间泄漏
func (s *browserSession) Clean() error {
	_, err := s.page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			if (typeof localStorage !== 'undefined' && localStorage !== null) {
				try { localStorage.clear(); } catch (e) {}
			}
			if (typeof sessionStorage !== 'undefined' && sessionStorage !== null) {
				try { sessionStorage.clear(); } catch (e) {}
			}
			if (typeof document !== 'undefined' && document !== null && document.cookie) {
				try {
					var cookies = document.cookie.split(";");
					for (var i = 0; i < cookies.length; i++) {
						var c = cookies[i];
						var eqPos = c.indexOf("=");
						var name = eqPos > -1 ? c.substr(0, eqPos) : c;
						document.cookie = name.replace(/^ +/, "") + "=;expires=Thu, 01 Jan 1970 00:00:00 UTC;path=/";
					}
				} catch (e) {}
			}
			return true;
		}`,
	})
	if err != nil {
		return fmt.Errorf("清理标签页状态失败: %w", err)
	}
	return nil
}

// HTTPFactoryConfig HTTP会话工厂配置
type HTTPFactoryConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`   // 单请求超时
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 空闲连接上限
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"` // 空闲连接超时
}

// DefaultHTTPFactoryConfig 默认HTTP工厂配置
func DefaultHTTPFactoryConfig() HTTPFactoryConfig {
	return HTTPFactoryConfig{
		RequestTimeout:  30 * time.Second,
		MaxIdleConns:    8,
		IdleConnTimeout: 90 * time.Second,
	}
}

// HTTPFactory keep-alive HTTP客户端会话工厂
// 每个会话持有独立的连接池,站点间不共享连接
type HTTPFactory struct {
	config HTTPFactoryConfig
}

// NewHTTPFactory 创建HTTP会话工厂
func NewHTTPFactory(config HTTPFactoryConfig) *HTTPFactory {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &HTTPFactory{config: config}
}

// Kind 返回会话类型
func (f *HTTPFactory) Kind() SessionKind {
	return KindHTTP
}

// New 创建一个新的HTTP客户端会话
func (f *HTTPFactory) New(_ context.Context, target string) (Handle, error) {
	transport := &http.Transport{
		MaxIdleConns:        f.config.MaxIdleConns,
		MaxIdleConnsPerHost: f.config.MaxIdleConns,
		IdleConnTimeout:     f.config.IdleConnTimeout,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   f.config.RequestTimeout,
	}

	utils.Debugf("已为站点[%s]创建HTTP会话", target)
	return &httpSession{client: client, transport: transport}, nil
}

// httpSession keep-alive HTTP客户端会话句柄
type httpSession struct {
	client    *http.Client
	transport *http.Transport
}

// Client 返回底层HTTP客户端
func (s *httpSession) Client() *http.Client {
	return s.client
}

// Close 关闭空闲连接
func (s *httpSession) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}
