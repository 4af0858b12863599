package fileyeet

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ryco117/file-yeet/internal/core/holepunch"
	"github.com/ryco117/file-yeet/internal/core/nat"
)

// ============================================================================
//                              配置
// ============================================================================

// DefaultServerPort 汇合服务器的默认端口
const DefaultServerPort = 7828

// Config 节点配置
type Config struct {
	// ServerAddr 汇合服务器地址（host:port）
	ServerAddr string

	// LocalPort 共享 UDP 套接字的本地端口（0 由系统分配）
	LocalPort uint16

	// RequestTimeout 汇合请求超时
	RequestTimeout time.Duration

	// AcceptTimeout 发布方等待对端 QUIC 连入的窗口
	AcceptTimeout time.Duration

	// DialTimeout 订阅方发起 QUIC 握手的超时
	DialTimeout time.Duration

	// MaxPeerConns 对等连接缓存容量
	MaxPeerConns int

	// NAT 地址解析配置
	NAT nat.Config

	// Punch 打洞配置
	Punch holepunch.Config

	// STUNServers STUN 服务器列表（空用内置默认）
	STUNServers []string

	// Clock 时钟源（nil 使用系统时钟，测试时注入 mock）
	Clock clock.Clock
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
		AcceptTimeout:  1500 * time.Millisecond,
		DialTimeout:    2 * time.Second,
		MaxPeerConns:   32,
		NAT:            nat.DefaultConfig(),
		Punch:          holepunch.DefaultConfig(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("server address required (WithServer)")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.AcceptTimeout <= 0 {
		return errors.New("accept timeout must be positive")
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial timeout must be positive")
	}
	if c.MaxPeerConns <= 0 {
		return errors.New("peer connection cache size must be positive")
	}
	if err := c.NAT.Validate(); err != nil {
		return err
	}
	return c.Punch.Validate()
}
