package fileyeet

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/ryco117/file-yeet/internal/util/logger"
)

// ============================================================================
//                              功能选项
// ============================================================================

// Option 节点配置选项
type Option func(*Config)

// WithServer 设置汇合服务器地址
func WithServer(addr string) Option {
	return func(c *Config) {
		c.ServerAddr = addr
	}
}

// WithLocalPort 固定共享 UDP 套接字的本地端口
//
// 配合路由器上的手动端口转发使用；默认让系统分配。
func WithLocalPort(port uint16) Option {
	return func(c *Config) {
		c.LocalPort = port
	}
}

// WithPortMapping 开关显式端口映射（NAT-PMP/UPnP）
func WithPortMapping(enabled bool) Option {
	return func(c *Config) {
		c.NAT.EnablePortMapping = enabled
	}
}

// WithSTUN 开关 STUN 外部地址观测
func WithSTUN(enabled bool) Option {
	return func(c *Config) {
		c.NAT.EnableProbe = enabled
	}
}

// WithSTUNServers 指定 STUN 服务器列表
func WithSTUNServers(servers []string) Option {
	return func(c *Config) {
		c.STUNServers = servers
	}
}

// WithClock 注入时钟源（测试用）
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
		c.NAT.Clock = clk
		c.Punch.Clock = clk
	}
}

// WithLogLevel 调整指定子系统的日志级别
//
// 与环境变量 YEET_LOG_LEVEL 等效，代码内设置优先。
func WithLogLevel(subsystem string, level slog.Level) Option {
	return func(*Config) {
		logger.SetLevel(subsystem, level)
	}
}
