package fileyeet

import (
	"net/netip"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/ryco117/file-yeet/internal/core/nat"
	"github.com/ryco117/file-yeet/internal/core/nat/natpmp"
	"github.com/ryco117/file-yeet/internal/core/nat/stunprobe"
	"github.com/ryco117/file-yeet/internal/core/nat/upnp"
	"github.com/ryco117/file-yeet/internal/core/transport"
)

// ============================================================================
//                              Fx 组装
// ============================================================================

// buildApp 组装节点的内部组件
//
// 依赖链：Config → Transport（共享套接字）→ Prober/Mappers →
// Resolver → Node。生命周期钩子负责启动顺序与逆序关闭。
func buildApp(cfg Config, node *Node) *fx.App {
	return fx.New(
		// 日志由各包的 slog 实例承担，fx 自身的事件日志静音
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),

		fx.Supply(cfg),
		fx.Provide(
			newTransport,
			newProber,
			newMappers,
			newResolver,
		),
		fx.Invoke(node.register),
	)
}

// newTransport 创建共享套接字传输
func newTransport(cfg Config) (*transport.Transport, error) {
	var listen netip.AddrPort
	if cfg.LocalPort != 0 {
		listen = netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.LocalPort)
	}
	return transport.New(transport.Config{ListenAddr: listen})
}

// newProber 创建 STUN 探测器
func newProber(cfg Config, tr *transport.Transport) *stunprobe.Prober {
	return stunprobe.New(cfg.STUNServers, tr)
}

// newMappers 按尝试顺序构造端口映射器
func newMappers() []nat.Mapper {
	return []nat.Mapper{
		natpmp.New(netip.Addr{}),
		upnp.New(),
	}
}

// newResolver 创建地址解析器
func newResolver(cfg Config, mappers []nat.Mapper, prober *stunprobe.Prober) (*nat.Resolver, error) {
	return nat.NewResolver(cfg.NAT, mappers, prober)
}
