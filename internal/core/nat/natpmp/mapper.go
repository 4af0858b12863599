// Package natpmp 提供 NAT-PMP 端口映射实现
//
// NAT-PMP 基于 UDP，比 UPnP 轻量，家用路由器与 Apple 设备
// 普遍支持，因此排在映射尝试序列的首位。
package natpmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/ryco117/file-yeet/internal/core/nat"
	"github.com/ryco117/file-yeet/internal/util/logger"
)

// 包级别日志实例
var log = logger.Logger("nat.natpmp")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNoGateway 未找到默认网关
	ErrNoGateway = errors.New("no default gateway found")

	// ErrNotSupported 网关不支持 NAT-PMP
	ErrNotSupported = errors.New("NAT-PMP not supported by gateway")

	// ErrMappingFailed 端口映射请求失败
	ErrMappingFailed = errors.New("NAT-PMP port mapping failed")
)

// ============================================================================
//                              Mapper 实现
// ============================================================================

// Mapper NAT-PMP 端口映射器
type Mapper struct {
	// GatewayIP 网关地址提示（零值时从路由表发现）
	gatewayHint netip.Addr

	mu      sync.Mutex
	client  *natpmp.Client
	gateway net.IP
}

// 确保实现接口
var _ nat.Mapper = (*Mapper)(nil)

// New 创建 NAT-PMP 映射器
//
// gatewayHint 可以为零值，此时从系统路由表发现默认网关。
func New(gatewayHint netip.Addr) *Mapper {
	return &Mapper{gatewayHint: gatewayHint}
}

// Name 返回协议名称
func (m *Mapper) Name() string { return "nat-pmp" }

// Map 请求把网关外部端口转发到本地 UDP 端口
//
// 优先请求内外同端口；网关拒绝时接受它换发的外部端口。
func (m *Mapper) Map(ctx context.Context, localPort uint16, lifetime time.Duration) (*nat.Mapping, error) {
	client, err := m.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	// go-nat-pmp 的网络调用不感知 context，用 goroutine + select
	// 包装出超时语义
	type result struct {
		mapping *nat.Mapping
		err     error
	}
	ch := make(chan result, 1)

	go func() {
		mapping, err := m.requestMapping(client, localPort, lifetime)
		ch <- result{mapping, err}
	}()

	select {
	case r := <-ch:
		return r.mapping, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrMappingFailed, ctx.Err())
	}
}

// Unmap 撤销映射（NAT-PMP 用租约 0 表示删除）
func (m *Mapper) Unmap(ctx context.Context, mapping *nat.Mapping) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil
	}

	ch := make(chan error, 1)
	go func() {
		_, err := client.AddPortMapping("udp", int(mapping.LocalPort), 0, 0)
		ch <- err
	}()

	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMappingFailed, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestMapping 执行映射请求并取回外部地址
func (m *Mapper) requestMapping(client *natpmp.Client, localPort uint16, lifetime time.Duration) (*nat.Mapping, error) {
	resp, err := client.AddPortMapping("udp", int(localPort), int(localPort), int(lifetime.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}

	extResp, err := client.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}

	external := netip.AddrPortFrom(
		netip.AddrFrom4(extResp.ExternalIPAddress),
		resp.MappedExternalPort,
	)
	granted := time.Duration(resp.PortMappingLifetimeInSeconds) * time.Second

	log.Debug("NAT-PMP mapping granted",
		"local_port", localPort,
		"external", external,
		"lifetime", granted,
	)

	return &nat.Mapping{
		LocalPort: localPort,
		External:  external,
		Lifetime:  granted,
	}, nil
}

// ============================================================================
//                              网关发现
// ============================================================================

// ensureClient 惰性发现网关并验证 NAT-PMP 可用
func (m *Mapper) ensureClient(ctx context.Context) (*natpmp.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return m.client, nil
	}

	gw, err := m.discoverGateway()
	if err != nil {
		return nil, err
	}

	// 先发一个短超时的探测请求确认网关真的说 NAT-PMP，
	// 避免后续请求吊死在不支持的网关上
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}
	client := natpmp.NewClientWithTimeout(gw, timeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	}

	m.gateway = gw
	m.client = client
	log.Debug("NAT-PMP gateway discovered", "gateway", gw)
	return client, nil
}

// discoverGateway 确定网关地址
func (m *Mapper) discoverGateway() (net.IP, error) {
	if m.gatewayHint.IsValid() {
		return net.IP(m.gatewayHint.AsSlice()), nil
	}

	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}
	return gw, nil
}
