// Package upnp 提供 UPnP IGD 端口映射实现
//
// 通过 SSDP 发现互联网网关设备，依次尝试 IGDv2 与 IGDv1 的
// WANIPConnection / WANPPPConnection 服务。作为 NAT-PMP 失败
// 后的第二选择。
package upnp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/ryco117/file-yeet/internal/core/nat"
	"github.com/ryco117/file-yeet/internal/util/logger"
)

// 包级别日志实例
var log = logger.Logger("nat.upnp")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNoDevice 未发现 UPnP 网关设备
	ErrNoDevice = errors.New("no UPnP gateway device found")

	// ErrMappingFailed 端口映射请求失败
	ErrMappingFailed = errors.New("UPnP port mapping failed")
)

// mappingDescription 网关管理界面里显示的映射描述
const mappingDescription = "file-yeet"

// ============================================================================
//                              IGD 客户端
// ============================================================================

// igdClient 各版本 WANConnection 服务的公共子集
type igdClient interface {
	AddPortMapping(
		remoteHost string,
		externalPort uint16,
		protocol string,
		internalPort uint16,
		internalClient string,
		enabled bool,
		description string,
		leaseDuration uint32,
	) error

	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error

	GetExternalIPAddress() (string, error)
}

// ============================================================================
//                              Mapper 实现
// ============================================================================

// Mapper UPnP 端口映射器
type Mapper struct {
	mu     sync.Mutex
	client igdClient
}

// 确保实现接口
var _ nat.Mapper = (*Mapper)(nil)

// New 创建 UPnP 映射器
func New() *Mapper {
	return &Mapper{}
}

// Name 返回协议名称
func (m *Mapper) Name() string { return "upnp" }

// Map 请求把网关外部端口转发到本地 UDP 端口
//
// UPnP 的映射是内外同端口；网关无法满足时直接报错，不像
// NAT-PMP 那样换发端口。
func (m *Mapper) Map(ctx context.Context, localPort uint16, lifetime time.Duration) (*nat.Mapping, error) {
	client, err := m.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	localIP, err := outboundIP()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}

	// goupnp 的 SOAP 调用不感知 context，包装出超时语义
	type result struct {
		external netip.AddrPort
		err      error
	}
	ch := make(chan result, 1)

	go func() {
		external, err := requestMapping(client, localIP, localPort, lifetime)
		ch <- result{external, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		log.Debug("UPnP mapping granted",
			"local_port", localPort,
			"external", r.external,
			"lifetime", lifetime,
		)
		return &nat.Mapping{
			LocalPort: localPort,
			External:  r.external,
			Lifetime:  lifetime,
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrMappingFailed, ctx.Err())
	}
}

// Unmap 撤销映射
func (m *Mapper) Unmap(ctx context.Context, mapping *nat.Mapping) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil
	}

	ch := make(chan error, 1)
	go func() {
		ch <- client.DeletePortMapping("", mapping.External.Port(), "UDP")
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
func requestMapping(client igdClient, localIP net.IP, localPort uint16, lifetime time.Duration) (netip.AddrPort, error) {
	err := client.AddPortMapping(
		"",
		localPort,
		"UDP",
		localPort,
		localIP.String(),
		true,
		mappingDescription,
		uint32(lifetime.Seconds()),
	)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}

	extIP, err := client.GetExternalIPAddress()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}
	addr, err := netip.ParseAddr(extIP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad external IP %q", ErrMappingFailed, extIP)
	}

	return netip.AddrPortFrom(addr.Unmap(), localPort), nil
}

// ============================================================================
//                              设备发现
// ============================================================================

// ensureClient 惰性发现网关设备
func (m *Mapper) ensureClient(ctx context.Context) (igdClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return m.client, nil
	}

	type result struct {
		client igdClient
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		client, err := discoverClient()
		ch <- result{client, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		m.client = r.client
		return r.client, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, ctx.Err())
	}
}

// discoverClient 依次尝试各版本的 WANConnection 服务
func discoverClient() (igdClient, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection2Clients(); err == nil && len(clients) > 0 {
		log.Debug("UPnP device found", "service", "WANIPConnection2")
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		log.Debug("UPnP device found", "service", "WANIPConnection1 (igd2)")
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		log.Debug("UPnP device found", "service", "WANPPPConnection1 (igd2)")
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		log.Debug("UPnP device found", "service", "WANIPConnection1 (igd1)")
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		log.Debug("UPnP device found", "service", "WANPPPConnection1 (igd1)")
		return clients[0], nil
	}
	return nil, ErrNoDevice
}

// outboundIP 推断默认出站接口的本地 IP
//
// UDP "连接" 不发包，只让内核按路由表选源地址。
func outboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("unexpected local address type")
	}
	return ua.IP, nil
}
