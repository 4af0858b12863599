// Package stunprobe 经共享套接字观测外部地址
//
// 向 STUN 服务器发送 Binding Request 并解析响应里的
// XOR-MAPPED-ADDRESS。请求必须从共享 UDP 套接字发出：NAT
// 映射按本地端口建立，换端口观测到的是另一个映射。
//
// 观测结果只说明 NAT 当前把该端口翻译成什么，不保证入站
// 可达；对打洞来说这已经足够。
package stunprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun"

	"github.com/ryco117/file-yeet/internal/core/transport"
	"github.com/ryco117/file-yeet/internal/util/logger"
)

// 包级别日志实例
var log = logger.Logger("nat.stunprobe")

// ============================================================================
//                              常量与错误
// ============================================================================

// DefaultServers 默认 STUN 服务器
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// retryInterval 单个服务器的重发间隔
const retryInterval = time.Second

var (
	// ErrNoServers 未配置 STUN 服务器
	ErrNoServers = errors.New("no STUN servers configured")

	// ErrProbeFailed 所有服务器均未返回可用响应
	ErrProbeFailed = errors.New("STUN probe failed")
)

// ============================================================================
//                              Prober 实现
// ============================================================================

// Sender 经共享套接字发送报文
type Sender interface {
	WriteTo(b []byte, to netip.AddrPort) error
}

// 确保共享传输满足接口
var _ Sender = (*transport.Transport)(nil)

// IsSTUNPacket 判断报文是否是 STUN 消息
//
// 共享套接字的分发循环用它把 STUN 响应分流到探测会话。
func IsSTUNPacket(b []byte) bool {
	return stun.IsMessage(b)
}

// Prober STUN 外部地址探测器
//
// 一个 Prober 绑定一个共享套接字，可多次 Probe。入站 STUN
// 响应由分发循环经 Deliver 喂入。
type Prober struct {
	servers []string
	sender  Sender

	mu      sync.Mutex
	pending map[[stun.TransactionIDSize]byte]chan *stun.Message
}

// New 创建探测器
//
// servers 为空时使用 DefaultServers。
func New(servers []string, sender Sender) *Prober {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	return &Prober{
		servers: servers,
		sender:  sender,
		pending: make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
	}
}

// Deliver 喂入一个入站 STUN 报文
//
// 由共享套接字的分发循环调用，不阻塞。
func (p *Prober) Deliver(pkt transport.Packet) {
	msg := &stun.Message{Raw: append([]byte(nil), pkt.Data...)}
	if err := msg.Decode(); err != nil {
		log.Debug("undecodable STUN packet", "from", pkt.From, "err", err)
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[msg.TransactionID]
	p.mu.Unlock()
	if !ok {
		log.Debug("unsolicited STUN response", "from", pkt.From)
		return
	}

	select {
	case ch <- msg:
	default:
	}
}

// Probe 依次询问各服务器，返回首个解析成功的外部地址
func (p *Prober) Probe(ctx context.Context) (netip.AddrPort, error) {
	if len(p.servers) == 0 {
		return netip.AddrPort{}, ErrNoServers
	}

	var lastErr error
	for _, server := range p.servers {
		addr, err := p.probeServer(ctx, server)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Debug("STUN server probe failed", "server", server, "err", err)
	}
	return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrProbeFailed, lastErr)
}

// probeServer 向单个服务器发送 Binding Request 并等待响应
func (p *Prober) probeServer(ctx context.Context, server string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", server, err)
	}
	target := ua.AddrPort()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("build request: %w", err)
	}

	ch := make(chan *stun.Message, 1)
	p.mu.Lock()
	p.pending[req.TransactionID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, req.TransactionID)
		p.mu.Unlock()
	}()

	// UDP 不可靠，按固定间隔重发直到响应或超时
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	if err := p.sender.WriteTo(req.Raw, target); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return netip.AddrPort{}, ctx.Err()

		case <-ticker.C:
			if err := p.sender.WriteTo(req.Raw, target); err != nil {
				return netip.AddrPort{}, fmt.Errorf("send request: %w", err)
			}

		case msg := <-ch:
			addr, err := mappedAddress(msg)
			if err != nil {
				return netip.AddrPort{}, err
			}
			log.Debug("STUN binding response",
				"server", server,
				"mapped", addr,
			)
			return addr, nil
		}
	}
}

// mappedAddress 从响应中提取映射地址
//
// 优先 XOR-MAPPED-ADDRESS，老服务器只带 MAPPED-ADDRESS。
func mappedAddress(msg *stun.Message) (netip.AddrPort, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		return toAddrPort(xorAddr.IP, xorAddr.Port)
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		return toAddrPort(mapped.IP, mapped.Port)
	}

	return netip.AddrPort{}, fmt.Errorf("%w: response carries no mapped address", ErrProbeFailed)
}

// toAddrPort 转换为 netip 形式
func toAddrPort(ip net.IP, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: bad mapped IP", ErrProbeFailed)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
