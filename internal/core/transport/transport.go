// Package transport 提供共享 UDP 套接字上的 QUIC 传输
//
// 控制连接、打洞报文、STUN 探测和对等 QUIC 连接全部复用同一个
// 本地 UDP 端口，这对 NAT 打洞至关重要：NAT 映射按 (本地端口, 协议)
// 建立，打洞报文必须与后续 QUIC 握手走同一端口，对端才能命中
// 已经打开的映射。
//
// quic.Transport 支持在同一个 socket 上同时监听和拨号，并通过
// ReadNonQUICPacket 交出不属于 QUIC 的入站报文（打洞与 STUN）。
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ryco117/file-yeet/internal/util/logger"
)

// 包级别日志实例
var log = logger.Logger("transport")

// ============================================================================
//                              常量与错误
// ============================================================================

// ALPN 协议标识，控制连接与对等连接共用
const ALPN = "file-yeet/1"

// maxDatagramSize 非 QUIC 报文的读取缓冲大小
const maxDatagramSize = 1500

// packetBacklog 非 QUIC 报文通道的缓冲深度
const packetBacklog = 64

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("transport closed")
)

// ============================================================================
//                              非 QUIC 报文
// ============================================================================

// Packet 共享套接字上收到的非 QUIC 报文（打洞或 STUN 响应）
type Packet struct {
	// Data 报文内容
	Data []byte

	// From 来源地址
	From netip.AddrPort
}

// ============================================================================
//                              传输实现
// ============================================================================

// Config 传输配置
type Config struct {
	// ListenAddr 本地绑定地址（零值表示系统分配端口的通配绑定）
	ListenAddr netip.AddrPort
}

// Transport 共享套接字 QUIC 传输
//
// 首次 Listen 或 Dial 时惰性绑定 UDP 套接字，之后监听与拨号
// 复用同一端口。
type Transport struct {
	mu sync.RWMutex

	listenAddr netip.AddrPort
	serverTLS  *tls.Config
	clientTLS  *tls.Config
	config     *quic.Config

	// 共享的 QUIC Transport 和 UDP socket
	quicTransport *quic.Transport
	udpConn       *net.UDPConn
	listener      *quic.Listener

	packets chan Packet
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建传输
func New(cfg Config) (*Transport, error) {
	cert, err := generateCertificate()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		listenAddr: cfg.ListenAddr,
		serverTLS:  newServerTLS(cert),
		clientTLS:  newClientTLS(cert),
		config: &quic.Config{
			// MaxIdleTimeout + KeepAlivePeriod: 非优雅断开在 ~9s 内暴露，
			// 汇合服务器依赖它回收失联连接的注册
			MaxIdleTimeout:        6 * time.Second,
			KeepAlivePeriod:       3 * time.Second,
			MaxIncomingStreams:    1024,
			MaxIncomingUniStreams: 1024,
			EnableDatagrams:       true,
			Allow0RTT:             true,
		},
		packets: make(chan Packet, packetBacklog),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// ensureBoundLocked 惰性绑定共享 UDP 套接字（调用者持锁）
func (t *Transport) ensureBoundLocked() error {
	if t.closed {
		return ErrTransportClosed
	}
	if t.quicTransport != nil {
		return nil
	}

	var laddr *net.UDPAddr
	if t.listenAddr.IsValid() {
		laddr = net.UDPAddrFromAddrPort(t.listenAddr)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	t.udpConn = conn
	t.quicTransport = &quic.Transport{Conn: conn}

	// 绑定后立即开始分发非 QUIC 报文，打洞与 STUN 依赖它
	t.wg.Add(1)
	go t.demuxLoop(t.quicTransport)

	log.Debug("socket bound", "local", conn.LocalAddr())
	return nil
}

// Listen 在共享套接字上开始接受 QUIC 连接
//
// 重复调用返回同一个监听器。
func (t *Transport) Listen() (*quic.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureBoundLocked(); err != nil {
		return nil, err
	}
	if t.listener != nil {
		return t.listener, nil
	}

	ln, err := t.quicTransport.Listen(t.serverTLS, t.config)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	t.listener = ln
	return ln, nil
}

// Dial 经共享套接字向远端发起 QUIC 连接
//
// 复用监听端口拨号是打洞成功的前提：换用新端口会让 NAT
// 分配新的外部映射，对端打开的洞随之失效。
func (t *Transport) Dial(ctx context.Context, addr netip.AddrPort) (*quic.Conn, error) {
	t.mu.Lock()
	if err := t.ensureBoundLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	quicTransport := t.quicTransport
	t.mu.Unlock()

	conn, err := quicTransport.Dial(ctx, net.UDPAddrFromAddrPort(addr), t.clientTLS, t.config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// WriteTo 经共享套接字发送原始 UDP 报文（打洞与 STUN 探测）
func (t *Transport) WriteTo(b []byte, to netip.AddrPort) error {
	t.mu.RLock()
	quicTransport := t.quicTransport
	closed := t.closed
	t.mu.RUnlock()

	if closed || quicTransport == nil {
		return ErrTransportClosed
	}

	_, err := quicTransport.WriteTo(b, net.UDPAddrFromAddrPort(to))
	return err
}

// Packets 返回非 QUIC 报文通道
//
// 通道在传输关闭时关闭。消费不及时会导致报文被丢弃。
func (t *Transport) Packets() <-chan Packet {
	return t.packets
}

// LocalAddr 返回共享套接字的本地地址（未绑定时返回零值）
func (t *Transport) LocalAddr() netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.udpConn == nil {
		return netip.AddrPort{}
	}
	if ua, ok := t.udpConn.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}

// LocalAddrFor 返回向指定远端通告的本地地址
//
// 通配绑定时套接字地址是未指定地址（0.0.0.0 或 ::），对局域网
// 对端没有意义。这里借路由表推断实际的出站接口地址，端口保持
// 共享套接字的端口。
func (t *Transport) LocalAddrFor(remote netip.AddrPort) netip.AddrPort {
	local := t.LocalAddr()
	if !local.IsValid() || !local.Addr().IsUnspecified() {
		return local
	}

	// UDP "连接" 不发包，只让内核选择出站地址
	probe, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		return local
	}
	defer probe.Close()

	if ua, ok := probe.LocalAddr().(*net.UDPAddr); ok {
		return netip.AddrPortFrom(ua.AddrPort().Addr(), local.Port())
	}
	return local
}

// Close 关闭传输
//
// 先关监听器，再关共享 quic.Transport（连带关闭所有连接），
// 最后关闭 UDP 套接字。
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()

	if t.listener != nil {
		_ = t.listener.Close()
		t.listener = nil
	}
	if t.quicTransport != nil {
		_ = t.quicTransport.Close()
		t.quicTransport = nil
	}
	if t.udpConn != nil {
		_ = t.udpConn.Close()
		t.udpConn = nil
	}

	t.wg.Wait()
	close(t.packets)
	return nil
}

// ============================================================================
//                              报文分发
// ============================================================================

// demuxLoop 读取非 QUIC 报文并投递到通道
func (t *Transport) demuxLoop(quicTransport *quic.Transport) {
	defer t.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := quicTransport.ReadNonQUICPacket(t.ctx, buf)
		if err != nil {
			return
		}

		from := addrPortOf(addr)
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case t.packets <- Packet{Data: data, From: from}:
		default:
			log.Debug("packet channel full, dropping", "from", from, "len", n)
		}
	}
}

// addrPortOf 提取 net.Addr 的 netip 形式
func addrPortOf(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}
