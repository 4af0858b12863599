package fileyeet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quic-go/quic-go"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/ryco117/file-yeet/internal/core/holepunch"
	"github.com/ryco117/file-yeet/internal/core/nat"
	"github.com/ryco117/file-yeet/internal/core/nat/stunprobe"
	"github.com/ryco117/file-yeet/internal/core/session"
	"github.com/ryco117/file-yeet/internal/core/transport"
	"github.com/ryco117/file-yeet/internal/core/wire"
	"github.com/ryco117/file-yeet/internal/util/logger"
	"github.com/ryco117/file-yeet/pkg/types"
)

// 包级别日志实例
var log = logger.Logger("node")

// startTimeout 节点组装与启动的总超时
const startTimeout = 30 * time.Second

// ============================================================================
//                              Node 定义
// ============================================================================

// Node 文件直传节点
//
// 一个 Node 持有一个共享 UDP 套接字、一条到汇合服务器的控制
// 连接和一份地址解析结果。控制连接、打洞与对等连接全部复用
// 该套接字的本地端口。
type Node struct {
	config Config
	app    *fx.App

	transport *transport.Transport
	resolver  *nat.Resolver
	prober    *stunprobe.Prober

	session    *session.Session
	resolution *nat.Resolution

	// 对等连接缓存，按打洞命中的地址去重
	peers *lru.Cache[netip.AddrPort, *PeerConn]

	// 活跃的打洞会话，入站打洞报文广播给它们
	punchMu  sync.Mutex
	punchers map[*holepunch.Puncher]struct{}

	// 等待入站对等连接的接线员
	acceptMu sync.Mutex
	waiters  map[netip.AddrPort]chan *quic.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New 创建并启动节点
//
// 启动完成时控制连接已建立、地址解析已结束，节点随即可以
// 发布或订阅。
func New(ctx context.Context, opts ...Option) (*Node, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	node := &Node{
		config:   cfg,
		punchers: make(map[*holepunch.Puncher]struct{}),
		waiters:  make(map[netip.AddrPort]chan *quic.Conn),
	}
	node.app = buildApp(cfg, node)

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := node.app.Start(startCtx); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	return node, nil
}

// register 挂接生命周期（由 fx 调用）
func (n *Node) register(lc fx.Lifecycle, tr *transport.Transport, resolver *nat.Resolver, prober *stunprobe.Prober) {
	n.transport = tr
	n.resolver = resolver
	n.prober = prober

	lc.Append(fx.Hook{
		OnStart: n.start,
		OnStop:  func(context.Context) error { return n.stop() },
	})
}

// ============================================================================
//                              生命周期
// ============================================================================

// start 建链、解析地址、启动后台循环
func (n *Node) start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	peers, err := lru.NewWithEvict(n.config.MaxPeerConns, func(_ netip.AddrPort, pc *PeerConn) {
		_ = pc.Close()
	})
	if err != nil {
		return err
	}
	n.peers = peers

	sess, err := session.Dial(ctx, session.Config{
		ServerAddr:     n.config.ServerAddr,
		RequestTimeout: n.config.RequestTimeout,
	}, n.transport)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	n.session = sess

	// 控制连接建立后套接字已绑定，先把分发循环跑起来，
	// 地址解析的 STUN 响应要靠它
	n.wg.Add(1)
	go n.demuxLoop()

	local := n.transport.LocalAddrFor(sess.RemoteAddr())
	resolution, err := n.resolver.Resolve(ctx, local)
	if err != nil {
		_ = sess.Close()
		return err
	}
	n.resolution = resolution

	// 端口映射拿到的外部端口可能与服务器观测的不同
	// （级联 NAT、回绕路由），声明给服务器以映射端口为准
	if resolution.Lease != nil {
		if err := sess.OverridePort(ctx, resolution.External.Port()); err != nil {
			log.Warn("port override rejected", "err", err)
		}
	}

	// 入站对等连接由统一的接线循环分派
	ln, err := n.transport.Listen()
	if err != nil {
		_ = sess.Close()
		return err
	}
	n.wg.Add(1)
	go n.acceptLoop(ln)

	log.Info("node started",
		"server", sess.RemoteAddr(),
		"local", local,
		"external", resolution.External,
	)
	return nil
}

// stop 逆序关闭
func (n *Node) stop() error {
	n.cancel()

	var errs error
	if n.session != nil {
		errs = multierr.Append(errs, n.session.Close())
	}
	if n.resolution != nil {
		errs = multierr.Append(errs, n.resolution.Close())
	}
	if n.peers != nil {
		n.peers.Purge()
	}
	errs = multierr.Append(errs, n.transport.Close())

	n.wg.Wait()
	log.Info("node stopped")
	return errs
}

// Close 关闭节点并释放全部资源
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		n.closeErr = n.app.Stop(stopCtx)
	})
	return n.closeErr
}

// ============================================================================
//                              公共查询
// ============================================================================

// LocalAddr 返回共享套接字的本地地址
func (n *Node) LocalAddr() netip.AddrPort {
	return n.transport.LocalAddr()
}

// ExternalAddr 返回解析出的外部地址（可能无效）
func (n *Node) ExternalAddr() netip.AddrPort {
	if n.resolution == nil {
		return netip.AddrPort{}
	}
	if n.resolution.Lease != nil {
		return n.resolution.Lease.External()
	}
	return n.resolution.External
}

// ObservedAddr 询问服务器本端的公网观测地址
func (n *Node) ObservedAddr(ctx context.Context) (netip.AddrPort, error) {
	observed, err := n.session.Ping(ctx)
	if err != nil {
		return netip.AddrPort{}, mapDiscoveryErr(err)
	}
	return observed, nil
}

// selfAddr 构造通告给对端的地址对
func (n *Node) selfAddr() types.PeerAddress {
	return types.PeerAddress{
		Local:    n.transport.LocalAddrFor(n.session.RemoteAddr()),
		External: n.ExternalAddr(),
	}
}

// ============================================================================
//                              发布
// ============================================================================

// Publication 一条存活的发布
//
// 每当服务器引荐一个订阅者，节点自动完成打洞与握手，成活的
// 对等连接从 Conns 通道交给调用方。
type Publication struct {
	// ContentID 发布的内容标识
	ContentID types.ContentID

	// Observed 服务器观测到的本端公网地址
	Observed netip.AddrPort

	inner *session.Publication
	conns chan *PeerConn
}

// Conns 返回成活的对等连接通道
//
// 通道在发布撤销或节点关闭时关闭。
func (p *Publication) Conns() <-chan *PeerConn {
	return p.conns
}

// Close 撤销发布
func (p *Publication) Close() error {
	return p.inner.Close()
}

// Publish 注册为内容的发布者
//
// 广告存活到 Publication 或节点关闭为止。
func (n *Node) Publish(ctx context.Context, contentID types.ContentID) (*Publication, error) {
	inner, err := n.session.Publish(ctx, contentID, n.selfAddr())
	if err != nil {
		return nil, mapDiscoveryErr(err)
	}

	pub := &Publication{
		ContentID: contentID,
		Observed:  inner.Observed,
		inner:     inner,
		conns:     make(chan *PeerConn, 4),
	}

	n.wg.Add(1)
	go n.servePublication(pub)
	return pub, nil
}

// servePublication 为发布的每条引荐建立对等连接
func (n *Node) servePublication(pub *Publication) {
	defer n.wg.Done()
	defer close(pub.conns)

	var peerWG sync.WaitGroup
	defer peerWG.Wait()

	for intro := range pub.inner.Introductions() {
		peerWG.Add(1)
		go func(intro *wire.Introduction) {
			defer peerWG.Done()

			pc, err := n.connectPeer(n.ctx, intro, roleAcceptor)
			if err != nil {
				log.Warn("failed to connect introduced subscriber",
					"content", pub.ContentID.ShortString(),
					"err", err,
				)
				return
			}

			select {
			case pub.conns <- pc:
			case <-n.ctx.Done():
				_ = pc.Close()
			}
		}(intro)
	}
}

// ============================================================================
//                              订阅
// ============================================================================

// Subscribe 查找内容的发布者并与之建立对等连接
//
// 完整走完发现、打洞、安全握手三个阶段；每个阶段的失败以
// 对应的哨兵错误报告。
func (n *Node) Subscribe(ctx context.Context, contentID types.ContentID) (*PeerConn, error) {
	intro, err := n.session.Subscribe(ctx, contentID, n.selfAddr())
	if err != nil {
		return nil, mapDiscoveryErr(err)
	}

	return n.connectPeer(ctx, intro, roleInitiator)
}

// ============================================================================
//                              对等连接建立
// ============================================================================

// connectPeer 对引荐的对端执行打洞与安全握手
func (n *Node) connectPeer(ctx context.Context, intro *wire.Introduction, role Role) (*PeerConn, error) {
	candidates := candidateList(intro)

	puncher, err := holepunch.New(n.config.Punch, n.transport)
	if err != nil {
		return nil, err
	}
	n.trackPuncher(puncher)
	defer n.untrackPuncher(puncher)

	addr, err := puncher.Punch(ctx, candidates)
	if err != nil {
		if errors.Is(err, holepunch.ErrTimeout) {
			return nil, fmt.Errorf("%w: candidates %v", ErrPunchTimeout, candidates)
		}
		return nil, err
	}

	// 同一对端的既有连接直接复用
	if pc, ok := n.peers.Get(addr); ok {
		if pc.Alive() {
			log.Debug("reusing cached peer connection", "addr", addr)
			return pc, nil
		}
		n.peers.Remove(addr)
	}

	var conn *quic.Conn
	switch role {
	case roleInitiator:
		dialCtx, cancel := context.WithTimeout(ctx, n.config.DialTimeout)
		conn, err = n.transport.Dial(dialCtx, addr)
		cancel()
	case roleAcceptor:
		conn, err = n.awaitInbound(ctx, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	pc := &PeerConn{conn: conn, addr: addr, role: role}
	n.peers.Add(addr, pc)

	log.Info("peer connection established",
		"addr", addr,
		"role", role,
	)
	return pc, nil
}

// candidateList 按尝试优先级排列对端候选地址
//
// 外部映射最可能全局可路由排在前面，服务器观测地址次之，
// 自报的本地地址垫底（同 NAT/同主机场景下命中）。与自身地址
// 相同的候选不剔除，同主机传输会在它上面瞬间成功。
func candidateList(intro *wire.Introduction) []netip.AddrPort {
	ordered := []netip.AddrPort{
		intro.Peer.External,
		intro.Observed,
		intro.Peer.Local,
	}

	candidates := make([]netip.AddrPort, 0, len(ordered))
	for _, c := range ordered {
		if !c.IsValid() || c.Port() == 0 {
			continue
		}
		dup := false
		for _, seen := range candidates {
			if seen == c {
				dup = true
				break
			}
		}
		if !dup {
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// awaitInbound 等待打洞命中的对端连入
func (n *Node) awaitInbound(ctx context.Context, addr netip.AddrPort) (*quic.Conn, error) {
	ch := make(chan *quic.Conn, 1)
	n.acceptMu.Lock()
	n.waiters[addr] = ch
	n.acceptMu.Unlock()
	defer func() {
		n.acceptMu.Lock()
		delete(n.waiters, addr)
		n.acceptMu.Unlock()
	}()

	timer := time.NewTimer(n.config.AcceptTimeout)
	defer timer.Stop()

	select {
	case conn := <-ch:
		return conn, nil
	case <-timer.C:
		return nil, fmt.Errorf("no inbound connection from %s within %v", addr, n.config.AcceptTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acceptLoop 接受入站对等连接并分派给等待者
func (n *Node) acceptLoop(ln *quic.Listener) {
	defer n.wg.Done()

	for {
		conn, err := ln.Accept(n.ctx)
		if err != nil {
			return
		}
		n.dispatchInbound(conn)
	}
}

// dispatchInbound 按远端地址匹配等待者
//
// 地址不完全匹配时，若恰有一个等待者也交给它：打洞验证的
// 地址与 QUIC 实际呈现的地址可能因 NAT 重写相差一个端口。
func (n *Node) dispatchInbound(conn *quic.Conn) {
	remote := remoteAddrPort(conn)

	n.acceptMu.Lock()
	ch, ok := n.waiters[remote]
	if !ok && len(n.waiters) == 1 {
		for addr, only := range n.waiters {
			log.Debug("inbound address mismatch, single waiter takes it",
				"expected", addr,
				"actual", remote,
			)
			ch, ok = only, true
		}
	}
	n.acceptMu.Unlock()

	if !ok {
		log.Warn("unexpected inbound peer connection", "remote", remote)
		_ = conn.CloseWithError(0, "no matching punch session")
		return
	}

	select {
	case ch <- conn:
	default:
		_ = conn.CloseWithError(0, "duplicate inbound connection")
	}
}

// ============================================================================
//                              报文分发
// ============================================================================

// demuxLoop 把共享套接字上的非 QUIC 报文分流到消费者
func (n *Node) demuxLoop() {
	defer n.wg.Done()

	for pkt := range n.transport.Packets() {
		switch {
		case holepunch.IsPunchPacket(pkt.Data):
			n.punchMu.Lock()
			for p := range n.punchers {
				p.Deliver(pkt)
			}
			n.punchMu.Unlock()

		case stunprobe.IsSTUNPacket(pkt.Data):
			n.prober.Deliver(pkt)

		default:
			log.Debug("unrecognized datagram dropped",
				"from", pkt.From,
				"len", len(pkt.Data),
			)
		}
	}
}

// trackPuncher 登记活跃打洞会话
func (n *Node) trackPuncher(p *holepunch.Puncher) {
	n.punchMu.Lock()
	n.punchers[p] = struct{}{}
	n.punchMu.Unlock()
}

// untrackPuncher 注销打洞会话
func (n *Node) untrackPuncher(p *holepunch.Puncher) {
	n.punchMu.Lock()
	delete(n.punchers, p)
	n.punchMu.Unlock()
}

// ============================================================================
//                              辅助函数
// ============================================================================

// mapDiscoveryErr 把会话错误翻译成发现阶段的哨兵错误
func mapDiscoveryErr(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return fmt.Errorf("%w: %v", ErrNodeClosed, err)
	default:
		return fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
}

// remoteAddrPort 提取连接的远端地址
func remoteAddrPort(conn *quic.Conn) netip.AddrPort {
	if ua, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return ap
}
