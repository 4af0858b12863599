package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"

	"github.com/ryco117/file-yeet/internal/core/wire"
	"github.com/ryco117/file-yeet/pkg/types"
)

// ============================================================================
//                              配置
// ============================================================================

// PointConfig 汇合服务器配置
type PointConfig struct {
	// RequestTimeout 单条请求消息的读取超时
	RequestTimeout time.Duration

	// SweepInterval 孤儿注册清扫间隔
	//
	// 正常路径下注册随连接关闭即刻销毁，清扫只兜底
	// 处理连接表与注册表的意外不一致。
	SweepInterval time.Duration

	// Store 注册表配置
	Store StoreConfig

	// Policy 发布者选择策略（nil 使用 FirstRegistered）
	Policy SelectionPolicy

	// Clock 时钟源（nil 使用系统时钟，测试时注入 mock）
	Clock clock.Clock
}

// DefaultPointConfig 默认配置
func DefaultPointConfig() PointConfig {
	return PointConfig{
		RequestTimeout: 10 * time.Second,
		SweepInterval:  time.Minute,
		Store:          DefaultStoreConfig(),
		Policy:         FirstRegistered{},
	}
}

// Validate 验证配置
func (c *PointConfig) Validate() error {
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

// ============================================================================
//                              Point 实现
// ============================================================================

// ConnAcceptor 接受入站 QUIC 连接
type ConnAcceptor interface {
	Accept(ctx context.Context) (*quic.Conn, error)
}

// 确保 quic.Listener 满足接口
var _ ConnAcceptor = (*quic.Listener)(nil)

// controlStream 请求处理所需的流操作
//
// 收敛成小接口是为了让请求处理逻辑可以在内存管道上测试。
type controlStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// 确保 quic.Stream 满足接口
var _ controlStream = (*quic.Stream)(nil)

// 连接关闭时使用的应用层错误码
const (
	codeShutdown quic.ApplicationErrorCode = 0x1
)

// Point 汇合服务器
//
// 每个控制连接由独立的 goroutine 处理；连接上的每个双向流
// 承载一次逻辑请求。发布请求的流在应答后保持打开，服务器
// 通过它向发布者推送引荐消息。
type Point struct {
	config  PointConfig
	store   *Store
	policy  SelectionPolicy
	metrics *Metrics
	clk     clock.Clock

	mu    sync.RWMutex
	conns map[uuid.UUID]*clientConn

	// 统计
	connsAccepted atomic.Uint64
	requests      atomic.Uint64
	introductions atomic.Uint64
	notFound      atomic.Uint64

	// 生命周期
	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoint 创建汇合服务器
//
// promReg 为 nil 时指标记录在私有注册表中，不对外暴露。
func NewPoint(config PointConfig, promReg prometheus.Registerer) *Point {
	policy := config.Policy
	if policy == nil {
		policy = FirstRegistered{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	store := NewStore(config.Store)
	return &Point{
		config:  config,
		store:   store,
		policy:  policy,
		metrics: NewMetrics(promReg, store),
		clk:     clk,
		conns:   make(map[uuid.UUID]*clientConn),
	}
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动汇合服务器
func (p *Point) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return errors.New("rendezvous point already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.sweepLoop()

	log.Info("rendezvous point started", "policy", p.policy.Name())
	return nil
}

// Stop 停止汇合服务器
func (p *Point) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return nil
	}

	p.cancel()

	// 关闭所有控制连接，触发各自的清理
	p.mu.Lock()
	conns := make([]*clientConn, 0, len(p.conns))
	for _, cc := range p.conns {
		conns = append(conns, cc)
	}
	p.mu.Unlock()
	for _, cc := range conns {
		_ = cc.conn.CloseWithError(codeShutdown, "server shutting down")
	}

	p.wg.Wait()

	log.Info("rendezvous point stopped")
	return nil
}

// Serve 在监听器上接受控制连接，阻塞直到监听器关闭或服务器停止
func (p *Point) Serve(ln ConnAcceptor) error {
	if atomic.LoadInt32(&p.running) != 1 {
		return errors.New("rendezvous point not started")
	}

	var catcher tec.TempErrCatcher
	for {
		conn, err := ln.Accept(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if catcher.IsTemporary(err) {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConnection(conn)
		}()
	}
}

// ============================================================================
//                              连接处理
// ============================================================================

// clientConn 单个控制连接的服务器侧状态
type clientConn struct {
	id       uuid.UUID
	conn     *quic.Conn
	observed netip.AddrPort

	mu           sync.Mutex
	overridePort uint16
	pubStreams   map[types.ContentID]*pubStream
}

// pubStream 驻留的发布流
//
// 多个订阅请求可能并发推送引荐，写操作必须串行。
type pubStream struct {
	mu sync.Mutex
	s  controlStream
}

// handleConnection 处理单个控制连接的整个生命周期
func (p *Point) handleConnection(conn *quic.Conn) {
	cc := &clientConn{
		id:         uuid.New(),
		conn:       conn,
		observed:   remoteAddrPort(conn),
		pubStreams: make(map[types.ContentID]*pubStream),
	}

	p.mu.Lock()
	p.conns[cc.id] = cc
	p.mu.Unlock()

	p.connsAccepted.Add(1)
	p.metrics.ConnectionsTotal.Inc()
	p.metrics.ConnectionsActive.Inc()

	log.Debug("control connection accepted",
		"conn", cc.id,
		"remote", cc.observed,
	)

	defer func() {
		p.mu.Lock()
		delete(p.conns, cc.id)
		p.mu.Unlock()

		removed := p.store.RemoveConn(cc.id)
		p.metrics.ConnectionsActive.Dec()
		_ = conn.CloseWithError(codeShutdown, "")

		log.Debug("control connection closed",
			"conn", cc.id,
			"withdrawn", removed,
		)
	}()

	for {
		stream, err := conn.AcceptStream(p.ctx)
		if err != nil {
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleStream(cc, stream)
		}()
	}
}

// handleStream 处理单个请求流
func (p *Point) handleStream(cc *clientConn, stream controlStream) {
	_ = stream.SetReadDeadline(p.clk.Now().Add(p.config.RequestTimeout))

	msg, err := wire.ReadMessage(stream)
	if err != nil {
		log.Debug("failed to read request",
			"err", err,
			"conn", cc.id,
		)
		if errors.Is(err, wire.ErrInvalidMessage) || errors.Is(err, wire.ErrUnknownMessageType) || errors.Is(err, wire.ErrMessageTooLarge) {
			p.replyError(stream, wire.CodeMalformed, "malformed request")
		}
		_ = stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	p.requests.Add(1)
	p.metrics.RequestsTotal.WithLabelValues(msg.Type().String()).Inc()

	switch m := msg.(type) {
	case *wire.SocketPing:
		p.reply(stream, &wire.PingAck{Observed: cc.effectiveObserved()})
		_ = stream.Close()

	case *wire.PortOverride:
		if m.Port == 0 {
			p.replyError(stream, wire.CodeMalformed, "override port must not be zero")
			_ = stream.Close()
			return
		}
		cc.setOverridePort(m.Port)
		p.reply(stream, &wire.OverrideAck{})
		_ = stream.Close()

	case *wire.Publish:
		// 发布流保持打开，由 handlePublish 接管
		p.handlePublish(cc, m, stream)

	case *wire.Subscribe:
		p.handleSubscribe(cc, m, stream)
		_ = stream.Close()

	default:
		// 服务器标签不应出现在客户端请求里
		p.replyError(stream, wire.CodeMalformed, "unexpected message type")
		_ = stream.Close()
	}
}

// handlePublish 处理发布注册
func (p *Point) handlePublish(cc *clientConn, req *wire.Publish, stream controlStream) {
	if !req.Addr.Local.IsValid() {
		p.replyError(stream, wire.CodeMalformed, "missing local address")
		_ = stream.Close()
		return
	}

	reg := &Registration{
		ContentID:    req.ContentID,
		Addr:         req.Addr,
		Observed:     cc.effectiveObserved(),
		ConnID:       cc.id,
		RegisteredAt: p.clk.Now(),
	}

	if err := p.store.Register(reg); err != nil {
		code := wire.CodeInternal
		var storeErr *StoreError
		if errors.As(err, &storeErr) {
			code = wire.CodeLimitExceeded
		}
		p.replyError(stream, code, err.Error())
		_ = stream.Close()
		return
	}

	cc.trackPublish(req.ContentID, stream)

	if err := wire.WriteMessage(stream, &wire.PublishAck{Observed: reg.Observed}); err != nil {
		log.Debug("failed to ack publish",
			"err", err,
			"conn", cc.id,
		)
		if cc.dropPublishIf(req.ContentID, stream) {
			p.store.Remove(req.ContentID, cc.id)
		}
		_ = stream.Close()
		return
	}

	log.Info("content published",
		"content", req.ContentID.ShortString(),
		"conn", cc.id,
		"observed", reg.Observed,
	)

	// 等待发布者撤销：客户端关闭发布流即视为撤销本条注册。
	// 同一连接重新发布会替换驻留流与注册记录，旧流关闭时
	// 必须先确认自己仍是驻留流，否则会撤销掉新注册。
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 1)
		_, err := stream.Read(buf)
		if cc.dropPublishIf(req.ContentID, stream) {
			p.store.Remove(req.ContentID, cc.id)
			log.Debug("publication withdrawn",
				"content", req.ContentID.ShortString(),
				"conn", cc.id,
				"err", err,
			)
		}
		_ = stream.Close()
	}()
}

// handleSubscribe 处理订阅查找
//
// 匹配成功时先向发布者驻留流推送引荐，成功后才应答订阅者，
// 保证应答到达时发布者一定已经收到（或正在接收）对端地址。
func (p *Point) handleSubscribe(cc *clientConn, req *wire.Subscribe, stream controlStream) {
	regs := p.store.Lookup(req.ContentID)

	for len(regs) > 0 {
		reg := p.policy.Select(regs)

		target := p.connByID(reg.ConnID)
		if target == nil {
			// 注册表指向已消失的连接，当场修复
			log.Warn("registry inconsistency repaired",
				"content", reg.ContentID.ShortString(),
				"conn", reg.ConnID,
			)
			p.store.Remove(reg.ContentID, reg.ConnID)
			regs = dropRegistration(regs, reg.ConnID)
			continue
		}

		subIntro := &wire.Introduction{
			ContentID: req.ContentID,
			Peer:      req.Addr,
			Observed:  cc.effectiveObserved(),
		}
		if err := target.introduce(req.ContentID, subIntro); err != nil {
			// 发布者侧派发失败：丢弃该注册，尝试下一个发布者
			log.Debug("introduction to publisher failed",
				"err", err,
				"content", reg.ContentID.ShortString(),
				"conn", reg.ConnID,
			)
			p.store.Remove(reg.ContentID, reg.ConnID)
			regs = dropRegistration(regs, reg.ConnID)
			continue
		}

		pubIntro := &wire.Introduction{
			ContentID: req.ContentID,
			Peer:      reg.Addr,
			Observed:  reg.Observed,
		}
		if err := wire.WriteMessage(stream, pubIntro); err != nil {
			log.Debug("failed to reply subscriber",
				"err", err,
				"conn", cc.id,
			)
			return
		}

		p.introductions.Add(1)
		p.metrics.IntroductionsTotal.Inc()
		log.Info("peers introduced",
			"content", req.ContentID.ShortString(),
			"publisher", reg.Observed,
			"subscriber", cc.effectiveObserved(),
		)
		return
	}

	p.notFound.Add(1)
	p.metrics.NotFoundTotal.Inc()
	p.reply(stream, &wire.NotFound{ContentID: req.ContentID})
}

// ============================================================================
//                              辅助方法
// ============================================================================

// reply 发送响应消息
func (p *Point) reply(stream controlStream, msg wire.Message) {
	if err := wire.WriteMessage(stream, msg); err != nil {
		log.Debug("failed to write reply",
			"err", err,
			"type", msg.Type(),
		)
	}
}

// replyError 发送错误响应
func (p *Point) replyError(stream controlStream, code wire.ErrorCode, msg string) {
	p.metrics.ErrorsTotal.WithLabelValues(code.String()).Inc()
	if err := wire.WriteMessage(stream, &wire.ErrorReply{Code: code, Message: msg}); err != nil {
		log.Debug("failed to write error reply",
			"err", err,
			"code", code,
		)
	}
}

// connByID 查找活跃连接
func (p *Point) connByID(id uuid.UUID) *clientConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[id]
}

// dropRegistration 从候选列表中剔除指定连接的注册
func dropRegistration(regs []*Registration, connID uuid.UUID) []*Registration {
	result := regs[:0]
	for _, r := range regs {
		if r.ConnID != connID {
			result = append(result, r)
		}
	}
	return result
}

// remoteAddrPort 提取连接的远端地址
func remoteAddrPort(conn *quic.Conn) netip.AddrPort {
	if ua, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return ap
}

// setOverridePort 记录端口覆盖
func (cc *clientConn) setOverridePort(port uint16) {
	cc.mu.Lock()
	cc.overridePort = port
	cc.mu.Unlock()
}

// effectiveObserved 返回应用端口覆盖后的观测地址
func (cc *clientConn) effectiveObserved() netip.AddrPort {
	cc.mu.Lock()
	port := cc.overridePort
	cc.mu.Unlock()
	if port == 0 {
		return cc.observed
	}
	return netip.AddrPortFrom(cc.observed.Addr(), port)
}

// trackPublish 驻留发布流
func (cc *clientConn) trackPublish(contentID types.ContentID, stream controlStream) {
	cc.mu.Lock()
	cc.pubStreams[contentID] = &pubStream{s: stream}
	cc.mu.Unlock()
}

// dropPublishIf 仅当指定流仍是该内容的驻留流时移除
//
// 重新发布会替换驻留流，旧流的撤销路径靠这里的比对避免
// 误伤新注册。返回是否真的移除了。
func (cc *clientConn) dropPublishIf(contentID types.ContentID, stream controlStream) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	ps, ok := cc.pubStreams[contentID]
	if !ok || ps.s != stream {
		return false
	}
	delete(cc.pubStreams, contentID)
	return true
}

// introduce 向驻留的发布流推送引荐
func (cc *clientConn) introduce(contentID types.ContentID, intro *wire.Introduction) error {
	cc.mu.Lock()
	ps, ok := cc.pubStreams[contentID]
	cc.mu.Unlock()
	if !ok {
		return errors.New("publish stream gone")
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	return wire.WriteMessage(ps.s, intro)
}

// ============================================================================
//                              清扫与统计
// ============================================================================

// sweepLoop 定期清扫孤儿注册
func (p *Point) sweepLoop() {
	defer p.wg.Done()

	ticker := p.clk.Ticker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep 移除指向已消失连接的注册
func (p *Point) sweep() {
	for _, connID := range p.store.ConnIDs() {
		if p.connByID(connID) == nil {
			if n := p.store.RemoveConn(connID); n > 0 {
				log.Warn("swept orphaned registrations",
					"conn", connID,
					"count", n,
				)
			}
		}
	}
}

// PointStats 服务器统计
type PointStats struct {
	Store         StoreStats
	Conns         int
	ConnsAccepted uint64
	Requests      uint64
	Introductions uint64
	NotFound      uint64
}

// Stats 返回统计信息
func (p *Point) Stats() PointStats {
	p.mu.RLock()
	conns := len(p.conns)
	p.mu.RUnlock()

	return PointStats{
		Store:         p.store.Stats(),
		Conns:         conns,
		ConnsAccepted: p.connsAccepted.Load(),
		Requests:      p.requests.Load(),
		Introductions: p.introductions.Load(),
		NotFound:      p.notFound.Load(),
	}
}
