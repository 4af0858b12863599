// Package session 实现汇合服务器的客户端会话
//
// 会话从共享 UDP 套接字向服务器发起一条 QUIC 控制连接，之后的
// 每个逻辑请求各占一条双向流。发布请求的流在服务器应答后保持
// 打开：服务器通过它推送匹配到的订阅者，客户端关闭它即撤销
// 发布。控制连接存续本身就是发布记录的存活信号，Close 会话等
// 于撤回全部广告。
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ryco117/file-yeet/internal/core/wire"
	"github.com/ryco117/file-yeet/internal/util/logger"
	"github.com/ryco117/file-yeet/pkg/types"
)

// 包级别日志实例
var log = logger.Logger("session")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNotFound 服务器没有该内容的发布者
	ErrNotFound = errors.New("no publisher for content")

	// ErrTimeout 请求超时
	ErrTimeout = errors.New("rendezvous request timed out")

	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("session closed")

	// ErrRejected 服务器拒绝了请求
	ErrRejected = errors.New("request rejected by server")
)

// 会话关闭时使用的应用层错误码
const codeClientClosed quic.ApplicationErrorCode = 0x0

// ============================================================================
//                              配置
// ============================================================================

// Config 会话配置
type Config struct {
	// ServerAddr 汇合服务器地址（host:port）
	ServerAddr string

	// RequestTimeout 单个请求的超时
	RequestTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("server address required")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return nil
}

// ============================================================================
//                              会话实现
// ============================================================================

// Dialer 从共享套接字发起 QUIC 连接
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (*quic.Conn, error)
}

// Session 一条到汇合服务器的控制连接
type Session struct {
	config Config
	conn   *quic.Conn
	remote netip.AddrPort

	mu     sync.Mutex
	pubs   map[types.ContentID]*Publication
	closed bool

	closeOnce sync.Once
}

// Dial 建立控制连接
//
// 必须用承载后续打洞与对等连接的同一个 Dialer（共享套接字）：
// 服务器在这条连接上观测到的映射，就是之后打洞要命中的映射。
func Dial(ctx context.Context, config Config, dialer Dialer) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	remote, err := resolveServerAddr(config.ServerAddr)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.RequestTimeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, remote)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous server %s: %w", config.ServerAddr, err)
	}

	log.Info("control connection established", "server", remote)
	return &Session{
		config: config,
		conn:   conn,
		remote: remote,
		pubs:   make(map[types.ContentID]*Publication),
	}, nil
}

// RemoteAddr 返回服务器地址
func (s *Session) RemoteAddr() netip.AddrPort {
	return s.remote
}

// Close 关闭控制连接
//
// 服务器随即移除本连接的全部发布记录。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pubs := make([]*Publication, 0, len(s.pubs))
		for _, p := range s.pubs {
			pubs = append(pubs, p)
		}
		s.mu.Unlock()

		for _, p := range pubs {
			_ = p.Close()
		}
		_ = s.conn.CloseWithError(codeClientClosed, "")
		log.Debug("control connection closed", "server", s.remote)
	})
	return nil
}

// ============================================================================
//                              单发请求
// ============================================================================

// Ping 请求服务器回报观测到的公网地址
func (s *Session) Ping(ctx context.Context) (netip.AddrPort, error) {
	reply, err := s.roundTrip(ctx, &wire.SocketPing{})
	if err != nil {
		return netip.AddrPort{}, err
	}

	ack, ok := reply.(*wire.PingAck)
	if !ok {
		return netip.AddrPort{}, unexpectedReply(reply)
	}
	return ack.Observed, nil
}

// OverridePort 声明手动转发的网关端口
//
// 之后服务器在引荐里通告本端地址时，端口以此为准。
func (s *Session) OverridePort(ctx context.Context, port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: override port must not be zero", ErrRejected)
	}

	reply, err := s.roundTrip(ctx, &wire.PortOverride{Port: port})
	if err != nil {
		return err
	}
	if _, ok := reply.(*wire.OverrideAck); !ok {
		return unexpectedReply(reply)
	}

	log.Debug("port override acknowledged", "port", port)
	return nil
}

// Subscribe 查找内容的发布者
//
// 返回服务器派发的引荐；无发布者时返回 ErrNotFound，请求不会
// 在服务器侧排队，调用方可自行重试。
func (s *Session) Subscribe(ctx context.Context, contentID types.ContentID, self types.PeerAddress) (*wire.Introduction, error) {
	reply, err := s.roundTrip(ctx, &wire.Subscribe{ContentID: contentID, Addr: self})
	if err != nil {
		return nil, err
	}

	switch m := reply.(type) {
	case *wire.Introduction:
		log.Info("introduction received",
			"content", contentID.ShortString(),
			"peer", m.Peer,
			"observed", m.Observed,
		)
		return m, nil
	case *wire.NotFound:
		return nil, ErrNotFound
	default:
		return nil, unexpectedReply(reply)
	}
}

// roundTrip 在新建流上执行一次请求-应答
func (s *Session) roundTrip(ctx context.Context, req wire.Message) (wire.Message, error) {
	stream, err := s.openStream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	deadline := time.Now().Add(s.config.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if err := wire.WriteMessage(stream, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Type(), mapStreamErr(err))
	}

	reply, err := wire.ReadMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("await %s reply: %w", req.Type(), mapStreamErr(err))
	}

	if errReply, ok := reply.(*wire.ErrorReply); ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrRejected, errReply.Message, errReply.Code)
	}
	return reply, nil
}

// openStream 打开请求流
func (s *Session) openStream(ctx context.Context) (*quic.Stream, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", mapStreamErr(err))
	}
	return stream, nil
}

// ============================================================================
//                              发布
// ============================================================================

// Publication 一条存活的发布广告
//
// 引荐通道在发布撤销或会话关闭时关闭。通道满时新引荐会被
// 丢弃，对端自会重试订阅。
type Publication struct {
	// ContentID 发布的内容标识
	ContentID types.ContentID

	// Observed 服务器观测到的本端公网地址
	Observed netip.AddrPort

	session *Session
	stream  *quic.Stream
	intros  chan *wire.Introduction

	closeOnce sync.Once
}

// Publish 注册为内容的发布者
//
// 返回的 Publication 持有发布流；广告存活到 Publication 或
// 会话关闭为止。
func (s *Session) Publish(ctx context.Context, contentID types.ContentID, self types.PeerAddress) (*Publication, error) {
	stream, err := s.openStream(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.config.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if err := wire.WriteMessage(stream, &wire.Publish{ContentID: contentID, Addr: self}); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("send publish: %w", mapStreamErr(err))
	}

	reply, err := wire.ReadMessage(stream)
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("await publish ack: %w", mapStreamErr(err))
	}
	_ = stream.SetDeadline(time.Time{})

	ack, ok := reply.(*wire.PublishAck)
	if !ok {
		_ = stream.Close()
		if errReply, isErr := reply.(*wire.ErrorReply); isErr {
			return nil, fmt.Errorf("%w: %s (%s)", ErrRejected, errReply.Message, errReply.Code)
		}
		return nil, unexpectedReply(reply)
	}

	pub := &Publication{
		ContentID: contentID,
		Observed:  ack.Observed,
		session:   s,
		stream:    stream,
		intros:    make(chan *wire.Introduction, 16),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return nil, ErrSessionClosed
	}
	s.pubs[contentID] = pub
	s.mu.Unlock()

	go pub.readLoop()

	log.Info("content published",
		"content", contentID.ShortString(),
		"observed", ack.Observed,
	)
	return pub, nil
}

// Introductions 返回引荐通道
//
// 服务器每为一个订阅者完成匹配，就推送一条引荐。
func (p *Publication) Introductions() <-chan *wire.Introduction {
	return p.intros
}

// Close 撤销发布
func (p *Publication) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stream.Close()
		p.stream.CancelRead(quic.StreamErrorCode(codeClientClosed))

		p.session.mu.Lock()
		delete(p.session.pubs, p.ContentID)
		p.session.mu.Unlock()

		log.Debug("publication withdrawn", "content", p.ContentID.ShortString())
	})
	return nil
}

// readLoop 从发布流读取服务器推送的引荐
func (p *Publication) readLoop() {
	defer close(p.intros)
	defer p.Close()

	for {
		msg, err := wire.ReadMessage(p.stream)
		if err != nil {
			log.Debug("publish stream closed",
				"content", p.ContentID.ShortString(),
				"err", err,
			)
			return
		}

		intro, ok := msg.(*wire.Introduction)
		if !ok {
			log.Warn("unexpected message on publish stream",
				"content", p.ContentID.ShortString(),
				"type", msg.Type(),
			)
			continue
		}

		select {
		case p.intros <- intro:
			log.Info("subscriber introduced",
				"content", p.ContentID.ShortString(),
				"peer", intro.Peer,
				"observed", intro.Observed,
			)
		default:
			log.Warn("introduction dropped, channel full",
				"content", p.ContentID.ShortString(),
			)
		}
	}
}

// ============================================================================
//                              辅助函数
// ============================================================================

// resolveServerAddr 解析服务器地址
func resolveServerAddr(addr string) (netip.AddrPort, error) {
	// 先按字面地址解析，失败再走 DNS
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap, nil
	}

	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve server address %q: %w", addr, err)
	}
	return ua.AddrPort(), nil
}

// mapStreamErr 把传输层错误翻译成会话错误
func mapStreamErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}
}

// unexpectedReply 构造协议违例错误
func unexpectedReply(msg wire.Message) error {
	return fmt.Errorf("%w: unexpected reply %s", wire.ErrInvalidMessage, msg.Type())
}
