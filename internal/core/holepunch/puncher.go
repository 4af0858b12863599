package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ryco117/file-yeet/internal/core/transport"
	"github.com/ryco117/file-yeet/internal/util/logger"
)

// 包级别日志实例
var log = logger.Logger("holepunch")

// ============================================================================
//                              状态与错误
// ============================================================================

// State 打洞状态
type State int32

const (
	// StateIdle 尚未开始
	StateIdle State = iota
	// StateProbing 正在向候选地址发送探测
	StateProbing
	// StateReachable 已确认某个候选地址可达
	StateReachable
	// StateTimedOut 超时未打通
	StateTimedOut
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateReachable:
		return "reachable"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

var (
	// ErrTimeout 打洞超时
	ErrTimeout = errors.New("hole punch timed out")

	// ErrAlreadyUsed 单个 Puncher 只承载一次打洞
	ErrAlreadyUsed = errors.New("puncher already used")

	// ErrNoCandidates 没有可用的候选地址
	ErrNoCandidates = errors.New("no punch candidates")
)

// ============================================================================
//                              配置
// ============================================================================

// Config 打洞配置
type Config struct {
	// MaxAttempts 探测轮次上限
	MaxAttempts int

	// AttemptInterval 探测轮次间隔
	AttemptInterval time.Duration

	// Timeout 整体超时，所有轮次发完后仍继续监听直到超时
	Timeout time.Duration

	// Clock 时钟源（nil 使用系统时钟，测试时注入 mock）
	Clock clock.Clock
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     10,
		AttemptInterval: 400 * time.Millisecond,
		Timeout:         8 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.AttemptInterval <= 0 {
		return errors.New("attempt interval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// ============================================================================
//                              Puncher 实现
// ============================================================================

// Sender 经共享套接字发送打洞报文
type Sender interface {
	WriteTo(b []byte, to netip.AddrPort) error
}

// 确保共享传输满足接口
var _ Sender = (*transport.Transport)(nil)

// Puncher 单次打洞会话
//
// 一个 Puncher 对应一次对等引荐：Punch 向候选地址循环发送
// 探测，Deliver 喂入共享套接字分流出来的入站打洞报文。任一
// 候选地址送来合法报文即视为可达。
type Puncher struct {
	config Config
	sender Sender
	clk    clock.Clock
	nonce  [nonceLen]byte

	packets chan transport.Packet
	state   atomic.Int32
}

// New 创建打洞会话
func New(config Config, sender Sender) (*Puncher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Puncher{
		config:  config,
		sender:  sender,
		clk:     clk,
		nonce:   nonce,
		packets: make(chan transport.Packet, 16),
	}, nil
}

// State 返回当前状态
func (p *Puncher) State() State {
	return State(p.state.Load())
}

// Deliver 喂入一个入站打洞报文
//
// 由共享套接字的分发循环调用，不阻塞。
func (p *Puncher) Deliver(pkt transport.Packet) {
	select {
	case p.packets <- pkt:
	default:
		log.Debug("punch packet dropped, session busy", "from", pkt.From)
	}
}

// Punch 执行打洞，返回首个确认可达的候选地址
//
// 探测按轮发送，每轮覆盖全部候选。收到候选地址的探测时回发
// 应答帮助对端确认；收到回显本端 nonce 的应答或对端的探测时
// 即认定可达。
func (p *Puncher) Punch(ctx context.Context, candidates []netip.AddrPort) (netip.AddrPort, error) {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateProbing)) {
		return netip.AddrPort{}, ErrAlreadyUsed
	}

	targets := make([]netip.AddrPort, 0, len(candidates))
	for _, c := range candidates {
		if c.IsValid() && c.Port() != 0 {
			targets = append(targets, normalizeAddr(c))
		}
	}
	if len(targets) == 0 {
		p.state.Store(int32(StateTimedOut))
		return netip.AddrPort{}, ErrNoCandidates
	}

	log.Debug("punching", "candidates", targets)

	timeout := p.clk.Timer(p.config.Timeout)
	defer timeout.Stop()
	ticker := p.clk.Ticker(p.config.AttemptInterval)
	defer ticker.Stop()

	probe := buildPacket(magicProbe, p.nonce)
	attempts := 0
	sendRound := func() {
		attempts++
		for _, target := range targets {
			if err := p.sender.WriteTo(probe, target); err != nil {
				log.Debug("probe send failed", "target", target, "err", err)
			}
		}
	}
	sendRound()

	for {
		select {
		case <-ctx.Done():
			p.state.Store(int32(StateTimedOut))
			return netip.AddrPort{}, ctx.Err()

		case <-timeout.C:
			p.state.Store(int32(StateTimedOut))
			return netip.AddrPort{}, ErrTimeout

		case <-ticker.C:
			if attempts < p.config.MaxAttempts {
				sendRound()
			}

		case pkt := <-p.packets:
			from, ok := p.inspect(pkt, targets)
			if !ok {
				continue
			}
			p.state.Store(int32(StateReachable))
			log.Info("peer reachable", "addr", from, "attempts", attempts)
			return from, nil
		}
	}
}

// inspect 校验入站报文，返回确认可达的地址
func (p *Puncher) inspect(pkt transport.Packet, targets []netip.AddrPort) (netip.AddrPort, bool) {
	from := normalizeAddr(pkt.From)
	if !containsAddr(targets, from) {
		log.Debug("punch packet from unexpected address", "from", from)
		return netip.AddrPort{}, false
	}

	kind, nonce := parsePacket(pkt.Data)
	switch kind {
	case kindProbe:
		// 回显对端 nonce，帮助对端确认可达
		if err := p.sender.WriteTo(buildPacket(magicReply, nonce), from); err != nil {
			log.Debug("reply send failed", "target", from, "err", err)
		}
		return from, true

	case kindReply:
		if nonce != p.nonce {
			log.Debug("stale punch reply", "from", from)
			return netip.AddrPort{}, false
		}
		return from, true

	default:
		return netip.AddrPort{}, false
	}
}

// containsAddr 判断地址是否在候选列表里
func containsAddr(targets []netip.AddrPort, ap netip.AddrPort) bool {
	for _, t := range targets {
		if t == ap {
			return true
		}
	}
	return false
}
