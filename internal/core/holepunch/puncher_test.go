package holepunch

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ryco117/file-yeet/internal/core/transport"
)

// recordingSender 记录全部出站报文
type recordingSender struct {
	mu    sync.Mutex
	sends []sentPacket
}

type sentPacket struct {
	data []byte
	to   netip.AddrPort
}

func (r *recordingSender) WriteTo(b []byte, to netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := make([]byte, len(b))
	copy(data, b)
	r.sends = append(r.sends, sentPacket{data: data, to: to})
	return nil
}

func (r *recordingSender) snapshot() []sentPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentPacket(nil), r.sends...)
}

// fastConfig 缩短节奏，让测试在真实时钟下快速完成
func fastConfig() Config {
	return Config{
		MaxAttempts:     3,
		AttemptInterval: 10 * time.Millisecond,
		Timeout:         500 * time.Millisecond,
	}
}

type punchResult struct {
	addr netip.AddrPort
	err  error
}

// startPunch 在后台执行打洞并等待首轮探测发出
func startPunch(t *testing.T, p *Puncher, sender *recordingSender, candidates ...netip.AddrPort) <-chan punchResult {
	t.Helper()

	results := make(chan punchResult, 1)
	go func() {
		addr, err := p.Punch(context.Background(), candidates)
		results <- punchResult{addr: addr, err: err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.snapshot()) >= len(candidates) {
			return results
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("first probe round not sent")
	return results
}

func TestPuncherReachableOnReply(t *testing.T) {
	sender := &recordingSender{}
	p, err := New(fastConfig(), sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	candidate := netip.MustParseAddrPort("203.0.113.9:41000")
	results := startPunch(t, p, sender, candidate)

	// 对端回显了本端 nonce 的应答
	p.Deliver(transport.Packet{
		Data: buildPacket(magicReply, p.nonce),
		From: candidate,
	})

	res := <-results
	if res.err != nil {
		t.Fatalf("Punch() error = %v", res.err)
	}
	if res.addr != candidate {
		t.Errorf("Punch() = %v, want %v", res.addr, candidate)
	}
	if p.State() != StateReachable {
		t.Errorf("State() = %v, want reachable", p.State())
	}
}

func TestPuncherReachableOnPeerProbe(t *testing.T) {
	sender := &recordingSender{}
	p, err := New(fastConfig(), sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	candidate := netip.MustParseAddrPort("203.0.113.9:41000")
	results := startPunch(t, p, sender, candidate)

	// 收到对端的探测同样证明路径可达
	var peerNonce [nonceLen]byte
	peerNonce[0] = 0xAB
	p.Deliver(transport.Packet{
		Data: buildPacket(magicProbe, peerNonce),
		From: candidate,
	})

	res := <-results
	if res.err != nil {
		t.Fatalf("Punch() error = %v", res.err)
	}
	if res.addr != candidate {
		t.Errorf("Punch() = %v, want %v", res.addr, candidate)
	}

	// 并且回发了回显对端 nonce 的应答
	var replied bool
	for _, s := range sender.snapshot() {
		kind, nonce := parsePacket(s.data)
		if kind == kindReply && s.to == candidate && nonce == peerNonce {
			replied = true
			break
		}
	}
	if !replied {
		t.Error("expected reply echoing peer nonce")
	}
}

func TestPuncherIgnoresUnexpectedPackets(t *testing.T) {
	sender := &recordingSender{}
	p, err := New(fastConfig(), sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	candidate := netip.MustParseAddrPort("203.0.113.9:41000")
	results := startPunch(t, p, sender, candidate)

	// 陌生地址的探测不算数
	var nonce [nonceLen]byte
	p.Deliver(transport.Packet{
		Data: buildPacket(magicProbe, nonce),
		From: netip.MustParseAddrPort("198.51.100.99:9999"),
	})

	// 回显错误 nonce 的应答不算数
	var wrong [nonceLen]byte
	wrong[0] = ^p.nonce[0]
	p.Deliver(transport.Packet{
		Data: buildPacket(magicReply, wrong),
		From: candidate,
	})

	res := <-results
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("Punch() error = %v, want ErrTimeout", res.err)
	}
	if p.State() != StateTimedOut {
		t.Errorf("State() = %v, want timed_out", p.State())
	}
}

func TestPuncherCandidateNormalization(t *testing.T) {
	sender := &recordingSender{}
	p, err := New(fastConfig(), sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// 候选以 v4 映射 v6 形式给出，入站报文以纯 v4 形式到达
	mapped := netip.MustParseAddrPort("[::ffff:203.0.113.9]:41000")
	plain := netip.MustParseAddrPort("203.0.113.9:41000")

	results := startPunch(t, p, sender, mapped)
	p.Deliver(transport.Packet{
		Data: buildPacket(magicReply, p.nonce),
		From: plain,
	})

	res := <-results
	if res.err != nil {
		t.Fatalf("Punch() error = %v", res.err)
	}
	if res.addr != plain {
		t.Errorf("Punch() = %v, want %v", res.addr, plain)
	}
}

func TestPuncherAttemptRounds(t *testing.T) {
	config := fastConfig()
	config.Timeout = 200 * time.Millisecond

	sender := &recordingSender{}
	p, err := New(config, sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a := netip.MustParseAddrPort("203.0.113.9:41000")
	b := netip.MustParseAddrPort("192.168.1.10:7828")

	results := startPunch(t, p, sender, a, b)
	res := <-results
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("Punch() error = %v, want ErrTimeout", res.err)
	}

	// 轮次封顶后不再发送，两个候选各收到 MaxAttempts 个探测
	sends := sender.snapshot()
	want := config.MaxAttempts * 2
	if len(sends) != want {
		t.Errorf("sent %d packets, want %d", len(sends), want)
	}
}

// linkedSender 把出站报文直接投递给对端会话
//
// 两个会话互为对端时就构成一条无丢包的双向链路。
type linkedSender struct {
	self netip.AddrPort

	mu   sync.Mutex
	peer *Puncher
}

func (l *linkedSender) link(p *Puncher) {
	l.mu.Lock()
	l.peer = p
	l.mu.Unlock()
}

func (l *linkedSender) WriteTo(b []byte, _ netip.AddrPort) error {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return nil
	}
	data := make([]byte, len(b))
	copy(data, b)
	peer.Deliver(transport.Packet{Data: data, From: l.self})
	return nil
}

func TestPuncherBothSidesAgreeOnAddress(t *testing.T) {
	addrA := netip.MustParseAddrPort("203.0.113.9:41000")
	addrB := netip.MustParseAddrPort("198.51.100.7:52000")

	config := fastConfig()
	config.MaxAttempts = 20
	config.Timeout = 2 * time.Second

	senderA := &linkedSender{self: addrA}
	senderB := &linkedSender{self: addrB}

	punchA, err := New(config, senderA)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	punchB, err := New(config, senderB)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	senderA.link(punchB)
	senderB.link(punchA)

	// 双方同时打洞，各自以对端地址为唯一候选
	resultsA := make(chan punchResult, 1)
	resultsB := make(chan punchResult, 1)
	go func() {
		addr, err := punchA.Punch(context.Background(), []netip.AddrPort{addrB})
		resultsA <- punchResult{addr: addr, err: err}
	}()
	go func() {
		addr, err := punchB.Punch(context.Background(), []netip.AddrPort{addrA})
		resultsB <- punchResult{addr: addr, err: err}
	}()

	resA := <-resultsA
	resB := <-resultsB
	if resA.err != nil {
		t.Fatalf("A Punch() error = %v", resA.err)
	}
	if resB.err != nil {
		t.Fatalf("B Punch() error = %v", resB.err)
	}

	// 两侧确认的是同一条地址对
	if resA.addr != addrB {
		t.Errorf("A Punch() = %v, want %v", resA.addr, addrB)
	}
	if resB.addr != addrA {
		t.Errorf("B Punch() = %v, want %v", resB.addr, addrA)
	}
	if punchA.State() != StateReachable || punchB.State() != StateReachable {
		t.Errorf("states = %v/%v, want reachable on both sides",
			punchA.State(), punchB.State())
	}
}

func TestPuncherContextCancel(t *testing.T) {
	sender := &recordingSender{}
	p, err := New(fastConfig(), sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan punchResult, 1)
	go func() {
		addr, err := p.Punch(ctx, []netip.AddrPort{netip.MustParseAddrPort("203.0.113.9:41000")})
		results <- punchResult{addr: addr, err: err}
	}()

	cancel()
	res := <-results
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("Punch() error = %v, want context.Canceled", res.err)
	}
}

func TestPuncherNoCandidates(t *testing.T) {
	sender := &recordingSender{}
	p, err := New(fastConfig(), sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = p.Punch(context.Background(), []netip.AddrPort{{}})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Punch() error = %v, want ErrNoCandidates", err)
	}
}

func TestPuncherSingleUse(t *testing.T) {
	sender := &recordingSender{}
	p, err := New(fastConfig(), sender)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	candidate := netip.MustParseAddrPort("203.0.113.9:41000")
	results := startPunch(t, p, sender, candidate)
	p.Deliver(transport.Packet{Data: buildPacket(magicReply, p.nonce), From: candidate})
	<-results

	_, err = p.Punch(context.Background(), []netip.AddrPort{candidate})
	if !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("second Punch() error = %v, want ErrAlreadyUsed", err)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "轮次为零", mutate: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "间隔为零", mutate: func(c *Config) { c.AttemptInterval = 0 }},
		{name: "超时为零", mutate: func(c *Config) { c.Timeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			if err := config.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}
