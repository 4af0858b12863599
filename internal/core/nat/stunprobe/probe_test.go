package stunprobe

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun"

	"github.com/ryco117/file-yeet/internal/core/transport"
)

// fakeSender 捕获发出的请求并回放预置响应
type fakeSender struct {
	mu      sync.Mutex
	prober  *Prober
	respond func(req *stun.Message, to netip.AddrPort) *stun.Message
	sendErr error
	// failFor 发往该地址的报文直接报错（模拟不可达服务器）
	failFor netip.AddrPort
	sent    int
}

func (f *fakeSender) WriteTo(b []byte, to netip.AddrPort) error {
	f.mu.Lock()
	f.sent++
	respond := f.respond
	sendErr := f.sendErr
	failFor := f.failFor
	f.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}
	if failFor.IsValid() && to == failFor {
		return errors.New("host unreachable")
	}
	if respond == nil {
		return nil
	}

	req := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := req.Decode(); err != nil {
		return err
	}

	resp := respond(req, to)
	if resp == nil {
		return nil
	}
	// 模拟分发循环送回响应
	go f.prober.Deliver(transport.Packet{Data: resp.Raw, From: to})
	return nil
}

// bindingSuccess 构造携带 XOR-MAPPED-ADDRESS 的成功响应
func bindingSuccess(t *testing.T, req *stun.Message, mapped netip.AddrPort) *stun.Message {
	t.Helper()
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{
			IP:   net.IP(mapped.Addr().AsSlice()),
			Port: int(mapped.Port()),
		},
		stun.Fingerprint,
	)
	if err != nil {
		t.Fatalf("构造响应失败: %v", err)
	}
	return resp
}

// TestProbeReturnsMappedAddress 测试正常的绑定探测
func TestProbeReturnsMappedAddress(t *testing.T) {
	want := netip.MustParseAddrPort("203.0.113.7:40123")

	sender := &fakeSender{}
	prober := New([]string{"127.0.0.1:3478"}, sender)
	sender.prober = prober
	sender.respond = func(req *stun.Message, _ netip.AddrPort) *stun.Message {
		return bindingSuccess(t, req, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got, err := prober.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe 失败: %v", err)
	}
	if got != want {
		t.Errorf("映射地址 = %v, 期望 %v", got, want)
	}
	t.Log("✅ 探测返回 XOR-MAPPED-ADDRESS")
}

// TestProbeFallsBackToNextServer 测试首个服务器失败后的降级
func TestProbeFallsBackToNextServer(t *testing.T) {
	want := netip.MustParseAddrPort("198.51.100.2:51000")

	sender := &fakeSender{failFor: netip.MustParseAddrPort("127.0.0.1:1")}
	prober := New([]string{"127.0.0.1:1", "127.0.0.1:2"}, sender)
	sender.prober = prober
	sender.respond = func(req *stun.Message, _ netip.AddrPort) *stun.Message {
		return bindingSuccess(t, req, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := prober.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe 失败: %v", err)
	}
	if got != want {
		t.Errorf("映射地址 = %v, 期望 %v", got, want)
	}
	t.Log("✅ 首个服务器无响应时降级到下一个")
}

// TestProbeSendFailure 测试所有服务器发送失败
func TestProbeSendFailure(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("network unreachable")}
	prober := New([]string{"127.0.0.1:3478"}, sender)
	sender.prober = prober

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := prober.Probe(ctx)
	if !errors.Is(err, ErrProbeFailed) {
		t.Errorf("期望 ErrProbeFailed, 实际 %v", err)
	}
	t.Log("✅ 发送失败返回 ErrProbeFailed")
}

// TestDeliverIgnoresUnsolicited 测试无主响应与垃圾报文被忽略
func TestDeliverIgnoresUnsolicited(t *testing.T) {
	sender := &fakeSender{}
	prober := New(nil, sender)
	sender.prober = prober

	// 垃圾报文
	prober.Deliver(transport.Packet{Data: []byte{0x01, 0x02, 0x03}})

	// 合法但无人等待的响应
	resp, err := stun.Build(stun.TransactionID, stun.BindingSuccess)
	if err != nil {
		t.Fatal(err)
	}
	prober.Deliver(transport.Packet{Data: resp.Raw})

	t.Log("✅ 无主 STUN 报文被静默丢弃")
}

// TestIsSTUNPacket 测试报文识别
func TestIsSTUNPacket(t *testing.T) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		t.Fatal(err)
	}
	if !IsSTUNPacket(req.Raw) {
		t.Error("STUN 请求应被识别")
	}
	if IsSTUNPacket([]byte{0x00, 'Y', 'E', 'E', 'T'}) {
		t.Error("打洞报文不应被识别为 STUN")
	}
	if IsSTUNPacket(nil) {
		t.Error("空报文不应被识别为 STUN")
	}
	t.Log("✅ STUN 报文识别正确")
}
