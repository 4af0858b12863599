package transport

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

// newLoopback 创建绑定环回地址的传输
func newLoopback(t *testing.T) *Transport {
	t.Helper()

	tr, err := New(Config{ListenAddr: netip.MustParseAddrPort("127.0.0.1:0")})
	if err != nil {
		t.Fatalf("创建传输失败: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestDialAndAccept 测试共享套接字上的握手
func TestDialAndAccept(t *testing.T) {
	server := newLoopback(t)
	client := newLoopback(t)

	ln, err := server.Listen()
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		done <- conn.CloseWithError(0, "")
	}()

	conn, err := client.Dial(ctx, server.LocalAddr())
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	defer func() { _ = conn.CloseWithError(0, "") }()

	if got := conn.ConnectionState().TLS.NegotiatedProtocol; got != ALPN {
		t.Errorf("ALPN = %q, 期望 %q", got, ALPN)
	}
	if err := <-done; err != nil {
		t.Fatalf("接受失败: %v", err)
	}
	t.Log("✅ 自签名证书握手与 ALPN 协商成功")
}

// TestDialReusesListeningPort 测试监听与拨号共用端口
func TestDialReusesListeningPort(t *testing.T) {
	server := newLoopback(t)
	client := newLoopback(t)

	if _, err := server.Listen(); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Listen(); err != nil {
		t.Fatal(err)
	}
	before := client.LocalAddr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, _ := server.Listen()
	go func() {
		if conn, err := ln.Accept(ctx); err == nil {
			_ = conn.CloseWithError(0, "")
		}
	}()

	conn, err := client.Dial(ctx, server.LocalAddr())
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	defer func() { _ = conn.CloseWithError(0, "") }()

	if client.LocalAddr() != before {
		t.Errorf("拨号改变了本地端口: %v -> %v", before, client.LocalAddr())
	}
	if conn.LocalAddr().String() != before.String() {
		t.Errorf("连接本地地址 = %v, 期望 %v", conn.LocalAddr(), before)
	}
	t.Log("✅ 拨号复用监听端口")
}

// TestNonQUICPacketDemux 测试非 QUIC 报文的分流
func TestNonQUICPacketDemux(t *testing.T) {
	receiver := newLoopback(t)
	sender := newLoopback(t)

	// 绑定双方套接字
	if _, err := receiver.Listen(); err != nil {
		t.Fatal(err)
	}
	if _, err := sender.Listen(); err != nil {
		t.Fatal(err)
	}

	// 首字节 0x00 不可能是合法的 QUIC 报文（固定位必须置位）
	payload := []byte{0x00, 'Y', 'E', 'E', 'T', 1, 2, 3}
	if err := sender.WriteTo(payload, receiver.LocalAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	select {
	case pkt := <-receiver.Packets():
		if !bytes.Equal(pkt.Data, payload) {
			t.Errorf("报文内容 = %x, 期望 %x", pkt.Data, payload)
		}
		if pkt.From.Port() != sender.LocalAddr().Port() {
			t.Errorf("来源端口 = %d, 期望 %d", pkt.From.Port(), sender.LocalAddr().Port())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("未收到非 QUIC 报文")
	}
	t.Log("✅ 非 QUIC 报文经通道分流")
}

// TestWriteToAfterClose 测试关闭后的发送
func TestWriteToAfterClose(t *testing.T) {
	tr := newLoopback(t)
	if _, err := tr.Listen(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	err := tr.WriteTo([]byte{0x00}, netip.MustParseAddrPort("127.0.0.1:1"))
	if !errors.Is(err, ErrTransportClosed) {
		t.Errorf("期望 ErrTransportClosed, 实际 %v", err)
	}

	// 通道随关闭而关闭
	if _, ok := <-tr.Packets(); ok {
		t.Error("关闭后报文通道应关闭")
	}
	t.Log("✅ 关闭后发送返回 ErrTransportClosed")
}

// TestLocalAddrFor 测试通配绑定下的出站地址推断
func TestLocalAddrFor(t *testing.T) {
	tr, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Listen(); err != nil {
		t.Fatal(err)
	}

	remote := netip.MustParseAddrPort("127.0.0.1:7828")
	advertised := tr.LocalAddrFor(remote)
	if !advertised.IsValid() {
		t.Fatal("通告地址无效")
	}
	if advertised.Addr().IsUnspecified() {
		t.Error("通告地址不应是未指定地址")
	}
	if advertised.Port() != tr.LocalAddr().Port() {
		t.Errorf("通告端口 = %d, 期望共享端口 %d", advertised.Port(), tr.LocalAddr().Port())
	}
	t.Log("✅ 通配绑定时通告具体的出站接口地址")
}

// TestListenIdempotent 测试重复监听返回同一监听器
func TestListenIdempotent(t *testing.T) {
	tr := newLoopback(t)

	ln1, err := tr.Listen()
	if err != nil {
		t.Fatal(err)
	}
	ln2, err := tr.Listen()
	if err != nil {
		t.Fatal(err)
	}
	if ln1 != ln2 {
		t.Error("重复 Listen 应返回同一监听器")
	}
	t.Log("✅ Listen 幂等")
}
