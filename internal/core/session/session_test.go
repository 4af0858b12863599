package session

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryco117/file-yeet/internal/core/rendezvous"
	"github.com/ryco117/file-yeet/internal/core/transport"
	"github.com/ryco117/file-yeet/pkg/types"
)

// startTestPoint 在环回地址上启动汇合服务器
func startTestPoint(t *testing.T) (addr netip.AddrPort, cleanup func()) {
	t.Helper()

	serverTransport, err := transport.New(transport.Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
	})
	require.NoError(t, err)

	ln, err := serverTransport.Listen()
	require.NoError(t, err)

	point := rendezvous.NewPoint(rendezvous.DefaultPointConfig(), nil)
	require.NoError(t, point.Start(context.Background()))
	go func() { _ = point.Serve(ln) }()

	return serverTransport.LocalAddr(), func() {
		_ = point.Stop()
		_ = serverTransport.Close()
	}
}

// dialTestSession 用独立的共享套接字建立会话
func dialTestSession(t *testing.T, server netip.AddrPort) (*Session, *transport.Transport) {
	t.Helper()

	tr, err := transport.New(transport.Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	cfg := DefaultConfig()
	cfg.ServerAddr = server.String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Dial(ctx, cfg, tr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	return sess, tr
}

func testContentID(b byte) types.ContentID {
	var id types.ContentID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestPingReportsObservedAddress(t *testing.T) {
	server, cleanup := startTestPoint(t)
	defer cleanup()

	sess, tr := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	observed, err := sess.Ping(ctx)
	require.NoError(t, err)
	require.True(t, observed.IsValid())
	// 环回下服务器观测到的就是客户端套接字本身
	require.Equal(t, tr.LocalAddr().Port(), observed.Port())
	t.Log("✅ SocketPing 回报观测地址")
}

func TestSubscribeNotFound(t *testing.T) {
	server, cleanup := startTestPoint(t)
	defer cleanup()

	sess, tr := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	self := types.PeerAddress{Local: tr.LocalAddr()}
	_, err := sess.Subscribe(ctx, testContentID(0xAA), self)
	require.ErrorIs(t, err, ErrNotFound)
	t.Log("✅ 无发布者时订阅得到 NotFound")
}

func TestPublishThenSubscribe(t *testing.T) {
	server, cleanup := startTestPoint(t)
	defer cleanup()

	pubSess, pubTr := dialTestSession(t, server)
	subSess, subTr := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contentID := testContentID(0x01)
	pubAddr := types.PeerAddress{
		Local:    pubTr.LocalAddr(),
		External: netip.MustParseAddrPort("203.0.113.9:40000"),
	}

	pub, err := pubSess.Publish(ctx, contentID, pubAddr)
	require.NoError(t, err)
	defer pub.Close()
	require.True(t, pub.Observed.IsValid())

	subAddr := types.PeerAddress{Local: subTr.LocalAddr()}
	intro, err := subSess.Subscribe(ctx, contentID, subAddr)
	require.NoError(t, err)

	// 订阅者收到的引荐指向发布者，地址对逐字节一致
	require.Equal(t, contentID, intro.ContentID)
	require.Equal(t, pubAddr.Local, intro.Peer.Local)
	require.Equal(t, pubAddr.External, intro.Peer.External)
	require.Equal(t, pubTr.LocalAddr().Port(), intro.Observed.Port())

	// 发布者在发布流上收到反向引荐
	select {
	case reverse := <-pub.Introductions():
		require.Equal(t, contentID, reverse.ContentID)
		require.Equal(t, subAddr.Local, reverse.Peer.Local)
		require.Equal(t, subTr.LocalAddr().Port(), reverse.Observed.Port())
	case <-ctx.Done():
		t.Fatal("publisher introduction not delivered")
	}
	t.Log("✅ 发布后订阅，双方各收到一条正确的引荐")
}

func TestOverridePortAffectsIntroduction(t *testing.T) {
	server, cleanup := startTestPoint(t)
	defer cleanup()

	pubSess, pubTr := dialTestSession(t, server)
	subSess, subTr := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const forwarded = 51515
	require.NoError(t, pubSess.OverridePort(ctx, forwarded))

	contentID := testContentID(0x02)
	pub, err := pubSess.Publish(ctx, contentID, types.PeerAddress{Local: pubTr.LocalAddr()})
	require.NoError(t, err)
	defer pub.Close()
	require.EqualValues(t, forwarded, pub.Observed.Port())

	intro, err := subSess.Subscribe(ctx, contentID, types.PeerAddress{Local: subTr.LocalAddr()})
	require.NoError(t, err)
	require.EqualValues(t, forwarded, intro.Observed.Port())
	t.Log("✅ 端口覆盖反映在观测地址与引荐里")
}

func TestOverridePortZeroRejected(t *testing.T) {
	server, cleanup := startTestPoint(t)
	defer cleanup()

	sess, _ := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.ErrorIs(t, sess.OverridePort(ctx, 0), ErrRejected)
	t.Log("✅ 零端口覆盖被拒绝")
}

func TestPublicationCloseWithdraws(t *testing.T) {
	server, cleanup := startTestPoint(t)
	defer cleanup()

	pubSess, pubTr := dialTestSession(t, server)
	subSess, subTr := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contentID := testContentID(0x03)
	pub, err := pubSess.Publish(ctx, contentID, types.PeerAddress{Local: pubTr.LocalAddr()})
	require.NoError(t, err)

	require.NoError(t, pub.Close())

	// 撤销在服务器侧是异步的，轮询等待生效
	self := types.PeerAddress{Local: subTr.LocalAddr()}
	require.Eventually(t, func() bool {
		_, err := subSess.Subscribe(ctx, contentID, self)
		return err != nil && err == ErrNotFound
	}, 5*time.Second, 50*time.Millisecond)
	t.Log("✅ 关闭发布后订阅回到 NotFound")
}

func TestSessionCloseWithdrawsAll(t *testing.T) {
	server, cleanup := startTestPoint(t)
	defer cleanup()

	pubSess, pubTr := dialTestSession(t, server)
	subSess, subTr := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contentID := testContentID(0x04)
	_, err := pubSess.Publish(ctx, contentID, types.PeerAddress{Local: pubTr.LocalAddr()})
	require.NoError(t, err)

	require.NoError(t, pubSess.Close())

	// 连接关闭触发注册清理
	self := types.PeerAddress{Local: subTr.LocalAddr()}
	require.Eventually(t, func() bool {
		_, err := subSess.Subscribe(ctx, contentID, self)
		return err == ErrNotFound
	}, 5*time.Second, 50*time.Millisecond)
	t.Log("✅ 会话关闭撤回全部发布")
}

func TestServerRestartLosesState(t *testing.T) {
	server, cleanup := startTestPoint(t)

	pubSess, pubTr := dialTestSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contentID := testContentID(0x05)
	_, err := pubSess.Publish(ctx, contentID, types.PeerAddress{Local: pubTr.LocalAddr()})
	require.NoError(t, err)

	// 重启服务器：原进程内状态全部丢失
	cleanup()

	server2, cleanup2 := startTestPoint(t)
	defer cleanup2()

	subSess, subTr := dialTestSession(t, server2)
	_, err = subSess.Subscribe(ctx, contentID, types.PeerAddress{Local: subTr.LocalAddr()})
	require.ErrorIs(t, err, ErrNotFound)
	t.Log("✅ 服务器重启后无持久状态")
}
