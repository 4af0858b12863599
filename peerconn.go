package fileyeet

import (
	"context"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"
)

// ============================================================================
//                              对等连接
// ============================================================================

// Role 安全握手中的角色
//
// 角色由协议身份固定：发布者接受连接，订阅者发起连接。双方
// 同时作为接受方会在不可靠的 UDP 握手上互相等死。
type Role int

const (
	// roleInitiator 连接发起方（订阅者）
	roleInitiator Role = iota
	// roleAcceptor 连接接受方（发布者）
	roleAcceptor
)

// String 返回角色名称
func (r Role) String() string {
	switch r {
	case roleInitiator:
		return "initiator"
	case roleAcceptor:
		return "acceptor"
	default:
		return "unknown"
	}
}

// 连接关闭时使用的应用层错误码
const codePeerDone quic.ApplicationErrorCode = 0x0

// PeerConn 一条成活的对等连接
//
// 底层是打洞命中的地址上的 QUIC 连接，加密由自签名证书的
// TLS 1.3 握手提供；对端身份未经第三方验证，内容完整性由
// 传输层之上的摘要校验兜底。
type PeerConn struct {
	conn *quic.Conn
	addr netip.AddrPort
	role Role

	closeOnce sync.Once
}

// RemoteAddr 返回对端地址（打洞命中的候选）
func (pc *PeerConn) RemoteAddr() netip.AddrPort {
	return pc.addr
}

// Role 返回本端在握手中的角色
func (pc *PeerConn) Role() Role {
	return pc.role
}

// OpenStream 打开一条新的双向流
func (pc *PeerConn) OpenStream(ctx context.Context) (*quic.Stream, error) {
	return pc.conn.OpenStreamSync(ctx)
}

// AcceptStream 接受对端打开的双向流
func (pc *PeerConn) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	return pc.conn.AcceptStream(ctx)
}

// Alive 判断连接是否仍然存活
func (pc *PeerConn) Alive() bool {
	return pc.conn.Context().Err() == nil
}

// Close 关闭对等连接
func (pc *PeerConn) Close() error {
	var err error
	pc.closeOnce.Do(func() {
		err = pc.conn.CloseWithError(codePeerDone, "")
	})
	return err
}
