// Package holepunch 实现 UDP 打洞
//
// 双方从汇合服务器拿到对端的候选地址后，同时经共享套接字向
// 对方发送打洞报文。出站报文在各自 NAT 上打开映射，入站报文
// 一旦穿过对端 NAT 即证明路径可达，随后的 QUIC 握手走同一
// 条已经打开的路径。
package holepunch

import (
	"bytes"
	"crypto/rand"
	"net/netip"
)

// ============================================================================
//                              打洞报文格式
// ============================================================================

// 打洞报文布局（固定 64 字节，便于穿过最小 MTU 路径）:
//
//	[0]     前导字节 0x00，与 QUIC 长短头的固定位错开，
//	        共享套接字按它把报文分流到打洞路径
//	[1:5]   魔数，"YEET" 为探测，"YEEP" 为应答
//	[5:21]  16 字节 nonce，应答原样回显探测的 nonce
//	[21:64] 零填充
const (
	// PacketSize 打洞报文的固定长度
	PacketSize = 64

	// MinPacketSize 解析所需的最小长度
	MinPacketSize = 21

	leadByte = 0x00
	nonceLen = 16
)

var (
	magicProbe = [4]byte{'Y', 'E', 'E', 'T'}
	magicReply = [4]byte{'Y', 'E', 'E', 'P'}
)

// packetKind 打洞报文类别
type packetKind uint8

const (
	kindInvalid packetKind = iota
	kindProbe
	kindReply
)

// newNonce 生成随机 nonce
func newNonce() ([nonceLen]byte, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// buildPacket 构造打洞报文
func buildPacket(magic [4]byte, nonce [nonceLen]byte) []byte {
	pkt := make([]byte, PacketSize)
	pkt[0] = leadByte
	copy(pkt[1:5], magic[:])
	copy(pkt[5:5+nonceLen], nonce[:])
	return pkt
}

// IsPunchPacket 判断报文是否是打洞报文
//
// 共享套接字的分发循环用它区分打洞报文与其他非 QUIC 报文。
func IsPunchPacket(b []byte) bool {
	kind, _ := parsePacket(b)
	return kind != kindInvalid
}

// parsePacket 解析打洞报文，返回类别与 nonce
func parsePacket(b []byte) (packetKind, [nonceLen]byte) {
	var nonce [nonceLen]byte
	if len(b) < MinPacketSize || b[0] != leadByte {
		return kindInvalid, nonce
	}

	copy(nonce[:], b[5:5+nonceLen])
	switch {
	case bytes.Equal(b[1:5], magicProbe[:]):
		return kindProbe, nonce
	case bytes.Equal(b[1:5], magicReply[:]):
		return kindReply, nonce
	default:
		return kindInvalid, nonce
	}
}

// normalizeAddr 统一候选地址形式
//
// IPv4 地址可能以 v4 映射 v6 形式出现，比较前先还原。
func normalizeAddr(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
