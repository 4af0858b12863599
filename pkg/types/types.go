// Package types 定义 file-yeet 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 file-yeet 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/netip"
)

// ============================================================================
//                            ContentID - 内容标识
// ============================================================================

// ContentID 内容唯一标识符
// 是文件内容的 SHA-256 哈希，同时充当发布键和完整性校验锚点
//
// 外部表示格式：
//   - String(): 64 字符小写十六进制（用户可读、可分享）
//   - ShortString(): 十六进制前缀（日志简短标识）
type ContentID [32]byte

// EmptyContentID 空内容ID
var EmptyContentID ContentID

// ErrInvalidContentID 无效的内容ID错误
var ErrInvalidContentID = errors.New("invalid content ID: must be 64 hex characters")

// String 返回 ContentID 的十六进制字符串表示
//
// 这是 ContentID 的规范外部表示，用于：
//   - 命令行参数（发布者分享给订阅者的句柄）
//   - 日志与诊断输出
func (id ContentID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return hex.EncodeToString(id[:])
}

// ShortString 返回 ContentID 的短字符串表示
//
// 格式：十六进制前 8 个字符，用于日志中的简短标识。
func (id ContentID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 ContentID 的字节切片
func (id ContentID) Bytes() []byte {
	return id[:]
}

// Equal 比较两个 ContentID 是否相等
func (id ContentID) Equal(other ContentID) bool {
	return id == other
}

// IsEmpty 检查 ContentID 是否为空
func (id ContentID) IsEmpty() bool {
	return id == EmptyContentID
}

// ContentIDFromBytes 从字节切片创建 ContentID
func ContentIDFromBytes(b []byte) (ContentID, error) {
	if len(b) != 32 {
		return EmptyContentID, ErrInvalidContentID
	}
	var id ContentID
	copy(id[:], b)
	return id, nil
}

// ContentIDOf 计算给定数据的 ContentID
//
// 仅适用于内存中的小块数据；流式哈希大文件请使用 transfer 包。
func ContentIDOf(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// ParseContentID 从字符串解析 ContentID
//
// 仅支持 64 字符十六进制编码（用于用户输入和命令行）。
//
// 示例：
//
//	id, err := ParseContentID("9f86d081884c7d65...")
func ParseContentID(s string) (ContentID, error) {
	if len(s) != 64 {
		return EmptyContentID, ErrInvalidContentID
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return EmptyContentID, ErrInvalidContentID
	}

	var id ContentID
	copy(id[:], b)
	return id, nil
}

// ============================================================================
//                            PeerAddress - 对等地址
// ============================================================================

// PeerAddress 对等节点的地址对
//
// Local 是节点 UDP 套接字的本地绑定地址（私网视角），
// External 是节点自报的公网映射地址（经 NAT-PMP/UPnP/STUN 解析，可为空）。
// 地址对在注册时固定，节点地址变化后必须重新注册。
type PeerAddress struct {
	// Local 本地绑定地址
	Local netip.AddrPort

	// External 公网映射地址（零值表示未知）
	External netip.AddrPort
}

// HasExternal 检查是否携带公网映射地址
func (pa PeerAddress) HasExternal() bool {
	return pa.External.IsValid()
}

// String 返回 PeerAddress 的字符串表示
func (pa PeerAddress) String() string {
	if pa.HasExternal() {
		return pa.Local.String() + " (external " + pa.External.String() + ")"
	}
	return pa.Local.String()
}

// Equal 比较两个 PeerAddress 是否相等
func (pa PeerAddress) Equal(other PeerAddress) bool {
	return pa.Local == other.Local && pa.External == other.External
}
