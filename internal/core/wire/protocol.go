// Package wire 定义 file-yeet 控制面的线协议
//
// 协议用于客户端与汇合服务器之间的控制流交换：
// 探测公网地址、注册发布、订阅查找、以及服务器向发布者
// 推送的引荐消息。所有多字节整数均为大端序。
//
// 帧格式:
//
//	+----------+----------+------------------+
//	| len u32  | tag u16  | body (len-2 字节) |
//	+----------+----------+------------------+
//
// 地址编码:
//
//	ver u8 (0=空, 4=IPv4, 6=IPv6) | ip (0/4/16 字节) | port u16 (ver!=0 时)
//
// 地址对编码: local 地址 + external 地址（external 可为空）。
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/ryco117/file-yeet/pkg/types"
)

// ============================================================================
//                              协议常量
// ============================================================================

const (
	// MaxMessageSize 最大消息大小 (64KB)
	// 控制面消息都很小，超限即视为异常流量
	MaxMessageSize = 64 << 10

	// frameHeaderSize 帧头大小（长度前缀）
	frameHeaderSize = 4

	// tagSize 消息标签大小
	tagSize = 2
)

// 地址版本标记
const (
	addrVerNone byte = 0
	addrVer4    byte = 4
	addrVer6    byte = 6
)

// ============================================================================
//                              消息类型
// ============================================================================

// MessageType 消息类型标签
//
// 高位为 0 的标签由客户端发出，高位为 1 的标签由服务器发出。
type MessageType uint16

const (
	// TypeSocketPing 客户端请求服务器回报观测到的公网地址
	TypeSocketPing MessageType = 0x0001
	// TypePortOverride 客户端声明手动转发的网关端口
	TypePortOverride MessageType = 0x0002
	// TypePublish 客户端注册为指定内容的发布者
	TypePublish MessageType = 0x0003
	// TypeSubscribe 客户端查找指定内容的发布者
	TypeSubscribe MessageType = 0x0004

	// TypePingAck 服务器回报观测地址
	TypePingAck MessageType = 0x8001
	// TypeOverrideAck 服务器确认端口覆盖
	TypeOverrideAck MessageType = 0x8002
	// TypePublishAck 服务器确认发布注册
	TypePublishAck MessageType = 0x8003
	// TypeIntroduction 服务器向会话一方推送另一方的地址
	TypeIntroduction MessageType = 0x8004
	// TypeNotFound 服务器回报无此内容的发布者
	TypeNotFound MessageType = 0x8005
	// TypeError 服务器回报请求错误
	TypeError MessageType = 0x8006
)

// String 返回消息类型的字符串表示
func (t MessageType) String() string {
	switch t {
	case TypeSocketPing:
		return "socket_ping"
	case TypePortOverride:
		return "port_override"
	case TypePublish:
		return "publish"
	case TypeSubscribe:
		return "subscribe"
	case TypePingAck:
		return "ping_ack"
	case TypeOverrideAck:
		return "override_ack"
	case TypePublishAck:
		return "publish_ack"
	case TypeIntroduction:
		return "introduction"
	case TypeNotFound:
		return "not_found"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrMessageTooLarge 消息过大
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidMessage 无效消息
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessageType 未知消息类型
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrInvalidAddress 无效地址编码
	ErrInvalidAddress = errors.New("invalid address encoding")
)

// ErrorCode 服务器错误响应的错误码
type ErrorCode uint16

const (
	// CodeUnknown 未知错误
	CodeUnknown ErrorCode = 0
	// CodeMalformed 请求格式错误
	CodeMalformed ErrorCode = 1
	// CodeLimitExceeded 超出服务器容量限制
	CodeLimitExceeded ErrorCode = 2
	// CodeInternal 服务器内部错误
	CodeInternal ErrorCode = 3
)

// String 返回错误码的字符串表示
func (c ErrorCode) String() string {
	switch c {
	case CodeMalformed:
		return "malformed"
	case CodeLimitExceeded:
		return "limit_exceeded"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              消息定义
// ============================================================================

// Message 控制面消息
type Message interface {
	// Type 返回消息类型标签
	Type() MessageType

	// encodeBody 编码消息体（不含帧头和标签）
	encodeBody(buf *bytes.Buffer) error
}

// SocketPing 请求服务器回报观测地址
type SocketPing struct{}

// Type 返回消息类型标签
func (*SocketPing) Type() MessageType { return TypeSocketPing }

func (*SocketPing) encodeBody(*bytes.Buffer) error { return nil }

// PortOverride 声明手动转发的网关端口
//
// 之后服务器构造引荐消息时，观测地址的端口会被覆盖为 Port。
type PortOverride struct {
	// Port 网关上手动转发的端口（不能为 0）
	Port uint16
}

// Type 返回消息类型标签
func (*PortOverride) Type() MessageType { return TypePortOverride }

func (m *PortOverride) encodeBody(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.BigEndian, m.Port)
}

// Publish 注册为指定内容的发布者
type Publish struct {
	// ContentID 发布的内容标识
	ContentID types.ContentID

	// Addr 发布者自报的地址对
	Addr types.PeerAddress
}

// Type 返回消息类型标签
func (*Publish) Type() MessageType { return TypePublish }

func (m *Publish) encodeBody(buf *bytes.Buffer) error {
	buf.Write(m.ContentID[:])
	return writePeerAddress(buf, m.Addr)
}

// Subscribe 查找指定内容的发布者
type Subscribe struct {
	// ContentID 查找的内容标识
	ContentID types.ContentID

	// Addr 订阅者自报的地址对
	Addr types.PeerAddress
}

// Type 返回消息类型标签
func (*Subscribe) Type() MessageType { return TypeSubscribe }

func (m *Subscribe) encodeBody(buf *bytes.Buffer) error {
	buf.Write(m.ContentID[:])
	return writePeerAddress(buf, m.Addr)
}

// PingAck 服务器回报的观测地址
type PingAck struct {
	// Observed 服务器观测到的客户端公网地址
	Observed netip.AddrPort
}

// Type 返回消息类型标签
func (*PingAck) Type() MessageType { return TypePingAck }

func (m *PingAck) encodeBody(buf *bytes.Buffer) error {
	return writeAddrPort(buf, m.Observed)
}

// OverrideAck 服务器确认端口覆盖
type OverrideAck struct{}

// Type 返回消息类型标签
func (*OverrideAck) Type() MessageType { return TypeOverrideAck }

func (*OverrideAck) encodeBody(*bytes.Buffer) error { return nil }

// PublishAck 服务器确认发布注册
type PublishAck struct {
	// Observed 服务器观测到的发布者公网地址
	Observed netip.AddrPort
}

// Type 返回消息类型标签
func (*PublishAck) Type() MessageType { return TypePublishAck }

func (m *PublishAck) encodeBody(buf *bytes.Buffer) error {
	return writeAddrPort(buf, m.Observed)
}

// Introduction 服务器推送的对端地址信息
//
// 匹配成功后双向派发：发布者在发布流上收到订阅者的引荐，
// 订阅者在订阅请求流上收到发布者的引荐。
type Introduction struct {
	// ContentID 匹配的内容标识
	ContentID types.ContentID

	// Peer 对端自报的地址对
	Peer types.PeerAddress

	// Observed 服务器观测到的对端公网地址（含端口覆盖）
	Observed netip.AddrPort
}

// Type 返回消息类型标签
func (*Introduction) Type() MessageType { return TypeIntroduction }

func (m *Introduction) encodeBody(buf *bytes.Buffer) error {
	buf.Write(m.ContentID[:])
	if err := writePeerAddress(buf, m.Peer); err != nil {
		return err
	}
	return writeAddrPort(buf, m.Observed)
}

// NotFound 服务器回报无此内容的发布者
type NotFound struct {
	// ContentID 查找失败的内容标识
	ContentID types.ContentID
}

// Type 返回消息类型标签
func (*NotFound) Type() MessageType { return TypeNotFound }

func (m *NotFound) encodeBody(buf *bytes.Buffer) error {
	buf.Write(m.ContentID[:])
	return nil
}

// ErrorReply 服务器错误响应
type ErrorReply struct {
	// Code 错误码
	Code ErrorCode

	// Message 人类可读的错误描述
	Message string
}

// Type 返回消息类型标签
func (*ErrorReply) Type() MessageType { return TypeError }

func (m *ErrorReply) encodeBody(buf *bytes.Buffer) error {
	if err := binary.Write(buf, binary.BigEndian, uint16(m.Code)); err != nil {
		return err
	}
	if len(m.Message) > maxErrorMessageLen {
		return fmt.Errorf("%w: error message too long", ErrInvalidMessage)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(m.Message))); err != nil {
		return err
	}
	buf.WriteString(m.Message)
	return nil
}

// maxErrorMessageLen 错误描述的最大长度
const maxErrorMessageLen = 1024

// ============================================================================
//                              消息编解码
// ============================================================================

// WriteMessage 帧化消息并写入 writer
func WriteMessage(w io.Writer, msg Message) error {
	body := new(bytes.Buffer)
	if err := msg.encodeBody(body); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	payload := tagSize + body.Len()
	if payload > MaxMessageSize {
		return ErrMessageTooLarge
	}

	// 帧头: 长度前缀 + 消息标签
	frame := make([]byte, frameHeaderSize+tagSize, frameHeaderSize+payload)
	binary.BigEndian.PutUint32(frame[0:4], uint32(payload))
	binary.BigEndian.PutUint16(frame[4:6], uint16(msg.Type()))
	frame = append(frame, body.Bytes()...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage 从 reader 读取并解析一条消息
func ReadMessage(r io.Reader) (Message, error) {
	lenBuf := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if length < tagSize {
		return nil, fmt.Errorf("%w: frame too short", ErrInvalidMessage)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	tag := MessageType(binary.BigEndian.Uint16(payload[:tagSize]))
	return decodeMessage(tag, bytes.NewReader(payload[tagSize:]))
}

// decodeMessage 按标签解码消息体
func decodeMessage(tag MessageType, r *bytes.Reader) (Message, error) {
	var (
		msg Message
		err error
	)

	switch tag {
	case TypeSocketPing:
		msg = &SocketPing{}
	case TypePortOverride:
		msg, err = decodePortOverride(r)
	case TypePublish:
		msg, err = decodePublish(r)
	case TypeSubscribe:
		msg, err = decodeSubscribe(r)
	case TypePingAck:
		msg, err = decodePingAck(r)
	case TypeOverrideAck:
		msg = &OverrideAck{}
	case TypePublishAck:
		msg, err = decodePublishAck(r)
	case TypeIntroduction:
		msg, err = decodeIntroduction(r)
	case TypeNotFound:
		msg, err = decodeNotFound(r)
	case TypeError:
		msg, err = decodeErrorReply(r)
	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownMessageType, uint16(tag))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", tag, err)
	}

	// 消息体之后不允许有残留字节
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrInvalidMessage, r.Len(), tag)
	}
	return msg, nil
}

func decodePortOverride(r *bytes.Reader) (*PortOverride, error) {
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return nil, ErrInvalidMessage
	}
	return &PortOverride{Port: port}, nil
}

func decodePublish(r *bytes.Reader) (*Publish, error) {
	id, err := readContentID(r)
	if err != nil {
		return nil, err
	}
	addr, err := readPeerAddress(r)
	if err != nil {
		return nil, err
	}
	return &Publish{ContentID: id, Addr: addr}, nil
}

func decodeSubscribe(r *bytes.Reader) (*Subscribe, error) {
	id, err := readContentID(r)
	if err != nil {
		return nil, err
	}
	addr, err := readPeerAddress(r)
	if err != nil {
		return nil, err
	}
	return &Subscribe{ContentID: id, Addr: addr}, nil
}

func decodePingAck(r *bytes.Reader) (*PingAck, error) {
	observed, err := readAddrPort(r)
	if err != nil {
		return nil, err
	}
	return &PingAck{Observed: observed}, nil
}

func decodePublishAck(r *bytes.Reader) (*PublishAck, error) {
	observed, err := readAddrPort(r)
	if err != nil {
		return nil, err
	}
	return &PublishAck{Observed: observed}, nil
}

func decodeIntroduction(r *bytes.Reader) (*Introduction, error) {
	id, err := readContentID(r)
	if err != nil {
		return nil, err
	}
	peer, err := readPeerAddress(r)
	if err != nil {
		return nil, err
	}
	observed, err := readAddrPort(r)
	if err != nil {
		return nil, err
	}
	return &Introduction{ContentID: id, Peer: peer, Observed: observed}, nil
}

func decodeNotFound(r *bytes.Reader) (*NotFound, error) {
	id, err := readContentID(r)
	if err != nil {
		return nil, err
	}
	return &NotFound{ContentID: id}, nil
}

func decodeErrorReply(r *bytes.Reader) (*ErrorReply, error) {
	var code, msgLen uint16
	if err := binary.Read(r, binary.BigEndian, &code); err != nil {
		return nil, ErrInvalidMessage
	}
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return nil, ErrInvalidMessage
	}
	if int(msgLen) > maxErrorMessageLen {
		return nil, fmt.Errorf("%w: error message too long", ErrInvalidMessage)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, ErrInvalidMessage
	}
	return &ErrorReply{Code: ErrorCode(code), Message: string(msg)}, nil
}

// ============================================================================
//                              地址编解码
// ============================================================================

// writeAddrPort 编码单个地址
//
// 无效地址编码为 ver=0，不携带 IP 和端口字节。
func writeAddrPort(buf *bytes.Buffer, ap netip.AddrPort) error {
	if !ap.IsValid() {
		return buf.WriteByte(addrVerNone)
	}

	addr := ap.Addr()
	if addr.Is4() {
		buf.WriteByte(addrVer4)
		b := addr.As4()
		buf.Write(b[:])
	} else {
		buf.WriteByte(addrVer6)
		b := addr.As16()
		buf.Write(b[:])
	}
	return binary.Write(buf, binary.BigEndian, ap.Port())
}

// readAddrPort 解码单个地址
func readAddrPort(r *bytes.Reader) (netip.AddrPort, error) {
	ver, err := r.ReadByte()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: missing version", ErrInvalidAddress)
	}

	var addr netip.Addr
	switch ver {
	case addrVerNone:
		return netip.AddrPort{}, nil
	case addrVer4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: truncated IPv4", ErrInvalidAddress)
		}
		addr = netip.AddrFrom4(b)
	case addrVer6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: truncated IPv6", ErrInvalidAddress)
		}
		addr = netip.AddrFrom16(b)
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: version %d", ErrInvalidAddress, ver)
	}

	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: missing port", ErrInvalidAddress)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// writePeerAddress 编码地址对
func writePeerAddress(buf *bytes.Buffer, pa types.PeerAddress) error {
	if err := writeAddrPort(buf, pa.Local); err != nil {
		return err
	}
	return writeAddrPort(buf, pa.External)
}

// readPeerAddress 解码地址对
func readPeerAddress(r *bytes.Reader) (types.PeerAddress, error) {
	local, err := readAddrPort(r)
	if err != nil {
		return types.PeerAddress{}, err
	}
	external, err := readAddrPort(r)
	if err != nil {
		return types.PeerAddress{}, err
	}
	return types.PeerAddress{Local: local, External: external}, nil
}

// readContentID 解码内容标识
func readContentID(r *bytes.Reader) (types.ContentID, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return types.EmptyContentID, fmt.Errorf("%w: truncated content ID", ErrInvalidMessage)
	}
	return types.ContentID(b), nil
}
