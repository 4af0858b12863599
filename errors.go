package fileyeet

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              错误定义
// ============================================================================

// 失败按阶段区分：发现失败可以直接重试；打洞超时意味着候选
// 地址可能已经过期，应从发现重新开始；握手失败说明路径存在
// 但安全层没谈拢，值得单独诊断。
var (
	// ErrDiscovery 发现阶段失败（服务器不可达、请求超时等）
	ErrDiscovery = errors.New("discovery failed")

	// ErrNotFound 没有发布者持有请求的内容
	ErrNotFound = fmt.Errorf("%w: content not found", ErrDiscovery)

	// ErrPunchTimeout 打洞超时，没有候选地址被证实可达
	ErrPunchTimeout = errors.New("hole punch timed out")

	// ErrHandshake 打洞成功但安全传输握手失败
	ErrHandshake = errors.New("secure handshake failed")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")
)
