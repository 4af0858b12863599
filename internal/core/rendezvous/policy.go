package rendezvous

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
)

// ============================================================================
//                              发布者选择策略
// ============================================================================

// SelectionPolicy 在同一内容的多个发布者之间做选择
//
// Select 的入参保证非空，元素按注册顺序排列。
type SelectionPolicy interface {
	// Name 返回策略名称
	Name() string

	// Select 从候选记录中选出一个发布者
	Select(regs []*Registration) *Registration
}

// PolicyByName 按名称构造策略（用于命令行参数）
//
// 支持: first, random, round-robin
func PolicyByName(name string) (SelectionPolicy, error) {
	switch name {
	case "first", "":
		return FirstRegistered{}, nil
	case "random":
		return NewRandom(), nil
	case "round-robin":
		return &RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy: %q", name)
	}
}

// ============================================================================
//                              FirstRegistered
// ============================================================================

// FirstRegistered 选择最早注册的发布者（默认策略）
type FirstRegistered struct{}

// Name 返回策略名称
func (FirstRegistered) Name() string { return "first" }

// Select 选择最早注册的发布者
func (FirstRegistered) Select(regs []*Registration) *Registration {
	return regs[0]
}

// ============================================================================
//                              Random
// ============================================================================

// Random 均匀随机选择发布者
//
// math/rand/v2 的全局源并发安全，无需加锁或播种。
type Random struct{}

// NewRandom 创建随机选择策略
func NewRandom() *Random {
	return &Random{}
}

// Name 返回策略名称
func (*Random) Name() string { return "random" }

// Select 均匀随机选择一个发布者
func (*Random) Select(regs []*Registration) *Registration {
	return regs[rand.IntN(len(regs))]
}

// ============================================================================
//                              RoundRobin
// ============================================================================

// RoundRobin 按请求次数轮转选择发布者
//
// 轮转计数是全局的，不按内容区分。发布者列表变化时
// 轮转位置不回退，只保证长期的负载均摊。
type RoundRobin struct {
	next atomic.Uint64
}

// Name 返回策略名称
func (*RoundRobin) Name() string { return "round-robin" }

// Select 轮转选择一个发布者
func (rr *RoundRobin) Select(regs []*Registration) *Registration {
	n := rr.next.Add(1) - 1
	return regs[n%uint64(len(regs))]
}
