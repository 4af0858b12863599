// Package rendezvous 实现汇合服务器的注册与引荐逻辑
//
// 服务器维护 内容ID -> 发布者注册 的映射。发布者通过控制连接
// 注册，注册记录的生命周期与控制连接严格一致：连接断开时
// 该连接的全部注册立即销毁，因此注册表不存在过期语义。
package rendezvous

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ryco117/file-yeet/internal/util/logger"
	"github.com/ryco117/file-yeet/pkg/types"
)

// 包级别日志实例
var log = logger.Logger("rendezvous")

// ============================================================================
//                              配置
// ============================================================================

// StoreConfig 注册表配置
type StoreConfig struct {
	// MaxRegistrations 最大注册总数
	MaxRegistrations int

	// MaxContents 最大内容数
	MaxContents int

	// MaxRegistrationsPerContent 单个内容的最大发布者数
	MaxRegistrationsPerContent int

	// MaxRegistrationsPerConn 单个连接的最大注册数
	MaxRegistrationsPerConn int
}

// DefaultStoreConfig 默认注册表配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxRegistrations:           10000,
		MaxContents:                4096,
		MaxRegistrationsPerContent: 256,
		MaxRegistrationsPerConn:    64,
	}
}

// ============================================================================
//                              注册记录
// ============================================================================

// Registration 发布者注册记录
//
// 地址对在注册时固定，不做原地更新。发布者地址变化后
// 必须重新注册，旧记录被替换。
type Registration struct {
	// ContentID 发布的内容标识
	ContentID types.ContentID

	// Addr 发布者自报的地址对
	Addr types.PeerAddress

	// Observed 服务器观测到的发布者公网地址（含端口覆盖）
	Observed netip.AddrPort

	// ConnID 所属控制连接
	ConnID uuid.UUID

	// RegisteredAt 注册时间
	RegisteredAt time.Time
}

// ============================================================================
//                              注册表实现
// ============================================================================

// Store 发布者注册表
type Store struct {
	config StoreConfig

	// registrations: contentID -> 按注册顺序排列的记录
	registrations map[types.ContentID][]*Registration

	// connContents: connID -> 该连接注册的内容集合
	connContents map[uuid.UUID]map[types.ContentID]struct{}

	mu sync.RWMutex

	// 统计
	totalRegistrations int
	withdrawn          atomic.Uint64
}

// NewStore 创建注册表
func NewStore(config StoreConfig) *Store {
	return &Store{
		config:        config,
		registrations: make(map[types.ContentID][]*Registration),
		connContents:  make(map[uuid.UUID]map[types.ContentID]struct{}),
	}
}

// ============================================================================
//                              注册操作
// ============================================================================

// Register 添加注册
//
// 同一连接对同一内容重复注册时，旧记录被替换，
// 新记录排在该内容发布者列表的末尾。
func (s *Store) Register(reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	regs, contentExists := s.registrations[reg.ContentID]

	// 检查是否是同一连接的重复注册
	replaceIdx := -1
	for i, r := range regs {
		if r.ConnID == reg.ConnID {
			replaceIdx = i
			break
		}
	}
	isUpdate := replaceIdx >= 0

	// 检查内容数量限制
	if !contentExists && len(s.registrations) >= s.config.MaxContents {
		return ErrTooManyContents
	}

	// 检查单个内容的发布者数限制
	if !isUpdate && len(regs) >= s.config.MaxRegistrationsPerContent {
		return ErrTooManyRegistrationsForContent
	}

	// 检查总注册数限制
	if !isUpdate && s.totalRegistrations >= s.config.MaxRegistrations {
		return ErrTooManyRegistrations
	}

	// 检查单个连接的注册数限制
	if !isUpdate {
		if contents, exists := s.connContents[reg.ConnID]; exists {
			if len(contents) >= s.config.MaxRegistrationsPerConn {
				return ErrTooManyRegistrationsPerConn
			}
		}
	}

	// 存储注册（替换时先移除旧记录）
	if isUpdate {
		regs = append(regs[:replaceIdx], regs[replaceIdx+1:]...)
	}
	s.registrations[reg.ContentID] = append(regs, reg)

	// 更新 conn -> contents 索引
	if _, exists := s.connContents[reg.ConnID]; !exists {
		s.connContents[reg.ConnID] = make(map[types.ContentID]struct{})
	}
	s.connContents[reg.ConnID][reg.ContentID] = struct{}{}

	if !isUpdate {
		s.totalRegistrations++
	}

	log.Debug("publisher registered",
		"content", reg.ContentID.ShortString(),
		"conn", reg.ConnID,
		"addr", reg.Addr.String(),
	)

	return nil
}

// Remove 移除单个注册
func (s *Store) Remove(contentID types.ContentID, connID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(contentID, connID)
}

// removeLocked 移除单个注册（调用者持锁）
func (s *Store) removeLocked(contentID types.ContentID, connID uuid.UUID) {
	regs, exists := s.registrations[contentID]
	if !exists {
		return
	}

	for i, r := range regs {
		if r.ConnID == connID {
			s.registrations[contentID] = append(regs[:i], regs[i+1:]...)
			s.totalRegistrations--
			s.withdrawn.Add(1)
			break
		}
	}

	// 清理空的内容项
	if len(s.registrations[contentID]) == 0 {
		delete(s.registrations, contentID)
	}

	// 更新 conn -> contents 索引
	if contents, exists := s.connContents[connID]; exists {
		delete(contents, contentID)
		if len(contents) == 0 {
			delete(s.connContents, connID)
		}
	}
}

// RemoveConn 移除连接的全部注册，返回移除数量
//
// 控制连接断开时调用，保证注册表不残留失效记录。
func (s *Store) RemoveConn(connID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, exists := s.connContents[connID]
	if !exists {
		return 0
	}

	removed := 0
	for contentID := range contents {
		regs := s.registrations[contentID]
		for i, r := range regs {
			if r.ConnID == connID {
				s.registrations[contentID] = append(regs[:i], regs[i+1:]...)
				s.totalRegistrations--
				removed++
				break
			}
		}
		if len(s.registrations[contentID]) == 0 {
			delete(s.registrations, contentID)
		}
	}
	delete(s.connContents, connID)

	if removed > 0 {
		s.withdrawn.Add(uint64(removed))
		log.Debug("connection registrations removed",
			"conn", connID,
			"count", removed,
		)
	}
	return removed
}

// ============================================================================
//                              查询操作
// ============================================================================

// Lookup 返回指定内容的发布者列表（按注册顺序的副本）
func (s *Store) Lookup(contentID types.ContentID) []*Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regs, exists := s.registrations[contentID]
	if !exists {
		return nil
	}

	result := make([]*Registration, len(regs))
	copy(result, regs)
	return result
}

// ConnIDs 返回注册表中出现的所有连接ID
func (s *Store) ConnIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]uuid.UUID, 0, len(s.connContents))
	for id := range s.connContents {
		result = append(result, id)
	}
	return result
}

// ============================================================================
//                              统计
// ============================================================================

// Stats 返回统计信息
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		TotalRegistrations: s.totalRegistrations,
		TotalContents:      len(s.registrations),
		ConnsTracked:       len(s.connContents),
		Withdrawn:          s.withdrawn.Load(),
	}
}

// StoreStats 注册表统计
type StoreStats struct {
	TotalRegistrations int
	TotalContents      int
	ConnsTracked       int
	Withdrawn          uint64
}

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrTooManyContents 内容数量超限
	ErrTooManyContents = &StoreError{Code: "TOO_MANY_CONTENTS", Message: "too many contents"}

	// ErrTooManyRegistrations 注册总数超限
	ErrTooManyRegistrations = &StoreError{Code: "TOO_MANY_REGISTRATIONS", Message: "too many registrations"}

	// ErrTooManyRegistrationsForContent 单个内容的发布者数超限
	ErrTooManyRegistrationsForContent = &StoreError{Code: "TOO_MANY_REGISTRATIONS_FOR_CONTENT", Message: "too many registrations for content"}

	// ErrTooManyRegistrationsPerConn 单个连接的注册数超限
	ErrTooManyRegistrationsPerConn = &StoreError{Code: "TOO_MANY_REGISTRATIONS_PER_CONN", Message: "too many registrations per connection"}
)

// StoreError 注册表错误
type StoreError struct {
	Code    string
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}
