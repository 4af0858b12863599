// Package nat 实现地址解析
//
// 解析器为共享 UDP 套接字争取一个可从公网到达的外部地址：
// 依次尝试显式端口映射协议（NAT-PMP、UPnP），全部失败时退而
// 通过 STUN 观测外部地址。端口映射成功时返回带续约的租约，
// 外部端口确定可达；仅有观测地址时路径不保证可达，打洞阶段
// 仍需依赖汇合服务器观测到的映射。
package nat

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ryco117/file-yeet/internal/util/logger"
)

// 包级别日志实例
var log = logger.Logger("nat")

// ============================================================================
//                              映射器接口
// ============================================================================

// Mapping 一次成功的端口映射
type Mapping struct {
	// LocalPort 被映射的本地 UDP 端口
	LocalPort uint16

	// External 网关上的外部地址（外部 IP + 外部端口）
	External netip.AddrPort

	// Lifetime 网关授予的租约时长
	Lifetime time.Duration
}

// Mapper 端口映射协议的实现（NAT-PMP、UPnP）
type Mapper interface {
	// Name 返回协议名称
	Name() string

	// Map 请求把网关外部端口转发到本地 UDP 端口
	//
	// 网关可以调整外部端口与租约时长，以返回值为准。
	Map(ctx context.Context, localPort uint16, lifetime time.Duration) (*Mapping, error)

	// Unmap 撤销此前建立的映射
	Unmap(ctx context.Context, m *Mapping) error
}

// Prober 外部地址观测（STUN）
type Prober interface {
	// Probe 经共享套接字向 STUN 服务器询问外部地址
	Probe(ctx context.Context) (netip.AddrPort, error)
}

// ============================================================================
//                              配置
// ============================================================================

// Config 地址解析配置
type Config struct {
	// EnablePortMapping 是否尝试显式端口映射
	EnablePortMapping bool

	// EnableProbe 映射失败后是否尝试 STUN 观测
	EnableProbe bool

	// MappingLifetime 请求的映射租约时长
	MappingLifetime time.Duration

	// MappingTimeout 单个映射协议的尝试超时
	MappingTimeout time.Duration

	// ProbeTimeout STUN 观测超时
	ProbeTimeout time.Duration

	// Clock 时钟源（nil 使用系统时钟，测试时注入 mock）
	Clock clock.Clock
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		EnablePortMapping: true,
		EnableProbe:       true,
		MappingLifetime:   time.Hour,
		MappingTimeout:    3 * time.Second,
		ProbeTimeout:      5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MappingLifetime <= 0 {
		return errors.New("mapping lifetime must be positive")
	}
	if c.MappingTimeout <= 0 {
		return errors.New("mapping timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	return nil
}

// ============================================================================
//                              解析器
// ============================================================================

// Resolution 地址解析结果
type Resolution struct {
	// Local 共享套接字的本地地址
	Local netip.AddrPort

	// External 外部地址（零值表示未知，只能依赖服务器观测）
	External netip.AddrPort

	// Lease 端口映射租约（nil 表示未建立映射）
	Lease *Lease
}

// HasExternal 是否解析出了外部地址
func (r *Resolution) HasExternal() bool {
	return r.External.IsValid()
}

// Close 释放解析持有的资源（映射租约）
func (r *Resolution) Close() error {
	if r.Lease == nil {
		return nil
	}
	return r.Lease.Close()
}

// Resolver 地址解析器
//
// 解析按配置的顺序尝试各映射器，全部失败时回退 STUN 观测。
// 任何一步失败都只是降级，Resolve 本身不因此报错。
type Resolver struct {
	config  Config
	mappers []Mapper
	prober  Prober
	clk     clock.Clock
}

// NewResolver 创建地址解析器
//
// mappers 按优先级排列；prober 可以为 nil（跳过 STUN 观测）。
func NewResolver(config Config, mappers []Mapper, prober Prober) (*Resolver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Resolver{
		config:  config,
		mappers: mappers,
		prober:  prober,
		clk:     clk,
	}, nil
}

// Resolve 为给定的本地地址解析外部地址
//
// local 必须是共享 UDP 套接字的地址：映射与观测都针对这个
// 端口，换端口会得到无意义的结果。
func (r *Resolver) Resolve(ctx context.Context, local netip.AddrPort) (*Resolution, error) {
	if !local.IsValid() || local.Port() == 0 {
		return nil, errors.New("invalid local address")
	}

	res := &Resolution{Local: local}

	if r.config.EnablePortMapping {
		for _, mapper := range r.mappers {
			mapping, err := r.tryMap(ctx, mapper, local.Port())
			if err != nil {
				log.Debug("port mapping attempt failed",
					"mapper", mapper.Name(),
					"err", err,
				)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}

			res.External = mapping.External
			res.Lease = newLease(mapper, mapping, r.config.MappingTimeout, r.clk)
			log.Info("port mapping established",
				"mapper", mapper.Name(),
				"local", local,
				"external", mapping.External,
				"lifetime", mapping.Lifetime,
			)
			return res, nil
		}
	}

	if r.config.EnableProbe && r.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
		observed, err := r.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			log.Debug("external address probe failed", "err", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		} else {
			res.External = observed
			log.Info("external address observed",
				"local", local,
				"external", observed,
			)
			return res, nil
		}
	}

	log.Info("no external address resolved, relying on server observation",
		"local", local,
	)
	return res, nil
}

// tryMap 以配置超时尝试单个映射器
func (r *Resolver) tryMap(ctx context.Context, mapper Mapper, localPort uint16) (*Mapping, error) {
	mapCtx, cancel := context.WithTimeout(ctx, r.config.MappingTimeout)
	defer cancel()
	return mapper.Map(mapCtx, localPort, r.config.MappingLifetime)
}
