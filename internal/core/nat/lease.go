package nat

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ============================================================================
//                              映射租约
// ============================================================================

// minRenewInterval 续约间隔下限
//
// 租约很短时也不高频打扰网关，映射在两次续约之间短暂
// 失效只影响打洞成功率，不影响正确性。
const minRenewInterval = 2 * time.Minute

// Lease 端口映射租约
//
// 租约由唯一的续约 goroutine 维护：在租约时长的三分之一处
// 重新请求映射，直到 Close 撤销映射并停止续约。续约失败不
// 终止循环，下个周期继续尝试。
type Lease struct {
	mapper  Mapper
	timeout time.Duration
	clk     clock.Clock

	mu      sync.Mutex
	mapping *Mapping

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// newLease 创建租约并启动续约循环
func newLease(mapper Mapper, mapping *Mapping, timeout time.Duration, clk clock.Clock) *Lease {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		mapper:  mapper,
		timeout: timeout,
		clk:     clk,
		mapping: mapping,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go l.renewLoop(ctx)
	return l
}

// External 返回当前映射的外部地址
//
// 网关在续约时可能换发外部端口，调用方每次使用前应重新读取。
func (l *Lease) External() netip.AddrPort {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mapping.External
}

// Mapper 返回维护此租约的映射器名称
func (l *Lease) Mapper() string {
	return l.mapper.Name()
}

// Close 撤销映射并停止续约
func (l *Lease) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.done

		l.mu.Lock()
		mapping := l.mapping
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		err = l.mapper.Unmap(ctx, mapping)
		if err != nil {
			log.Debug("failed to release port mapping",
				"mapper", l.mapper.Name(),
				"err", err,
			)
		} else {
			log.Debug("port mapping released", "mapper", l.mapper.Name())
		}
	})
	return err
}

// renewLoop 续约循环
func (l *Lease) renewLoop(ctx context.Context) {
	defer close(l.done)

	for {
		l.mu.Lock()
		mapping := l.mapping
		l.mu.Unlock()

		timer := l.clk.Timer(renewInterval(mapping.Lifetime))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, l.timeout)
		renewed, err := l.mapper.Map(renewCtx, mapping.LocalPort, mapping.Lifetime)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("port mapping renewal failed",
				"mapper", l.mapper.Name(),
				"local_port", mapping.LocalPort,
				"err", err,
			)
			continue
		}

		l.mu.Lock()
		changed := l.mapping.External != renewed.External
		l.mapping = renewed
		l.mu.Unlock()

		if changed {
			log.Warn("external address changed on renewal",
				"mapper", l.mapper.Name(),
				"external", renewed.External,
			)
		} else {
			log.Debug("port mapping renewed",
				"mapper", l.mapper.Name(),
				"external", renewed.External,
			)
		}
	}
}

// renewInterval 计算续约间隔（租约时长的三分之一，不低于下限）
func renewInterval(lifetime time.Duration) time.Duration {
	interval := lifetime / 3
	if interval < minRenewInterval {
		return minRenewInterval
	}
	return interval
}
