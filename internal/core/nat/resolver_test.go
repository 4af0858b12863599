package nat

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// fakeMapper 可脚本化的映射器
type fakeMapper struct {
	name string

	mu      sync.Mutex
	mapErr  error
	granted netip.AddrPort
	life    time.Duration
	maps    int
	unmaps  int
}

func (f *fakeMapper) Name() string { return f.name }

func (f *fakeMapper) Map(_ context.Context, localPort uint16, _ time.Duration) (*Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps++
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	return &Mapping{LocalPort: localPort, External: f.granted, Lifetime: f.life}, nil
}

func (f *fakeMapper) Unmap(context.Context, *Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmaps++
	return nil
}

func (f *fakeMapper) counts() (maps, unmaps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maps, f.unmaps
}

// fakeProber 固定结果的观测器
type fakeProber struct {
	addr netip.AddrPort
	err  error
}

func (f *fakeProber) Probe(context.Context) (netip.AddrPort, error) {
	return f.addr, f.err
}

var testLocal = netip.MustParseAddrPort("192.168.1.10:40000")

func TestResolveMapperSequence(t *testing.T) {
	failing := &fakeMapper{name: "nat-pmp", mapErr: errors.New("gateway silent")}
	working := &fakeMapper{
		name:    "upnp",
		granted: netip.MustParseAddrPort("203.0.113.9:40000"),
		life:    time.Hour,
	}

	r, err := NewResolver(DefaultConfig(), []Mapper{failing, working}, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	res, err := r.Resolve(context.Background(), testLocal)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer res.Close()

	if !res.HasExternal() {
		t.Fatal("expected external address")
	}
	if res.External != working.granted {
		t.Errorf("External = %v, want %v", res.External, working.granted)
	}
	if res.Lease == nil {
		t.Fatal("expected mapping lease")
	}
	if res.Lease.Mapper() != "upnp" {
		t.Errorf("Lease.Mapper() = %q, want upnp", res.Lease.Mapper())
	}
	if maps, _ := failing.counts(); maps != 1 {
		t.Errorf("failing mapper attempts = %d, want 1", maps)
	}
	t.Log("✅ 第一个映射器失败后顺延到下一个")
}

func TestResolveProbeFallback(t *testing.T) {
	failing := &fakeMapper{name: "nat-pmp", mapErr: errors.New("not supported")}
	observed := netip.MustParseAddrPort("198.51.100.7:40000")

	r, err := NewResolver(DefaultConfig(), []Mapper{failing}, &fakeProber{addr: observed})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	res, err := r.Resolve(context.Background(), testLocal)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer res.Close()

	if res.External != observed {
		t.Errorf("External = %v, want %v", res.External, observed)
	}
	if res.Lease != nil {
		t.Error("observation must not create a lease")
	}
	t.Log("✅ 映射失败时回退 STUN 观测")
}

func TestResolveDegradesToLocalOnly(t *testing.T) {
	failing := &fakeMapper{name: "nat-pmp", mapErr: errors.New("no gateway")}

	r, err := NewResolver(DefaultConfig(), []Mapper{failing}, &fakeProber{err: errors.New("no response")})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	res, err := r.Resolve(context.Background(), testLocal)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer res.Close()

	if res.HasExternal() {
		t.Errorf("External = %v, want unset", res.External)
	}
	if res.Local != testLocal {
		t.Errorf("Local = %v, want %v", res.Local, testLocal)
	}
	t.Log("✅ 全部失败时降级为仅本地地址，不报错")
}

func TestResolveMappingDisabled(t *testing.T) {
	mapper := &fakeMapper{name: "nat-pmp", granted: netip.MustParseAddrPort("203.0.113.9:40000"), life: time.Hour}

	cfg := DefaultConfig()
	cfg.EnablePortMapping = false
	cfg.EnableProbe = false

	r, err := NewResolver(cfg, []Mapper{mapper}, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	res, err := r.Resolve(context.Background(), testLocal)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer res.Close()

	if maps, _ := mapper.counts(); maps != 0 {
		t.Errorf("mapper attempts = %d, want 0 when disabled", maps)
	}
	if res.HasExternal() {
		t.Error("expected no external address when everything disabled")
	}
	t.Log("✅ 显式关闭端口映射时不触碰网关")
}

func TestResolveInvalidLocal(t *testing.T) {
	r, err := NewResolver(DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	if _, err := r.Resolve(context.Background(), netip.AddrPort{}); err == nil {
		t.Error("expected error for invalid local address")
	}
	t.Log("✅ 无效本地地址被拒绝")
}

func TestLeaseRenewal(t *testing.T) {
	mock := clock.NewMock()
	mapper := &fakeMapper{
		name:    "nat-pmp",
		granted: netip.MustParseAddrPort("203.0.113.9:40000"),
		life:    30 * time.Minute,
	}

	cfg := DefaultConfig()
	cfg.EnableProbe = false
	cfg.Clock = mock

	r, err := NewResolver(cfg, []Mapper{mapper}, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}

	res, err := r.Resolve(context.Background(), testLocal)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Lease == nil {
		t.Fatal("expected mapping lease")
	}

	// 续约应在租约时长的三分之一处触发
	waitForCounts := func(wantMaps int) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if maps, _ := mapper.counts(); maps >= wantMaps {
				return
			}
			time.Sleep(time.Millisecond)
		}
		maps, _ := mapper.counts()
		t.Fatalf("mapper attempts = %d, want >= %d", maps, wantMaps)
	}

	time.Sleep(10 * time.Millisecond) // 让续约循环挂上定时器
	mock.Add(10 * time.Minute)
	waitForCounts(2)

	mock.Add(10 * time.Minute)
	waitForCounts(3)

	if err := res.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, unmaps := mapper.counts(); unmaps != 1 {
		t.Errorf("unmaps = %d, want 1", unmaps)
	}

	// 关闭后不再续约
	maps, _ := mapper.counts()
	mock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if after, _ := mapper.counts(); after != maps {
		t.Errorf("renewal continued after close: %d -> %d", maps, after)
	}
	t.Log("✅ 租约在 1/3 时长处续约，关闭即释放")
}

func TestRenewIntervalFloor(t *testing.T) {
	if got := renewInterval(30 * time.Second); got != minRenewInterval {
		t.Errorf("renewInterval(30s) = %v, want floor %v", got, minRenewInterval)
	}
	if got := renewInterval(time.Hour); got != 20*time.Minute {
		t.Errorf("renewInterval(1h) = %v, want 20m", got)
	}
	t.Log("✅ 续约间隔遵守下限")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	bad := DefaultConfig()
	bad.MappingLifetime = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero mapping lifetime")
	}
	t.Log("✅ 配置验证")
}
