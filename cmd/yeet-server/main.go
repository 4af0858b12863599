// Package main 提供独立的汇合服务器
//
// 汇合服务器按内容标识匹配发布者与订阅者，向双方派发对端的
// 候选地址，自身不中转任何文件数据，也不落盘任何状态。
//
// 使用方法:
//
//	go run . -port 7828
//	go run . -port 7828 -metrics-addr :9090 -policy round-robin
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryco117/file-yeet/internal/core/rendezvous"
	"github.com/ryco117/file-yeet/internal/core/transport"
	"github.com/ryco117/file-yeet/internal/util/logger"
)

// defaultPort 汇合服务器默认端口
const defaultPort = 7828

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "0.0.0.0", "监听地址")
	port := flag.Uint("port", defaultPort, "监听端口 (UDP)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus 指标的 HTTP 监听地址（空则不启用）")
	policyName := flag.String("policy", "first", "发布者选择策略: first | random | round-robin")
	logLevel := flag.String("log-level", "", "日志级别（等效 YEET_LOG_LEVEL）")
	statsEvery := flag.Duration("stats-interval", time.Minute, "统计日志间隔（0 不打印）")
	flag.Parse()

	if *logLevel != "" {
		level, err := parseLevel(*logLevel)
		if err != nil {
			return err
		}
		logger.SetGlobalLevel(level)
	}

	bindIP, err := netip.ParseAddr(*addr)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: %w", *addr, err)
	}
	if *port == 0 || *port > 65535 {
		return fmt.Errorf("invalid port %d", *port)
	}

	policy, err := rendezvous.PolicyByName(*policyName)
	if err != nil {
		return err
	}

	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║              file-yeet rendezvous server             ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		fmt.Printf("\n收到信号 %v，正在关闭...\n", sig)
		cancel()
	}()

	// 共享套接字传输，服务器也用自签名证书
	tr, err := transport.New(transport.Config{
		ListenAddr: netip.AddrPortFrom(bindIP, uint16(*port)),
	})
	if err != nil {
		return fmt.Errorf("创建传输失败: %w", err)
	}
	defer func() { _ = tr.Close() }()

	ln, err := tr.Listen()
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	cfg := rendezvous.DefaultPointConfig()
	cfg.Policy = policy
	point := rendezvous.NewPoint(cfg, prometheus.DefaultRegisterer)

	if err := point.Start(ctx); err != nil {
		return fmt.Errorf("启动汇合服务失败: %w", err)
	}
	defer func() { _ = point.Stop() }()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}
	if *statsEvery > 0 {
		go statsLoop(ctx, point, *statsEvery)
	}

	fmt.Printf("监听: %s (UDP)\n", tr.LocalAddr())
	fmt.Printf("策略: %s\n", policy.Name())
	if *metricsAddr != "" {
		fmt.Printf("指标: http://%s/metrics\n", *metricsAddr)
	}
	fmt.Println()

	go func() {
		<-ctx.Done()
		_ = tr.Close()
	}()

	if err := point.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("服务中断: %w", err)
	}
	return nil
}

// serveMetrics 暴露 Prometheus 指标
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "指标服务退出: %v\n", err)
	}
}

// statsLoop 定期打印运行统计
func statsLoop(ctx context.Context, point *rendezvous.Point, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := point.Stats()
			fmt.Printf("[stats] conns=%d contents=%d registrations=%d introductions=%d not_found=%d\n",
				s.Conns,
				s.Store.TotalContents,
				s.Store.TotalRegistrations,
				s.Introductions,
				s.NotFound,
			)
		}
	}
}

// parseLevel 解析日志级别
func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
