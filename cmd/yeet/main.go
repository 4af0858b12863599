// Package main 提供点对点文件传输的命令行客户端
//
// 使用方法:
//
//	yeet pub <文件>            发布文件并等待下载方
//	yeet sub <哈希> [输出路径]  按哈希下载文件
//	yeet ping                  查询服务器观测到的本端公网地址
//
// 公共选项:
//
//	-server host:port   汇合服务器地址
//	-port N             本地 UDP 端口（0 表示系统分配）
//	-nat-map=false      禁用 NAT-PMP/UPnP 端口映射
//	-stun=false         禁用 STUN 地址观测
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	fileyeet "github.com/ryco117/file-yeet"
	"github.com/ryco117/file-yeet/internal/core/transfer"
	"github.com/ryco117/file-yeet/internal/util/logger"
	"github.com/ryco117/file-yeet/pkg/types"
)

// progressSuffix 断点续传进度文件的后缀
const progressSuffix = ".yeet-progress"

// maxConcurrentDownloads 发布时同时服务的下载方上限
const maxConcurrentDownloads = 8

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", fmt.Sprintf("127.0.0.1:%d", fileyeet.DefaultServerPort), "汇合服务器地址 (host:port)")
	port := flag.Uint("port", 0, "本地 UDP 端口（0 表示系统分配）")
	natMap := flag.Bool("nat-map", true, "启用 NAT-PMP/UPnP 端口映射")
	stun := flag.Bool("stun", true, "启用 STUN 地址观测")
	resume := flag.Bool("resume", true, "下载时尝试断点续传")
	verbose := flag.Bool("verbose", false, "输出调试日志")
	flag.Parse()

	if *verbose {
		logger.SetGlobalLevel(slog.LevelDebug)
	}
	if *port > 65535 {
		return fmt.Errorf("invalid port %d", *port)
	}

	opts := []fileyeet.Option{
		fileyeet.WithServer(*server),
		fileyeet.WithLocalPort(uint16(*port)),
		fileyeet.WithPortMapping(*natMap),
		fileyeet.WithSTUN(*stun),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch flag.Arg(0) {
	case "pub":
		if flag.NArg() < 2 {
			return errors.New("usage: yeet pub <file>")
		}
		return runPublish(ctx, opts, flag.Arg(1))
	case "sub":
		if flag.NArg() < 2 {
			return errors.New("usage: yeet sub <hash> [output]")
		}
		out := flag.Arg(2)
		return runSubscribe(ctx, opts, flag.Arg(1), out, *resume)
	case "ping":
		return runPing(ctx, opts)
	case "":
		flag.Usage()
		return errors.New("missing command: pub | sub | ping")
	default:
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
}

// ============================================================================
//                              发布
// ============================================================================

// runPublish 发布单个文件并持续服务下载方，直到收到中断信号
func runPublish(ctx context.Context, opts []fileyeet.Option, path string) error {
	contentID, size, err := transfer.HashFile(path)
	if err != nil {
		return fmt.Errorf("计算文件哈希失败: %w", err)
	}
	fmt.Printf("文件: %s (%d 字节)\n", filepath.Base(path), size)
	fmt.Printf("哈希: %s\n", hex.EncodeToString(contentID[:]))

	node, err := fileyeet.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("启动节点失败: %w", err)
	}
	defer func() { _ = node.Close() }()

	pub, err := node.Publish(ctx, contentID)
	if err != nil {
		return fmt.Errorf("发布失败: %w", err)
	}
	defer func() { _ = pub.Close() }()

	if ext := node.ExternalAddr(); ext.IsValid() {
		fmt.Printf("公网地址: %s\n", ext)
	}
	fmt.Println("等待下载方（Ctrl+C 退出）...")

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开文件失败: %w", err)
	}
	defer func() { _ = file.Close() }()

	open := func(id types.ContentID) transfer.Source {
		if id != contentID {
			return nil
		}
		return transfer.FileSource{ReaderAt: file, Length: size}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentDownloads)

	for {
		select {
		case <-ctx.Done():
			// 等所有进行中的传输结束
			_ = group.Wait()
			fmt.Println("\n已停止发布")
			return nil
		case conn, ok := <-pub.Conns():
			if !ok {
				_ = group.Wait()
				return nil
			}
			fmt.Printf("下载方接入: %s\n", conn.RemoteAddr())
			group.Go(func() error {
				servePeer(groupCtx, conn, open)
				return nil
			})
		}
	}
}

// servePeer 在一条对等连接上应答传输请求
//
// 同一下载方可能开多条流分段下载，逐条应答直到连接关闭。
func servePeer(ctx context.Context, conn *fileyeet.PeerConn, open transfer.Open) {
	defer func() { _ = conn.Close() }()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if err := transfer.Serve(ctx, stream, open); err != nil {
			fmt.Printf("传输中断 (%s): %v\n", conn.RemoteAddr(), err)
			_ = stream.Close()
			return
		}
		_ = stream.Close()
		fmt.Printf("传输完成: %s\n", conn.RemoteAddr())
	}
}

// ============================================================================
//                              下载
// ============================================================================

// runSubscribe 按内容哈希查找发布者并下载文件
func runSubscribe(ctx context.Context, opts []fileyeet.Option, hash, out string, resume bool) error {
	contentID, err := types.ParseContentID(hash)
	if err != nil {
		return fmt.Errorf("无效的内容哈希: %w", err)
	}
	if out == "" {
		out = hash[:16] + ".yeet"
	}

	node, err := fileyeet.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("启动节点失败: %w", err)
	}
	defer func() { _ = node.Close() }()

	fmt.Printf("查找发布者: %s\n", contentID.ShortString())
	conn, err := node.Subscribe(ctx, contentID)
	if err != nil {
		return fmt.Errorf("连接发布者失败: %w", err)
	}
	defer func() { _ = conn.Close() }()
	fmt.Printf("已连接: %s\n", conn.RemoteAddr())

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("打开流失败: %w", err)
	}
	defer func() { _ = stream.Close() }()

	file, err := os.OpenFile(out, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("打开输出文件失败: %w", err)
	}
	defer func() { _ = file.Close() }()

	intervals := loadProgress(out, resume)
	if done := intervals.Covered(); done > 0 {
		fmt.Printf("续传: 已有 %d 字节\n", done)
	}

	start := time.Now()
	total, err := transfer.Fetch(ctx, stream, contentID, file, intervals, printProgress())
	fmt.Println()
	if err != nil {
		// 保留进度，下次可续传
		saveProgress(out, intervals)
		return fmt.Errorf("下载失败: %w", err)
	}

	if err := transfer.VerifyFile(out, contentID); err != nil {
		// 摘要不符说明已落盘的数据不可信，丢弃进度从头重下，
		// 否则续传永远复用坏数据。
		if errors.Is(err, transfer.ErrDigestMismatch) {
			resetProgress(out)
		} else {
			saveProgress(out, intervals)
		}
		return err
	}
	_ = os.Remove(out + progressSuffix)

	elapsed := time.Since(start)
	fmt.Printf("完成: %s (%d 字节, 耗时 %s)\n", out, total, elapsed.Round(time.Millisecond))
	return nil
}

// printProgress 返回单行刷新的进度回调
func printProgress() transfer.Progress {
	var last time.Time
	return func(done, total uint64) {
		now := time.Now()
		if now.Sub(last) < 200*time.Millisecond && done != total {
			return
		}
		last = now
		if total > 0 {
			fmt.Printf("\r下载中: %d/%d 字节 (%.1f%%)", done, total, float64(done)*100/float64(total))
		} else {
			fmt.Printf("\r下载中: %d 字节", done)
		}
	}
}

// loadProgress 读取断点续传进度
//
// 进度文件缺失或损坏时从头下载。
func loadProgress(out string, resume bool) *transfer.Intervals {
	intervals := &transfer.Intervals{}
	if !resume {
		return intervals
	}

	data, err := os.ReadFile(out + progressSuffix)
	if err != nil {
		return intervals
	}
	if err := intervals.UnmarshalBinary(data); err != nil {
		return &transfer.Intervals{}
	}
	return intervals
}

// resetProgress 丢弃进度文件
func resetProgress(out string) {
	_ = os.Remove(out + progressSuffix)
}

// saveProgress 持久化已下载区间
func saveProgress(out string, intervals *transfer.Intervals) {
	if intervals.Covered() == 0 {
		return
	}
	data, err := intervals.MarshalBinary()
	if err != nil {
		return
	}
	_ = os.WriteFile(out+progressSuffix, data, 0o644)
}

// ============================================================================
//                              Ping
// ============================================================================

// runPing 查询服务器观测到的本端地址
func runPing(ctx context.Context, opts []fileyeet.Option) error {
	node, err := fileyeet.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("启动节点失败: %w", err)
	}
	defer func() { _ = node.Close() }()

	observed, err := node.ObservedAddr(ctx)
	if err != nil {
		return fmt.Errorf("查询失败: %w", err)
	}

	fmt.Printf("本地地址: %s\n", node.LocalAddr())
	if ext := node.ExternalAddr(); ext.IsValid() {
		fmt.Printf("映射地址: %s\n", ext)
	}
	fmt.Printf("观测地址: %s\n", observed)
	return nil
}
