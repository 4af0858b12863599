// Package logger 提供 file-yeet 的统一日志系统
//
// 基于标准库 log/slog，支持：
//   - 按子系统配置日志级别
//   - 环境变量配置（YEET_LOG_LEVEL, YEET_LOG_FORMAT）
//   - 结构化日志
//
// 使用示例:
//
//	package holepunch
//
//	import "github.com/ryco117/file-yeet/internal/util/logger"
//
//	var log = logger.Logger("holepunch")
//
//	func punch() {
//	    log.Info("probing candidates", "count", len(candidates))
//	    log.Debug("probe sent", "addr", addr, "attempt", n)
//	    log.Error("punch failed", "err", err)
//	}
//
// 环境变量配置:
//
//	# 设置所有模块为 info，holepunch 模块为 debug
//	YEET_LOG_LEVEL=holepunch=debug,info
//
//	# 使用 JSON 格式输出
//	YEET_LOG_FORMAT=json
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// handlers 缓存各子系统的 Handler（用于动态调整级别）
	handlers sync.Map // map[string]*levelHandler

	// globalLogger 全局默认 Logger
	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once
)

// Logger 获取指定子系统的 Logger
//
// Logger 会根据 YEET_LOG_LEVEL 环境变量配置日志级别。
// 同一子系统多次调用会返回相同的 Logger 实例。
//
// 示例:
//
//	var log = logger.Logger("rendezvous")
//	log.Info("publisher registered", "content", id.ShortString())
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	level := cfg.LevelForSubsystem(subsystem)

	handler := newLevelHandler(subsystem, level, cfg.Format)
	logger := slog.New(handler)

	actual, _ := loggers.LoadOrStore(subsystem, logger)
	if h, ok := handler.(*levelHandler); ok {
		handlers.Store(subsystem, h)
	}

	return actual.(*slog.Logger)
}

// GlobalLogger 返回全局 Logger
//
// 用于不属于特定子系统的日志。
func GlobalLogger() *slog.Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = Logger("fileyeet")
	})
	return globalLogger
}

// SetLevel 动态设置子系统的日志级别
//
// 这允许在运行时调整日志级别，无需重启。
//
// 示例:
//
//	logger.SetLevel("transfer", slog.LevelDebug)
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*levelHandler).SetLevel(level)
	}
}

// SetGlobalLevel 设置所有子系统的默认日志级别
//
// 命令行的 -verbose 开关通过本函数降低阈值到 Debug。
func SetGlobalLevel(level slog.Level) {
	SetDefaultLevel(level)
	handlers.Range(func(_, value any) bool {
		value.(*levelHandler).SetLevel(level)
		return true
	})
}

// Discard 返回一个丢弃所有日志的 Logger
//
// 主要用于测试，避免日志输出干扰测试结果。
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}

// With 创建带有预设属性的 Logger
//
// 示例:
//
//	log := logger.With("session", "server", addr)
//	log.Info("connected")  // 自动包含 server 属性
func With(subsystem string, args ...any) *slog.Logger {
	return Logger(subsystem).With(args...)
}

// SetOutput 设置全局日志输出目标
//
// 所有已创建和未来创建的 Logger 的输出都会重定向到新的 writer。
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}
