package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger - 结构化日志系统
// ========================================

// Logger 全局日志实例
var Logger zerolog.Logger

// persistentLogger 持久化日志管理器
var persistentLogger *PersistentLogger

// LogLevel 日志级别
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel 解析命令行传入的日志级别
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogConfig 日志配置
type LogConfig struct {
	Level       LogLevel
	Console     bool   // 是否输出到控制台
	File        bool   // 是否输出到文件
	FilePath    string // 日志文件路径
	MaxSizeMB   int    // 单个日志文件最大大小 (MB)
	MaxAgeDays  int    // 日志保留天数
	MaxBackups  int    // 最大备份数量
	Compress    bool   // 是否压缩旧日志
	AppDataPath string // 应用数据目录
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      LogLevelInfo,
		Console:    true,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// PersistentLogConfig 返回持久化日志配置
func PersistentLogConfig(appDataPath string) LogConfig {
	config := DefaultLogConfig()
	config.File = true
	config.FilePath = filepath.Join(appDataPath, "logs", "kerneldeck.log")
	config.AppDataPath = appDataPath
	return config
}

// ========================================
// PersistentLogger - 持久化日志管理器
// ========================================

// PersistentLogger 管理日志文件轮转和清理
type PersistentLogger struct {
	mu          sync.Mutex
	config      LogConfig
	currentFile *os.File
	currentSize int64
	logDir      string
	stopCh      chan struct{}
	once        sync.Once
}

// NewPersistentLogger 创建持久化日志管理器
func NewPersistentLogger(config LogConfig) (*PersistentLogger, error) {
	logDir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	pl := &PersistentLogger{
		config: config,
		logDir: logDir,
		stopCh: make(chan struct{}),
	}
	if err := pl.openFile(); err != nil {
		return nil, err
	}

	go pl.cleanupRoutine()
	return pl, nil
}

// Write 实现 io.Writer 接口, 超过大小上限时先轮转
func (pl *PersistentLogger) Write(p []byte) (int, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	limit := int64(pl.config.MaxSizeMB) * 1024 * 1024
	if limit > 0 && pl.currentSize+int64(len(p)) > limit {
		if err := pl.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := pl.currentFile.Write(p)
	pl.currentSize += int64(n)
	return n, err
}

func (pl *PersistentLogger) openFile() error {
	file, err := os.OpenFile(pl.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	pl.currentFile = file
	pl.currentSize = info.Size()
	return nil
}

// rotate 轮转日志文件: kerneldeck.log -> kerneldeck_<时间>.log(.gz)
func (pl *PersistentLogger) rotate() error {
	if pl.currentFile != nil {
		pl.currentFile.Close()
	}

	rotated := filepath.Join(pl.logDir, fmt.Sprintf("kerneldeck_%s.log", time.Now().Format("2006-01-02_15-04-05")))
	if err := os.Rename(pl.config.FilePath, rotated); err != nil {
		return pl.openFile()
	}
	if pl.config.Compress {
		go pl.compressFile(rotated)
	}
	return pl.openFile()
}

// compressFile 压缩轮转后的日志并删除原文件
func (pl *PersistentLogger) compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz, _ := gzip.NewWriterLevel(dst, gzip.BestCompression)
	_, err = io.Copy(gz, src)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return fmt.Errorf("compress %s: %w", filepath.Base(path), err)
	}

	src.Close()
	return os.Remove(path)
}

func (pl *PersistentLogger) cleanupRoutine() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	pl.cleanup()
	for {
		select {
		case <-ticker.C:
			pl.cleanup()
		case <-pl.stopCh:
			return
		}
	}
}

// cleanup 按保留天数和备份数量删除旧日志
func (pl *PersistentLogger) cleanup() {
	files := sortedLogFiles(filepath.Join(pl.logDir, "kerneldeck_*.log*"))
	now := time.Now()
	maxAge := time.Duration(pl.config.MaxAgeDays) * 24 * time.Hour

	for i, f := range files {
		switch {
		case pl.config.MaxAgeDays > 0 && now.Sub(f.modTime) > maxAge:
			os.Remove(f.path)
		case pl.config.MaxBackups > 0 && i >= pl.config.MaxBackups:
			os.Remove(f.path)
		}
	}
}

// Close 关闭日志文件
func (pl *PersistentLogger) Close() error {
	pl.once.Do(func() { close(pl.stopCh) })

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.currentFile != nil {
		err := pl.currentFile.Close()
		pl.currentFile = nil
		return err
	}
	return nil
}

type logFile struct {
	path    string
	modTime time.Time
}

// sortedLogFiles 返回匹配的日志文件, 最新在前
func sortedLogFiles(pattern string) []logFile {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	var files []logFile
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, logFile{path: m, modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	return files
}

// ========================================
// 日志初始化
// ========================================

// InitLogger 初始化日志系统
func InitLogger(config LogConfig) error {
	var writers []io.Writer

	if config.Console {
		// MCP stdio 模式下 stdout 是协议通道, 日志只能写 stderr
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if config.File && config.FilePath != "" {
		pl, err := NewPersistentLogger(config)
		if err != nil {
			return err
		}
		if persistentLogger != nil {
			persistentLogger.Close()
		}
		persistentLogger = pl
		writers = append(writers, pl)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(config.Level.zerolog()).
		With().
		Timestamp().
		Caller().
		Logger()

	return nil
}

// CloseLogger 关闭日志系统
func CloseLogger() {
	if persistentLogger != nil {
		persistentLogger.Close()
		persistentLogger = nil
	}
}

// ========================================
// 便捷日志函数
// ========================================

// LogDebug 输出 Debug 级别日志
func LogDebug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

// LogInfo 输出 Info 级别日志
func LogInfo(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

// LogWarn 输出 Warn 级别日志
func LogWarn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

// LogError 输出 Error 级别日志
func LogError(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}

// ComponentLogger 返回带 component 字段的子 Logger, 交给 tuner 包使用
func ComponentLogger(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ========================================
// 调优操作日志 - 记录用户发起的调优
// ========================================

// TuningAction 调优操作类型
type TuningAction string

const (
	ActionGovernor   TuningAction = "governor"
	ActionFrequency  TuningAction = "frequency"
	ActionCoreOnline TuningAction = "core_online"
	ActionThermal    TuningAction = "thermal"
	ActionZram       TuningAction = "zram"
	ActionSwap       TuningAction = "swap"
	ActionVM         TuningAction = "vm_tunables"
	ActionIO         TuningAction = "io_scheduler"
	ActionCongestion TuningAction = "congestion"
	ActionBrightness TuningAction = "brightness"
	ActionMode       TuningAction = "mode"
	ActionToggle     TuningAction = "toggle"
	ActionProfile    TuningAction = "profile"
	ActionTelemetry  TuningAction = "telemetry"
)

// LogTuningAction 记录一次调优请求
func LogTuningAction(action TuningAction, source string, details map[string]interface{}) {
	event := Logger.Info().
		Str("category", "tuning_action").
		Str("action", string(action)).
		Str("source", source)
	addFields(event, details).Msg("Tuning action")
}

// ========================================
// 运行状态日志
// ========================================

// AppState 应用状态
type AppState string

const (
	StateStarting     AppState = "starting"
	StateReady        AppState = "ready"
	StateDegraded     AppState = "degraded"
	StateShuttingDown AppState = "shutting_down"
	StateStopped      AppState = "stopped"
)

// LogAppState 记录应用状态变化
func LogAppState(state AppState, details map[string]interface{}) {
	event := Logger.Info().
		Str("category", "app_state").
		Str("state", string(state))
	addFields(event, details).Msg("App state changed")
}

// LogSystemMetrics 记录宿主机信息
func LogSystemMetrics(metrics map[string]interface{}) {
	event := Logger.Info().Str("category", "system_metrics")
	addFields(event, metrics).Msg("System metrics")
}

// LogPanic 记录 panic 信息
func LogPanic(module string, recovered interface{}, stack string) {
	Logger.Error().
		Str("module", module).
		Str("category", "panic").
		Interface("recovered", recovered).
		Str("stack", stack).
		Msg("Panic recovered")
}

func addFields(event *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			event.Str(k, val)
		case int:
			event.Int(k, val)
		case int64:
			event.Int64(k, val)
		case float64:
			event.Float64(k, val)
		case bool:
			event.Bool(k, val)
		case time.Duration:
			event.Dur(k, val)
		case error:
			event.AnErr(k, val)
		default:
			event.Interface(k, val)
		}
	}
	return event
}

// ========================================
// 性能日志
// ========================================

// OperationTimer 操作计时器
type OperationTimer struct {
	module    string
	operation string
	startTime time.Time
	details   map[string]interface{}
}

// StartOperation 开始计时
func StartOperation(module, operation string) *OperationTimer {
	return &OperationTimer{
		module:    module,
		operation: operation,
		startTime: time.Now(),
		details:   make(map[string]interface{}),
	}
}

// AddDetail 添加详细信息
func (t *OperationTimer) AddDetail(key string, value interface{}) *OperationTimer {
	t.details[key] = value
	return t
}

// End 结束计时并记录日志
func (t *OperationTimer) End() {
	t.finish(Logger.Info()).Msg("Operation completed")
}

// EndWithError 结束计时并记录错误
func (t *OperationTimer) EndWithError(err error) {
	t.finish(Logger.Error().Err(err)).Msg("Operation failed")
}

func (t *OperationTimer) finish(event *zerolog.Event) *zerolog.Event {
	d := time.Since(t.startTime)
	event.Str("module", t.module).
		Str("category", "performance").
		Str("operation", t.operation).
		Int64("duration_ms", d.Milliseconds())
	return addFields(event, t.details)
}

// ========================================
// 日志查询接口 (供前端调用)
// ========================================

// GetLogFilePath 获取日志文件路径
func GetLogFilePath() string {
	if persistentLogger != nil {
		return persistentLogger.config.FilePath
	}
	return ""
}

// ListLogFiles 列出所有日志文件, 最新在前
func ListLogFiles() ([]string, error) {
	if persistentLogger == nil {
		return nil, fmt.Errorf("persistent logger not initialized")
	}
	files := sortedLogFiles(filepath.Join(persistentLogger.logDir, "kerneldeck*.log*"))
	result := make([]string, len(files))
	for i, f := range files {
		result[i] = f.path
	}
	return result, nil
}

// ReadRecentLogs 读取最近的日志 (最后 n 行)
func ReadRecentLogs(lines int) ([]string, error) {
	if persistentLogger == nil {
		return nil, fmt.Errorf("persistent logger not initialized")
	}
	content, err := os.ReadFile(persistentLogger.config.FilePath)
	if err != nil {
		return nil, err
	}
	all := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(all) <= lines {
		return all, nil
	}
	return all[len(all)-lines:], nil
}

func init() {
	_ = InitLogger(DefaultLogConfig())
}
