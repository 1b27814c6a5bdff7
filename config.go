package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"KernelDeck/tuner"

	"github.com/spf13/pflag"
)

// version 由构建时 -ldflags "-X main.version=..." 注入
var version = "dev"

// companionPackage 权限探测使用的伴随应用包名
const companionPackage = "io.kerneldeck.companion"

// errHelpShown 表示已打印帮助, 正常退出
var errHelpShown = errors.New("help shown")

// ========================================
// AppConfig - 命令行配置
// ========================================

// AppConfig 启动配置
type AppConfig struct {
	MCP       bool
	Device    string // adb 序列号, 为空时使用唯一连接的设备
	Transport string // adb | local
	AdbPath   string
	ConfigDir string
	LogLevel  string
	LogFile   bool
	Interval  time.Duration
	ModesFile string
	Package   string
}

// ParseFlags 解析命令行参数
func ParseFlags(args []string) (AppConfig, error) {
	var cfg AppConfig

	flagSet := pflag.NewFlagSet("kerneldeck", pflag.ContinueOnError)
	flagSet.BoolVar(&cfg.MCP, "mcp", false, "run headless as an MCP server on stdio")
	flagSet.StringVarP(&cfg.Device, "device", "s", "", "adb serial of the device to tune")
	flagSet.StringVar(&cfg.Transport, "transport", string(tuner.TransportADB), "privileged shell transport: adb or local")
	flagSet.StringVar(&cfg.AdbPath, "adb", "", "path to adb (default: adb from PATH)")
	flagSet.StringVar(&cfg.ConfigDir, "config-dir", "", "preference and data directory (default: user config dir)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&cfg.LogFile, "log-file", true, "also write rotated logs under the config dir")
	flagSet.DurationVar(&cfg.Interval, "interval", 250*time.Millisecond, "telemetry sampling interval")
	flagSet.StringVar(&cfg.ModesFile, "modes", "", "YAML file overriding the built-in performance modes")
	flagSet.StringVar(&cfg.Package, "package", companionPackage, "companion package checked by permission probes")
	showVersion := flagSet.Bool("version", false, "print the version and exit")

	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "KernelDeck %s - device tuning and live telemetry for rooted Android\n\nUsage:\n  kerneldeck [flags]\n\nFlags:\n", version)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, errHelpShown
		}
		return cfg, err
	}
	if *showVersion {
		fmt.Println(version)
		return cfg, errHelpShown
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return cfg, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, cfg.Validate()
}

// Validate 检查参数组合
func (c AppConfig) Validate() error {
	switch tuner.Transport(c.Transport) {
	case tuner.TransportADB, tuner.TransportLocal:
	default:
		return fmt.Errorf("--transport must be adb or local, got %q", c.Transport)
	}
	if tuner.Transport(c.Transport) == tuner.TransportLocal && c.Device != "" {
		return fmt.Errorf("--device only applies to the adb transport")
	}
	if c.Interval < 50*time.Millisecond {
		return fmt.Errorf("--interval must be at least 50ms, got %s", c.Interval)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ResolveConfigDir 返回配置目录, 默认为 <UserConfigDir>/KernelDeck
func (c AppConfig) ResolveConfigDir() string {
	if c.ConfigDir != "" {
		return c.ConfigDir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "KernelDeck")
}

// ShellConfig 构造特权 shell 配置
func (c AppConfig) ShellConfig() tuner.ShellConfig {
	return tuner.ShellConfig{
		Transport: tuner.Transport(c.Transport),
		AdbPath:   c.AdbPath,
		Serial:    c.Device,
		Timeout:   30 * time.Second,
		// 遥测读取在没有 root 时也尽量可用
		UnprivilegedReads: true,
	}
}
