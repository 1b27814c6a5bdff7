package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	cfg, err := ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, errHelpShown) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	level, _ := ParseLogLevel(cfg.LogLevel)
	logCfg := DefaultLogConfig()
	if cfg.LogFile {
		logCfg = PersistentLogConfig(cfg.ResolveConfigDir())
	}
	logCfg.Level = level
	if err := InitLogger(logCfg); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: file logging disabled:", err)
	}
	defer CloseLogger()
	defer func() {
		if r := recover(); r != nil {
			LogPanic("main", r, string(debug.Stack()))
			panic(r)
		}
	}()

	app, err := NewApp(cfg, AppOptions{})
	if err != nil {
		LogError("main").Err(err).Msg("Failed to initialize")
		os.Exit(1)
	}

	// MCP 模式: 无窗口, stdio 作为协议通道
	if cfg.MCP {
		ctx := context.Background()
		app.start(ctx)
		StartMCPServer(app)
		app.Shutdown(ctx)
		return
	}

	// Create application menu
	var applicationMenu *menu.Menu
	if runtime.GOOS == "darwin" {
		applicationMenu = menu.NewMenu()
		applicationMenu.Append(menu.AppMenu())
		applicationMenu.Append(menu.EditMenu())
		applicationMenu.Append(menu.WindowMenu())
	}

	// Create application with options
	err = wails.Run(&options.App{
		Title:     "KernelDeck",
		Width:     1100,
		Height:    760,
		MinWidth:  900,
		MinHeight: 640,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		Menu:             applicationMenu,
		BackgroundColour: &options.RGBA{R: 18, G: 20, B: 26, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.Shutdown,
		WindowStartState: options.Normal,
		Mac: &mac.Options{
			TitleBar: &mac.TitleBar{
				TitlebarAppearsTransparent: true,
				HideTitle:                  false,
				HideTitleBar:               false,
				FullSizeContent:            true,
				UseToolbar:                 false,
				HideToolbarSeparator:       true,
			},
			Appearance:           mac.NSAppearanceNameDarkAqua,
			WebviewIsTransparent: true,
			WindowIsTranslucent:  true,
			About: &mac.AboutInfo{
				Title:   "KernelDeck",
				Message: "Device tuning and live telemetry for rooted Android",
			},
		},
		Bind: []interface{}{
			app,
		},
	})

	if err != nil {
		LogError("main").Err(err).Msg("Wails exited with error")
	}
}
