// cmd/navi-desk — Wails v3 原生桌面客户端。
//
// 统一架构:
//   - internal/gateway 维持到代理网关的 WebSocket, 入站事件帧直灌 internal/engine
//   - internal/engine 把交错的流式事件归并成每个会话的消息/状态/队列视图
//   - 引擎变更经 internal/bus 转发为 Wails 事件推送到前端
//
// 构建:
//
//	go build -tags "production" -o navi-desk ./cmd/navi-desk/
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/navihq/navi-desk/internal/archive"
	"github.com/navihq/navi-desk/internal/bus"
	"github.com/navihq/navi-desk/internal/config"
	"github.com/navihq/navi-desk/internal/engine"
	"github.com/navihq/navi-desk/internal/gateway"
	"github.com/navihq/navi-desk/internal/inspect"
	"github.com/navihq/navi-desk/internal/poller"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
	"github.com/wailsapp/wails/v3/pkg/application"
	"github.com/wailsapp/wails/v3/pkg/events"
)

//go:embed frontend/dist/*
var assets embed.FS

//go:embed assets/appicon.png
var appIcon []byte

// frontendAssets 返回前端静态资源 FS, 去掉 "frontend/dist" 前缀。
func frontendAssets() http.FileSystem {
	sub, err := fs.Sub(assets, "frontend/dist")
	if err != nil {
		logger.Error("embed: failed to sub frontend/dist", logger.FieldError, err)
		return http.FS(assets)
	}
	return http.FS(sub)
}

// loadEnvFile 从当前目录向上搜索 .env 文件并加载到环境变量。
// 不覆盖已有的环境变量, 只填充未设置的。
func loadEnvFile() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for range 5 {
		envPath := filepath.Join(dir, ".env")
		data, err := os.ReadFile(envPath)
		if err == nil {
			count := 0
			for _, line := range strings.Split(string(data), "\n") {
				key, val, ok := parseEnvLine(line)
				if !ok {
					continue
				}
				if _, exists := os.LookupEnv(key); exists {
					continue
				}
				if err := os.Setenv(key, val); err != nil {
					logger.Warn("loadEnvFile: setenv failed", logger.FieldKey, key, logger.FieldError, err)
					continue
				}
				count++
			}
			logger.Info("loaded .env file", logger.FieldPath, envPath, logger.FieldVarsSet, count)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

// parseEnvLine 解析一行 KEY=VALUE。注释行与空行返回 ok=false。
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	k, v, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	if k == "" {
		return "", "", false
	}
	return k, strings.TrimSpace(v), true
}

func main() {
	loadEnvFile()

	inspectAddr := flag.String("inspect", "", "只读观察 API 监听地址 (如 127.0.0.1:4600), 覆盖 NAVI_INSPECT_ADDR")
	focusID := flag.String("session", "", "启动后自动聚焦的会话 ID")
	flag.Parse()

	cfg := config.Load()
	if *inspectAddr != "" {
		cfg.InspectAddr = *inspectAddr
	}

	// 日志持久化: stdout + 文件
	if err := logger.InitWithFile(cfg.LogDir); err != nil {
		logger.Warn("file logging unavailable", logger.FieldError, err)
	}

	info := currentBuildInfo()
	logger.Info("build info",
		"version", info.Version,
		"commit", info.Commit,
		"build_time", info.BuildTime,
		"runtime", info.Runtime,
	)

	// ─── 上下文 & 优雅关停 ───
	ctl := newShutdownCtl()
	defer ctl.cleanup()

	// ─── 核心装配: 总线 + 引擎 ───
	notes := bus.New()
	eng := engine.New(engine.Options{
		ThrottleInterval: time.Duration(cfg.ThrottleMS) * time.Millisecond,
		SessionCacheSize: cfg.SessionCacheSize,
		TimelineLimit:    cfg.TimelineLimit,
	})

	// ─── 历史归档 (可选) ───
	store := setupArchive(ctl.ctx, cfg)

	// ─── 网关: sidecar 进程 + WebSocket 客户端 ───
	side := setupSidecar(ctl.ctx, cfg, notes)
	gw := gateway.New(gateway.Options{
		URL:               cfg.GatewayURL,
		PingInterval:      time.Duration(cfg.GatewayPingSec) * time.Second,
		WriteWait:         time.Duration(cfg.GatewayWriteWaitSec) * time.Second,
		ReconnectMaxDelay: time.Duration(cfg.GatewayReconnectMax) * time.Second,
		OnFrame:           eng.HandleRaw,
		Notes:             notes,
	})
	eng.SetTransport(gw)
	util.SafeGo(gw.Run)

	// ─── 活跃会话对账轮询 ───
	sessionPoller := poller.New(
		poller.NewHTTPSource(cfg.GatewaySessionsURL),
		eng,
		time.Duration(cfg.PollIntervalSec)*time.Second,
	)
	sessionPoller.Start(ctl.ctx)

	// ─── 只读观察 API (可选) ───
	var insp *inspect.Server
	if cfg.InspectAddr != "" {
		insp = inspect.NewServer(eng, notes)
		insp.Start(ctl.ctx, cfg.InspectAddr)
	}

	// ─── Wails App ───
	appSvc := NewApp(cfg, *focusID, eng, gw, side, store, notes, insp)
	appSvc.startBridge()

	app := application.New(application.Options{
		Name: "Navi",
		Icon: appIcon,
		Assets: application.AssetOptions{
			Handler: http.FileServer(frontendAssets()),
		},
		Services: []application.Service{
			application.NewService(appSvc),
		},
		Mac: application.MacOptions{
			ApplicationShouldTerminateAfterLastWindowClosed: true,
		},
		OnShutdown: func() {
			ctl.cancelWithReason("wails_on_shutdown")
			logger.Warn("on-shutdown: begin",
				"reason", ctl.Reason(),
				logger.FieldFocused, appSvc.eng.Focused())
			appSvc.shutdown()
			logger.ShutdownFileHandler()
		},
	})
	appSvc.wailsApp = app

	mainWindow := app.Window.NewWithOptions(application.WebviewWindowOptions{
		Title:           "Navi",
		Width:           1440,
		Height:          900,
		MinWidth:        800,
		MinHeight:       600,
		EnableFileDrop:  true,
		InitialPosition: application.WindowCentered,
		BackgroundColour: application.RGBA{
			Red: 15, Green: 18, Blue: 26, Alpha: 255,
		},
		Mac: application.MacWindow{
			TitleBar: application.MacTitleBarDefault,
		},
	})

	// 拖入窗口的文件作为附件候选转发给前端, 由前端挂到当前输入框。
	mainWindow.OnWindowEvent(events.Common.WindowFilesDropped, func(event *application.WindowEvent) {
		if event == nil {
			return
		}
		files := event.Context().DroppedFiles()
		if len(files) == 0 {
			return
		}
		app.Event.Emit("files-dropped", map[string]any{
			"files":     files,
			"sessionId": appSvc.eng.Focused(),
		})
		logger.Info("wails: files dropped",
			logger.FieldCount, len(files),
			"first", files[0])
	})

	if err := app.Run(); err != nil {
		logger.Error("wails app failed", logger.FieldError, err)
	}
	logger.Warn("wails app exited", "reason", ctl.Reason())
}

// ========================================
// 关停控制
// ========================================

// shutdownCtl 聚合根上下文、OS 信号与关停原因。第一个记录到的原因保留,
// 后续调用不覆盖。
type shutdownCtl struct {
	ctx    context.Context
	cancel context.CancelFunc
	reason atomic.Value
	sigCh  chan os.Signal
}

func newShutdownCtl() *shutdownCtl {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctl := &shutdownCtl{
		ctx:    ctx,
		cancel: cancel,
		sigCh:  make(chan os.Signal, 1),
	}
	ctl.reason.Store("unknown")

	signal.Notify(ctl.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	util.SafeGo(func() {
		for sig := range ctl.sigCh {
			if sig == nil {
				continue
			}
			ctl.record("os_signal:" + sig.String())
			logger.Warn("shutdown trigger: OS signal received", "signal", sig.String())
			cancel()
		}
	})
	util.SafeGo(func() {
		<-ctx.Done()
		logger.Warn("shutdown trigger: root context canceled", "reason", ctl.Reason())
	})
	return ctl
}

func (s *shutdownCtl) record(reason string) {
	if strings.TrimSpace(reason) == "" {
		return
	}
	current, _ := s.reason.Load().(string)
	if current == "" || current == "unknown" {
		s.reason.Store(reason)
	}
}

func (s *shutdownCtl) cancelWithReason(reason string) {
	s.record(reason)
	s.cancel()
}

func (s *shutdownCtl) Reason() string {
	reason, _ := s.reason.Load().(string)
	return reason
}

func (s *shutdownCtl) cleanup() {
	s.cancel()
	signal.Stop(s.sigCh)
}

// ========================================
// 子系统装配
// ========================================

// setupArchive 初始化 PostgreSQL 历史归档。未配置连接串或连接失败时
// 返回 nil, 持久化与历史翻页整体禁用, 引擎照常工作。
func setupArchive(ctx context.Context, cfg *config.Config) archive.Store {
	st, err := archive.NewPostgres(ctx, cfg)
	if err != nil {
		if errors.Is(err, pkgerr.ErrArchiveDisabled) {
			logger.Info("no POSTGRES_CONNECTION_STRING, history archive disabled")
		} else {
			logger.Warn("archive not available, history disabled", logger.FieldError, err)
		}
		return nil
	}
	return st
}

// setupSidecar 按配置拉起网关 sidecar 进程。未配置 NAVI_GATEWAY_CMD 时
// 返回 nil, 网关由外部管理, 客户端只负责重连。
func setupSidecar(ctx context.Context, cfg *config.Config, notes *bus.Bus) *gateway.Sidecar {
	if strings.TrimSpace(cfg.GatewaySpawnCmd) == "" {
		logger.Info("no NAVI_GATEWAY_CMD, expecting externally managed gateway",
			logger.FieldURL, cfg.GatewayURL)
		return nil
	}
	side := gateway.NewSidecar(
		cfg.GatewaySpawnCmd,
		cfg.GatewayHealthURL,
		time.Duration(cfg.GatewaySpawnTimeout)*time.Second,
		cfg.GatewayStdoutMaxKB,
		notes,
	)
	if err := side.Start(ctx); err != nil {
		// 客户端的重连循环会继续探测; 窗口照常打开, 前端提示网关不可用。
		logger.Error("gateway sidecar failed to start", logger.FieldError, err)
		return nil
	}
	return side
}
