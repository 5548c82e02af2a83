// spawn.go — 网关 sidecar 子进程的启动与生命周期管理。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/navihq/navi-desk/internal/bus"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
)

const (
	probeAttemptTimeout = 500 * time.Millisecond
	probeRetryInterval  = 300 * time.Millisecond
	stopGracePeriod     = 5 * time.Second
)

// Sidecar 管理本地网关子进程。
//
// 大多数部署里网关已由用户或系统启动, Sidecar 不参与;
// 仅当配置了 NAVI_GATEWAY_CMD 时由应用自行拉起并随应用退出。
type Sidecar struct {
	cmdline      string
	healthURL    string
	probeTimeout time.Duration
	stdoutMax    int
	notes        *bus.Bus

	cmd             *exec.Cmd
	stderrCollector *logger.StderrCollector
	stdoutCollector *logger.StderrCollector
	stdoutLimiter   *util.LimitedWriter

	stopped  atomic.Bool
	waitDone chan struct{}
}

// NewSidecar 创建 sidecar 管理器。cmdline 以空白分割, 不支持引号。
// stdoutMaxKB 限制 stdout 转发到日志的总量, 防止话痨网关刷爆日志文件。
func NewSidecar(cmdline, healthURL string, probeTimeout time.Duration, stdoutMaxKB int, notes *bus.Bus) *Sidecar {
	return &Sidecar{
		cmdline:      cmdline,
		healthURL:    healthURL,
		probeTimeout: probeTimeout,
		stdoutMax:    stdoutMaxKB * 1024,
		notes:        notes,
		waitDone:     make(chan struct{}),
	}
}

// Start 拉起网关子进程并等待其健康检查通过。
func (s *Sidecar) Start(ctx context.Context) error {
	fields := strings.Fields(s.cmdline)
	if len(fields) == 0 {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Sidecar.Start", "empty gateway command")
	}

	// 注意: 使用 exec.Command 而非 exec.CommandContext —
	// 子进程不应随某次连接断开而被终止,
	// 生命周期由 Sidecar.Stop() 显式管理。
	s.cmd = exec.Command(fields[0], fields[1:]...)
	s.cmd.Env = os.Environ()
	s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	s.stderrCollector = logger.NewStderrCollector("gateway")
	s.cmd.Stderr = s.stderrCollector
	s.stdoutCollector = logger.NewStderrCollector("gateway-stdout")
	s.stdoutLimiter = util.NewLimitedWriter(s.stdoutCollector, s.stdoutMax)
	s.cmd.Stdout = s.stdoutLimiter

	if err := s.cmd.Start(); err != nil {
		return pkgerr.Wrap(err, "Sidecar.Start", "spawn gateway")
	}
	pid := s.cmd.Process.Pid
	logger.Info("gateway: sidecar started",
		logger.FieldPID, pid,
		"cmd", s.cmdline)
	s.publishProcess(bus.KindSpawned, pid, 0)
	util.SafeGo(s.reap)

	if s.healthURL == "" {
		return nil
	}

	// 轮询健康检查直到通过 (受 probeTimeout 与 ctx 双重限制)。
	deadline := time.Now().Add(s.probeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	client := &http.Client{Timeout: probeAttemptTimeout}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			_ = s.kill()
			return pkgerr.Wrap(ctx.Err(), "Sidecar.Start", "spawn cancelled")
		default:
		}
		resp, err := client.Get(s.healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				logger.Info("gateway: health probe passed",
					logger.FieldURL, s.healthURL)
				return nil
			}
		}
		time.Sleep(probeRetryInterval)
	}
	_ = s.kill()
	return pkgerr.Newf("Sidecar.Start", "gateway startup timeout probing %s", s.healthURL)
}

// Stop 终止网关子进程: 先 SIGTERM 给优雅退出机会, 超时后 SIGKILL。幂等。
func (s *Sidecar) Stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	pid := s.cmd.Process.Pid
	// 整个进程组一起发信号 (Setpgid=true 时 pgid == pid)。
	// 回退: 进程组信号失败时直接对进程本身发。
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-s.waitDone:
		return nil
	case <-time.After(stopGracePeriod):
	}

	logger.Warn("gateway: sidecar ignored SIGTERM, killing",
		logger.FieldPID, pid)
	if err := s.kill(); err != nil {
		return err
	}
	select {
	case <-s.waitDone:
	case <-time.After(stopGracePeriod):
		logger.Warn("gateway: wait for sidecar exit timed out, giving up",
			logger.FieldPID, pid)
	}
	return nil
}

// Running 返回子进程是否仍在运行。
func (s *Sidecar) Running() bool {
	return !s.stopped.Load() && s.cmd != nil && s.cmd.ProcessState == nil
}

// Pid 返回子进程 PID, 未启动时为 0。
func (s *Sidecar) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// kill 强制终止进程组, 容忍进程已退出。
func (s *Sidecar) kill() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	pid := s.cmd.Process.Pid
	killErr := syscall.Kill(-pid, syscall.SIGKILL)
	if killErr != nil {
		killErr = s.cmd.Process.Kill()
	}
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return killErr
	}
	return nil
}

// reap 等待子进程退出, 上报退出事件并收尾日志管道。
func (s *Sidecar) reap() {
	defer close(s.waitDone)
	waitErr := s.cmd.Wait()

	code := 0
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			logger.Warn("gateway: wait on sidecar failed",
				logger.FieldError, waitErr)
		}
	}

	if s.stopped.Load() {
		logger.Info("gateway: sidecar exited",
			"exit_code", code)
	} else {
		logger.Error("gateway: sidecar exited unexpectedly",
			"exit_code", code)
	}
	if s.stdoutLimiter != nil && s.stdoutLimiter.Overflow() {
		logger.Warn("gateway: sidecar stdout truncated",
			"dropped_bytes", s.stdoutLimiter.Dropped(),
			"kept_bytes", s.stdoutLimiter.Written())
	}
	s.publishProcess(bus.KindExited, s.Pid(), code)

	// collector.Close() 必须在 Wait() 之后:
	// Close() 等待 scan goroutine 退出, 而 scan 阻塞在 pipe read 上。
	// 只有子进程退出后 pipe 写端关闭, scan 才能读到 EOF。
	if s.stderrCollector != nil {
		_ = s.stderrCollector.Close()
	}
	if s.stdoutCollector != nil {
		_ = s.stdoutCollector.Close()
	}
}

func (s *Sidecar) publishProcess(kind string, pid, exitCode int) {
	if s.notes == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"pid": pid, "exitCode": exitCode})
	if err != nil {
		payload = nil
	}
	s.notes.Publish(bus.Note{
		Topic:   bus.TopicGatewayProcess,
		Kind:    kind,
		Payload: payload,
	})
}
