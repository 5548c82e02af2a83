// Package poller 周期性拉取网关的活跃会话列表喂给引擎对账。
//
// 流式事件可能在断连窗口丢失终态 (result 没收到, 引擎还以为在跑)。
// 对账是兜底: 网关不再报告活跃的会话按已结束收尾。
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/navihq/navi-desk/internal/engine"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
)

const defaultInterval = 5 * time.Second

// Source 提供权威的活跃会话列表 (生产实现为网关 HTTP 端点)。
type Source interface {
	ActiveSessions(ctx context.Context) ([]engine.ActiveSession, error)
}

// Sink 接收对账列表 (引擎实现)。
type Sink interface {
	Reconcile(active []engine.ActiveSession)
}

// Poller 活跃会话轮询器。
type Poller struct {
	source   Source
	sink     Sink
	interval time.Duration

	// failStreak 连续失败计数。首次失败 Warn, 之后降为 Debug,
	// 网关离线时不刷屏。
	failStreak atomic.Int64
}

// New 创建轮询器。interval <= 0 时取默认 5s。
func New(source Source, sink Sink, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{source: source, sink: sink, interval: interval}
}

// RunOnce 执行一次拉取 + 对账。
func (p *Poller) RunOnce(ctx context.Context) error {
	active, err := p.source.ActiveSessions(ctx)
	if err != nil {
		streak := p.failStreak.Add(1)
		if streak == 1 {
			logger.Warn("poller: active session fetch failed",
				logger.FieldError, err)
		} else {
			logger.Debug("poller: active session fetch failed (streak)",
				"streak", streak,
				logger.FieldError, err)
		}
		return err
	}
	if p.failStreak.Swap(0) > 0 {
		logger.Info("poller: active session fetch recovered",
			logger.FieldCount, len(active))
	}
	p.sink.Reconcile(active)
	return nil
}

// Start 启动定期轮询, ctx 取消后停止。
func (p *Poller) Start(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.RunOnce(ctx)
			}
		}
	})
	logger.Info("poller: started",
		"interval_sec", int64(p.interval/time.Second))
}
