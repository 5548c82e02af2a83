// safego.go — 安全 goroutine 启动器，捕获 panic 防止进程崩溃。
package util

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/navihq/navi-desk/pkg/logger"
)

// recovered 累计被捕获的 panic 次数, 诊断接口据此暴露进程健康度。
var recovered atomic.Int64

// SafeGo 在新 goroutine 中安全执行 fn，捕获 panic 并记录日志 + 堆栈。
// 桌面应用里任何后台 goroutine 的裸 panic 都会带崩整个窗口进程,
// 因此所有长期 goroutine 一律经由 SafeGo 启动。
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				recovered.Add(1)
				logger.Error("goroutine panicked",
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// PanicCount 返回进程启动以来被 SafeGo 捕获的 panic 总数。
func PanicCount() int64 { return recovered.Load() }
