package util

import "io"

// LimitedWriter 给底层 writer 加写入上限, 超出部分丢弃并计数。
//
// Write 恒返回 (len(p), nil) 除非底层写入本身失败: exec.Cmd 的输出复制
// 循环把短写视为 ErrShortWrite 并中断复制, 这里要的语义是"继续消费流,
// 只是不再占内存"。丢弃量可通过 Dropped 读出, 供进程收尾时记一条日志。
type LimitedWriter struct {
	w       io.Writer
	limit   int
	written int
	dropped int
}

// NewLimitedWriter 创建上限为 limit 字节的 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 把 p 透传给底层 writer, 超出上限的尾巴静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	remain := lw.limit - lw.written
	if remain <= 0 {
		lw.dropped += len(p)
		return len(p), nil
	}
	if len(p) <= remain {
		n, err := lw.w.Write(p)
		lw.written += n
		return n, err
	}
	n, err := lw.w.Write(p[:remain])
	lw.written += n
	if err != nil {
		return n, err
	}
	lw.dropped += len(p) - n
	return len(p), nil
}

// Overflow 返回是否已有数据被丢弃。
func (lw *LimitedWriter) Overflow() bool { return lw.dropped > 0 }

// Written 返回实际透传到底层 writer 的字节数。
func (lw *LimitedWriter) Written() int { return lw.written }

// Dropped 返回被丢弃的字节数。
func (lw *LimitedWriter) Dropped() int { return lw.dropped }
