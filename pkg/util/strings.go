package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
//
// 用于事件字段的多级回退 (如 summary ← text ← subtype)。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// TruncateString 将 s 截断到最多 max 个 rune，超出时以省略号结尾。
// 用于时间线摘要与日志字段，避免长文本刷屏。
func TruncateString(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// ShortHash 返回 s 的 sha256 前 8 位十六进制, 用作派生短 id 的后缀。
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}
