// Package util 提供进程内共用的基础工具函数。
package util

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/navihq/navi-desk/pkg/logger"
)

// ClampInt 把 v 钳制到 [lo, hi] 区间。
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EnvInt 读取整型环境变量。未设置或无法解析时返回 def,
// 解析结果低于 min 时提升为 min。
func EnvInt(name string, def, min int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("util: ignoring unparseable env value", "env", name, "value", raw)
		return def
	}
	if v < min {
		return min
	}
	return v
}

// EnvFloat 读取浮点环境变量, 语义同 EnvInt。
func EnvFloat(name string, def, min float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("util: ignoring unparseable env value", "env", name, "value", raw)
		return def
	}
	if v < min {
		return min
	}
	return v
}

// EnvBool 读取布尔环境变量, 大小写不敏感: 1/true/yes/on 为真,
// 0/false/no/off 为假。无法识别时返回 def。
func EnvBool(name string, def bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if raw != "" {
			logger.Warn("util: ignoring unrecognized boolean env value", "env", name, "value", raw)
		}
		return def
	}
}

// EnvStr 读取字符串环境变量, 未设置时返回 def。
func EnvStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// LoadFromEnv 按 struct tag 把环境变量写入配置结构体。
//
// 支持的 tag:
//   - env: 环境变量名
//   - default: 缺省值
//   - min: int/float64 字段的下限
//
// 字段类型限 string、int、float64、bool, 无 env tag 的字段保持原值。
func LoadFromEnv(ptr any) {
	rv := reflect.ValueOf(ptr)
	if ptr == nil || rv.Kind() != reflect.Pointer || rv.IsNil() {
		logger.Error("util: LoadFromEnv wants a non-nil struct pointer")
		return
	}
	v := rv.Elem()
	if v.Kind() != reflect.Struct {
		logger.Error("util: LoadFromEnv wants a pointer to struct", "kind", v.Kind().String())
		return
	}
	t := v.Type()

	for i := range t.NumField() {
		field := t.Field(i)
		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		def := field.Tag.Get("default")
		minStr := field.Tag.Get("min")
		fv := v.Field(i)

		switch field.Type.Kind() {
		case reflect.String:
			fv.SetString(EnvStr(envName, def))

		case reflect.Int:
			defInt, _ := strconv.Atoi(def)
			minInt, _ := strconv.Atoi(minStr)
			fv.SetInt(int64(EnvInt(envName, defInt, minInt)))

		case reflect.Float64:
			defFloat, _ := strconv.ParseFloat(def, 64)
			minFloat, _ := strconv.ParseFloat(minStr, 64)
			fv.SetFloat(EnvFloat(envName, defFloat, minFloat))

		case reflect.Bool:
			defBool := def == "true" || def == "1" || def == "yes"
			fv.SetBool(EnvBool(envName, defBool))
		}
	}
}
