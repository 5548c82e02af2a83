// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/navihq/navi-desk/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 网关 (本地 agent gateway 进程)
	GatewayURL          string `env:"NAVI_GATEWAY_URL" default:"ws://127.0.0.1:3011/ws"`
	GatewayHealthURL    string `env:"NAVI_GATEWAY_HEALTH_URL" default:"http://127.0.0.1:3011/health"`
	GatewaySessionsURL  string `env:"NAVI_GATEWAY_SESSIONS_URL" default:"http://127.0.0.1:3011/sessions"`
	GatewaySpawnCmd     string `env:"NAVI_GATEWAY_CMD"`
	GatewaySpawnTimeout int    `env:"NAVI_GATEWAY_SPAWN_TIMEOUT_SEC" default:"30" min:"1"`
	GatewayStdoutMaxKB  int    `env:"NAVI_GATEWAY_STDOUT_MAX_KB" default:"256" min:"16"`
	GatewayWriteWaitSec int    `env:"NAVI_GATEWAY_WRITE_WAIT_SEC" default:"10" min:"1"`
	GatewayPingSec      int    `env:"NAVI_GATEWAY_PING_SEC" default:"30" min:"5"`
	GatewayReconnectMax int    `env:"NAVI_GATEWAY_RECONNECT_MAX_SEC" default:"5" min:"1"`

	// 引擎
	SessionCacheSize int `env:"NAVI_SESSION_CACHE_SIZE" default:"8" min:"1"`
	ThrottleMS       int `env:"NAVI_THROTTLE_MS" default:"500" min:"10"`
	TimelineLimit    int `env:"NAVI_TIMELINE_LIMIT" default:"500" min:"50"`

	// 活跃会话轮询
	PollIntervalSec int `env:"NAVI_POLL_INTERVAL_SEC" default:"5" min:"1"`

	// 本地检查服务 (空字符串 = 不启动)
	InspectAddr string `env:"NAVI_INSPECT_ADDR" default:""`

	// PostgreSQL 归档 (空连接串 = 禁用)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"4" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`
	HistoryPageSize        int    `env:"NAVI_HISTORY_PAGE_SIZE" default:"50" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"NAVI_LOG_DIR" default:"logs"`

	// 项目注册表
	ProjectsPath string `env:"NAVI_PROJECTS_PATH" default:".navi/projects.json"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
