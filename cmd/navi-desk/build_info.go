// build_info.go — 构建版本信息: 链接期 -ldflags 注入, VCS 元数据兜底。
package main

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// 发布构建通过 -ldflags "-X main.buildVersion=..." 注入; 开发构建留空,
// 从 go 工具链记录的 VCS 信息推导。
var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	Runtime   string `json:"runtime"`
}

// vcsInfo go build 写入二进制的版本控制元数据。
type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readGoBuildVCS() vcsInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return vcsInfo{}
	}
	var v vcsInfo
	for _, setting := range info.Settings {
		val := strings.TrimSpace(setting.Value)
		switch setting.Key {
		case "vcs.revision":
			v.revision = val
		case "vcs.time":
			v.time = val
		case "vcs.modified":
			v.modified = val == "true"
		}
	}
	return v
}

func shortCommit(revision string) string {
	revision = strings.TrimSpace(revision)
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}

// describeCommit 压缩 VCS 修订号, 本地有未提交改动时附加 -dirty。
func describeCommit(v vcsInfo) string {
	if v.revision == "" {
		return ""
	}
	c := shortCommit(v.revision)
	if v.modified {
		c += "-dirty"
	}
	return c
}

func currentBuildInfo() BuildInfo {
	vcs := readGoBuildVCS()

	version := strings.TrimSpace(buildVersion)
	if version == "" || version == "dev" {
		if described := describeCommit(vcs); described != "" {
			version = "dev+" + described
		} else {
			version = "dev"
		}
	}

	commit := strings.TrimSpace(buildCommit)
	if commit == "" {
		commit = describeCommit(vcs)
	}
	if commit == "" {
		commit = "unknown"
	}

	built := strings.TrimSpace(buildTime)
	if built == "" {
		built = vcs.time
	}
	if built == "" {
		built = "unknown"
	} else if t, err := time.Parse(time.RFC3339, built); err == nil {
		built = t.Local().Format("2006-01-02 15:04:05 MST")
	}

	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: built,
		Runtime:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
