package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/navihq/navi-desk/pkg/logger"
)

// projectsMu 保护 projects.json 的并发读写。
var projectsMu sync.Mutex

// ProjectConfig 单个项目的配置。
type ProjectConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	LastOpen string `json:"last_open,omitempty"`
}

// ProjectsRaw projects.json 的顶层结构。
type ProjectsRaw struct {
	Projects []ProjectConfig `json:"projects"`
}

// ProjectsSnapshot 项目注册表快照，含哈希和时间戳。
type ProjectsSnapshot struct {
	Raw       *ProjectsRaw `json:"raw"`
	Hash      string       `json:"hash"`
	CreatedAt string       `json:"created_at"`
}

// LoadProjectsRaw 加载原始 projects.json。文件不存在返回空表。
func LoadProjectsRaw(path string) (*ProjectsRaw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProjectsRaw{}, nil
		}
		return nil, err
	}

	var raw ProjectsRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("projects.json parse failed", logger.FieldError, err)
		return &ProjectsRaw{}, nil
	}
	return &raw, nil
}

// SaveProjects 原子写入 projects.json (tmp + rename)。
func SaveProjects(path string, data *ProjectsRaw) error {
	projectsMu.Lock()
	defer projectsMu.Unlock()

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadProjectsSnapshot 加载项目注册表快照 (带内容哈希, 供前端变更检测)。
func LoadProjectsSnapshot(path string) (*ProjectsSnapshot, error) {
	raw, err := LoadProjectsRaw(path)
	if err != nil {
		return nil, err
	}

	normalized, _ := json.Marshal(raw)
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(normalized))

	return &ProjectsSnapshot{
		Raw:       raw,
		Hash:      hash,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// UpsertProject 按 ID 更新或追加项目并落盘。
func UpsertProject(path string, p ProjectConfig) error {
	raw, err := LoadProjectsRaw(path)
	if err != nil {
		return err
	}
	found := false
	for i := range raw.Projects {
		if raw.Projects[i].ID == p.ID {
			raw.Projects[i] = p
			found = true
			break
		}
	}
	if !found {
		raw.Projects = append(raw.Projects, p)
	}
	return SaveProjects(path, raw)
}
